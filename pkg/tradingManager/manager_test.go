package tradingManager

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/car-trading-go/pkg/descriptor"
	"github.com/Layr-Labs/car-trading-go/pkg/testutil"
	"github.com/Layr-Labs/car-trading-go/pkg/transactionSigner"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	contractAddress = common.HexToAddress(testutil.CarContractAddress)
	ownerAddress    = common.HexToAddress(testutil.OwnerAddress)
	buyerAddress    = common.HexToAddress(testutil.BuyerAddress)
)

func newTestManager(t *testing.T, client *testutil.MockLedgerClient, cfg *TradingManagerConfig) *TradingManager {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	signer, err := transactionSigner.NewPrivateKeySigner(testutil.OwnerPrivateKey, testutil.OwnerAddress, big.NewInt(testutil.TestChainId), logger)
	require.NoError(t, err)

	if cfg == nil {
		cfg = &TradingManagerConfig{}
	}
	if cfg.Descriptor == nil {
		cfg.Descriptor = testutil.CarMarketplaceDescriptor()
	}
	if cfg.ConfirmationTimeout == 0 {
		cfg.ConfirmationTimeout = 5 * time.Second
	}

	tm, err := NewTradingManager(cfg, client, signer, logger)
	require.NoError(t, err)
	return tm
}

func Test_NewTradingManager(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	signer, err := transactionSigner.NewPrivateKeySigner(testutil.OwnerPrivateKey, "", big.NewInt(testutil.TestChainId), logger)
	require.NoError(t, err)

	t.Run("Binds", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		tm, err := NewTradingManager(&TradingManagerConfig{Descriptor: testutil.CarMarketplaceDescriptor()}, client, signer, logger)
		require.NoError(t, err)
		assert.Equal(t, contractAddress, tm.ContractAddress())
		assert.Equal(t, ownerAddress, tm.OwnerAddress())
		assert.Equal(t, DefaultConfirmationTimeout, tm.config.ConfirmationTimeout)
		assert.Zero(t, client.NetworkCalls())
	})

	cases := []struct {
		name       string
		descriptor *descriptor.ContractDescriptor
	}{
		{"MissingDescriptor", nil},
		{"MalformedAddress", &descriptor.ContractDescriptor{Address: "0xAA", JsonInterface: json.RawMessage(testutil.CarMarketplaceABI)}},
		{"MalformedInterface", &descriptor.ContractDescriptor{Address: testutil.CarContractAddress, JsonInterface: json.RawMessage(`{"not":"an abi"`)}},
		{"NoMethods", &descriptor.ContractDescriptor{Address: testutil.CarContractAddress, JsonInterface: json.RawMessage(`[{"type":"event","name":"Ping","inputs":[]}]`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := testutil.NewMockLedgerClient(testutil.TestChainId)
			_, err := NewTradingManager(&TradingManagerConfig{Descriptor: tc.descriptor}, client, signer, logger)
			var bindingErr *BindingError
			require.True(t, errors.As(err, &bindingErr), "expected BindingError, got %v", err)
			assert.Zero(t, client.NetworkCalls())
		})
	}

	t.Run("MissingDependencies", func(t *testing.T) {
		cfg := &TradingManagerConfig{Descriptor: testutil.CarMarketplaceDescriptor()}
		_, err := NewTradingManager(cfg, nil, signer, logger)
		assert.IsType(t, &BindingError{}, err)

		_, err = NewTradingManager(cfg, testutil.NewMockLedgerClient(testutil.TestChainId), nil, logger)
		assert.IsType(t, &BindingError{}, err)
	})
}

func Test_SubmitTrade_BindingErrors(t *testing.T) {
	cases := []struct {
		name      string
		operation string
		args      []interface{}
		value     *big.Int
	}{
		{"UnknownMethod", "sellEverything", nil, nil},
		{"ReadOnlyMethod", "getCar", []interface{}{1}, nil},
		{"WrongArity", "listCar", []interface{}{"Toyota", "Corolla"}, nil},
		{"ValueOnNonPayable", "delistCar", []interface{}{1}, big.NewInt(1)},
		{"NegativeValue", "buyCar", []interface{}{1}, big.NewInt(-1)},
		{"InvalidAddress", "transferOwnership", []interface{}{1, "0xAA"}, nil},
		{"InvalidInteger", "listCar", []interface{}{"Toyota", "Corolla", "lots"}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := testutil.NewMockLedgerClient(testutil.TestChainId)
			tm := newTestManager(t, client, nil)

			result, err := tm.SubmitTrade(context.Background(), tc.operation, tc.args, tc.value)
			assert.Nil(t, result)

			var bindingErr *BindingError
			require.True(t, errors.As(err, &bindingErr), "expected BindingError, got %v", err)
			assert.Equal(t, tc.operation, bindingErr.Operation)
			assert.Zero(t, client.NetworkCalls(), "no ledger call may happen before binding succeeds")
			assert.False(t, IsRetryable(err))
		})
	}
}

func Test_SubmitTrade(t *testing.T) {
	carABI := testutil.ParsedCarABI(t)

	t.Run("ConfirmedWithEvents", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.OnSend = testutil.MinedWith(types.ReceiptStatusSuccessful,
			testutil.EventLog(t, carABI, contractAddress, "CarListed", big.NewInt(1), ownerAddress, testutil.Ether(5)),
			// same event from a different contract
			testutil.EventLog(t, carABI, buyerAddress, "CarListed", big.NewInt(2), ownerAddress, testutil.Ether(1)),
			// unknown topic from the bound contract
			&types.Log{Address: contractAddress, Topics: []common.Hash{common.HexToHash("0xdead")}},
		)
		tm := newTestManager(t, client, nil)

		result, err := tm.SubmitTrade(context.Background(), "listCar", []interface{}{"Toyota", "Corolla", "5000000000000000000"}, nil)
		require.NoError(t, err)

		sent := client.SentTransactions()
		require.Len(t, sent, 1)
		assert.Equal(t, sent[0].Hash(), result.TransactionHash)
		assert.Equal(t, uint64(0), result.Nonce)
		assert.Equal(t, uint64(101), result.BlockNumber)
		assert.Equal(t, "listCar", result.Operation)

		require.Len(t, result.Events, 1)
		event := result.Events[0]
		assert.Equal(t, "CarListed", event.Name)
		assert.Equal(t, contractAddress, event.Address)
		assert.Equal(t, big.NewInt(1), event.Fields["carId"])
		assert.Equal(t, ownerAddress, event.Fields["owner"])
		assert.Equal(t, testutil.Ether(5), event.Fields["price"])

		assert.Empty(t, tm.PendingTransactions())
	})

	t.Run("SignedByOwner", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.OnSend = testutil.MinedWith(types.ReceiptStatusSuccessful)
		tm := newTestManager(t, client, nil)

		_, err := tm.SubmitTrade(context.Background(), "buyCar", []interface{}{1}, testutil.Ether(2))
		require.NoError(t, err)

		tx := client.SentTransactions()[0]
		sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(testutil.TestChainId)), tx)
		require.NoError(t, err)
		assert.Equal(t, ownerAddress, sender)
		assert.Equal(t, contractAddress, *tx.To())
		assert.Equal(t, testutil.Ether(2), tx.Value())
	})

	t.Run("LegacyFees", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.OnSend = testutil.MinedWith(types.ReceiptStatusSuccessful)
		tm := newTestManager(t, client, nil)

		_, err := tm.SubmitTrade(context.Background(), "delistCar", []interface{}{1}, nil)
		require.NoError(t, err)

		tx := client.SentTransactions()[0]
		assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
		assert.Equal(t, big.NewInt(2_000_000_000), tx.GasPrice())
		assert.Equal(t, uint64(72_000), tx.Gas())
	})

	t.Run("DynamicFees", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.OnSend = testutil.MinedWith(types.ReceiptStatusSuccessful)
		client.BaseFee = big.NewInt(10_000_000_000)
		tm := newTestManager(t, client, nil)

		_, err := tm.SubmitTrade(context.Background(), "delistCar", []interface{}{1}, nil)
		require.NoError(t, err)

		tx := client.SentTransactions()[0]
		assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
		assert.Equal(t, big.NewInt(1_000_000_000), tx.GasTipCap())
		assert.Equal(t, big.NewInt(21_000_000_000), tx.GasFeeCap())
		assert.Equal(t, big.NewInt(testutil.TestChainId), tx.ChainId())
	})

	t.Run("FallbackTipCap", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.OnSend = testutil.MinedWith(types.ReceiptStatusSuccessful)
		client.BaseFee = big.NewInt(1_000_000_000)
		client.TipCap = nil
		tm := newTestManager(t, client, nil)

		_, err := tm.SubmitTrade(context.Background(), "delistCar", []interface{}{1}, nil)
		require.NoError(t, err)
		assert.Equal(t, fallbackGasTipCap, client.SentTransactions()[0].GasTipCap())
	})

	t.Run("ConfiguredGasLimit", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.OnSend = testutil.MinedWith(types.ReceiptStatusSuccessful)
		tm := newTestManager(t, client, &TradingManagerConfig{GasLimit: 300_000})

		_, err := tm.SubmitTrade(context.Background(), "delistCar", []interface{}{1}, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(300_000), client.SentTransactions()[0].Gas())
		assert.Zero(t, client.CallCount("EstimateGas"))
	})

	t.Run("RevertedReceipt", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.OnSend = testutil.MinedWith(types.ReceiptStatusFailed)
		client.CallFunc = func(msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
			return nil, &testutil.RevertError{Reason: "Car is not for sale"}
		}
		tm := newTestManager(t, client, nil)

		result, err := tm.SubmitTrade(context.Background(), "buyCar", []interface{}{7}, testutil.Ether(1))
		assert.Nil(t, result)

		var reverted *ExecutionReverted
		require.True(t, errors.As(err, &reverted), "expected ExecutionReverted, got %v", err)
		assert.Equal(t, client.SentTransactions()[0].Hash(), reverted.TransactionHash)
		assert.Equal(t, "Car is not for sale", reverted.Reason)
		assert.False(t, IsRetryable(err))
		assert.Empty(t, tm.PendingTransactions())
	})

	t.Run("RevertedReceiptWithoutReason", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.OnSend = testutil.MinedWith(types.ReceiptStatusFailed)
		tm := newTestManager(t, client, nil)

		_, err := tm.SubmitTrade(context.Background(), "delistCar", []interface{}{7}, nil)
		var reverted *ExecutionReverted
		require.True(t, errors.As(err, &reverted))
		assert.Empty(t, reverted.Reason)
	})

	t.Run("EstimationRevert", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.EstimateFunc = func(msg ethereum.CallMsg) (uint64, error) {
			return 0, &testutil.RevertError{Reason: "Only the owner can transfer"}
		}
		tm := newTestManager(t, client, nil)

		_, err := tm.SubmitTrade(context.Background(), "transferOwnership", []interface{}{1, testutil.BuyerAddress}, nil)
		var reverted *ExecutionReverted
		require.True(t, errors.As(err, &reverted), "expected ExecutionReverted, got %v", err)
		assert.Equal(t, "Only the owner can transfer", reverted.Reason)
		assert.Equal(t, common.Hash{}, reverted.TransactionHash)
		assert.Empty(t, client.SentTransactions())
		assert.Zero(t, client.CallCount("PendingNonceAt"))
	})

	t.Run("SubmissionFailureKeepsNonce", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.OnSend = testutil.MinedWith(types.ReceiptStatusSuccessful)
		client.SetPendingNonce(ownerAddress, 4)
		client.SendErr = fmt.Errorf("connection refused")
		tm := newTestManager(t, client, nil)

		_, err := tm.SubmitTrade(context.Background(), "delistCar", []interface{}{1}, nil)
		var submissionErr *SubmissionError
		require.True(t, errors.As(err, &submissionErr), "expected SubmissionError, got %v", err)
		require.NotNil(t, submissionErr.Nonce)
		assert.Equal(t, uint64(4), *submissionErr.Nonce)
		assert.NotEqual(t, common.Hash{}, submissionErr.TransactionHash)
		assert.True(t, IsRetryable(err))
		assert.Empty(t, tm.PendingTransactions())

		client.SendErr = nil
		result, err := tm.SubmitTrade(context.Background(), "delistCar", []interface{}{1}, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), result.Nonce)
		assert.Equal(t, 2, client.CallCount("PendingNonceAt"))
	})

	t.Run("AcceptedDespiteSendError", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.OnSend = testutil.MinedWith(types.ReceiptStatusSuccessful)
		client.AcceptErr = fmt.Errorf("context deadline exceeded")
		tm := newTestManager(t, client, nil)

		result, err := tm.SubmitTrade(context.Background(), "delistCar", []interface{}{1}, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), result.Nonce)
		assert.Equal(t, client.SentTransactions()[0].Hash(), result.TransactionHash)

		client.AcceptErr = nil
		result, err = tm.SubmitTrade(context.Background(), "delistCar", []interface{}{2}, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), result.Nonce)
		assert.Len(t, client.SentTransactions(), 2, "one ledger transaction per intent")
	})

	t.Run("AcceptedDespiteSendErrorUnmined", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.AcceptErr = fmt.Errorf("context deadline exceeded")
		tm := newTestManager(t, client, &TradingManagerConfig{ConfirmationTimeout: 50 * time.Millisecond})

		_, err := tm.SubmitTrade(context.Background(), "delistCar", []interface{}{1}, nil)
		var timeoutErr *ConfirmationTimeout
		require.True(t, errors.As(err, &timeoutErr), "expected ConfirmationTimeout, got %v", err)
		assert.Equal(t, client.SentTransactions()[0].Hash(), timeoutErr.TransactionHash)
		assert.False(t, IsRetryable(err))
		require.Len(t, tm.PendingTransactions(), 1)
	})

	t.Run("UnverifiableSendErrorIsAmbiguous", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.OnSend = testutil.MinedWith(types.ReceiptStatusSuccessful)
		tm := newTestManager(t, client, nil)

		_, err := tm.SubmitTrade(context.Background(), "delistCar", []interface{}{1}, nil)
		require.NoError(t, err)

		client.OnSend = nil
		client.AcceptErr = fmt.Errorf("connection reset by peer")
		client.NonceErr = fmt.Errorf("rpc unavailable")

		_, err = tm.SubmitTrade(context.Background(), "delistCar", []interface{}{2}, nil)
		var timeoutErr *ConfirmationTimeout
		require.True(t, errors.As(err, &timeoutErr), "expected ConfirmationTimeout, got %v", err)
		assert.Equal(t, client.SentTransactions()[1].Hash(), timeoutErr.TransactionHash)
		assert.False(t, IsRetryable(err))

		pending := tm.PendingTransactions()
		require.Len(t, pending, 1)
		assert.Equal(t, uint64(1), pending[0].Nonce)
	})

	t.Run("NonceLookupFailure", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.NonceErr = fmt.Errorf("rpc unavailable")
		tm := newTestManager(t, client, nil)

		_, err := tm.SubmitTrade(context.Background(), "delistCar", []interface{}{1}, nil)
		var submissionErr *SubmissionError
		require.True(t, errors.As(err, &submissionErr))
		assert.Nil(t, submissionErr.Nonce)
		assert.Empty(t, client.SentTransactions())
	})

	t.Run("SequentialTradesUseConsecutiveNonces", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.OnSend = testutil.MinedWith(types.ReceiptStatusSuccessful)
		tm := newTestManager(t, client, nil)

		for i := 0; i < 3; i++ {
			result, err := tm.SubmitTrade(context.Background(), "delistCar", []interface{}{i}, nil)
			require.NoError(t, err)
			assert.Equal(t, uint64(i), result.Nonce)
		}
		assert.Equal(t, 1, client.CallCount("PendingNonceAt"))
	})
}

func Test_SubmitTrade_Concurrency(t *testing.T) {
	t.Run("DistinctNonces", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.OnSend = testutil.MinedWith(types.ReceiptStatusSuccessful)
		tm := newTestManager(t, client, nil)

		const n = 10
		var wg sync.WaitGroup
		var mu sync.Mutex
		nonces := make([]uint64, 0, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				result, err := tm.SubmitTrade(context.Background(), "listCar", []interface{}{"Make", fmt.Sprintf("Model %d", i), i + 1}, nil)
				require.NoError(t, err)
				mu.Lock()
				nonces = append(nonces, result.Nonce)
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
		for i, nonce := range nonces {
			assert.Equal(t, uint64(i), nonce)
		}
		for i, tx := range client.SentTransactions() {
			assert.Equal(t, uint64(i), tx.Nonce(), "submission order must equal nonce order")
		}
	})

	t.Run("SecondIntentDoesNotWaitForFirstConfirmation", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		timeout := 400 * time.Millisecond
		tm := newTestManager(t, client, &TradingManagerConfig{ConfirmationTimeout: timeout})

		start := time.Now()
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = tm.SubmitTrade(context.Background(), "delistCar", []interface{}{i}, nil)
			}(i)
		}
		wg.Wait()
		elapsed := time.Since(start)

		for _, err := range errs {
			var timeoutErr *ConfirmationTimeout
			require.True(t, errors.As(err, &timeoutErr), "expected ConfirmationTimeout, got %v", err)
		}
		assert.Less(t, elapsed, 2*timeout-50*time.Millisecond)

		sent := client.SentTransactions()
		require.Len(t, sent, 2)
		assert.Equal(t, uint64(0), sent[0].Nonce())
		assert.Equal(t, uint64(1), sent[1].Nonce())

		pending := tm.PendingTransactions()
		require.Len(t, pending, 2)
		assert.Equal(t, uint64(0), pending[0].Nonce)
		assert.Equal(t, TransactionStatus_Submitted, pending[0].Status)
	})
}

func Test_SubmitTrade_Pipelined(t *testing.T) {
	// estimation sees only mined state, so it reverts while the listing is unmined
	estimateAgainstMined := func(client *testutil.MockLedgerClient) func(msg ethereum.CallMsg) (uint64, error) {
		return func(msg ethereum.CallMsg) (uint64, error) {
			for _, tx := range client.SentTransactions() {
				if _, err := client.TransactionReceipt(context.Background(), tx.Hash()); err != nil {
					return 0, &testutil.RevertError{Reason: "Car does not exist"}
				}
			}
			return 60_000, nil
		}
	}

	t.Run("DependentIntentGetsNextNonce", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.EstimateFunc = estimateAgainstMined(client)
		tm := newTestManager(t, client, &TradingManagerConfig{ConfirmationTimeout: 50 * time.Millisecond})

		_, err := tm.SubmitTrade(context.Background(), "listCar", []interface{}{"Audi", "A4", 10}, nil)
		var timeoutErr *ConfirmationTimeout
		require.True(t, errors.As(err, &timeoutErr))

		_, err = tm.SubmitTrade(context.Background(), "delistCar", []interface{}{1}, nil)
		require.True(t, errors.As(err, &timeoutErr), "expected ConfirmationTimeout, got %v", err)

		sent := client.SentTransactions()
		require.Len(t, sent, 2)
		assert.Equal(t, uint64(1), sent[1].Nonce())
		assert.Equal(t, uint64(DefaultPipelineGasLimit), sent[1].Gas())
		assert.Len(t, tm.PendingTransactions(), 2)
	})

	t.Run("ConfiguredPipelineGasLimit", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.EstimateFunc = estimateAgainstMined(client)
		tm := newTestManager(t, client, &TradingManagerConfig{
			ConfirmationTimeout: 50 * time.Millisecond,
			PipelineGasLimit:    250_000,
		})

		_, _ = tm.SubmitTrade(context.Background(), "listCar", []interface{}{"Audi", "A4", 10}, nil)
		_, _ = tm.SubmitTrade(context.Background(), "delistCar", []interface{}{1}, nil)

		sent := client.SentTransactions()
		require.Len(t, sent, 2)
		assert.Equal(t, uint64(250_000), sent[1].Gas())
	})

	t.Run("RevertWithNothingInFlight", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.OnSend = testutil.MinedWith(types.ReceiptStatusSuccessful)
		tm := newTestManager(t, client, nil)

		_, err := tm.SubmitTrade(context.Background(), "listCar", []interface{}{"Audi", "A4", 10}, nil)
		require.NoError(t, err)

		client.EstimateFunc = func(msg ethereum.CallMsg) (uint64, error) {
			return 0, &testutil.RevertError{Reason: "Car does not exist"}
		}
		_, err = tm.SubmitTrade(context.Background(), "delistCar", []interface{}{9}, nil)
		var reverted *ExecutionReverted
		require.True(t, errors.As(err, &reverted))
		assert.Equal(t, "Car does not exist", reverted.Reason)
		assert.Len(t, client.SentTransactions(), 1)
	})
}

func Test_ConfirmationTimeout(t *testing.T) {
	t.Run("TimeoutCarriesHash", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		tm := newTestManager(t, client, &TradingManagerConfig{ConfirmationTimeout: 50 * time.Millisecond})

		_, err := tm.SubmitTrade(context.Background(), "delistCar", []interface{}{1}, nil)
		var timeoutErr *ConfirmationTimeout
		require.True(t, errors.As(err, &timeoutErr))
		assert.Equal(t, client.SentTransactions()[0].Hash(), timeoutErr.TransactionHash)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, IsRetryable(err))
	})

	t.Run("CallerCancellation", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		tm := newTestManager(t, client, &TradingManagerConfig{ConfirmationTimeout: time.Minute})

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := tm.SubmitTrade(ctx, "delistCar", []interface{}{1}, nil)
		var timeoutErr *ConfirmationTimeout
		require.True(t, errors.As(err, &timeoutErr), "expected ConfirmationTimeout, got %v", err)
		assert.Len(t, tm.PendingTransactions(), 1)
	})

	t.Run("ResumeWithTradeStatus", func(t *testing.T) {
		carABI := testutil.ParsedCarABI(t)
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		tm := newTestManager(t, client, &TradingManagerConfig{ConfirmationTimeout: 50 * time.Millisecond})

		_, err := tm.SubmitTrade(context.Background(), "delistCar", []interface{}{3}, nil)
		var timeoutErr *ConfirmationTimeout
		require.True(t, errors.As(err, &timeoutErr))

		status, err := tm.TradeStatus(context.Background(), timeoutErr.TransactionHash)
		require.NoError(t, err)
		assert.Equal(t, TransactionStatus_Submitted, status.Status)
		assert.Nil(t, status.Result)

		client.Mine(timeoutErr.TransactionHash, &types.Receipt{
			Status: types.ReceiptStatusSuccessful,
			Logs:   []*types.Log{testutil.EventLog(t, carABI, contractAddress, "CarDelisted", big.NewInt(3))},
		})

		status, err = tm.TradeStatus(context.Background(), timeoutErr.TransactionHash)
		require.NoError(t, err)
		assert.Equal(t, TransactionStatus_Confirmed, status.Status)
		require.NotNil(t, status.Result)
		assert.Equal(t, "delistCar", status.Result.Operation)
		require.Len(t, status.Result.Events, 1)
		assert.Equal(t, "CarDelisted", status.Result.Events[0].Name)
		assert.Empty(t, tm.PendingTransactions())
	})

	t.Run("ResumeRevertedWithReason", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.CallFunc = func(msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
			return nil, &testutil.RevertError{Reason: "Car already sold"}
		}
		tm := newTestManager(t, client, &TradingManagerConfig{ConfirmationTimeout: 50 * time.Millisecond})

		_, err := tm.SubmitTrade(context.Background(), "buyCar", []interface{}{3}, testutil.Ether(1))
		var timeoutErr *ConfirmationTimeout
		require.True(t, errors.As(err, &timeoutErr))

		client.Mine(timeoutErr.TransactionHash, &types.Receipt{Status: types.ReceiptStatusFailed})

		status, err := tm.TradeStatus(context.Background(), timeoutErr.TransactionHash)
		var reverted *ExecutionReverted
		require.True(t, errors.As(err, &reverted))
		assert.Equal(t, "Car already sold", reverted.Reason)
		assert.Equal(t, TransactionStatus_Failed, status.Status)
	})
}

func Test_Query(t *testing.T) {
	carABI := testutil.ParsedCarABI(t)

	t.Run("DecodesOutputs", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.CallFunc = func(msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
			assert.Nil(t, blockNumber)
			assert.Equal(t, common.Address{}, msg.From)
			assert.Equal(t, contractAddress, *msg.To)
			return testutil.PackCarOutputs(t, carABI, 1, "Toyota", "Corolla", ownerAddress, testutil.Ether(5), true), nil
		}
		tm := newTestManager(t, client, nil)

		result, err := tm.Query(context.Background(), "getCar", []interface{}{"1"})
		require.NoError(t, err)
		assert.Equal(t, "getCar", result.Method)
		require.Len(t, result.Values, 6)
		assert.Equal(t, "Toyota", result.Named["make"])
		assert.Equal(t, "Corolla", result.Named["model"])
		assert.Equal(t, ownerAddress, result.Named["owner"])
		assert.Equal(t, testutil.Ether(5), result.Named["price"])
		assert.Equal(t, true, result.Named["forSale"])

		assert.Zero(t, client.CallCount("PendingNonceAt"))
		assert.Zero(t, client.CallCount("SendTransaction"))
	})

	t.Run("UnnamedOutput", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.CallFunc = func(msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
			return carABI.Methods["getCarCount"].Outputs.Pack(big.NewInt(3))
		}
		tm := newTestManager(t, client, nil)

		result, err := tm.Query(context.Background(), "getCarCount", nil)
		require.NoError(t, err)
		assert.Equal(t, []interface{}{big.NewInt(3)}, result.Values)
		assert.Empty(t, result.Named)
	})

	t.Run("Failures", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		tm := newTestManager(t, client, nil)

		_, err := tm.Query(context.Background(), "nope", nil)
		assert.IsType(t, &QueryError{}, err)
		assert.Zero(t, client.NetworkCalls())

		_, err = tm.Query(context.Background(), "getCar", nil)
		assert.IsType(t, &QueryError{}, err)
		assert.Zero(t, client.NetworkCalls())

		// empty output where a tuple is expected
		_, err = tm.Query(context.Background(), "getCar", []interface{}{1})
		assert.IsType(t, &QueryError{}, err)

		client.CallFunc = func(msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
			return nil, &testutil.RevertError{Reason: "Car does not exist"}
		}
		_, err = tm.Query(context.Background(), "getCar", []interface{}{99})
		var queryErr *QueryError
		require.True(t, errors.As(err, &queryErr))
		assert.Equal(t, "Car does not exist", queryErr.Reason)
		assert.Contains(t, err.Error(), "Car does not exist")
	})

	t.Run("ConcurrentQueriesWhileTradePending", func(t *testing.T) {
		client := testutil.NewMockLedgerClient(testutil.TestChainId)
		client.CallFunc = func(msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
			return carABI.Methods["getCarCount"].Outputs.Pack(big.NewInt(1))
		}
		tm := newTestManager(t, client, &TradingManagerConfig{ConfirmationTimeout: 300 * time.Millisecond})

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = tm.SubmitTrade(context.Background(), "delistCar", []interface{}{1}, nil)
		}()

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := tm.Query(context.Background(), "getCarCount", nil)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		<-done
	})
}

func Test_TradeStatus_UnknownHash(t *testing.T) {
	client := testutil.NewMockLedgerClient(testutil.TestChainId)
	tm := newTestManager(t, client, nil)

	hash := common.HexToHash("0x1234")
	status, err := tm.TradeStatus(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, hash, status.TransactionHash)
	assert.Equal(t, TransactionStatus_Submitted, status.Status)
}
