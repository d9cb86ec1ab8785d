package tradingManager

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Layr-Labs/car-trading-go/pkg/descriptor"
	"github.com/Layr-Labs/car-trading-go/pkg/ledger"
	"github.com/Layr-Labs/car-trading-go/pkg/nonceManager"
	"github.com/Layr-Labs/car-trading-go/pkg/transactionSigner"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultConfirmationTimeout = 3 * time.Minute
	DefaultPipelineGasLimit    = 500_000

	gasBufferPercent  = 20
	baseFeeMultiplier = 2
)

// 1 gwei, used when the node does not support eth_maxPriorityFeePerGas
var fallbackGasTipCap = big.NewInt(1_000_000_000)

type TradingManagerConfig struct {
	Descriptor *descriptor.ContractDescriptor

	// ConfirmationTimeout bounds the wait for a receipt. Zero uses DefaultConfirmationTimeout.
	ConfirmationTimeout time.Duration

	// GasLimit, when non-zero, is used instead of estimating gas.
	GasLimit uint64

	// PipelineGasLimit is sent when estimation reverts while earlier trades of the same
	// identity are still unmined, since estimation runs against state that excludes them.
	// Zero uses DefaultPipelineGasLimit.
	PipelineGasLimit uint64
}

// TradingManager binds one contract to one signing identity. It is safe for concurrent
// use; all transactions share the identity's nonce queue while queries run unordered.
type TradingManager struct {
	config          *TradingManagerConfig
	client          ledger.ILedgerClient
	signer          transactionSigner.ITransactionSigner
	nonces          *nonceManager.NonceManager
	contractAddress common.Address
	contractABI     abi.ABI
	logger          *zap.Logger

	pendingMu sync.Mutex
	pending   map[common.Hash]*pendingEntry
}

type pendingEntry struct {
	PendingTransaction
	tx *types.Transaction
}

// NewTradingManager validates the descriptor and binds it to the signer. It performs no
// network I/O.
func NewTradingManager(
	cfg *TradingManagerConfig,
	client ledger.ILedgerClient,
	signer transactionSigner.ITransactionSigner,
	logger *zap.Logger,
) (*TradingManager, error) {
	if cfg == nil || cfg.Descriptor == nil {
		return nil, &BindingError{Reason: "contract descriptor is required"}
	}
	if client == nil {
		return nil, &BindingError{Reason: "ledger client is required"}
	}
	if signer == nil {
		return nil, &BindingError{Reason: "transaction signer is required"}
	}

	if !common.IsHexAddress(cfg.Descriptor.Address) {
		return nil, &BindingError{Reason: fmt.Sprintf("malformed contract address %q", cfg.Descriptor.Address)}
	}

	contractABI, err := abi.JSON(bytes.NewReader(cfg.Descriptor.JsonInterface))
	if err != nil {
		return nil, &BindingError{Reason: "failed to parse contract interface", Err: err}
	}
	if len(contractABI.Methods) == 0 {
		return nil, &BindingError{Reason: "contract interface declares no methods"}
	}

	bound := *cfg
	if bound.ConfirmationTimeout <= 0 {
		bound.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if bound.PipelineGasLimit == 0 {
		bound.PipelineGasLimit = DefaultPipelineGasLimit
	}

	contractAddress := common.HexToAddress(cfg.Descriptor.Address)
	logger.Sugar().Infow("Bound trading manager",
		zap.String("contract", contractAddress.Hex()),
		zap.String("owner", signer.GetFromAddress().Hex()),
		zap.String("chainId", signer.ChainID().String()),
		zap.Int("methods", len(contractABI.Methods)),
		zap.Int("events", len(contractABI.Events)),
	)

	return &TradingManager{
		config:          &bound,
		client:          client,
		signer:          signer,
		nonces:          nonceManager.NewNonceManager(signer.GetFromAddress(), client, logger),
		contractAddress: contractAddress,
		contractABI:     contractABI,
		logger:          logger,
		pending:         make(map[common.Hash]*pendingEntry),
	}, nil
}

func (tm *TradingManager) ContractAddress() common.Address {
	return tm.contractAddress
}

func (tm *TradingManager) OwnerAddress() common.Address {
	return tm.signer.GetFromAddress()
}

// SubmitTrade executes a state-changing contract method as the bound identity and waits
// for its receipt. value is the amount of wei to attach and may be nil.
func (tm *TradingManager) SubmitTrade(ctx context.Context, operation string, args []interface{}, value *big.Int) (*ConfirmationResult, error) {
	if value == nil {
		value = big.NewInt(0)
	}

	data, err := tm.packTransaction(operation, args, value)
	if err != nil {
		return nil, err
	}

	fees, err := tm.suggestFees(ctx)
	if err != nil {
		return nil, &SubmissionError{Operation: operation, Err: err}
	}

	gasLimit, err := tm.gasLimit(ctx, fees, value, data)
	if err != nil {
		reason, reverted := revertReason(err)
		switch {
		case reverted && tm.hasPending():
			tm.logger.Sugar().Infow("Estimation reverted behind unmined trades, using pipeline gas limit",
				zap.String("operation", operation),
				zap.String("reason", reason),
				zap.Uint64("gasLimit", tm.config.PipelineGasLimit),
			)
			gasLimit = tm.config.PipelineGasLimit
		case reverted:
			return nil, &ExecutionReverted{Reason: reason, Err: err}
		default:
			return nil, &SubmissionError{Operation: operation, Err: err}
		}
	}

	var signedTx *types.Transaction
	nonce, err := tm.nonces.Submit(ctx, func(nonce uint64) error {
		tx, err := tm.signer.SignTransaction(tm.buildTransaction(nonce, gasLimit, fees, value, data))
		if err != nil {
			return err
		}
		signedTx = tx
		return tm.client.SendTransaction(ctx, tx)
	})
	if err != nil {
		if failure := tm.submissionFailure(operation, nonce, signedTx, err); failure != nil {
			return nil, failure
		}
	}

	txHash := signedTx.Hash()
	tm.trackPending(operation, nonce, signedTx)
	tm.logger.Sugar().Infow("Submitted trade",
		zap.String("operation", operation),
		zap.String("txHash", txHash.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gasLimit", gasLimit),
	)

	receipt, err := tm.awaitReceipt(ctx, signedTx)
	if err != nil {
		tm.logger.Sugar().Warnw("Trade not confirmed in time",
			zap.String("operation", operation),
			zap.String("txHash", txHash.Hex()),
			zap.Duration("timeout", tm.config.ConfirmationTimeout),
		)
		return nil, &ConfirmationTimeout{TransactionHash: txHash, Err: err}
	}

	return tm.resolveReceipt(ctx, operation, nonce, signedTx, receipt)
}

// submissionFailure classifies a failed nonce slot. It returns nil when the ledger counted
// the nonce of a signed transaction, in which case the trade is treated as submitted.
func (tm *TradingManager) submissionFailure(operation string, nonce uint64, signedTx *types.Transaction, err error) error {
	var submitErr *nonceManager.SubmitError
	if !errors.As(err, &submitErr) {
		// no nonce was allocated
		return &SubmissionError{Operation: operation, Err: err}
	}

	if signedTx == nil {
		return &SubmissionError{Operation: operation, Nonce: &nonce, Err: submitErr.Err}
	}

	txHash := signedTx.Hash()
	switch {
	case submitErr.Consumed:
		tm.logger.Sugar().Warnw("Ledger accepted trade despite submission error",
			zap.String("operation", operation),
			zap.String("txHash", txHash.Hex()),
			zap.Uint64("nonce", nonce),
			zap.Error(submitErr.Err),
		)
		return nil
	case !submitErr.Verified:
		// the transaction may be in the pool; only its hash can settle it
		tm.trackPending(operation, nonce, signedTx)
		tm.logger.Sugar().Warnw("Trade submission outcome unknown",
			zap.String("operation", operation),
			zap.String("txHash", txHash.Hex()),
			zap.Uint64("nonce", nonce),
			zap.Error(submitErr.Err),
		)
		return &ConfirmationTimeout{TransactionHash: txHash, Err: submitErr.Err}
	default:
		tm.logger.Sugar().Errorw("Failed to submit trade",
			zap.String("operation", operation),
			zap.String("txHash", txHash.Hex()),
			zap.Error(submitErr.Err),
		)
		return &SubmissionError{Operation: operation, Nonce: &nonce, TransactionHash: txHash, Err: submitErr.Err}
	}
}

// Query performs a read-only call against the latest ledger state. It never signs or
// allocates a nonce.
func (tm *TradingManager) Query(ctx context.Context, method string, args []interface{}) (*QueryResult, error) {
	m, ok := tm.contractABI.Methods[method]
	if !ok {
		return nil, &QueryError{Method: method, Reason: "method not found in contract interface"}
	}

	coerced, err := coerceArguments(m.Inputs, args)
	if err != nil {
		return nil, &QueryError{Method: method, Reason: "invalid arguments", Err: err}
	}
	data, err := tm.contractABI.Pack(method, coerced...)
	if err != nil {
		return nil, &QueryError{Method: method, Reason: "failed to encode call", Err: err}
	}

	to := tm.contractAddress
	output, err := tm.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		reason, _ := revertReason(err)
		return nil, &QueryError{Method: method, Reason: reason, Err: err}
	}

	values, err := m.Outputs.Unpack(output)
	if err != nil {
		return nil, &QueryError{Method: method, Reason: "failed to decode output", Err: err}
	}

	named := make(map[string]interface{})
	for i, out := range m.Outputs {
		if out.Name != "" && i < len(values) {
			named[out.Name] = values[i]
		}
	}

	return &QueryResult{Method: method, Values: values, Named: named}, nil
}

// TradeStatus looks a previously submitted transaction up by hash, for callers that hit
// a ConfirmationTimeout. A transaction with no receipt is reported as submitted.
func (tm *TradingManager) TradeStatus(ctx context.Context, txHash common.Hash) (*TradeStatus, error) {
	receipt, err := tm.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &TradeStatus{TransactionHash: txHash, Status: TransactionStatus_Submitted}, nil
		}
		return nil, &QueryError{Method: "transactionReceipt", Err: err}
	}

	var (
		operation string
		nonce     uint64
		tx        *types.Transaction
	)
	tm.pendingMu.Lock()
	if entry, ok := tm.pending[txHash]; ok {
		operation, nonce, tx = entry.Operation, entry.Nonce, entry.tx
	}
	tm.pendingMu.Unlock()

	result, err := tm.resolveReceipt(ctx, operation, nonce, tx, receipt)
	if err != nil {
		return &TradeStatus{TransactionHash: txHash, Status: TransactionStatus_Failed}, err
	}
	return &TradeStatus{TransactionHash: txHash, Status: TransactionStatus_Confirmed, Result: result}, nil
}

// PendingTransactions returns the in-flight table ordered by nonce.
func (tm *TradingManager) PendingTransactions() []PendingTransaction {
	tm.pendingMu.Lock()
	defer tm.pendingMu.Unlock()

	out := make([]PendingTransaction, 0, len(tm.pending))
	for _, entry := range tm.pending {
		out = append(out, entry.PendingTransaction)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out
}

func (tm *TradingManager) packTransaction(operation string, args []interface{}, value *big.Int) ([]byte, error) {
	method, ok := tm.contractABI.Methods[operation]
	if !ok {
		return nil, &BindingError{Operation: operation, Reason: "method not found in contract interface"}
	}
	if method.IsConstant() {
		return nil, &BindingError{Operation: operation, Reason: "method is read-only, use Query"}
	}
	if value.Sign() < 0 {
		return nil, &BindingError{Operation: operation, Reason: "value cannot be negative"}
	}
	if value.Sign() > 0 && !method.IsPayable() {
		return nil, &BindingError{Operation: operation, Reason: "method is not payable"}
	}

	coerced, err := coerceArguments(method.Inputs, args)
	if err != nil {
		return nil, &BindingError{Operation: operation, Reason: "invalid arguments", Err: err}
	}
	data, err := tm.contractABI.Pack(operation, coerced...)
	if err != nil {
		return nil, &BindingError{Operation: operation, Reason: "failed to encode call", Err: err}
	}
	return data, nil
}

func (tm *TradingManager) suggestFees(ctx context.Context) (*feeParams, error) {
	header, err := tm.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block header: %w", err)
	}

	if header.BaseFee == nil {
		gasPrice, err := tm.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		return &feeParams{gasPrice: gasPrice}, nil
	}

	gasTipCap, err := tm.client.SuggestGasTipCap(ctx)
	if err != nil {
		tm.logger.Sugar().Warnw("Cannot get gasTipCap, using fallback", zap.Error(err))
		gasTipCap = new(big.Int).Set(fallbackGasTipCap)
	}

	// basefee * 2 + tip
	gasFeeCap := new(big.Int).Add(
		new(big.Int).Mul(header.BaseFee, big.NewInt(baseFeeMultiplier)),
		gasTipCap,
	)
	return &feeParams{gasTipCap: gasTipCap, gasFeeCap: gasFeeCap}, nil
}

func (tm *TradingManager) gasLimit(ctx context.Context, fees *feeParams, value *big.Int, data []byte) (uint64, error) {
	if tm.config.GasLimit > 0 {
		return tm.config.GasLimit, nil
	}

	to := tm.contractAddress
	msg := ethereum.CallMsg{
		From:  tm.signer.GetFromAddress(),
		To:    &to,
		Value: value,
		Data:  data,
	}
	if fees.isDynamic() {
		msg.GasTipCap, msg.GasFeeCap = fees.gasTipCap, fees.gasFeeCap
	} else {
		msg.GasPrice = fees.gasPrice
	}

	estimated, err := tm.client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}
	return addGasBuffer(estimated), nil
}

func addGasBuffer(gasLimit uint64) uint64 {
	return gasLimit + gasLimit*gasBufferPercent/100
}

func (tm *TradingManager) buildTransaction(nonce uint64, gasLimit uint64, fees *feeParams, value *big.Int, data []byte) *types.Transaction {
	to := tm.contractAddress
	if fees.isDynamic() {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   tm.signer.ChainID(),
			Nonce:     nonce,
			GasTipCap: fees.gasTipCap,
			GasFeeCap: fees.gasFeeCap,
			Gas:       gasLimit,
			To:        &to,
			Value:     value,
			Data:      data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: fees.gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    value,
		Data:     data,
	})
}

func (tm *TradingManager) awaitReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, tm.config.ConfirmationTimeout)
	defer cancel()
	return bind.WaitMined(waitCtx, tm.client, tx)
}

// resolveReceipt turns a receipt into a result or an ExecutionReverted. tx may be nil when
// the transaction was not submitted by this process, in which case no revert reason is
// recovered.
func (tm *TradingManager) resolveReceipt(ctx context.Context, operation string, nonce uint64, tx *types.Transaction, receipt *types.Receipt) (*ConfirmationResult, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := ""
		if tx != nil {
			reason = tm.replayRevertReason(ctx, tx, receipt.BlockNumber)
		}
		tm.resolvePending(receipt.TxHash, TransactionStatus_Failed)
		tm.logger.Sugar().Warnw("Trade reverted",
			zap.String("operation", operation),
			zap.String("txHash", receipt.TxHash.Hex()),
			zap.String("reason", reason),
		)
		return nil, &ExecutionReverted{TransactionHash: receipt.TxHash, Reason: reason}
	}

	result := &ConfirmationResult{
		Operation:       operation,
		TransactionHash: receipt.TxHash,
		Nonce:           nonce,
		BlockHash:       receipt.BlockHash,
		GasUsed:         receipt.GasUsed,
		Events:          tm.ReconcileReceipt(receipt),
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}

	tm.resolvePending(receipt.TxHash, TransactionStatus_Confirmed)
	tm.logger.Sugar().Infow("Trade confirmed",
		zap.String("operation", operation),
		zap.String("txHash", receipt.TxHash.Hex()),
		zap.Uint64("blockNumber", result.BlockNumber),
		zap.Int("events", len(result.Events)),
	)
	return result, nil
}

// replayRevertReason re-executes tx at the block it was mined in to recover the revert
// reason. Best effort; an empty string means none was recovered.
func (tm *TradingManager) replayRevertReason(ctx context.Context, tx *types.Transaction, blockNumber *big.Int) string {
	_, err := tm.client.CallContract(ctx, ethereum.CallMsg{
		From:  tm.signer.GetFromAddress(),
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, blockNumber)
	if err == nil {
		return ""
	}
	reason, _ := revertReason(err)
	return reason
}

func (tm *TradingManager) trackPending(operation string, nonce uint64, tx *types.Transaction) {
	tm.pendingMu.Lock()
	defer tm.pendingMu.Unlock()
	tm.pending[tx.Hash()] = &pendingEntry{
		PendingTransaction: PendingTransaction{
			Operation:       operation,
			TransactionHash: tx.Hash(),
			Nonce:           nonce,
			Status:          TransactionStatus_Submitted,
			SubmittedAt:     time.Now(),
		},
		tx: tx,
	}
}

func (tm *TradingManager) hasPending() bool {
	tm.pendingMu.Lock()
	defer tm.pendingMu.Unlock()
	return len(tm.pending) > 0
}

// resolvePending drops a resolved transaction from the in-flight table.
func (tm *TradingManager) resolvePending(txHash common.Hash, status TransactionStatus) {
	tm.pendingMu.Lock()
	defer tm.pendingMu.Unlock()
	if _, ok := tm.pending[txHash]; ok {
		delete(tm.pending, txHash)
		tm.logger.Sugar().Debugw("Resolved pending transaction",
			zap.String("txHash", txHash.Hex()),
			zap.String("status", string(status)),
		)
	}
}

// revertReason reports whether err is an execution revert and, if the node returned revert
// data, the decoded reason.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data := revertData(dataErr.ErrorData()); len(data) > 0 {
			if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
				return reason, true
			}
			return "", true
		}
	}

	msg := err.Error()
	idx := strings.Index(msg, "execution reverted")
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimPrefix(msg[idx+len("execution reverted"):], ":")
	return strings.TrimSpace(reason), true
}

func revertData(data interface{}) []byte {
	switch d := data.(type) {
	case string:
		decoded, err := hexutil.Decode(d)
		if err != nil {
			return nil
		}
		return decoded
	case []byte:
		return d
	default:
		return nil
	}
}
