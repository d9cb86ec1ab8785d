package testutil

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ReceiptFunc decides how a sent transaction is mined. Returning nil leaves it pending.
type ReceiptFunc func(tx *types.Transaction) *types.Receipt

// MinedWith mines every transaction with status and a copy of logs.
func MinedWith(status uint64, logs ...*types.Log) ReceiptFunc {
	return func(tx *types.Transaction) *types.Receipt {
		copied := make([]*types.Log, 0, len(logs))
		for _, l := range logs {
			c := *l
			copied = append(copied, &c)
		}
		return &types.Receipt{
			Status:  status,
			GasUsed: 50_000,
			Logs:    copied,
		}
	}
}

// RevertError mimics the JSON-RPC error returned for a reverted call, carrying the
// revert payload in its error data.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return "execution reverted: " + e.Reason
}

func (e *RevertError) ErrorCode() int {
	return 3
}

func (e *RevertError) ErrorData() interface{} {
	return hexutil.Encode(RevertData(e.Reason))
}

// MockLedgerClient is an in-memory ledger.ILedgerClient. Transactions are accepted in
// order, mined according to OnSend, and recorded for inspection. Safe for concurrent use.
type MockLedgerClient struct {
	mu sync.Mutex

	// OnSend mines each accepted transaction. Nil leaves transactions pending.
	OnSend ReceiptFunc
	// SendErr, when set, is returned from SendTransaction and the tx is not accepted.
	SendErr error
	// AcceptErr, when set, is returned from SendTransaction after the tx was accepted,
	// like a response lost in transport.
	AcceptErr error
	// CallFunc answers CallContract; nil returns empty output.
	CallFunc func(msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	// EstimateFunc answers EstimateGas; nil returns 60000.
	EstimateFunc func(msg ethereum.CallMsg) (uint64, error)
	// NonceErr, when set, is returned from PendingNonceAt.
	NonceErr error

	// BaseFee on the latest header; nil means a pre-London chain.
	BaseFee  *big.Int
	GasPrice *big.Int
	TipCap   *big.Int

	chainID     *big.Int
	blockNumber uint64
	nonces      map[common.Address]uint64
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	calls       map[string]int
}

func NewMockLedgerClient(chainID int64) *MockLedgerClient {
	return &MockLedgerClient{
		chainID:     big.NewInt(chainID),
		blockNumber: 100,
		GasPrice:    big.NewInt(2_000_000_000),
		TipCap:      big.NewInt(1_000_000_000),
		nonces:      make(map[common.Address]uint64),
		receipts:    make(map[common.Hash]*types.Receipt),
		calls:       make(map[string]int),
	}
}

func (m *MockLedgerClient) record(method string) {
	m.mu.Lock()
	m.calls[method]++
	m.mu.Unlock()
}

// CallCount returns how many times method was invoked.
func (m *MockLedgerClient) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// NetworkCalls returns the total number of calls across all methods.
func (m *MockLedgerClient) NetworkCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// SentTransactions returns accepted transactions in submission order.
func (m *MockLedgerClient) SentTransactions() []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Transaction, len(m.sent))
	copy(out, m.sent)
	return out
}

// SetPendingNonce sets the nonce the ledger expects next from account.
func (m *MockLedgerClient) SetPendingNonce(account common.Address, nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[account] = nonce
}

// Mine attaches a receipt to an already-sent transaction.
func (m *MockLedgerClient) Mine(txHash common.Hash, receipt *types.Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeReceipt(txHash, receipt)
}

// caller holds mu
func (m *MockLedgerClient) storeReceipt(txHash common.Hash, receipt *types.Receipt) {
	m.blockNumber++
	receipt.TxHash = txHash
	receipt.BlockNumber = new(big.Int).SetUint64(m.blockNumber)
	receipt.BlockHash = crypto.Keccak256Hash(receipt.BlockNumber.Bytes())
	for i, l := range receipt.Logs {
		l.TxHash = txHash
		l.BlockNumber = m.blockNumber
		l.BlockHash = receipt.BlockHash
		l.Index = uint(i)
	}
	m.receipts[txHash] = receipt
}

func (m *MockLedgerClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.record("SendTransaction")
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.SendErr != nil {
		err := m.SendErr
		m.mu.Unlock()
		return err
	}

	sender, err := types.Sender(types.LatestSignerForChainID(m.chainID), tx)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("invalid sender: %w", err)
	}
	if expected := m.nonces[sender]; tx.Nonce() != expected {
		m.mu.Unlock()
		return fmt.Errorf("nonce too low: next nonce %d, tx nonce %d", expected, tx.Nonce())
	}
	m.nonces[sender] = tx.Nonce() + 1
	m.sent = append(m.sent, tx)
	onSend := m.OnSend
	acceptErr := m.AcceptErr
	m.mu.Unlock()

	if onSend != nil {
		if receipt := onSend(tx); receipt != nil {
			m.Mine(tx.Hash(), receipt)
		}
	}
	return acceptErr
}

func (m *MockLedgerClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.record("TransactionReceipt")
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt, ok := m.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (m *MockLedgerClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	m.record("CodeAt")
	return []byte{0x60, 0x80}, nil
}

func (m *MockLedgerClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	m.record("CallContract")
	m.mu.Lock()
	fn := m.CallFunc
	m.mu.Unlock()
	if fn == nil {
		return []byte{}, nil
	}
	return fn(msg, blockNumber)
}

func (m *MockLedgerClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.record("PendingNonceAt")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NonceErr != nil {
		return 0, m.NonceErr
	}
	return m.nonces[account], nil
}

func (m *MockLedgerClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	m.record("EstimateGas")
	m.mu.Lock()
	fn := m.EstimateFunc
	m.mu.Unlock()
	if fn == nil {
		return 60_000, nil
	}
	return fn(msg)
}

func (m *MockLedgerClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	m.record("SuggestGasPrice")
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.GasPrice), nil
}

func (m *MockLedgerClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	m.record("SuggestGasTipCap")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TipCap == nil {
		return nil, fmt.Errorf("method eth_maxPriorityFeePerGas not supported")
	}
	return new(big.Int).Set(m.TipCap), nil
}

func (m *MockLedgerClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	m.record("HeaderByNumber")
	m.mu.Lock()
	defer m.mu.Unlock()
	header := &types.Header{Number: new(big.Int).SetUint64(m.blockNumber)}
	if m.BaseFee != nil {
		header.BaseFee = new(big.Int).Set(m.BaseFee)
	}
	return header, nil
}
