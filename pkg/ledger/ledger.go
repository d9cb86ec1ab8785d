package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ILedgerClient is the set of ledger RPC primitives the trading manager depends on.
// *ethclient.Client satisfies it; tests inject a mock.
type ILedgerClient interface {
	// SendTransaction submits an already-signed transaction.
	SendTransaction(ctx context.Context, tx *types.Transaction) error

	// TransactionReceipt returns ethereum.NotFound while the transaction is pending.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	// CodeAt is required by bind.WaitMined.
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)

	// CallContract executes a read-only call against the given block, nil meaning latest.
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)

	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)

	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

var _ ILedgerClient = (*ethclient.Client)(nil)
