package transactionSigner

import (
	"fmt"
	"math/big"

	"github.com/Layr-Labs/car-trading-go/pkg/config"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// ITransactionSigner signs transactions for exactly one identity.
type ITransactionSigner interface {
	// SignTransaction signs tx locally; the key never leaves the process
	SignTransaction(tx *types.Transaction) (*types.Transaction, error)

	// GetFromAddress returns the address that will be used for signing
	GetFromAddress() common.Address

	// ChainID returns the chain the signer produces replay-protected signatures for
	ChainID() *big.Int
}

type SignerConfig struct {
	PrivateKey  string         `json:"privateKey" yaml:"privateKey"`
	FromAddress string         `json:"fromAddress" yaml:"fromAddress"`
	ChainId     config.ChainId `json:"chainId" yaml:"chainId"`
}

func NewTransactionSigner(cfg *SignerConfig, logger *zap.Logger) (ITransactionSigner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("signer config cannot be nil")
	}
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("private key cannot be empty")
	}
	if cfg.ChainId == 0 {
		return nil, fmt.Errorf("chain id cannot be zero")
	}

	return NewPrivateKeySigner(cfg.PrivateKey, cfg.FromAddress, new(big.Int).SetUint64(uint64(cfg.ChainId)), logger)
}
