package transactionSigner

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// PrivateKeySigner implements ITransactionSigner with an in-memory ECDSA key
type PrivateKeySigner struct {
	privateKey  *ecdsa.PrivateKey
	fromAddress common.Address
	chainID     *big.Int
	signer      types.Signer
	logger      *zap.Logger
}

// NewPrivateKeySigner creates a signer from a hex private key. When expectedAddress is
// non-empty the key must derive to it.
func NewPrivateKeySigner(privateKeyHex string, expectedAddress string, chainID *big.Int, logger *zap.Logger) (*PrivateKeySigner, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id must be positive")
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		// the parse error can echo key material, so it is not wrapped
		return nil, fmt.Errorf("failed to parse private key")
	}

	fromAddress := crypto.PubkeyToAddress(privateKey.PublicKey)
	if expectedAddress != "" {
		if !common.IsHexAddress(expectedAddress) {
			return nil, fmt.Errorf("invalid owner address format: %s", expectedAddress)
		}
		if common.HexToAddress(expectedAddress) != fromAddress {
			return nil, fmt.Errorf("private key does not match owner address %s", expectedAddress)
		}
	}

	logger.Sugar().Infow("Created private key signer",
		zap.String("address", fromAddress.Hex()),
		zap.String("chainId", chainID.String()),
	)

	return &PrivateKeySigner{
		privateKey:  privateKey,
		fromAddress: fromAddress,
		chainID:     new(big.Int).Set(chainID),
		signer:      types.LatestSignerForChainID(chainID),
		logger:      logger,
	}, nil
}

// SignTransaction signs tx with the owner key
func (pks *PrivateKeySigner) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	if tx == nil {
		return nil, fmt.Errorf("cannot sign nil transaction")
	}
	signed, err := types.SignTx(tx, pks.signer, pks.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// GetFromAddress returns the address that will be used for signing
func (pks *PrivateKeySigner) GetFromAddress() common.Address {
	return pks.fromAddress
}

func (pks *PrivateKeySigner) ChainID() *big.Int {
	return new(big.Int).Set(pks.chainID)
}

// String keeps the key out of formatted output.
func (pks *PrivateKeySigner) String() string {
	return fmt.Sprintf("PrivateKeySigner(%s)", pks.fromAddress.Hex())
}
