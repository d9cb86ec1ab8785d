package tradingManager

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type TransactionStatus string

const (
	TransactionStatus_Submitted TransactionStatus = "submitted"
	TransactionStatus_Confirmed TransactionStatus = "confirmed"
	TransactionStatus_Failed    TransactionStatus = "failed"
)

// DecodedEvent is one contract log decoded against the interface.
type DecodedEvent struct {
	Name     string                 `json:"name"`
	Address  common.Address         `json:"address"`
	LogIndex uint                   `json:"logIndex"`
	Fields   map[string]interface{} `json:"fields"`
}

// ConfirmationResult is returned for a trade whose receipt reports success.
type ConfirmationResult struct {
	Operation       string         `json:"operation"`
	TransactionHash common.Hash    `json:"transactionHash"`
	Nonce           uint64         `json:"nonce"`
	BlockNumber     uint64         `json:"blockNumber"`
	BlockHash       common.Hash    `json:"blockHash"`
	GasUsed         uint64         `json:"gasUsed"`
	Events          []DecodedEvent `json:"events"`
}

// QueryResult holds the decoded outputs of a read-only call. Values are positional;
// Named holds the subset of outputs that have names in the interface.
type QueryResult struct {
	Method string                 `json:"method"`
	Values []interface{}          `json:"values"`
	Named  map[string]interface{} `json:"named"`
}

// PendingTransaction is an entry in the in-flight table.
type PendingTransaction struct {
	Operation       string            `json:"operation"`
	TransactionHash common.Hash       `json:"transactionHash"`
	Nonce           uint64            `json:"nonce"`
	Status          TransactionStatus `json:"status"`
	SubmittedAt     time.Time         `json:"submittedAt"`
}

// TradeStatus is the result of looking a transaction up by hash.
type TradeStatus struct {
	TransactionHash common.Hash         `json:"transactionHash"`
	Status          TransactionStatus   `json:"status"`
	Result          *ConfirmationResult `json:"result,omitempty"`
}

// fees chosen for one transaction; exactly one of gasPrice or the 1559 pair is set
type feeParams struct {
	gasPrice  *big.Int
	gasTipCap *big.Int
	gasFeeCap *big.Int
}

func (f *feeParams) isDynamic() bool {
	return f.gasFeeCap != nil
}
