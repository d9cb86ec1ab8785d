package types

import (
	"time"
)

// Car is the marketplace view of one on-chain car record. Owner is a hex address and
// PriceWei a base-10 integer string so values survive JSON round trips exactly.
type Car struct {
	ID       uint64 `json:"id"`
	Make     string `json:"make"`
	Model    string `json:"model"`
	Owner    string `json:"owner"`
	PriceWei string `json:"priceWei"`
	ForSale  bool   `json:"forSale"`
}

type SnapshotSource string

const (
	// SnapshotSource_Chain snapshots were read back with getCar
	SnapshotSource_Chain SnapshotSource = "chain"
	// SnapshotSource_Event snapshots were derived from receipt events
	SnapshotSource_Event SnapshotSource = "event"
)

// CarSnapshot is the last reconciled state of a car.
type CarSnapshot struct {
	Car
	BlockNumber uint64         `json:"blockNumber"`
	Source      SnapshotSource `json:"source"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

type TradeStatus string

const (
	TradeStatus_Submitted TradeStatus = "submitted"
	TradeStatus_Confirmed TradeStatus = "confirmed"
	TradeStatus_Failed    TradeStatus = "failed"
	// TradeStatus_Timeout means no receipt arrived in time; the outcome is still open
	TradeStatus_Timeout TradeStatus = "timeout"
)

// IsFinal reports whether no further transition is possible.
func (s TradeStatus) IsFinal() bool {
	return s == TradeStatus_Confirmed || s == TradeStatus_Failed
}

// EventRecord is a decoded event flattened to strings for storage.
type EventRecord struct {
	Name     string            `json:"name"`
	LogIndex uint              `json:"logIndex"`
	Fields   map[string]string `json:"fields"`
}

// TradeRecord is one entry of the marketplace trade journal.
type TradeRecord struct {
	ID              string        `json:"id"`
	Operation       string        `json:"operation"`
	Args            []string      `json:"args"`
	ValueWei        string        `json:"valueWei,omitempty"`
	TransactionHash string        `json:"transactionHash,omitempty"`
	Nonce           *uint64       `json:"nonce,omitempty"`
	Status          TradeStatus   `json:"status"`
	BlockNumber     uint64        `json:"blockNumber,omitempty"`
	RevertReason    string        `json:"revertReason,omitempty"`
	Error           string        `json:"error,omitempty"`
	Events          []EventRecord `json:"events,omitempty"`
	SubmittedAt     time.Time     `json:"submittedAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}
