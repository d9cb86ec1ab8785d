package persistence

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Layr-Labs/car-trading-go/pkg/types"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = fmt.Errorf("persistence layer is closed")

// NormalizeHash gives transaction hashes one canonical form for indexing.
func NormalizeHash(txHash string) string {
	return strings.ToLower(strings.TrimSpace(txHash))
}

// ValidateTradeRecord checks the fields every backend keys on.
func ValidateTradeRecord(record *types.TradeRecord) error {
	if record == nil {
		return fmt.Errorf("cannot save nil TradeRecord")
	}
	if record.ID == "" {
		return fmt.Errorf("trade record ID cannot be empty")
	}
	return nil
}

// SortTradeRecords orders records by submission time, then ID.
func SortTradeRecords(records []*types.TradeRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].SubmittedAt.Equal(records[j].SubmittedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].SubmittedAt.Before(records[j].SubmittedAt)
	})
}

func SortCarSnapshots(snapshots []*types.CarSnapshot) {
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].ID < snapshots[j].ID
	})
}

func ValidateSnapshot(snapshot *types.CarSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("cannot save nil CarSnapshot")
	}
	return nil
}
