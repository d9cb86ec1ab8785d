package persistence

import "github.com/Layr-Labs/car-trading-go/pkg/types"

// ITradePersistence stores the marketplace trade journal and the car listing read model.
// All implementations must be thread-safe as requests are served concurrently.
//
// Nothing here is authoritative: the ledger is the source of truth, and everything stored
// can be rebuilt from it.
type ITradePersistence interface {
	// Trade journal

	// SaveTradeRecord upserts a trade record keyed by its ID. When the record carries a
	// transaction hash it also becomes loadable by that hash.
	SaveTradeRecord(record *types.TradeRecord) error

	// LoadTradeRecord retrieves a trade record by ID.
	// Returns nil if it doesn't exist, error only on storage failure.
	LoadTradeRecord(id string) (*types.TradeRecord, error)

	// LoadTradeRecordByHash retrieves a trade record by transaction hash.
	// Returns nil if it doesn't exist, error only on storage failure.
	LoadTradeRecordByHash(txHash string) (*types.TradeRecord, error)

	// ListTradeRecords returns all trade records sorted by submission time (ascending).
	ListTradeRecords() ([]*types.TradeRecord, error)

	// Listing read model

	// SaveCarSnapshot upserts the snapshot for snapshot.ID.
	SaveCarSnapshot(snapshot *types.CarSnapshot) error

	// LoadCarSnapshot returns nil if no snapshot exists for carID.
	LoadCarSnapshot(carID uint64) (*types.CarSnapshot, error)

	// ListCarSnapshots returns all snapshots sorted by car ID.
	ListCarSnapshots() ([]*types.CarSnapshot, error)

	// Lifecycle

	// Close is idempotent. After Close, all other operations return errors.
	Close() error

	// HealthCheck returns nil if the store is usable.
	HealthCheck() error
}
