package badger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/Layr-Labs/car-trading-go/pkg/persistence"
	"github.com/Layr-Labs/car-trading-go/pkg/types"
	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// Key prefixes for namespacing
const (
	keyPrefixTrade       = "trade:"
	keyPrefixTradeHash   = "trade_hash:"
	keyPrefixCar         = "car:"
	keySchemaVersion     = "metadata:schema_version"
	currentSchemaVersion = "v1"
)

// BadgerPersistence is a disk-backed ITradePersistence.
type BadgerPersistence struct {
	db       *badgerdb.DB
	logger   *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// NewBadgerPersistence opens the database at dataPath with SyncWrites enabled and starts
// a background value log GC.
func NewBadgerPersistence(dataPath string, logger *zap.Logger) (*BadgerPersistence, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", absPath, err)
	}

	bp := &BadgerPersistence{
		db:     db,
		logger: logger,
	}

	if err := bp.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bp.gcCancel = cancel
	bp.gcWg.Add(1)
	go bp.runGC(ctx)

	logger.Sugar().Infow("Badger persistence initialized", "path", absPath)

	return bp, nil
}

func tradeKey(id string) []byte {
	return []byte(keyPrefixTrade + id)
}

func tradeHashKey(txHash string) []byte {
	return []byte(keyPrefixTradeHash + persistence.NormalizeHash(txHash))
}

// zero-padded so iteration order is numeric order
func carKey(carID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefixCar, carID))
}

func (b *BadgerPersistence) initSchema() error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		var existingVersion string
		err = item.Value(func(val []byte) error {
			existingVersion = string(val)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to read schema version value: %w", err)
		}

		if existingVersion != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
		}

		return nil
	})
}

func (b *BadgerPersistence) runGC(ctx context.Context) {
	defer b.gcWg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && err != badgerdb.ErrNoRewrite {
				b.logger.Sugar().Warnw("Badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// get copies the value at key, returning nil when the key is absent.
func (b *BadgerPersistence) get(key []byte) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key)
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	return data, err
}

// scan calls fn with a copy of every value under prefix, in key order.
func (b *BadgerPersistence) scan(prefix string, fn func(key string, val []byte)) error {
	return b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read value: %w", err)
			}
			fn(string(item.Key()), data)
		}
		return nil
	})
}

// SaveTradeRecord writes the record and its hash index in one transaction.
func (b *BadgerPersistence) SaveTradeRecord(record *types.TradeRecord) error {
	if err := persistence.ValidateTradeRecord(record); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return persistence.ErrClosed
	}

	data, err := persistence.MarshalTradeRecord(record)
	if err != nil {
		return fmt.Errorf("failed to marshal TradeRecord: %w", err)
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(tradeKey(record.ID), data); err != nil {
			return err
		}
		if record.TransactionHash != "" {
			return txn.Set(tradeHashKey(record.TransactionHash), []byte(record.ID))
		}
		return nil
	})
}

func (b *BadgerPersistence) LoadTradeRecord(id string) (*types.TradeRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, persistence.ErrClosed
	}
	return b.loadTradeRecord(id)
}

// caller holds mu
func (b *BadgerPersistence) loadTradeRecord(id string) (*types.TradeRecord, error) {
	data, err := b.get(tradeKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load TradeRecord: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	record, err := persistence.UnmarshalTradeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal TradeRecord: %w", err)
	}
	return record, nil
}

func (b *BadgerPersistence) LoadTradeRecordByHash(txHash string) (*types.TradeRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, persistence.ErrClosed
	}

	id, err := b.get(tradeHashKey(txHash))
	if err != nil {
		return nil, fmt.Errorf("failed to load trade hash index: %w", err)
	}
	if id == nil {
		return nil, nil
	}
	return b.loadTradeRecord(string(id))
}

func (b *BadgerPersistence) ListTradeRecords() ([]*types.TradeRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, persistence.ErrClosed
	}

	records := make([]*types.TradeRecord, 0)
	err := b.scan(keyPrefixTrade, func(key string, val []byte) {
		record, err := persistence.UnmarshalTradeRecord(val)
		if err != nil {
			b.logger.Sugar().Warnw("Failed to unmarshal TradeRecord, skipping", "key", key, "error", err)
			return
		}
		records = append(records, record)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list TradeRecords: %w", err)
	}

	persistence.SortTradeRecords(records)
	return records, nil
}

func (b *BadgerPersistence) SaveCarSnapshot(snapshot *types.CarSnapshot) error {
	if err := persistence.ValidateSnapshot(snapshot); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return persistence.ErrClosed
	}

	data, err := persistence.MarshalCarSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal CarSnapshot: %w", err)
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(carKey(snapshot.ID), data)
	})
}

func (b *BadgerPersistence) LoadCarSnapshot(carID uint64) (*types.CarSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, persistence.ErrClosed
	}

	data, err := b.get(carKey(carID))
	if err != nil {
		return nil, fmt.Errorf("failed to load CarSnapshot: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	snapshot, err := persistence.UnmarshalCarSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal CarSnapshot: %w", err)
	}
	return snapshot, nil
}

func (b *BadgerPersistence) ListCarSnapshots() ([]*types.CarSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, persistence.ErrClosed
	}

	snapshots := make([]*types.CarSnapshot, 0)
	err := b.scan(keyPrefixCar, func(key string, val []byte) {
		snapshot, err := persistence.UnmarshalCarSnapshot(val)
		if err != nil {
			b.logger.Sugar().Warnw("Failed to unmarshal CarSnapshot, skipping", "key", key, "error", err)
			return
		}
		snapshots = append(snapshots, snapshot)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list CarSnapshots: %w", err)
	}
	return snapshots, nil
}

// Close stops GC and closes the database. Idempotent.
func (b *BadgerPersistence) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.gcCancel != nil {
		b.gcCancel()
	}
	b.gcWg.Wait()

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}

	b.logger.Sugar().Info("Badger persistence closed")
	return nil
}

func (b *BadgerPersistence) HealthCheck() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return persistence.ErrClosed
	}

	return b.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return fmt.Errorf("schema version not found - database may be corrupted")
		}
		return err
	})
}
