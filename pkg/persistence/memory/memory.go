package memory

import (
	"sync"

	"github.com/Layr-Labs/car-trading-go/pkg/persistence"
	"github.com/Layr-Labs/car-trading-go/pkg/types"
	"go.uber.org/zap"
)

// MemoryPersistence is an in-memory implementation of ITradePersistence.
//
// All data is lost when the process exits. That is acceptable for the read model since it
// is rebuilt from the ledger, but the trade journal does not survive restarts.
type MemoryPersistence struct {
	mu sync.RWMutex

	// trade ID -> record
	trades map[string]*types.TradeRecord
	// normalized tx hash -> trade ID
	tradesByHash map[string]string
	// car ID -> snapshot
	cars map[uint64]*types.CarSnapshot

	closed bool
}

// NewMemoryPersistence creates a new in-memory persistence layer.
func NewMemoryPersistence(logger *zap.Logger) *MemoryPersistence {
	if logger != nil {
		logger.Sugar().Warnw("Using in-memory persistence, the trade journal will be lost on restart")
	}

	return &MemoryPersistence{
		trades:       make(map[string]*types.TradeRecord),
		tradesByHash: make(map[string]string),
		cars:         make(map[uint64]*types.CarSnapshot),
	}
}

func (m *MemoryPersistence) SaveTradeRecord(record *types.TradeRecord) error {
	if err := persistence.ValidateTradeRecord(record); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistence.ErrClosed
	}

	m.trades[record.ID] = persistence.CopyTradeRecord(record)
	if record.TransactionHash != "" {
		m.tradesByHash[persistence.NormalizeHash(record.TransactionHash)] = record.ID
	}
	return nil
}

func (m *MemoryPersistence) LoadTradeRecord(id string) (*types.TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	record, exists := m.trades[id]
	if !exists {
		return nil, nil
	}
	return persistence.CopyTradeRecord(record), nil
}

func (m *MemoryPersistence) LoadTradeRecordByHash(txHash string) (*types.TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	id, exists := m.tradesByHash[persistence.NormalizeHash(txHash)]
	if !exists {
		return nil, nil
	}
	return persistence.CopyTradeRecord(m.trades[id]), nil
}

func (m *MemoryPersistence) ListTradeRecords() ([]*types.TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	result := make([]*types.TradeRecord, 0, len(m.trades))
	for _, record := range m.trades {
		result = append(result, persistence.CopyTradeRecord(record))
	}
	persistence.SortTradeRecords(result)
	return result, nil
}

func (m *MemoryPersistence) SaveCarSnapshot(snapshot *types.CarSnapshot) error {
	if err := persistence.ValidateSnapshot(snapshot); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistence.ErrClosed
	}

	m.cars[snapshot.ID] = persistence.CopyCarSnapshot(snapshot)
	return nil
}

func (m *MemoryPersistence) LoadCarSnapshot(carID uint64) (*types.CarSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	snapshot, exists := m.cars[carID]
	if !exists {
		return nil, nil
	}
	return persistence.CopyCarSnapshot(snapshot), nil
}

func (m *MemoryPersistence) ListCarSnapshots() ([]*types.CarSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	result := make([]*types.CarSnapshot, 0, len(m.cars))
	for _, snapshot := range m.cars {
		result = append(result, persistence.CopyCarSnapshot(snapshot))
	}
	persistence.SortCarSnapshots(result)
	return result, nil
}

// Close is idempotent.
func (m *MemoryPersistence) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.trades = nil
	m.tradesByHash = nil
	m.cars = nil
	return nil
}

func (m *MemoryPersistence) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return persistence.ErrClosed
	}
	return nil
}
