package marketplace

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/Layr-Labs/car-trading-go/pkg/listingProjector"
	"github.com/Layr-Labs/car-trading-go/pkg/persistence"
	"github.com/Layr-Labs/car-trading-go/pkg/tradingManager"
	"github.com/Layr-Labs/car-trading-go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	methodListCar           = "listCar"
	methodBuyCar            = "buyCar"
	methodTransferOwnership = "transferOwnership"
	methodDelistCar         = "delistCar"
	methodGetCar            = "getCar"
	methodGetCarCount       = "getCarCount"

	DefaultQueryConcurrency = 8
	DefaultMaxListedCars    = 1000
)

var (
	ErrCarNotFound   = errors.New("car not found")
	ErrTradeNotFound = errors.New("trade not found")
)

// ITradingManager is the part of the trading manager the marketplace drives.
type ITradingManager interface {
	SubmitTrade(ctx context.Context, operation string, args []interface{}, value *big.Int) (*tradingManager.ConfirmationResult, error)
	Query(ctx context.Context, method string, args []interface{}) (*tradingManager.QueryResult, error)
	TradeStatus(ctx context.Context, txHash common.Hash) (*tradingManager.TradeStatus, error)
}

type MarketplaceConfig struct {
	// QueryConcurrency bounds the getCar calls ListCars runs at once
	QueryConcurrency int
	// MaxListedCars caps how many cars ListCars reads; the most recent ids are kept.
	MaxListedCars uint64
}

// CarView is a car as served to clients. Stale is set when the ledger could not be read
// and the last stored snapshot was returned instead.
type CarView struct {
	types.Car
	PriceEther string `json:"priceEther"`
	Stale      bool   `json:"stale"`
}

// Marketplace maps user intents onto the trading manager and keeps the trade journal and
// the listing read model up to date.
type Marketplace struct {
	config    *MarketplaceConfig
	manager   ITradingManager
	store     persistence.ITradePersistence
	projector *listingProjector.ListingProjector
	logger    *zap.Logger
	now       func() time.Time
}

func NewMarketplace(
	cfg *MarketplaceConfig,
	manager ITradingManager,
	store persistence.ITradePersistence,
	projector *listingProjector.ListingProjector,
	logger *zap.Logger,
) *Marketplace {
	bound := MarketplaceConfig{}
	if cfg != nil {
		bound = *cfg
	}
	if bound.QueryConcurrency <= 0 {
		bound.QueryConcurrency = DefaultQueryConcurrency
	}
	if bound.MaxListedCars == 0 {
		bound.MaxListedCars = DefaultMaxListedCars
	}
	return &Marketplace{
		config:    &bound,
		manager:   manager,
		store:     store,
		projector: projector,
		logger:    logger,
		now:       time.Now,
	}
}

// ListCar lists a new car at priceEther.
func (m *Marketplace) ListCar(ctx context.Context, carMake, carModel, priceEther string) (*types.TradeRecord, error) {
	price, err := ParseEther(priceEther)
	if err != nil {
		return nil, &tradingManager.BindingError{Operation: methodListCar, Reason: "invalid price", Err: err}
	}
	return m.submit(ctx, methodListCar, []interface{}{carMake, carModel, price}, nil)
}

// BuyCar buys carID. With an empty valueEther the car's current listed price is paid.
func (m *Marketplace) BuyCar(ctx context.Context, carID uint64, valueEther string) (*types.TradeRecord, error) {
	var value *big.Int
	if valueEther == "" {
		car, err := m.readCar(ctx, carID)
		if err != nil {
			return nil, err
		}
		price, ok := new(big.Int).SetString(car.PriceWei, 10)
		if !ok {
			return nil, fmt.Errorf("car %d has invalid price %q", carID, car.PriceWei)
		}
		value = price
	} else {
		v, err := ParseEther(valueEther)
		if err != nil {
			return nil, &tradingManager.BindingError{Operation: methodBuyCar, Reason: "invalid value", Err: err}
		}
		value = v
	}
	return m.submit(ctx, methodBuyCar, []interface{}{carID}, value)
}

func (m *Marketplace) TransferOwnership(ctx context.Context, carID uint64, newOwner string) (*types.TradeRecord, error) {
	return m.submit(ctx, methodTransferOwnership, []interface{}{carID, newOwner}, nil)
}

func (m *Marketplace) DelistCar(ctx context.Context, carID uint64) (*types.TradeRecord, error) {
	return m.submit(ctx, methodDelistCar, []interface{}{carID}, nil)
}

// GetCar reads carID from the ledger. If the read fails and a snapshot exists, the
// snapshot is returned marked stale.
func (m *Marketplace) GetCar(ctx context.Context, carID uint64) (*CarView, error) {
	car, err := m.readCar(ctx, carID)
	if err == nil {
		m.saveChainSnapshot(car, 0)
		return newCarView(car, false), nil
	}
	if errors.Is(err, ErrCarNotFound) {
		return nil, err
	}

	snapshot, loadErr := m.store.LoadCarSnapshot(carID)
	if loadErr != nil {
		m.logger.Sugar().Errorw("Failed to load car snapshot", "carId", carID, "error", loadErr)
	}
	if snapshot == nil {
		return nil, err
	}
	m.logger.Sugar().Warnw("Serving stale car snapshot", "carId", carID, "error", err)
	return newCarView(&snapshot.Car, true), nil
}

// ListCars reads cars from the ledger. Car IDs run from 1 to getCarCount; at most
// MaxListedCars of the highest ids are read. When the count cannot be read, all stored
// snapshots are returned marked stale.
func (m *Marketplace) ListCars(ctx context.Context) ([]*CarView, error) {
	res, err := m.manager.Query(ctx, methodGetCarCount, nil)
	if err != nil {
		snapshots, loadErr := m.store.ListCarSnapshots()
		if loadErr != nil || len(snapshots) == 0 {
			return nil, err
		}
		m.logger.Sugar().Warnw("Serving stale car listing", "error", err)
		views := make([]*CarView, 0, len(snapshots))
		for _, snapshot := range snapshots {
			views = append(views, newCarView(&snapshot.Car, true))
		}
		return views, nil
	}

	count, err := firstUint(res)
	if err != nil {
		return nil, err
	}

	n := count
	if n > m.config.MaxListedCars {
		m.logger.Sugar().Warnw("Car count exceeds listing cap, serving most recent cars",
			zap.Uint64("count", count),
			zap.Uint64("cap", m.config.MaxListedCars),
		)
		n = m.config.MaxListedCars
	}
	firstID := count - n + 1

	found := make([]*CarView, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.QueryConcurrency)
	for i := uint64(0); i < n; i++ {
		g.Go(func() error {
			view, err := m.GetCar(gctx, firstID+i)
			if err != nil {
				if errors.Is(err, ErrCarNotFound) {
					return nil
				}
				return err
			}
			found[i] = view
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	views := make([]*CarView, 0, n)
	for _, view := range found {
		if view != nil {
			views = append(views, view)
		}
	}
	return views, nil
}

// GetTrade returns the journal entry for txHash, refreshing it from the ledger when its
// outcome was still open.
func (m *Marketplace) GetTrade(ctx context.Context, txHash string) (*types.TradeRecord, error) {
	record, err := m.store.LoadTradeRecordByHash(txHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load trade %s: %w", txHash, err)
	}
	if record == nil {
		return nil, ErrTradeNotFound
	}
	if err := m.refreshTrade(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// ListTrades returns the whole journal, refreshing every open entry first.
func (m *Marketplace) ListTrades(ctx context.Context) ([]*types.TradeRecord, error) {
	records, err := m.store.ListTradeRecords()
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}

	if err := m.refreshAll(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// RefreshOpenTrades re-checks journal entries that have a transaction hash but no final
// outcome yet, and returns how many of them were resolved.
func (m *Marketplace) RefreshOpenTrades(ctx context.Context) (int, error) {
	records, err := m.store.ListTradeRecords()
	if err != nil {
		return 0, fmt.Errorf("failed to list trades: %w", err)
	}

	open := make([]*types.TradeRecord, 0, len(records))
	for _, record := range records {
		if !record.Status.IsFinal() && record.TransactionHash != "" {
			open = append(open, record)
		}
	}
	if len(open) == 0 {
		return 0, nil
	}

	if err := m.refreshAll(ctx, open); err != nil {
		return 0, err
	}
	resolved := 0
	for _, record := range open {
		if record.Status.IsFinal() {
			resolved++
		}
	}
	if resolved > 0 {
		m.logger.Sugar().Infow("Resolved open trades",
			zap.Int("resolved", resolved),
			zap.Int("open", len(open)),
		)
	}
	return resolved, nil
}

func (m *Marketplace) refreshAll(ctx context.Context, records []*types.TradeRecord) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.QueryConcurrency)
	for _, record := range records {
		g.Go(func() error {
			return m.refreshTrade(gctx, record)
		})
	}
	return g.Wait()
}

func (m *Marketplace) submit(ctx context.Context, operation string, args []interface{}, value *big.Int) (*types.TradeRecord, error) {
	now := m.now()
	record := &types.TradeRecord{
		ID:          uuid.New().String(),
		Operation:   operation,
		Args:        formatValues(args),
		Status:      types.TradeStatus_Submitted,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if value != nil {
		record.ValueWei = value.String()
	}
	if err := m.store.SaveTradeRecord(record); err != nil {
		return nil, fmt.Errorf("failed to journal %s: %w", operation, err)
	}

	result, err := m.manager.SubmitTrade(ctx, operation, args, value)
	if err != nil {
		m.recordFailure(record, err)
		m.saveTrade(record)
		return record, err
	}

	m.recordConfirmation(ctx, record, result)
	return record, nil
}

// recordFailure moves a record to the state err implies.
func (m *Marketplace) recordFailure(record *types.TradeRecord, err error) {
	record.Status = types.TradeStatus_Failed
	record.Error = err.Error()
	record.UpdatedAt = m.now()

	var (
		timeoutErr    *tradingManager.ConfirmationTimeout
		revertErr     *tradingManager.ExecutionReverted
		submissionErr *tradingManager.SubmissionError
	)
	switch {
	case errors.As(err, &timeoutErr):
		record.Status = types.TradeStatus_Timeout
		record.TransactionHash = timeoutErr.TransactionHash.Hex()
	case errors.As(err, &revertErr):
		record.RevertReason = revertErr.Reason
		if revertErr.TransactionHash != (common.Hash{}) {
			record.TransactionHash = revertErr.TransactionHash.Hex()
		}
	case errors.As(err, &submissionErr):
		record.Nonce = submissionErr.Nonce
		if submissionErr.TransactionHash != (common.Hash{}) {
			record.TransactionHash = submissionErr.TransactionHash.Hex()
		}
	}
}

func (m *Marketplace) recordConfirmation(ctx context.Context, record *types.TradeRecord, result *tradingManager.ConfirmationResult) {
	nonce := result.Nonce
	record.Status = types.TradeStatus_Confirmed
	record.TransactionHash = result.TransactionHash.Hex()
	record.Nonce = &nonce
	record.BlockNumber = result.BlockNumber
	record.Events = toEventRecords(result.Events)
	record.Error = ""
	record.UpdatedAt = m.now()
	m.saveTrade(record)

	if err := m.projector.Apply(result); err != nil {
		m.logger.Sugar().Errorw("Failed to project trade events",
			zap.String("txHash", record.TransactionHash),
			zap.Error(err),
		)
	}
	for _, carID := range affectedCars(result.Events) {
		car, err := m.readCar(ctx, carID)
		if err != nil {
			m.logger.Sugar().Debugw("Failed to refresh car after trade", "carId", carID, "error", err)
			continue
		}
		m.saveChainSnapshot(car, result.BlockNumber)
	}
}

// refreshTrade asks the ledger about a record whose outcome is still open.
func (m *Marketplace) refreshTrade(ctx context.Context, record *types.TradeRecord) error {
	if record.Status.IsFinal() || record.TransactionHash == "" {
		return nil
	}

	status, err := m.manager.TradeStatus(ctx, common.HexToHash(record.TransactionHash))
	if err != nil {
		var revertErr *tradingManager.ExecutionReverted
		if errors.As(err, &revertErr) {
			record.Status = types.TradeStatus_Failed
			record.RevertReason = revertErr.Reason
			record.Error = err.Error()
			record.UpdatedAt = m.now()
			return m.store.SaveTradeRecord(record)
		}
		m.logger.Sugar().Warnw("Failed to refresh trade status",
			zap.String("txHash", record.TransactionHash),
			zap.Error(err),
		)
		return nil
	}

	if status.Status != tradingManager.TransactionStatus_Confirmed || status.Result == nil {
		return nil
	}
	m.recordConfirmation(ctx, record, status.Result)
	return nil
}

// readCar queries getCar without any fallback.
func (m *Marketplace) readCar(ctx context.Context, carID uint64) (*types.Car, error) {
	res, err := m.manager.Query(ctx, methodGetCar, []interface{}{carID})
	if err != nil {
		return nil, err
	}
	car, err := carFromQuery(res)
	if err != nil {
		return nil, &tradingManager.QueryError{Method: methodGetCar, Reason: "unexpected output", Err: err}
	}
	if car.ID == 0 && car.Owner == (common.Address{}).Hex() {
		return nil, ErrCarNotFound
	}
	return car, nil
}

// saveChainSnapshot stores a car read from the ledger. The snapshot never moves back to an
// older block than the one already stored.
func (m *Marketplace) saveChainSnapshot(car *types.Car, blockNumber uint64) {
	existing, err := m.store.LoadCarSnapshot(car.ID)
	if err != nil {
		m.logger.Sugar().Errorw("Failed to load car snapshot", "carId", car.ID, "error", err)
		return
	}
	if existing != nil && existing.BlockNumber > blockNumber {
		blockNumber = existing.BlockNumber
	}
	snapshot := &types.CarSnapshot{
		Car:         *car,
		BlockNumber: blockNumber,
		Source:      types.SnapshotSource_Chain,
		UpdatedAt:   m.now(),
	}
	if err := m.store.SaveCarSnapshot(snapshot); err != nil {
		m.logger.Sugar().Errorw("Failed to save car snapshot", "carId", car.ID, "error", err)
	}
}

func (m *Marketplace) saveTrade(record *types.TradeRecord) {
	if err := m.store.SaveTradeRecord(record); err != nil {
		m.logger.Sugar().Errorw("Failed to save trade record",
			zap.String("id", record.ID),
			zap.String("status", string(record.Status)),
			zap.Error(err),
		)
	}
}

func newCarView(car *types.Car, stale bool) *CarView {
	return &CarView{
		Car:        *car,
		PriceEther: formatEtherString(car.PriceWei),
		Stale:      stale,
	}
}

func carFromQuery(res *tradingManager.QueryResult) (*types.Car, error) {
	id, ok := res.Named["id"].(*big.Int)
	if !ok || !id.IsUint64() {
		return nil, fmt.Errorf("missing or invalid id")
	}
	carMake, _ := res.Named["make"].(string)
	carModel, _ := res.Named["model"].(string)
	owner, ok := res.Named["owner"].(common.Address)
	if !ok {
		return nil, fmt.Errorf("missing or invalid owner")
	}
	price, ok := res.Named["price"].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("missing or invalid price")
	}
	forSale, _ := res.Named["forSale"].(bool)

	return &types.Car{
		ID:       id.Uint64(),
		Make:     carMake,
		Model:    carModel,
		Owner:    owner.Hex(),
		PriceWei: price.String(),
		ForSale:  forSale,
	}, nil
}

func firstUint(res *tradingManager.QueryResult) (uint64, error) {
	if len(res.Values) == 0 {
		return 0, &tradingManager.QueryError{Method: res.Method, Reason: "no output"}
	}
	n, ok := res.Values[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, &tradingManager.QueryError{Method: res.Method, Reason: fmt.Sprintf("unexpected output %v", res.Values[0])}
	}
	return n.Uint64(), nil
}

func affectedCars(events []tradingManager.DecodedEvent) []uint64 {
	seen := make(map[uint64]bool)
	var ids []uint64
	for _, event := range events {
		id, ok := event.Fields["carId"].(*big.Int)
		if !ok || !id.IsUint64() || seen[id.Uint64()] {
			continue
		}
		seen[id.Uint64()] = true
		ids = append(ids, id.Uint64())
	}
	return ids
}

func toEventRecords(events []tradingManager.DecodedEvent) []types.EventRecord {
	records := make([]types.EventRecord, 0, len(events))
	for _, event := range events {
		fields := make(map[string]string, len(event.Fields))
		for name, v := range event.Fields {
			fields[name] = formatValue(v)
		}
		records = append(records, types.EventRecord{
			Name:     event.Name,
			LogIndex: event.LogIndex,
			Fields:   fields,
		})
	}
	return records
}

func formatValues(values []interface{}) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, formatValue(v))
	}
	return out
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case *big.Int:
		return val.String()
	case common.Address:
		return val.Hex()
	case common.Hash:
		return val.Hex()
	case []byte:
		return hexutil.Encode(val)
	default:
		return fmt.Sprint(val)
	}
}

// HealthCheck reports whether the journal store is usable.
func (m *Marketplace) HealthCheck() error {
	return m.store.HealthCheck()
}
