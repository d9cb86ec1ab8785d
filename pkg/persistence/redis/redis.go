package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Layr-Labs/car-trading-go/pkg/persistence"
	"github.com/Layr-Labs/car-trading-go/pkg/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key prefixes for namespacing in Redis
const (
	keyPrefixTrade       = "cars:trade:"
	keyPrefixTradeHash   = "cars:trade_hash:"
	keyPrefixCar         = "cars:car:"
	keySchemaVersion     = "cars:metadata:schema_version"
	currentSchemaVersion = "v1"

	// Redis has no native prefix iteration, so listable keys are tracked in sets
	keySetTrades = "cars:trades:index"
	keySetCars   = "cars:cars:index"

	operationTimeout = 5 * time.Second
)

// RedisPersistence is an ITradePersistence backed by Redis, for deployments that run
// several server replicas against one journal.
type RedisPersistence struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string
	mu        sync.RWMutex
	closed    bool
}

type RedisConfig struct {
	// Address is the Redis server address (host:port)
	Address  string
	Password string
	DB       int
	// KeyPrefix is prepended to every key, e.g. "staging:" gives "staging:cars:trade:<id>"
	KeyPrefix string
}

// NewRedisPersistence connects to Redis and initializes the schema version key.
func NewRedisPersistence(cfg *RedisConfig, logger *zap.Logger) (*RedisPersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}

	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	rp := &RedisPersistence{
		client:    client,
		logger:    logger,
		keyPrefix: cfg.KeyPrefix,
	}

	if err := rp.initSchema(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Sugar().Infow("Redis persistence initialized", "address", cfg.Address, "db", cfg.DB, "key_prefix", cfg.KeyPrefix)

	return rp, nil
}

func (r *RedisPersistence) prefixKey(key string) string {
	if r.keyPrefix == "" {
		return key
	}
	return r.keyPrefix + key
}

func (r *RedisPersistence) initSchema(ctx context.Context) error {
	schemaKey := r.prefixKey(keySchemaVersion)

	existingVersion, err := r.client.Get(ctx, schemaKey).Result()
	if err == redis.Nil {
		return r.client.Set(ctx, schemaKey, currentSchemaVersion, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if existingVersion != currentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
	}

	return nil
}

// SaveTradeRecord writes the record, its hash index and the listing index in one
// MULTI/EXEC.
func (r *RedisPersistence) SaveTradeRecord(record *types.TradeRecord) error {
	if err := persistence.ValidateTradeRecord(record); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return persistence.ErrClosed
	}

	data, err := persistence.MarshalTradeRecord(record)
	if err != nil {
		return fmt.Errorf("failed to marshal TradeRecord: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.prefixKey(keyPrefixTrade+record.ID), data, 0)
	pipe.SAdd(ctx, r.prefixKey(keySetTrades), record.ID)
	if record.TransactionHash != "" {
		pipe.Set(ctx, r.prefixKey(keyPrefixTradeHash+persistence.NormalizeHash(record.TransactionHash)), record.ID, 0)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save TradeRecord: %w", err)
	}
	return nil
}

func (r *RedisPersistence) LoadTradeRecord(id string) (*types.TradeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	return r.loadTradeRecord(ctx, id)
}

// caller holds mu
func (r *RedisPersistence) loadTradeRecord(ctx context.Context, id string) (*types.TradeRecord, error) {
	data, err := r.client.Get(ctx, r.prefixKey(keyPrefixTrade+id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load TradeRecord: %w", err)
	}

	record, err := persistence.UnmarshalTradeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal TradeRecord: %w", err)
	}
	return record, nil
}

func (r *RedisPersistence) LoadTradeRecordByHash(txHash string) (*types.TradeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	id, err := r.client.Get(ctx, r.prefixKey(keyPrefixTradeHash+persistence.NormalizeHash(txHash))).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trade hash index: %w", err)
	}
	return r.loadTradeRecord(ctx, id)
}

// listValues fetches every value whose member is in indexKey, pruning stale members.
func (r *RedisPersistence) listValues(ctx context.Context, indexKey string, keyPrefix string) ([]string, []string, error) {
	members, err := r.client.SMembers(ctx, r.prefixKey(indexKey)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read index %s: %w", indexKey, err)
	}
	if len(members) == 0 {
		return nil, nil, nil
	}

	keys := make([]string, len(members))
	for i, member := range members {
		keys[i] = r.prefixKey(keyPrefix + member)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch values: %w", err)
	}

	found := make([]string, 0, len(values))
	foundKeys := make([]string, 0, len(values))
	for i, val := range values {
		if val == nil {
			// in the index but gone; clean up
			if err := r.client.SRem(ctx, r.prefixKey(indexKey), members[i]).Err(); err != nil {
				r.logger.Sugar().Warnw("Failed to prune stale index member",
					"index", indexKey,
					"member", members[i],
					"error", err,
				)
			}
			continue
		}
		data, ok := val.(string)
		if !ok {
			r.logger.Sugar().Warnw("Unexpected value type", "key", keys[i])
			continue
		}
		found = append(found, data)
		foundKeys = append(foundKeys, keys[i])
	}
	return found, foundKeys, nil
}

func (r *RedisPersistence) ListTradeRecords() ([]*types.TradeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	values, keys, err := r.listValues(ctx, keySetTrades, keyPrefixTrade)
	if err != nil {
		return nil, fmt.Errorf("failed to list TradeRecords: %w", err)
	}

	records := make([]*types.TradeRecord, 0, len(values))
	for i, data := range values {
		record, err := persistence.UnmarshalTradeRecord([]byte(data))
		if err != nil {
			r.logger.Sugar().Warnw("Failed to unmarshal TradeRecord, skipping", "key", keys[i], "error", err)
			continue
		}
		records = append(records, record)
	}

	persistence.SortTradeRecords(records)
	return records, nil
}

func (r *RedisPersistence) SaveCarSnapshot(snapshot *types.CarSnapshot) error {
	if err := persistence.ValidateSnapshot(snapshot); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return persistence.ErrClosed
	}

	data, err := persistence.MarshalCarSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal CarSnapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	member := strconv.FormatUint(snapshot.ID, 10)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.prefixKey(keyPrefixCar+member), data, 0)
	pipe.SAdd(ctx, r.prefixKey(keySetCars), member)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save CarSnapshot: %w", err)
	}
	return nil
}

func (r *RedisPersistence) LoadCarSnapshot(carID uint64) (*types.CarSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.prefixKey(keyPrefixCar+strconv.FormatUint(carID, 10))).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load CarSnapshot: %w", err)
	}

	snapshot, err := persistence.UnmarshalCarSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal CarSnapshot: %w", err)
	}
	return snapshot, nil
}

func (r *RedisPersistence) ListCarSnapshots() ([]*types.CarSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	values, keys, err := r.listValues(ctx, keySetCars, keyPrefixCar)
	if err != nil {
		return nil, fmt.Errorf("failed to list CarSnapshots: %w", err)
	}

	snapshots := make([]*types.CarSnapshot, 0, len(values))
	for i, data := range values {
		snapshot, err := persistence.UnmarshalCarSnapshot([]byte(data))
		if err != nil {
			r.logger.Sugar().Warnw("Failed to unmarshal CarSnapshot, skipping", "key", keys[i], "error", err)
			continue
		}
		snapshots = append(snapshots, snapshot)
	}

	persistence.SortCarSnapshots(snapshots)
	return snapshots, nil
}

// Close is idempotent.
func (r *RedisPersistence) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	r.logger.Sugar().Info("Redis persistence closed")
	return nil
}

func (r *RedisPersistence) HealthCheck() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	_, err := r.client.Get(ctx, r.prefixKey(keySchemaVersion)).Result()
	if err == redis.Nil {
		return fmt.Errorf("schema version not found - database may not be properly initialized")
	}
	if err != nil {
		return fmt.Errorf("failed to verify schema version: %w", err)
	}

	return nil
}
