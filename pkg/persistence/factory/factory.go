package factory

import (
	"fmt"

	"github.com/Layr-Labs/car-trading-go/pkg/config"
	"github.com/Layr-Labs/car-trading-go/pkg/persistence"
	"github.com/Layr-Labs/car-trading-go/pkg/persistence/badger"
	"github.com/Layr-Labs/car-trading-go/pkg/persistence/memory"
	"github.com/Layr-Labs/car-trading-go/pkg/persistence/redis"
	"go.uber.org/zap"
)

// NewTradePersistence opens the backend selected by cfg.Type.
func NewTradePersistence(cfg *config.PersistenceConfig, logger *zap.Logger) (persistence.ITradePersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("persistence config cannot be nil")
	}

	switch cfg.Type {
	case config.PersistenceType_Memory, "":
		return memory.NewMemoryPersistence(logger), nil
	case config.PersistenceType_Badger:
		bp, err := badger.NewBadgerPersistence(cfg.DataPath, logger)
		if err != nil {
			return nil, err
		}
		return bp, nil
	case config.PersistenceType_Redis:
		rp, err := redis.NewRedisPersistence(&redis.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		return rp, nil
	default:
		return nil, fmt.Errorf("unsupported persistence type: %s", cfg.Type)
	}
}
