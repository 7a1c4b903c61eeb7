package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/config"
)

// NewStore creates a Store based on the configuration
func NewStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch StoreType(cfg.Store.Type) {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeSQL:
		return OpenSQLStore(ctx, cfg.Database, logger)
	case StoreTypeRedis:
		return OpenRedisStore(ctx, cfg.Redis, cfg.Store.KeyPrefix, logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
	}
}
