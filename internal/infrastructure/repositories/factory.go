package repositories

import (
	"context"
	"fmt"

	"duet/internal/core/ports"
	"duet/internal/infrastructure/repositories/file"
	"duet/internal/infrastructure/repositories/memory"
	redisrepo "duet/internal/infrastructure/repositories/redis"
	"duet/pkg/circuitbreaker"
	"duet/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates stores for the configured driver. A redis
// driver that cannot connect falls back to memory.
type RepositoryFactory struct {
	driver      string
	dataDir     string
	redisClient *redis.Client
	breaker     *circuitbreaker.Breaker
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		driver:  cfg.Storage.Driver,
		dataDir: cfg.Storage.DataDir,
		logger:  logger,
	}

	switch cfg.Storage.Driver {
	case "redis":
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory stores",
				"error", err,
			)
			factory.driver = "memory"
		} else {
			factory.redisClient = client
			factory.breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
			factory.breaker.OnStateChange(func(from, to circuitbreaker.State) {
				logger.Warnw("redis circuit breaker changed state", "from", from.String(), "to", to.String())
			})
		}
	case "file", "memory":
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	logger.Infow("using stores", "driver", factory.driver, "data_dir", factory.dataDir)
	return factory, nil
}

// Driver returns the driver actually in use after any fallback.
func (f *RepositoryFactory) Driver() string {
	return f.driver
}

func (f *RepositoryFactory) CreateRoomStore() ports.RoomStore {
	switch f.driver {
	case "redis":
		return redisrepo.NewRedisRoomStore(f.redisClient, f.breaker)
	case "file":
		return file.NewFileRoomStore(f.dataDir)
	default:
		return memory.NewMemoryRoomStore()
	}
}

func (f *RepositoryFactory) CreateUserStore() ports.UserStore {
	switch f.driver {
	case "redis":
		return redisrepo.NewRedisUserStore(f.redisClient, f.breaker)
	case "file":
		return file.NewFileUserStore(f.dataDir)
	default:
		return memory.NewMemoryUserStore()
	}
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health. An open breaker reports
// unhealthy without pinging.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.breaker != nil && f.breaker.State() == circuitbreaker.StateOpen {
		return circuitbreaker.ErrOpen
	}
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
