package repositories

import (
	"context"
	"fmt"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/internal/infrastructure/distributed"
	"airwave/internal/infrastructure/repositories/memory"
	redisrepo "airwave/internal/infrastructure/repositories/redis"
	"airwave/pkg/config"
	distlock "airwave/pkg/distributed"
	"airwave/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory builds the record store, change source and maintenance locker, backed
// by Redis when it is reachable and by process memory otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	bus         *distributed.ChangeBus
	logger      *zap.SugaredLogger

	users   ports.UserRepository
	streams ports.StreamRepository
	changes ports.ChangeSource
	locker  ports.Locker
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(redisrepo.ClientOptions{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else if err := factory.initRedis(ctx, client, cfg); err != nil {
			client.Close()
			return nil, err
		}
	}

	if !factory.useRedis {
		factory.initMemory()
		logger.Info("using memory repositories")
	}

	return factory, nil
}

func (f *RepositoryFactory) initRedis(ctx context.Context, client *redis.Client, cfg *config.Config) error {
	prefix := cfg.Redis.KeyPrefix
	bus := distributed.NewChangeBus(client, utils.GenerateID("instance"), prefix, f.logger)

	users := redisrepo.NewRedisUserRepository(client, prefix, bus, f.logger)
	streams := redisrepo.NewRedisStreamRepository(client, prefix, bus, f.logger)
	bus.RegisterSnapshot(domain.CollectionUsers, users.Snapshot)
	bus.RegisterSnapshot(domain.CollectionStreams, streams.Snapshot)

	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start change bus: %w", err)
	}

	f.redisClient = client
	f.bus = bus
	f.users = users
	f.streams = streams
	f.changes = bus
	f.locker = distlock.NewLockManager(client, prefix+"lock:", cfg.Assignment.ReconcileLockTTL)
	f.logger.Info("using Redis repositories")
	return nil
}

func (f *RepositoryFactory) initMemory() {
	hub := memory.NewChangeHub()
	f.users = memory.NewMemoryUserRepository(hub)
	f.streams = memory.NewMemoryStreamRepository(hub)
	f.changes = hub
	f.locker = distlock.NewLocalLocker()
}

func (f *RepositoryFactory) UserRepository() ports.UserRepository {
	return f.users
}

func (f *RepositoryFactory) StreamRepository() ports.StreamRepository {
	return f.streams
}

func (f *RepositoryFactory) ChangeSource() ports.ChangeSource {
	return f.changes
}

func (f *RepositoryFactory) Locker() ports.Locker {
	return f.locker
}

func (f *RepositoryFactory) UsingRedis() bool {
	return f.useRedis
}

// Close stops the change bus and the Redis connection if used.
func (f *RepositoryFactory) Close() error {
	if f.bus != nil {
		if err := f.bus.Close(); err != nil {
			f.logger.Warnw("failed to close change bus", "error", err)
		}
	}
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
