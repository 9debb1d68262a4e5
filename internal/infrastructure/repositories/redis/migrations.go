package redis

import (
	"context"
	"fmt"

	"airwave/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const currentSchemaVersion = 2

// Migration is one step of the key layout.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, prefix string) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, prefix string, logger *zap.SugaredLogger) error {
	versionKey := prefix + "schema:version"

	currentVersion, err := getSchemaVersion(ctx, client, versionKey)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Infow("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client, prefix); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := client.Set(ctx, versionKey, migration.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client, key string) (int, error) {
	val, err := client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func getMigrations() []Migration {
	return []Migration{
		{
			// v1: documents are plain JSON strings keyed by id; nothing to create.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client, prefix string) error {
				return nil
			},
		},
		{
			// v2: rebuild the email and active-stream indexes from the documents.
			Version: 2,
			Up:      rebuildIndexes,
		},
	}
}

func rebuildIndexes(ctx context.Context, client *redis.Client, prefix string) error {
	userIDs, err := client.SMembers(ctx, prefix+"users").Result()
	if err != nil {
		return err
	}
	for _, id := range userIDs {
		data, err := client.Get(ctx, prefix+"user:"+id).Bytes()
		if err == redis.Nil {
			client.SRem(ctx, prefix+"users", id)
			continue
		}
		if err != nil {
			return err
		}
		user, err := domain.DecodeUser(data)
		if err != nil {
			continue
		}
		if err := client.SetNX(ctx, prefix+"user:email:"+user.Email, id, 0).Err(); err != nil {
			return err
		}
	}

	streamIDs, err := client.SMembers(ctx, prefix+"streams").Result()
	if err != nil {
		return err
	}
	activeKey := prefix + "streams:active"
	for _, id := range streamIDs {
		data, err := client.Get(ctx, prefix+"stream:"+id).Bytes()
		if err == redis.Nil {
			client.SRem(ctx, prefix+"streams", id)
			continue
		}
		if err != nil {
			return err
		}
		stream, err := domain.DecodeStream(data)
		if err != nil {
			continue
		}
		if stream.IsActive {
			err = client.SAdd(ctx, activeKey, id).Err()
		} else {
			err = client.SRem(ctx, activeKey, id).Err()
		}
		if err != nil {
			return err
		}
	}
	return nil
}
