package backup

import (
	"context"
	"fmt"

	"airwave/pkg/backup"
	"airwave/pkg/config"
)

// NewService opens the configured backup storage.
func NewService(ctx context.Context, cfg *config.Config) (*backup.Service, error) {
	var (
		storage backup.Storage
		err     error
	)
	switch cfg.Backup.Storage {
	case "s3":
		storage, err = backup.NewS3Storage(ctx, backup.S3Config{
			Endpoint:        cfg.Backup.S3.Endpoint,
			Region:          cfg.Backup.S3.Region,
			Bucket:          cfg.Backup.S3.Bucket,
			Prefix:          cfg.Backup.S3.Prefix,
			AccessKeyID:     cfg.Backup.S3.AccessKeyID,
			SecretAccessKey: cfg.Backup.S3.SecretAccessKey,
			UsePathStyle:    cfg.Backup.S3.UsePathStyle,
		})
	case "file":
		storage, err = backup.NewFileStorage(cfg.Backup.Path)
	default:
		err = fmt.Errorf("unknown backup storage %q", cfg.Backup.Storage)
	}
	if err != nil {
		return nil, err
	}
	return backup.NewService(storage, cfg.Backup.Prefix), nil
}
