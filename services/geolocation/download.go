package geolocation

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/filemanager"
	"github.com/rudderlabs/rudder-go-kit/logger"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"
)

// StorageConfig describes the S3 compatible bucket holding the mmdb file.
type StorageConfig struct {
	Bucket           string
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	S3ForcePathStyle bool
	DisableSSL       bool
}

// Downloader is the part of filemanager.FileManager needed to fetch the database.
type Downloader interface {
	Download(ctx context.Context, output *os.File, key string) error
}

// NewS3Downloader creates a filemanager backed Downloader for the given storage.
func NewS3Downloader(conf *config.Config, storage StorageConfig) (Downloader, error) {
	manager, err := filemanager.New(&filemanager.Settings{
		Provider: "S3",
		Config: map[string]interface{}{
			"bucketName":       storage.Bucket,
			"region":           storage.Region,
			"endpoint":         storage.Endpoint,
			"accessKeyID":      storage.AccessKeyID,
			"secretAccessKey":  storage.SecretAccessKey,
			"s3ForcePathStyle": storage.S3ForcePathStyle,
			"disableSSL":       storage.DisableSSL,
		},
		Conf: conf,
	})
	if err != nil {
		return nil, fmt.Errorf("creating a new s3 manager client: %w", err)
	}
	return manager, nil
}

// DownloadDB makes sure the database exists at dbPath, downloading the object
// named after the file from the downloader otherwise.
// Download is skipped if the file already exists.
func DownloadDB(ctx context.Context, downloader Downloader, dbPath string, maxRetries uint64, log logger.Logger) error {
	if _, err := os.Stat(dbPath); err == nil {
		return nil
	}

	dbKey := filepath.Base(dbPath)
	baseDIR := filepath.Dir(dbPath)
	log.Infon("downloading geolocation db", logger.NewStringField("key", dbKey))

	if err := os.MkdirAll(baseDIR, os.ModePerm); err != nil {
		return fmt.Errorf("creating directory for storing db: %w", err)
	}

	f, err := os.CreateTemp(baseDIR, "geodb-*.mmdb")
	if err != nil {
		return fmt.Errorf("creating a temporary file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	operation := func() error {
		if err := f.Truncate(0); err != nil {
			return backoff.Permanent(fmt.Errorf("truncating temporary file: %w", err))
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(fmt.Errorf("rewinding temporary file: %w", err))
		}
		return downloader.Download(ctx, f, dbKey)
	}
	notify := func(err error, next time.Duration) {
		log.Warnn("downloading geolocation db, retrying",
			logger.NewStringField("key", dbKey),
			logger.NewDurationField("retryIn", next),
			obskit.Error(err),
		)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return fmt.Errorf("downloading file with key: %s: %w", dbKey, err)
	}

	// before renaming, we need to sync data to the disk
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing file to disk: %w", err)
	}

	if err := os.Rename(f.Name(), dbPath); err != nil {
		return fmt.Errorf("renaming file: %w", err)
	}
	return nil
}
