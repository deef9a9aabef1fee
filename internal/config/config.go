// Package config holds the flat settings the platform supplies when it
// constructs the agent, plus environment loading for the CLI.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/backup"
)

const (
	DefaultRegion                 = "us-east-1"
	DefaultPrefix                 = "backups/"
	DefaultChunkSize              = 16 * 1024 * 1024
	DefaultCacheTTL               = 5 * time.Second
	DefaultMaxConcurrentTransfers = 4
	DefaultMaxRetryAttempts       = 3

	// MinChunkSize is S3's floor for a non-final multipart part.
	MinChunkSize = 5 * 1024 * 1024
)

// Settings configures a backup agent. The zero value plus a bucket name
// is a working configuration; Validate fills the remaining defaults.
type Settings struct {
	// Connection details for the S3-compatible store. Endpoint is
	// optional and only set for non-AWS stores; empty credentials fall
	// back to the SDK's default provider chain.
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string

	// Prefix is the key namespace all backup objects live under.
	Prefix string

	// InstanceID tags uploaded objects with the installation that wrote
	// them. Optional.
	InstanceID string

	// ChunkSize is the transfer chunk size in bytes.
	ChunkSize int64

	// CacheTTL is how long a backup listing stays fresh.
	CacheTTL time.Duration

	// MaxConcurrentTransfers bounds simultaneous uploads and downloads.
	MaxConcurrentTransfers int

	// MaxRetryAttempts bounds retries for transient store failures.
	MaxRetryAttempts int
}

// FromEnv builds Settings from the process environment.
func FromEnv() Settings {
	return Settings{
		Bucket:          os.Getenv("S3_BUCKET"),
		Region:          getEnvOrDefault("AWS_REGION", DefaultRegion),
		Endpoint:        os.Getenv("AWS_ENDPOINT_URL"),
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		Prefix:          getEnvOrDefault("S3_PREFIX", DefaultPrefix),
		InstanceID:      os.Getenv("INSTANCE_ID"),

		ChunkSize:              int64(getEnvIntOrDefault("CHUNK_SIZE_MB", DefaultChunkSize/(1024*1024))) * 1024 * 1024,
		CacheTTL:               time.Duration(getEnvIntOrDefault("CACHE_TTL_SECONDS", int(DefaultCacheTTL/time.Second))) * time.Second,
		MaxConcurrentTransfers: getEnvIntOrDefault("MAX_CONCURRENT_TRANSFERS", DefaultMaxConcurrentTransfers),
		MaxRetryAttempts:       getEnvIntOrDefault("MAX_RETRIES", DefaultMaxRetryAttempts),
	}
}

// Validate fills unset fields with defaults and rejects values the
// storage layers cannot honor.
func (s *Settings) Validate() error {
	if s.Bucket == "" {
		return fmt.Errorf("%w: bucket is required", backup.ErrInvalidArgument)
	}
	if s.Region == "" {
		s.Region = DefaultRegion
	}
	if s.Prefix == "" {
		s.Prefix = DefaultPrefix
	}

	switch {
	case s.ChunkSize == 0:
		s.ChunkSize = DefaultChunkSize
	case s.ChunkSize < 0:
		return fmt.Errorf("%w: chunk size must be positive", backup.ErrInvalidArgument)
	case s.ChunkSize < MinChunkSize:
		return fmt.Errorf("%w: chunk size %s is below the %s multipart minimum",
			backup.ErrInvalidArgument, humanize.IBytes(uint64(s.ChunkSize)), humanize.IBytes(uint64(MinChunkSize)))
	}

	if s.CacheTTL == 0 {
		s.CacheTTL = DefaultCacheTTL
	} else if s.CacheTTL < 0 {
		return fmt.Errorf("%w: cache TTL must be positive", backup.ErrInvalidArgument)
	}

	if s.MaxConcurrentTransfers == 0 {
		s.MaxConcurrentTransfers = DefaultMaxConcurrentTransfers
	} else if s.MaxConcurrentTransfers < 0 {
		return fmt.Errorf("%w: max concurrent transfers must be positive", backup.ErrInvalidArgument)
	}

	if s.MaxRetryAttempts == 0 {
		s.MaxRetryAttempts = DefaultMaxRetryAttempts
	} else if s.MaxRetryAttempts < 0 {
		return fmt.Errorf("%w: max retry attempts must be positive", backup.ErrInvalidArgument)
	}

	return nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
