package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/backup"
)

// TestValidateFillsDefaults tests that a bucket-only configuration is
// completed with working defaults.
func TestValidateFillsDefaults(t *testing.T) {
	s := Settings{Bucket: "backups"}

	require.NoError(t, s.Validate())

	assert.Equal(t, DefaultRegion, s.Region)
	assert.Equal(t, DefaultPrefix, s.Prefix)
	assert.Equal(t, int64(DefaultChunkSize), s.ChunkSize)
	assert.Equal(t, DefaultCacheTTL, s.CacheTTL)
	assert.Equal(t, DefaultMaxConcurrentTransfers, s.MaxConcurrentTransfers)
	assert.Equal(t, DefaultMaxRetryAttempts, s.MaxRetryAttempts)
}

// TestValidateKeepsExplicitValues tests that set fields are not
// overwritten by defaults.
func TestValidateKeepsExplicitValues(t *testing.T) {
	s := Settings{
		Bucket:                 "backups",
		Region:                 "eu-west-2",
		Prefix:                 "nightly/",
		ChunkSize:              8 * 1024 * 1024,
		CacheTTL:               30 * time.Second,
		MaxConcurrentTransfers: 2,
		MaxRetryAttempts:       7,
	}

	require.NoError(t, s.Validate())

	assert.Equal(t, "eu-west-2", s.Region)
	assert.Equal(t, "nightly/", s.Prefix)
	assert.Equal(t, int64(8*1024*1024), s.ChunkSize)
	assert.Equal(t, 30*time.Second, s.CacheTTL)
	assert.Equal(t, 2, s.MaxConcurrentTransfers)
	assert.Equal(t, 7, s.MaxRetryAttempts)
}

// TestValidateRejectsBadValues tests each rejection case.
func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
	}{
		{
			name:     "missing bucket",
			settings: Settings{},
		},
		{
			name:     "chunk size below multipart minimum",
			settings: Settings{Bucket: "b", ChunkSize: 1024 * 1024},
		},
		{
			name:     "negative chunk size",
			settings: Settings{Bucket: "b", ChunkSize: -1},
		},
		{
			name:     "negative cache TTL",
			settings: Settings{Bucket: "b", CacheTTL: -time.Second},
		},
		{
			name:     "negative concurrency",
			settings: Settings{Bucket: "b", MaxConcurrentTransfers: -1},
		},
		{
			name:     "negative retries",
			settings: Settings{Bucket: "b", MaxRetryAttempts: -3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.settings.Validate()
			assert.ErrorIs(t, err, backup.ErrInvalidArgument)
		})
	}
}

// TestFromEnv tests environment loading with and without overrides.
func TestFromEnv(t *testing.T) {
	t.Setenv("S3_BUCKET", "env-bucket")
	t.Setenv("AWS_REGION", "ap-southeast-1")
	t.Setenv("AWS_ENDPOINT_URL", "http://minio.local:9000")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIATEST")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("S3_PREFIX", "ha-backups/")
	t.Setenv("INSTANCE_ID", "home-1")
	t.Setenv("CHUNK_SIZE_MB", "32")
	t.Setenv("CACHE_TTL_SECONDS", "10")
	t.Setenv("MAX_CONCURRENT_TRANSFERS", "8")
	t.Setenv("MAX_RETRIES", "2")

	s := FromEnv()

	assert.Equal(t, "env-bucket", s.Bucket)
	assert.Equal(t, "ap-southeast-1", s.Region)
	assert.Equal(t, "http://minio.local:9000", s.Endpoint)
	assert.Equal(t, "AKIATEST", s.AccessKeyID)
	assert.Equal(t, "secret", s.SecretAccessKey)
	assert.Equal(t, "ha-backups/", s.Prefix)
	assert.Equal(t, "home-1", s.InstanceID)
	assert.Equal(t, int64(32*1024*1024), s.ChunkSize)
	assert.Equal(t, 10*time.Second, s.CacheTTL)
	assert.Equal(t, 8, s.MaxConcurrentTransfers)
	assert.Equal(t, 2, s.MaxRetryAttempts)
}

// TestFromEnvDefaults tests the values used when the environment is
// empty apart from the bucket.
func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("S3_BUCKET", "env-bucket")
	t.Setenv("AWS_REGION", "")
	t.Setenv("S3_PREFIX", "")
	t.Setenv("CHUNK_SIZE_MB", "")
	t.Setenv("CACHE_TTL_SECONDS", "")
	t.Setenv("MAX_CONCURRENT_TRANSFERS", "")
	t.Setenv("MAX_RETRIES", "not-a-number")

	s := FromEnv()

	assert.Equal(t, DefaultRegion, s.Region)
	assert.Equal(t, DefaultPrefix, s.Prefix)
	assert.Equal(t, int64(DefaultChunkSize), s.ChunkSize)
	assert.Equal(t, DefaultCacheTTL, s.CacheTTL)
	assert.Equal(t, DefaultMaxConcurrentTransfers, s.MaxConcurrentTransfers)
	assert.Equal(t, DefaultMaxRetryAttempts, s.MaxRetryAttempts)
}
