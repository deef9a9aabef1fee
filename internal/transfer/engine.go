// Package transfer moves archive bytes between the platform and the
// object store: chunked multipart uploads with per-part integrity
// checks, streaming downloads that resume after connection drops, and
// cleanup of uploads that died halfway.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/backup"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/objectstore"
)

const (
	// MinChunkSize is the S3 floor for non-final multipart parts.
	MinChunkSize = 5 * 1024 * 1024

	// DefaultChunkSize bounds per-transfer memory: at most two chunk
	// buffers are live during an upload.
	DefaultChunkSize = 16 * 1024 * 1024

	defaultMaxRetries    = 3
	defaultMaxConcurrent = 4

	abortTimeout         = 30 * time.Second
	retryInitialInterval = 250 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
)

// Options tune one engine instance. Zero values select the defaults;
// a chunk size below the S3 minimum is raised to it.
type Options struct {
	ChunkSize              int64
	MaxRetryAttempts       int
	MaxConcurrentTransfers int

	// InstanceID identifies the uploading installation in object
	// metadata. Optional.
	InstanceID string
}

// Engine performs uploads and downloads against the object store. All
// methods are safe for concurrent use; simultaneous transfers are
// bounded by MaxConcurrentTransfers.
type Engine struct {
	store      objectstore.Client
	chunkSize  int64
	maxRetries int
	instanceID string
	sem        *semaphore.Weighted
	logger     *slog.Logger
}

// NewEngine creates a transfer engine over the given store.
func NewEngine(store objectstore.Client, opts Options, logger *slog.Logger) *Engine {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if chunk < MinChunkSize {
		chunk = MinChunkSize
	}

	retries := opts.MaxRetryAttempts
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	concurrent := opts.MaxConcurrentTransfers
	if concurrent <= 0 {
		concurrent = defaultMaxConcurrent
	}

	return &Engine{
		store:      store,
		chunkSize:  chunk,
		maxRetries: retries,
		instanceID: opts.InstanceID,
		sem:        semaphore.NewWeighted(int64(concurrent)),
		logger:     logger,
	}
}

// session is the state of one transfer, created when it starts and
// dropped when it finishes. Sessions are never shared.
type session struct {
	id         string
	key        string
	uploadID   string
	parts      []objectstore.Part
	bytesMoved int64
	retries    int
}

func newSession(key string) *session {
	return &session{id: uuid.New().String(), key: key}
}

// acquire takes one transfer slot, honouring cancellation while queued.
func (e *Engine) acquire(ctx context.Context) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for transfer slot: %w", err)
	}
	return nil
}

// newRetryPolicy builds the capped exponential backoff applied to
// part-level retries.
func (e *Engine) newRetryPolicy(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.maxRetries)), ctx)
}

// transferErr wraps err with the operation name, classifying anything
// that does not already carry an error kind as a failed transfer.
func (e *Engine) transferErr(op string, err error) error {
	if backup.HasKind(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, backup.ErrTransferFailed, err)
}

// isPermanent reports whether retrying err can never help.
func isPermanent(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, backup.ErrAuthFailure) ||
		errors.Is(err, backup.ErrInvalidArgument) ||
		errors.Is(err, backup.ErrNotFound)
}

// SweepStaleUploads aborts multipart uploads under the prefix that were
// initiated more than olderThan ago. Crashed processes can leave such
// uploads behind; their parts occupy storage until aborted. Returns the
// number of uploads swept.
func (e *Engine) SweepStaleUploads(ctx context.Context, prefix string, olderThan time.Duration) (int, error) {
	uploads, err := e.store.ListMultipartUploads(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list stale uploads: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	swept := 0
	var errs []error
	for _, u := range uploads {
		if u.Initiated.After(cutoff) {
			continue
		}
		if err := e.store.AbortMultipart(ctx, u.Key, u.UploadID); err != nil {
			e.logger.Error("Failed to abort stale upload",
				"key", u.Key, "upload_id", u.UploadID, "error", err)
			errs = append(errs, err)
			continue
		}
		swept++
		e.logger.Info("Aborted stale multipart upload",
			"key", u.Key, "upload_id", u.UploadID, "initiated", u.Initiated)
	}
	return swept, errors.Join(errs...)
}
