// Package agent exposes the backup storage operations the platform
// drives: list, get, create, fetch and remove, plus the retention and
// maintenance helpers built on them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/backup"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/catalog"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/config"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/keys"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/objectstore"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/transfer"
)

// Agent is the storage backend facade. All methods are safe for
// concurrent use; operations touching the same backup id are
// serialized and fail with ErrConflict while the id is busy.
type Agent struct {
	store   objectstore.Client
	mapper  *keys.Mapper
	catalog *catalog.Catalog
	engine  *transfer.Engine
	locks   *idLocks
	logger  *slog.Logger
}

// New wires an agent over an existing store client and verifies that
// the configured bucket is reachable before any backup is accepted.
func New(ctx context.Context, settings config.Settings, store objectstore.Client, logger *slog.Logger) (*Agent, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	mapper := keys.NewMapper(settings.Prefix)
	a := &Agent{
		store:   store,
		mapper:  mapper,
		catalog: catalog.New(store, mapper, settings.CacheTTL, clock.WallClock, logger),
		engine: transfer.NewEngine(store, transfer.Options{
			ChunkSize:              settings.ChunkSize,
			MaxRetryAttempts:       settings.MaxRetryAttempts,
			MaxConcurrentTransfers: settings.MaxConcurrentTransfers,
			InstanceID:             settings.InstanceID,
		}, logger),
		locks:  newIDLocks(),
		logger: logger,
	}

	if err := store.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("verify bucket access: %w", err)
	}

	logger.Info("Backup agent ready", "prefix", mapper.Prefix())
	return a, nil
}

// Connect builds the S3 client described by settings and returns an
// agent over it.
func Connect(ctx context.Context, settings config.Settings, logger *slog.Logger) (*Agent, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	store, err := objectstore.NewS3Store(ctx, objectstore.Config{
		Endpoint:         settings.Endpoint,
		Region:           settings.Region,
		Bucket:           settings.Bucket,
		AccessKeyID:      settings.AccessKeyID,
		SecretAccessKey:  settings.SecretAccessKey,
		MaxRetryAttempts: settings.MaxRetryAttempts,
	}, logger)
	if err != nil {
		return nil, err
	}
	return New(ctx, settings, store, logger)
}

// List returns every committed backup, newest first. In-progress
// uploads are never included.
func (a *Agent) List(ctx context.Context) ([]backup.Record, error) {
	entries, err := a.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]backup.Record, len(entries))
	for i, entry := range entries {
		records[i] = entry.Record
	}
	return records, nil
}

// Get returns the record for one backup id.
func (a *Agent) Get(ctx context.Context, id string) (backup.Record, error) {
	entry, err := a.catalog.Get(ctx, id)
	if err != nil {
		return backup.Record{}, err
	}
	return entry.Record, nil
}

// Create uploads the archive read from source and commits it under the
// record's identity. The backup becomes visible to List only once the
// upload has fully committed; a failed upload leaves nothing behind.
// The returned record carries the exact stored size.
func (a *Agent) Create(ctx context.Context, record backup.Record, source io.Reader) (backup.Record, error) {
	if err := record.Validate(); err != nil {
		return backup.Record{}, err
	}
	if !a.locks.tryAcquire(record.ID) {
		return backup.Record{}, conflictErr(record.ID)
	}
	defer a.locks.release(record.ID)

	key := a.mapper.ToKey(record.ID, record.CreatedAt)
	etag, size, err := a.engine.Upload(ctx, record, key, source)
	if err != nil {
		return backup.Record{}, err
	}

	// The engine counted the stream, so the record's size is now exact
	// whatever the caller declared.
	record.SizeBytes = size
	a.catalog.NoteUploadComplete(record, etag)
	a.logger.Info("Backup created", "id", record.ID, "name", record.Name)
	return record, nil
}

// Fetch opens the backup's archive for reading from the start. The id
// stays locked until the returned stream is closed, so the backup
// cannot be removed or overwritten mid restore.
func (a *Agent) Fetch(ctx context.Context, id string) (io.ReadCloser, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty backup id", backup.ErrInvalidArgument)
	}
	if !a.locks.tryAcquire(id) {
		return nil, conflictErr(id)
	}

	entry, err := a.catalog.Get(ctx, id)
	if err != nil {
		a.locks.release(id)
		return nil, err
	}

	stream, err := a.engine.Download(ctx, entry.Key, entry.Record.SizeBytes)
	if err != nil {
		a.locks.release(id)
		if errors.Is(err, backup.ErrNotFound) {
			// The object vanished between the listing and the read.
			a.catalog.Invalidate(id)
		}
		return nil, err
	}

	return &fetchStream{ReadCloser: stream, unlock: func() { a.locks.release(id) }}, nil
}

// FetchToFile downloads the backup's archive to path, replacing any
// partially written file on failure. It returns the bytes written.
func (a *Agent) FetchToFile(ctx context.Context, id, path string) (int64, error) {
	if id == "" {
		return 0, fmt.Errorf("%w: empty backup id", backup.ErrInvalidArgument)
	}
	if !a.locks.tryAcquire(id) {
		return 0, conflictErr(id)
	}
	defer a.locks.release(id)

	entry, err := a.catalog.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return a.engine.DownloadToFile(ctx, entry.Key, path)
}

// Remove deletes the backup's object and catalog entry. Removing an id
// that does not exist succeeds.
func (a *Agent) Remove(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty backup id", backup.ErrInvalidArgument)
	}
	if !a.locks.tryAcquire(id) {
		return conflictErr(id)
	}
	defer a.locks.release(id)

	return a.remove(ctx, id)
}

// remove deletes one backup with its id lock already held.
func (a *Agent) remove(ctx context.Context, id string) error {
	entry, err := a.catalog.Get(ctx, id)
	if errors.Is(err, backup.ErrNotFound) {
		a.logger.Debug("Backup already absent", "id", id)
		return nil
	}
	if err != nil {
		return err
	}

	if err := a.store.Delete(ctx, entry.Key); err != nil {
		return err
	}
	a.catalog.Invalidate(id)
	a.logger.Info("Backup removed", "id", id, "key", entry.Key)
	return nil
}

// Prune removes the oldest backups beyond keep and returns the removed
// ids. Backups busy with another operation are skipped, not failed.
func (a *Agent) Prune(ctx context.Context, keep int) ([]string, error) {
	if keep < 0 {
		return nil, fmt.Errorf("%w: keep count must not be negative", backup.ErrInvalidArgument)
	}

	entries, err := a.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) <= keep {
		return nil, nil
	}

	var removed []string
	for _, entry := range entries[keep:] {
		id := entry.Record.ID
		if !a.locks.tryAcquire(id) {
			a.logger.Warn("Skipping busy backup during prune", "id", id)
			continue
		}
		err := a.remove(ctx, id)
		a.locks.release(id)
		if err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}

	if len(removed) > 0 {
		a.logger.Info("Pruned old backups", "kept", keep, "removed", len(removed))
	}
	return removed, nil
}

// SweepStaleUploads aborts incomplete multipart uploads under the
// agent's prefix that were started more than olderThan ago. It returns
// how many uploads were aborted.
func (a *Agent) SweepStaleUploads(ctx context.Context, olderThan time.Duration) (int, error) {
	return a.engine.SweepStaleUploads(ctx, a.mapper.Prefix(), olderThan)
}

func conflictErr(id string) error {
	return fmt.Errorf("%w: backup %q has an operation in progress", backup.ErrConflict, id)
}

// fetchStream releases the backup's id lock when the caller closes it.
type fetchStream struct {
	io.ReadCloser
	once   sync.Once
	unlock func()
}

func (f *fetchStream) Close() error {
	err := f.ReadCloser.Close()
	f.once.Do(f.unlock)
	return err
}
