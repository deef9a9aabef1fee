package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"

	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/backup"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/objectstore"
)

// Download opens a stream of the object at key. size is the expected
// object size, or negative if unknown. A connection drop mid-read is
// repaired transparently with a ranged request from the last delivered
// offset; the caller never observes the seam. Each call returns an
// independent stream starting at offset zero, and the caller must close
// it.
func (e *Engine) Download(ctx context.Context, key string, size int64) (io.ReadCloser, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}

	body, err := e.store.Get(ctx, key, nil)
	if err != nil {
		e.sem.Release(1)
		return nil, fmt.Errorf("open download: %w", err)
	}

	sess := newSession(key)
	log := e.logger.With("session", sess.id, "key", key)
	log.Debug("Download started", "size", size)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval
	bo.MaxElapsedTime = 0

	return &resumingReader{
		store:      e.store,
		ctx:        ctx,
		key:        key,
		size:       size,
		body:       body,
		maxResumes: e.maxRetries,
		backoff:    bo,
		release:    func() { e.sem.Release(1) },
		log:        log,
	}, nil
}

// DownloadToFile spools the object into path using the store's ranged
// fan-out download, the way a platform restore wants a local archive
// file. The partial file is removed on failure.
func (e *Engine) DownloadToFile(ctx context.Context, key, path string) (int64, error) {
	if err := e.acquire(ctx); err != nil {
		return 0, err
	}
	defer e.sem.Release(1)

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create download target: %w", err)
	}

	n, err := e.store.DownloadTo(ctx, key, f)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, e.transferErr("download to file", err)
	}

	e.logger.Info("Backup downloaded to file",
		"key", key, "path", path, "size", humanize.IBytes(uint64(n)))
	return n, nil
}

// resumingReader is an io.ReadCloser that reopens the underlying object
// stream with a ranged request when a read breaks mid-flight.
type resumingReader struct {
	store objectstore.Client
	ctx   context.Context
	key   string
	size  int64

	body    io.ReadCloser
	offset  int64
	resumes int

	maxResumes int
	backoff    backoff.BackOff
	release    func()
	log        *slog.Logger

	closeOnce sync.Once
	closed    bool
}

func (r *resumingReader) Read(p []byte) (int, error) {
	for {
		if r.closed {
			return 0, os.ErrClosed
		}

		n, err := r.body.Read(p)
		r.offset += int64(n)

		switch {
		case err == nil:
			return n, nil

		case err == io.EOF:
			if r.size >= 0 && r.offset < r.size {
				// The connection closed early; treat the truncation
				// like any other broken read.
				if rerr := r.resume(err); rerr != nil {
					return n, rerr
				}
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, io.EOF

		default:
			if r.ctx.Err() != nil {
				return n, r.ctx.Err()
			}
			if rerr := r.resume(err); rerr != nil {
				return n, rerr
			}
			if n > 0 {
				return n, nil
			}
		}
	}
}

// resume reopens the stream from the last delivered offset, waiting out
// a backoff interval first.
func (r *resumingReader) resume(cause error) error {
	if r.resumes >= r.maxResumes {
		return fmt.Errorf("%w: download interrupted after %d resumes: %w", backup.ErrTransferFailed, r.resumes, cause)
	}
	wait := r.backoff.NextBackOff()
	if wait == backoff.Stop {
		return fmt.Errorf("%w: download interrupted: %w", backup.ErrTransferFailed, cause)
	}

	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	case <-time.After(wait):
	}

	r.resumes++
	r.body.Close()
	r.log.Warn("Download interrupted, resuming",
		"offset", r.offset, "attempt", r.resumes, "error", cause)

	body, err := r.store.Get(r.ctx, r.key, &objectstore.ByteRange{Start: r.offset, End: -1})
	if err != nil {
		return fmt.Errorf("resume download: %w", err)
	}
	r.body = body
	return nil
}

func (r *resumingReader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed = true
		err = r.body.Close()
		r.release()
		r.log.Debug("Download closed", "bytes_read", r.offset, "resumes", r.resumes)
	})
	return err
}
