package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"

	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/backup"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/objectstore"
)

// Upload stores the archive stream under key with the record's metadata
// attached. Archives no larger than one chunk go up in a single
// request; anything bigger uses the store's native multipart flow.
// Nothing becomes visible at key until the final commit, and any
// started multipart state is aborted on every failure or cancellation
// path. Returns the committed ETag and the number of bytes stored.
func (e *Engine) Upload(ctx context.Context, record backup.Record, key string, body io.Reader) (string, int64, error) {
	if err := e.acquire(ctx); err != nil {
		return "", 0, err
	}
	defer e.sem.Release(1)

	sess := newSession(key)
	log := e.logger.With("session", sess.id, "backup", record.ID, "key", key)
	metadata := backup.ObjectMetadata(record, e.instanceID)

	first := make([]byte, e.chunkSize)
	n, err := readChunk(body, first)
	if err != nil {
		return "", 0, fmt.Errorf("%w: reading archive: %w", backup.ErrTransferFailed, err)
	}

	single := int64(n) < e.chunkSize
	var second []byte
	var m int
	if !single {
		// The first chunk is full; look for a second one to decide
		// between a single put and a multipart upload.
		second = make([]byte, e.chunkSize)
		m, err = readChunk(body, second)
		if err != nil {
			return "", 0, fmt.Errorf("%w: reading archive: %w", backup.ErrTransferFailed, err)
		}
		single = m == 0
	}

	var etag string
	if single {
		etag, err = e.putSingle(ctx, sess, first[:n], metadata, log)
	} else {
		etag, err = e.putMultipart(ctx, sess, metadata, first[:n], second[:m], body, log)
	}
	if err != nil {
		return "", 0, err
	}
	return etag, sess.bytesMoved, nil
}

// readChunk fills buf as far as the stream allows; a clean end of
// stream is not an error.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}

// putSingle uploads the whole archive in one request and verifies the
// returned ETag against the body's MD5.
func (e *Engine) putSingle(ctx context.Context, sess *session, data []byte, metadata map[string]string, log *slog.Logger) (string, error) {
	sum := md5.Sum(data)
	want := hex.EncodeToString(sum[:])

	var etag string
	operation := func() error {
		tag, err := e.store.Put(ctx, sess.key, bytes.NewReader(data), int64(len(data)), metadata)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if tag != "" && tag != want {
			return fmt.Errorf("%w: checksum mismatch: got %s want %s", backup.ErrTransferFailed, tag, want)
		}
		etag = tag
		return nil
	}

	err := backoff.RetryNotify(operation, e.newRetryPolicy(ctx), func(err error, wait time.Duration) {
		sess.retries++
		log.Warn("Upload failed, retrying", "wait", wait, "error", err)
	})
	if err != nil {
		return "", e.transferErr("upload", err)
	}

	sess.bytesMoved = int64(len(data))
	log.Info("Backup uploaded",
		"size", humanize.IBytes(uint64(sess.bytesMoved)),
		"parts", 1,
		"retries", sess.retries)
	return etag, nil
}

// putMultipart runs the multipart sequence: initiate, upload parts of
// one chunk each, commit. The two pre-read chunks go first, then the
// rest of the stream is read one chunk at a time so memory stays
// bounded by two chunk buffers.
func (e *Engine) putMultipart(ctx context.Context, sess *session, metadata map[string]string, first, second []byte, body io.Reader, log *slog.Logger) (etag string, err error) {
	uploadID, err := e.store.StartMultipart(ctx, sess.key, metadata)
	if err != nil {
		return "", e.transferErr("start multipart upload", err)
	}
	sess.uploadID = uploadID
	log = log.With("upload_id", uploadID)

	// A half-committed object must never become visible: discard the
	// remote upload on every path that does not commit it.
	defer func() {
		if err != nil {
			e.abortUpload(ctx, sess, log)
		}
	}()

	if err = e.uploadPart(ctx, sess, first, log); err != nil {
		return "", err
	}
	if err = e.uploadPart(ctx, sess, second, log); err != nil {
		return "", err
	}

	buf := first[:cap(first)]
	for {
		var n int
		n, err = readChunk(body, buf)
		if err != nil {
			err = fmt.Errorf("%w: reading archive: %w", backup.ErrTransferFailed, err)
			return "", err
		}
		if n == 0 {
			break
		}
		if err = e.uploadPart(ctx, sess, buf[:n], log); err != nil {
			return "", err
		}
	}

	etag, err = e.store.CompleteMultipart(ctx, sess.key, uploadID, sess.parts)
	if err != nil {
		err = e.transferErr("complete multipart upload", err)
		return "", err
	}

	log.Info("Backup uploaded",
		"size", humanize.IBytes(uint64(sess.bytesMoved)),
		"parts", len(sess.parts),
		"retries", sess.retries)
	return etag, nil
}

// uploadPart sends one part, verifying the returned ETag against the
// part's MD5 and retrying failed attempts with capped backoff.
func (e *Engine) uploadPart(ctx context.Context, sess *session, data []byte, log *slog.Logger) error {
	number := int32(len(sess.parts) + 1)
	sum := md5.Sum(data)
	want := hex.EncodeToString(sum[:])

	var part objectstore.Part
	operation := func() error {
		p, err := e.store.UploadPart(ctx, sess.key, sess.uploadID, number, bytes.NewReader(data), int64(len(data)))
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if p.ETag != "" && p.ETag != want {
			return fmt.Errorf("%w: part %d checksum mismatch: got %s want %s", backup.ErrTransferFailed, number, p.ETag, want)
		}
		part = p
		return nil
	}

	err := backoff.RetryNotify(operation, e.newRetryPolicy(ctx), func(err error, wait time.Duration) {
		sess.retries++
		log.Warn("Part upload failed, retrying",
			"part", number, "wait", wait, "error", err)
	})
	if err != nil {
		return e.transferErr(fmt.Sprintf("upload part %d", number), err)
	}

	sess.parts = append(sess.parts, part)
	sess.bytesMoved += int64(len(data))
	return nil
}

// abortUpload discards remote multipart state. It runs on failure and
// cancellation paths, so it must not inherit the caller's possibly
// cancelled context.
func (e *Engine) abortUpload(ctx context.Context, sess *session, log *slog.Logger) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	if err := e.store.AbortMultipart(abortCtx, sess.key, sess.uploadID); err != nil {
		log.Error("Failed to abort multipart upload", "error", err)
		return
	}
	log.Debug("Aborted multipart upload")
}
