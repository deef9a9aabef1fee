// Package objectstore wraps the S3 API surface the agent needs: keyed
// puts and ranged gets, paginated listing, idempotent deletes, and the
// native multipart upload sequence. Transient store faults are retried
// inside the client; error kinds the platform understands come out.
package objectstore

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes one stored object as reported by list operations.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Object is the full head-of-object view: listing facts plus the user
// metadata attached at upload time.
type Object struct {
	ObjectInfo
	Metadata map[string]string
}

// Part is the receipt for one uploaded part of a multipart upload. The
// ETag is required to commit the upload and doubles as the part's MD5.
type Part struct {
	Number int32
	ETag   string
	Size   int64
}

// MultipartUpload identifies an in-progress multipart upload on the
// remote side.
type MultipartUpload struct {
	Key       string
	UploadID  string
	Initiated time.Time
}

// ByteRange selects part of an object for Get. End < 0 means "to the
// end of the object"; both bounds are inclusive.
type ByteRange struct {
	Start int64
	End   int64
}

// Client is the object-store contract consumed by the catalog and the
// transfer engine. All operations are idempotent at the key level and
// safe to retry; implementations classify provider errors into the
// agent's error kinds before returning them.
type Client interface {
	// EnsureBucket probes bucket existence and access permissions.
	EnsureBucket(ctx context.Context) error

	// Put stores an object in one request, overwriting any existing
	// object at the key, and returns the committed ETag.
	Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (string, error)

	// Get opens the object, optionally restricted to a byte range. The
	// caller owns the returned reader.
	Get(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error)

	// DownloadTo writes the whole object into w, fanning out ranged
	// reads where the implementation supports it. Returns the number of
	// bytes written.
	DownloadTo(ctx context.Context, key string, w io.WriterAt) (int64, error)

	// Head returns object facts and user metadata without the body.
	Head(ctx context.Context, key string) (Object, error)

	// List walks every object under the prefix, following pagination
	// transparently. Returning an error from fn stops the walk.
	List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error

	// Delete removes the object. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// StartMultipart initiates a multipart upload and returns its id.
	StartMultipart(ctx context.Context, key string, metadata map[string]string) (string, error)

	// UploadPart uploads one part. The body must be rewindable so the
	// request can be re-signed and retried.
	UploadPart(ctx context.Context, key, uploadID string, number int32, body io.ReadSeeker, size int64) (Part, error)

	// CompleteMultipart commits the upload from the accumulated part
	// receipts and returns the final object ETag.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) (string, error)

	// AbortMultipart discards an in-progress upload and its parts.
	AbortMultipart(ctx context.Context, key, uploadID string) error

	// ListMultipartUploads reports in-progress uploads under the prefix.
	ListMultipartUploads(ctx context.Context, prefix string) ([]MultipartUpload, error)
}
