package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/backup"
)

const defaultMaxRetryAttempts = 5

// Config carries the addressing and credentials for one bucket. An
// empty Endpoint targets AWS itself; setting it switches the client to
// path-style addressing for S3-compatible stores such as MinIO.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string

	// MaxRetryAttempts bounds the client-side retry loop for transient
	// faults. Zero selects the default.
	MaxRetryAttempts int
}

// S3Store implements Client against any S3-compatible endpoint.
type S3Store struct {
	client     *s3.Client
	downloader *manager.Downloader
	bucket     string
	logger     *slog.Logger
}

// NewS3Store builds a client for the configured bucket. Credentials are
// taken from the config when set, otherwise from the default AWS chain.
func NewS3Store(ctx context.Context, cfg Config, logger *slog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket name is required", backup.ErrInvalidArgument)
	}

	attempts := cfg.MaxRetryAttempts
	if attempts <= 0 {
		attempts = defaultMaxRetryAttempts
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = attempts
			})
		}),
	}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	logger.Info("S3 client initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"endpoint", cfg.Endpoint)

	return &S3Store{
		client:     client,
		downloader: manager.NewDownloader(client),
		bucket:     cfg.Bucket,
		logger:     logger,
	}, nil
}

// EnsureBucket verifies the bucket exists and the credentials can reach
// it. A missing bucket is a configuration problem, not a missing backup.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		err = classify(err)
		if isKind(err, backup.ErrNotFound) {
			return fmt.Errorf("%w: bucket %q does not exist", backup.ErrInvalidArgument, s.bucket)
		}
		return fmt.Errorf("head bucket %q: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     body,
		Metadata: metadata,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return "", storeErr("put", key, err)
	}
	return cleanETag(out.ETag), nil
}

func (s *S3Store) Get(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if rng != nil {
		if rng.End >= 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", rng.Start))
		}
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		return nil, storeErr("get", key, err)
	}
	return out.Body, nil
}

// DownloadTo fans concurrent ranged GETs into w through the SDK
// transfer manager.
func (s *S3Store) DownloadTo(ctx context.Context, key string, w io.WriterAt) (int64, error) {
	n, err := s.downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, storeErr("download", key, err)
	}
	return n, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Object{}, storeErr("head", key, err)
	}

	return Object{
		ObjectInfo: ObjectInfo{
			Key:          key,
			Size:         aws.ToInt64(out.ContentLength),
			ETag:         cleanETag(out.ETag),
			LastModified: aws.ToTime(out.LastModified),
		},
		Metadata: out.Metadata,
	}, nil
}

func (s *S3Store) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return storeErr("list", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			if err := fn(ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         cleanETag(obj.ETag),
				LastModified: aws.ToTime(obj.LastModified),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return storeErr("delete", key, err)
	}
	return nil
}

func (s *S3Store) StartMultipart(ctx context.Context, key string, metadata map[string]string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Metadata: metadata,
	})
	if err != nil {
		return "", storeErr("create multipart upload", key, err)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *S3Store) UploadPart(ctx context.Context, key, uploadID string, number int32, body io.ReadSeeker, size int64) (Part, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(number),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return Part{}, storeErr(fmt.Sprintf("upload part %d", number), key, err)
	}
	return Part{
		Number: number,
		ETag:   cleanETag(out.ETag),
		Size:   size,
	}, nil
}

func (s *S3Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) (string, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number),
		})
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return "", storeErr("complete multipart upload", key, err)
	}
	return cleanETag(out.ETag), nil
}

// AbortMultipart discards the upload. Aborting an upload the store no
// longer knows about is treated as success so cleanup can be retried.
func (s *S3Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		err = storeErr("abort multipart upload", key, err)
		if isKind(err, backup.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (s *S3Store) ListMultipartUploads(ctx context.Context, prefix string) ([]MultipartUpload, error) {
	var uploads []MultipartUpload

	input := &s3.ListMultipartUploadsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	for {
		out, err := s.client.ListMultipartUploads(ctx, input)
		if err != nil {
			return nil, storeErr("list multipart uploads", prefix, err)
		}
		for _, u := range out.Uploads {
			uploads = append(uploads, MultipartUpload{
				Key:       aws.ToString(u.Key),
				UploadID:  aws.ToString(u.UploadId),
				Initiated: aws.ToTime(u.Initiated),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.KeyMarker = out.NextKeyMarker
		input.UploadIdMarker = out.NextUploadIdMarker
	}
	return uploads, nil
}

// cleanETag strips the quotes S3 wraps around ETag values so callers
// can compare them against hex digests directly.
func cleanETag(etag *string) string {
	return strings.Trim(aws.ToString(etag), `"`)
}
