package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/backup"
)

// storeErr annotates a classified store error with the operation and
// key it happened on.
func storeErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %q: %w", op, key, classify(err))
}

// classify maps an AWS SDK error onto one of the agent's error kinds.
// Context cancellation passes through untouched so callers can tell a
// deliberate abort apart from a store fault. Anything unrecognised is
// reported as the store being unavailable, since the SDK has already
// retried transient faults by the time an error reaches us.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", backup.ErrNotFound, err)
	}
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return fmt.Errorf("%w: %w", backup.ErrInvalidArgument, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchUpload":
			return fmt.Errorf("%w: %w", backup.ErrNotFound, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"ExpiredToken", "TokenRefreshRequired", "AuthorizationHeaderMalformed":
			return fmt.Errorf("%w: %w", backup.ErrAuthFailure, err)
		case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
			return fmt.Errorf("%w: %w", backup.ErrStoreUnavailable, err)
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == 401 || code == 403:
			return fmt.Errorf("%w: %w", backup.ErrAuthFailure, err)
		case code == 404:
			return fmt.Errorf("%w: %w", backup.ErrNotFound, err)
		case code == 429 || code >= 500:
			return fmt.Errorf("%w: %w", backup.ErrStoreUnavailable, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", backup.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%w: %w", backup.ErrStoreUnavailable, err)
}

// isKind reports whether err carries the given error kind.
func isKind(err, kind error) bool {
	return errors.Is(err, kind)
}
