package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"

	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/backup"
)

// httpResponseError builds the transport-level error shape the SDK
// returns when no modelled error type matches.
func httpResponseError(statusCode int) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{
			Response: &http.Response{StatusCode: statusCode},
		},
		Err: errors.New("request failed"),
	}
}

func TestClassifyErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no such key", &types.NoSuchKey{}, backup.ErrNotFound},
		{"head not found", &types.NotFound{}, backup.ErrNotFound},
		{"wrapped not found", fmt.Errorf("operation error S3: HeadObject: %w", &types.NotFound{}), backup.ErrNotFound},
		{"no such upload", &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "unknown upload"}, backup.ErrNotFound},
		{"no such bucket", &types.NoSuchBucket{}, backup.ErrInvalidArgument},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied"}, backup.ErrAuthFailure},
		{"invalid access key", &smithy.GenericAPIError{Code: "InvalidAccessKeyId", Message: "key unknown"}, backup.ErrAuthFailure},
		{"signature mismatch", &smithy.GenericAPIError{Code: "SignatureDoesNotMatch", Message: "bad signature"}, backup.ErrAuthFailure},
		{"expired token", &smithy.GenericAPIError{Code: "ExpiredToken", Message: "token expired"}, backup.ErrAuthFailure},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce request rate"}, backup.ErrStoreUnavailable},
		{"internal error", &smithy.GenericAPIError{Code: "InternalError", Message: "server error"}, backup.ErrStoreUnavailable},
		{"service unavailable", &smithy.GenericAPIError{Code: "ServiceUnavailable", Message: "try again"}, backup.ErrStoreUnavailable},
		{"http 401", httpResponseError(401), backup.ErrAuthFailure},
		{"http 403", httpResponseError(403), backup.ErrAuthFailure},
		{"http 404", httpResponseError(404), backup.ErrNotFound},
		{"http 429", httpResponseError(429), backup.ErrStoreUnavailable},
		{"http 503", httpResponseError(503), backup.ErrStoreUnavailable},
		{"dial failure", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, backup.ErrStoreUnavailable},
		{"unknown error", errors.New("something broke"), backup.ErrStoreUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestClassifyPassesThroughCancellation(t *testing.T) {
	err := classify(fmt.Errorf("get object: %w", context.Canceled))

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, backup.ErrStoreUnavailable)

	err = classify(context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, classify(nil))
	assert.NoError(t, storeErr("put", "key", nil))
}

func TestStoreErrKeepsCause(t *testing.T) {
	cause := &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied"}

	err := storeErr("put", "backups/20240101T000000Z_a.tar", cause)

	assert.ErrorIs(t, err, backup.ErrAuthFailure)
	assert.Contains(t, err.Error(), "put")
	assert.Contains(t, err.Error(), "backups/20240101T000000Z_a.tar")

	// The original SDK error must stay reachable for logging.
	var apiErr smithy.APIError
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "AccessDenied", apiErr.ErrorCode())
}
