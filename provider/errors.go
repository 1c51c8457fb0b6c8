package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/aws/smithy-go"
	"github.com/minio/minio-go/v7"
)

// Kind classifies a storage failure by how the engine recovers from it.
type Kind int

const (
	// KindTransfer is a transient failure while moving one file. It is
	// recovered by a user-triggered retry.
	KindTransfer Kind = iota
	// KindSetup is an authorization or connectivity failure while preparing
	// a job. No job is created.
	KindSetup
	// KindAbort is a failure while aborting a remote session. It is logged
	// and otherwise ignored.
	KindAbort
)

func (k Kind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindSetup:
		return "setup"
	case KindAbort:
		return "abort"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var (
	// ErrUnavailable indicates the storage service could not be reached.
	ErrUnavailable = errors.New("storage: service unavailable")

	// ErrAccessDenied indicates credentials were rejected.
	ErrAccessDenied = errors.New("storage: access denied")

	// ErrNotFound indicates a missing bucket or object.
	ErrNotFound = errors.New("storage: not found")

	// ErrSessionNotFound indicates the multipart session no longer exists.
	ErrSessionNotFound = errors.New("storage: multipart session not found")

	// ErrChecksumMismatch indicates the stored data does not match the source.
	ErrChecksumMismatch = errors.New("storage: checksum mismatch")
)

// Error is a storage operation failure with the context it happened in.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Kind   Kind
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Bucket != "" && e.Key != "":
		return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	case e.Bucket != "":
		return fmt.Sprintf("%s bucket %s: %v", e.Op, e.Bucket, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the Kind of err, defaulting to KindTransfer for errors that
// did not come from a storage backend.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransfer
}

func newError(op string, kind Kind, bucket, key string, err error) *Error {
	if sentinel := classify(err); sentinel != nil && !errors.Is(err, sentinel) {
		err = fmt.Errorf("%w: %w", sentinel, err)
	}
	return &Error{Op: op, Bucket: bucket, Key: key, Kind: kind, Err: err}
}

// classify maps backend errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if s := codeSentinel(apiErr.ErrorCode()); s != nil {
			return s
		}
	}

	if resp := minio.ToErrorResponse(err); resp.Code != "" {
		if s := codeSentinel(resp.Code); s != nil {
			return s
		}
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr):
		return ErrUnavailable
	case errors.Is(err, os.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return ErrUnavailable
	}
	return nil
}

func codeSentinel(code string) error {
	switch code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
		"ExpiredToken", "InvalidClientTokenId", "UnrecognizedClientException":
		return ErrAccessDenied
	case "NoSuchBucket", "NoSuchKey", "NotFound":
		return ErrNotFound
	case "NoSuchUpload":
		return ErrSessionNotFound
	case "RequestTimeout", "ServiceUnavailable", "SlowDown", "InternalError":
		return ErrUnavailable
	}
	return nil
}
