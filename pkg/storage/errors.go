package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrThrottled indicates the request was rate limited by the store.
	ErrThrottled = errors.New("request throttled")

	// ErrUnavailable indicates the store service is unavailable.
	ErrUnavailable = errors.New("store unavailable")
)

// OpError wraps store errors with the failing operation and location.
type OpError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *OpError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s: %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s: %s: %v", e.Op, e.Bucket, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
