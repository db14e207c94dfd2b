package gateway

import (
	"errors"
	"fmt"
)

// ErrEmptyKey is returned for requests without a cache key.
var ErrEmptyKey = errors.New("gateway: empty key")

// UpstreamError wraps the failure of a fetch function. Every caller attached
// to the failed fetch receives an UpstreamError wrapping the same error.
type UpstreamError struct {
	Namespace string
	Key       string
	Err       error
}

func (e *UpstreamError) Error() string {
	if e.Namespace == "" {
		return fmt.Sprintf("upstream fetch for %q failed: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("upstream fetch for %s/%q failed: %v", e.Namespace, e.Key, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
