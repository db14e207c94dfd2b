package quota

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownPlan is returned for a plan with no configured limit.
	ErrUnknownPlan = errors.New("quota: unknown plan")
	// ErrNegativeItems is returned when a commit tries to decrease usage.
	ErrNegativeItems = errors.New("quota: items consumed must not be negative")
)

// QuotaExceededError is returned when an identity has used up its window.
// It is always recoverable by waiting until ResetAt.
type QuotaExceededError struct {
	Identity  string
	Plan      Plan
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s plan: limit %d, resets at %s",
		e.Plan, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

// RetryAfter returns how long the caller should wait at now before retrying.
func (e *QuotaExceededError) RetryAfter(now time.Time) time.Duration {
	if d := e.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// InvalidIdentityError rejects identities that are missing or malformed,
// so unrelated callers never end up pooled in a shared bucket.
type InvalidIdentityError struct {
	Identity string
	Reason   string
}

func (e *InvalidIdentityError) Error() string {
	return fmt.Sprintf("invalid identity %q: %s", e.Identity, e.Reason)
}
