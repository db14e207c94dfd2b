package cache

import (
	"time"
)

// Store defines the contract for all storage backends.
type Store interface {
	// Get returns the value for key. Entries whose expiry has passed are reported
	// as absent even if they have not been physically removed yet.
	Get(key string) (any, bool)
	// Set inserts or overwrites key. The entry expires at now + ttl.
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
	Len() int
	Close() error // For graceful shutdown/cleanup
}

// Entry holds a cached aggregation result and its expiry metadata.
type Entry struct {
	Key       string
	Value     any
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether the entry is invisible to reads at now.
// An entry is expired at or after ExpiresAt.
func (e *Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TTL returns the remaining lifetime of the entry at now, never negative.
func (e *Entry) TTL(now time.Time) time.Duration {
	if d := e.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
