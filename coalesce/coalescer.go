// Package coalesce deduplicates concurrent work for the same key.
//
// The first caller for a key becomes the leader and runs the function; callers
// arriving while it is in flight attach to it and receive the identical outcome.
// Nothing is remembered once the call settles, failures included, so the next
// caller after a failure starts a fresh attempt.
package coalesce

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

// Func is the expensive operation being coalesced. It receives the leader's
// context.
type Func func(ctx context.Context) (any, error)

// Result is the outcome seen by one caller.
type Result struct {
	Value any
	// Shared is true when this caller attached to another caller's in-flight work.
	Shared bool
}

// PanicError is returned to every caller when the function panicked.
type PanicError struct {
	Key   string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("coalesce: panic while running %q: %v", e.Key, e.Value)
}

// Coalescer runs at most one Func per key at any instant.
// The zero value is ready to use.
type Coalescer struct {
	group singleflight.Group
}

// New returns an empty Coalescer.
func New() *Coalescer {
	return &Coalescer{}
}

// Run executes fn for key unless a call for key is already in flight, in which
// case it waits for that call and returns its outcome.
//
// A follower whose ctx is done stops waiting and returns ctx.Err(); the leader
// and other followers are unaffected. The leader's ctx is handed to fn, so
// cancelling it settles the call for everybody.
func (c *Coalescer) Run(ctx context.Context, key string, fn Func) (Result, error) {
	// Only the leader's closure is ever invoked, so this flag tells the leader
	// apart from followers regardless of what singleflight reports as shared.
	var leader atomic.Bool
	ch := c.group.DoChan(key, func() (value any, err error) {
		leader.Store(true)
		defer func() {
			if p := recover(); p != nil {
				value = nil
				err = &PanicError{Key: key, Value: p, Stack: debug.Stack()}
			}
		}()
		return fn(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{Shared: !leader.Load()}, res.Err
		}
		return Result{Value: res.Val, Shared: !leader.Load()}, nil
	case <-ctx.Done():
		return Result{Shared: !leader.Load()}, ctx.Err()
	}
}
