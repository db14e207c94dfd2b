package coalesce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"
)

// startLeader runs a blocking call for key and returns once fn has started.
func startLeader(t *testing.T, c *Coalescer, key string, fn Func) (<-chan Result, <-chan error) {
	t.Helper()

	started := make(chan struct{})
	results := make(chan Result, 1)
	errs := make(chan error, 1)
	go func() {
		res, err := c.Run(context.Background(), key, func(ctx context.Context) (any, error) {
			close(started)
			return fn(ctx)
		})
		results <- res
		errs <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("leader never started")
	}
	return results, errs
}

func TestCoalescer_ConcurrentCallsRunOnce(t *testing.T) {
	c := New()
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(ctx context.Context) (any, error) {
		calls.Inc()
		<-release
		return "feed", nil
	}
	leaderRes, leaderErr := startLeader(t, c, "feed_action", fn)

	const followers = 20
	var wg sync.WaitGroup
	results := make([]Result, followers)
	errs := make([]error, followers)
	for i := 0; i < followers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Run(context.Background(), "feed_action", fn)
		}(i)
	}

	// let the followers attach
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one call, got %d", got)
	}
	if err := <-leaderErr; err != nil {
		t.Fatalf("leader error: %v", err)
	}
	lr := <-leaderRes
	if lr.Shared {
		t.Fatalf("leader must not be marked shared")
	}
	if lr.Value != "feed" {
		t.Fatalf("unexpected leader value %v", lr.Value)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("follower %d error: %v", i, errs[i])
		}
		if results[i].Value != "feed" {
			t.Fatalf("follower %d got %v", i, results[i].Value)
		}
		if !results[i].Shared {
			t.Fatalf("follower %d should be marked shared", i)
		}
	}
}

func TestCoalescer_FailureReachesFollowersAndIsNotRemembered(t *testing.T) {
	c := New()
	boom := errors.New("upstream down")
	release := make(chan struct{})
	var calls atomic.Int32

	failing := func(ctx context.Context) (any, error) {
		calls.Inc()
		<-release
		return nil, boom
	}
	_, leaderErr := startLeader(t, c, "k", failing)

	followerErr := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background(), "k", failing)
		followerErr <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := <-leaderErr; !errors.Is(err, boom) {
		t.Fatalf("leader expected %v, got %v", boom, err)
	}
	if err := <-followerErr; !errors.Is(err, boom) {
		t.Fatalf("follower expected %v, got %v", boom, err)
	}

	res, err := c.Run(context.Background(), "k", func(ctx context.Context) (any, error) {
		calls.Inc()
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
	if res.Shared {
		t.Fatalf("retry should run as a new leader")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestCoalescer_PanicBecomesError(t *testing.T) {
	c := New()

	_, err := c.Run(context.Background(), "k", func(ctx context.Context) (any, error) {
		panic("bad payload")
	})

	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if pe.Value != "bad payload" {
		t.Fatalf("unexpected panic value %v", pe.Value)
	}

	res, err := c.Run(context.Background(), "k", func(ctx context.Context) (any, error) {
		return 1, nil
	})
	if err != nil || res.Value != 1 {
		t.Fatalf("key should be usable after panic, got %v %v", res.Value, err)
	}
}

func TestCoalescer_FollowerCancellationDoesNotAffectLeader(t *testing.T) {
	c := New()
	release := make(chan struct{})

	leaderRes, leaderErr := startLeader(t, c, "k", func(ctx context.Context) (any, error) {
		<-release
		return "v", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	followerErr := make(chan error, 1)
	go func() {
		_, err := c.Run(ctx, "k", func(ctx context.Context) (any, error) { return "other", nil })
		followerErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-followerErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected follower cancellation, got %v", err)
	}

	close(release)
	if err := <-leaderErr; err != nil {
		t.Fatalf("leader error: %v", err)
	}
	if res := <-leaderRes; res.Value != "v" {
		t.Fatalf("unexpected leader value %v", res.Value)
	}
}

func TestCoalescer_LeaderCancellationSettlesKey(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		_, err := c.Run(ctx, "k", func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		done <- err
	}()
	<-started
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	// the in-flight entry settles once fn returns
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err := c.Run(context.Background(), "k", func(ctx context.Context) (any, error) {
			return "fresh", nil
		})
		if err == nil && res.Value == "fresh" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("key stayed stuck after leader cancellation: %v %v", res.Value, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCoalescer_DifferentKeysDoNotCoalesce(t *testing.T) {
	c := New()
	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (any, error) {
		calls.Inc()
		<-release
		return nil, nil
	}

	startLeader(t, c, "a", fn)
	startLeader(t, c, "b", fn)
	close(release)

	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}
