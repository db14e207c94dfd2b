// Package gateway puts a cache, a request coalescer and a quota tracker in
// front of a slow upstream fetch.
//
// A request is checked against the caller's quota, served from cache when
// possible, and otherwise fetched once per key no matter how many callers ask
// at the same time. Only fresh deliveries are charged to the caller's quota.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/spdeepak/capsulegate/cache"
	"github.com/spdeepak/capsulegate/coalesce"
	"github.com/spdeepak/capsulegate/quota"
	"github.com/spdeepak/capsulegate/stats"
)

// DefaultTTL is used when Options.TTL is not set.
const DefaultTTL = 5 * time.Minute

// FetchFunc performs the upstream aggregation for one key. itemsConsumed is
// the number of usable items actually produced, which is what gets charged.
type FetchFunc func(ctx context.Context) (value any, itemsConsumed int, err error)

// Request identifies the work and who is asking for it.
type Request struct {
	// Key must encode every input that affects the result.
	Key      string
	Identity string
	Plan     quota.Plan
}

// Response is what a caller receives.
type Response struct {
	Value any
	// FromCache is set when no fetch ran on behalf of this caller.
	FromCache bool
	// Shared is set when this caller attached to another caller's fetch.
	Shared bool
	// ItemsConsumed is what was charged to the caller, 0 for cache hits.
	ItemsConsumed int
	// Quota is the caller's quota state after this request.
	Quota quota.Decision
}

// Options configures a Gateway.
type Options struct {
	// Namespace separates logical caches sharing one store.
	Namespace string
	// TTL is how long fetched results stay fresh.
	TTL time.Duration
	// UpstreamLimiter, if set, is waited on by the leader before each fetch.
	UpstreamLimiter *rate.Limiter
	// Coalescer may be shared between gateways; keys are namespaced anyway.
	Coalescer *coalesce.Coalescer
	Recorder  stats.Recorder
	Logger    *slog.Logger
	Clock     clockwork.Clock
}

// Gateway is safe for concurrent use. It holds no state of its own beyond the
// components it was built with.
type Gateway struct {
	store     cache.Store
	tracker   *quota.Tracker
	coalescer *coalesce.Coalescer
	opts      Options
}

// fetched travels through the coalescer to every attached caller.
type fetched struct {
	value     any
	items     int
	fromCache bool
}

// New builds a gateway over store and tracker.
func New(store cache.Store, tracker *quota.Tracker, opts Options) (*Gateway, error) {
	if store == nil {
		return nil, fmt.Errorf("gateway: nil store")
	}
	if tracker == nil {
		return nil, fmt.Errorf("gateway: nil quota tracker")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Coalescer == nil {
		opts.Coalescer = coalesce.New()
	}
	if opts.Recorder == nil {
		opts.Recorder = stats.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Gateway{
		store:     store,
		tracker:   tracker,
		coalescer: opts.Coalescer,
		opts:      opts,
	}, nil
}

// Namespace returns the gateway's namespace.
func (g *Gateway) Namespace() string {
	return g.opts.Namespace
}

// TTL returns how long fetched results are cached.
func (g *Gateway) TTL() time.Duration {
	return g.opts.TTL
}

// Fetch serves req, calling fn only if neither the cache nor an in-flight
// fetch for the same key can answer it.
//
// Errors are *quota.InvalidIdentityError, *quota.QuotaExceededError,
// *UpstreamError, or ctx.Err() when the caller's own context ends first.
// On upstream failure neither cache nor quota is touched.
func (g *Gateway) Fetch(ctx context.Context, req Request, fn FetchFunc) (Response, error) {
	if req.Key == "" {
		return Response{}, ErrEmptyKey
	}
	if err := quota.ValidateIdentity(req.Identity); err != nil {
		return Response{}, err
	}

	dec, err := g.tracker.CheckAndReserve(ctx, req.Identity, req.Plan)
	if err != nil {
		return Response{}, err
	}
	if !dec.Allowed {
		g.record(ctx, req, stats.OutcomeDenied, 0)
		return Response{Quota: dec}, &quota.QuotaExceededError{
			Identity:  req.Identity,
			Plan:      req.Plan,
			Limit:     dec.Limit,
			Remaining: 0,
			ResetAt:   dec.ResetAt,
		}
	}

	cacheKey := g.cacheKey(req.Key)
	if value, ok := g.store.Get(cacheKey); ok {
		g.record(ctx, req, stats.OutcomeHit, 0)
		return Response{Value: value, FromCache: true, Quota: dec}, nil
	}

	res, err := g.coalescer.Run(ctx, cacheKey, func(ctx context.Context) (any, error) {
		return g.lead(ctx, cacheKey, fn)
	})
	if err != nil && ctx.Err() != nil {
		// the caller gave up; not an upstream failure
		return Response{Shared: res.Shared, Quota: dec}, ctx.Err()
	}
	if err != nil {
		g.record(ctx, req, stats.OutcomeError, 0)
		g.opts.Logger.Warn("Upstream fetch failed",
			slog.String("namespace", g.opts.Namespace),
			slog.String("cacheKey", cacheKey),
			slog.Bool("shared", res.Shared),
			slog.Any("error", err))
		return Response{Shared: res.Shared, Quota: dec}, &UpstreamError{Namespace: g.opts.Namespace, Key: req.Key, Err: err}
	}

	f := res.Value.(fetched)
	if f.fromCache {
		g.record(ctx, req, stats.OutcomeHit, 0)
		return Response{Value: f.value, FromCache: true, Quota: dec}, nil
	}

	after, err := g.tracker.Commit(ctx, req.Identity, f.items)
	if err != nil {
		// The fetch already succeeded; the caller still gets the result.
		g.opts.Logger.Error("Failed to commit quota usage",
			slog.String("identity", req.Identity),
			slog.Int("items", f.items),
			slog.Any("error", err))
		after = dec
	}

	outcome := stats.OutcomeMiss
	if res.Shared {
		outcome = stats.OutcomeShared
	}
	g.record(ctx, req, outcome, f.items)

	return Response{
		Value:         f.value,
		Shared:        res.Shared,
		ItemsConsumed: f.items,
		Quota:         after,
	}, nil
}

// Invalidate drops the cached value for key. A fetch already in flight is
// left alone: it stays the only fetch for the key, callers arriving meanwhile
// still attach to it, and its result is cached when it completes.
func (g *Gateway) Invalidate(key string) {
	g.store.Delete(g.cacheKey(key))
}

// lead runs on the leader only.
func (g *Gateway) lead(ctx context.Context, cacheKey string, fn FetchFunc) (any, error) {
	// Another leader may have filled the cache between our miss and now.
	if value, ok := g.store.Get(cacheKey); ok {
		return fetched{value: value, fromCache: true}, nil
	}

	if g.opts.UpstreamLimiter != nil {
		if err := g.opts.UpstreamLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for upstream rate limit: %w", err)
		}
	}

	start := g.opts.Clock.Now()
	value, items, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if items < 0 {
		items = 0
	}

	g.store.Set(cacheKey, value, g.opts.TTL)
	g.opts.Logger.Debug("Fetched from upstream",
		slog.String("namespace", g.opts.Namespace),
		slog.String("cacheKey", cacheKey),
		slog.Int("items", items),
		slog.Duration("took", g.opts.Clock.Since(start)))

	return fetched{value: value, items: items}, nil
}

func (g *Gateway) cacheKey(key string) string {
	if g.opts.Namespace == "" {
		return key
	}
	return g.opts.Namespace + ":" + key
}

func (g *Gateway) record(ctx context.Context, req Request, outcome stats.Outcome, items int) {
	err := g.opts.Recorder.Record(ctx, stats.Event{
		Namespace: g.opts.Namespace,
		Key:       req.Key,
		Identity:  req.Identity,
		Outcome:   outcome,
		Items:     items,
		At:        g.opts.Clock.Now(),
	})
	if err != nil {
		g.opts.Logger.Error("Failed to record gateway stats",
			slog.String("namespace", g.opts.Namespace),
			slog.String("outcome", string(outcome)),
			slog.Any("error", err))
	}
}
