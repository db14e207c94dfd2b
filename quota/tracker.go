// Package quota tracks per-identity daily usage against plan limits.
//
// Usage is a two-phase protocol: CheckAndReserve decides whether a caller may
// start work, Commit charges what the work actually delivered. Two requests
// for the same identity can both pass the check before either commits, which
// lets the identity overshoot its limit by the overlap. That soft ceiling is
// accepted so requests of one identity are never serialized.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// UsageRecord is the usage state of one identity.
type UsageRecord struct {
	Identity    string
	Plan        Plan
	DailyCount  int
	WindowStart time.Time
}

// Decision is the result of a quota check or commit.
type Decision struct {
	Allowed bool
	// Unlimited is set for exempt plans, Limit and Remaining are then -1.
	Unlimited bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Persister stores usage records outside the process. Implementations must be
// safe for concurrent use.
type Persister interface {
	Load(ctx context.Context, identity string) (UsageRecord, bool, error)
	Save(ctx context.Context, record UsageRecord) error
}

// Config holds tracker settings.
type Config struct {
	// Limits is the number of items per window for each non-exempt plan.
	Limits map[Plan]int
	// Window is the rolling period after which a count resets.
	Window time.Duration
	Clock  clockwork.Clock
	Logger *slog.Logger
	// Persister is optional.
	Persister Persister
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Limits: map[Plan]int{PlanFree: 20},
		Window: 24 * time.Hour,
	}
}

type record struct {
	mu     sync.Mutex
	loaded bool
	usage  UsageRecord
}

// Tracker enforces daily limits per identity. Each identity has its own lock;
// the map lock is only held to find or create a record.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*record
	config  Config
}

// NewTracker creates a tracker. Zero fields of config fall back to defaults.
func NewTracker(config Config) (*Tracker, error) {
	defaults := DefaultConfig()
	if config.Limits == nil {
		config.Limits = defaults.Limits
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	for plan, limit := range config.Limits {
		if limit <= 0 {
			return nil, fmt.Errorf("quota: limit for plan %q must be positive, got %d", plan, limit)
		}
	}

	limits := make(map[Plan]int, len(config.Limits))
	for plan, limit := range config.Limits {
		limits[plan] = limit
	}
	config.Limits = limits

	return &Tracker{
		records: make(map[string]*record),
		config:  config,
	}, nil
}

// Window returns the configured window length.
func (t *Tracker) Window() time.Duration {
	return t.config.Window
}

// CheckAndReserve decides whether identity may start new work. An expired
// window is reset before the decision. Exempt plans are always allowed.
func (t *Tracker) CheckAndReserve(ctx context.Context, identity string, plan Plan) (Decision, error) {
	if err := ValidateIdentity(identity); err != nil {
		return Decision{}, err
	}
	limit, err := t.limit(plan)
	if err != nil {
		return Decision{}, err
	}

	rec := t.record(identity)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	t.load(ctx, rec)
	now := t.config.Clock.Now()
	dirty := t.rollWindow(rec, now)
	if rec.usage.Plan != plan {
		rec.usage.Plan = plan
		dirty = true
	}
	if dirty {
		t.save(ctx, rec)
	}

	return t.decide(rec.usage, limit), nil
}

// Commit charges itemsConsumed to identity after work has delivered them.
// The window is reset first if it has expired.
func (t *Tracker) Commit(ctx context.Context, identity string, itemsConsumed int) (Decision, error) {
	if err := ValidateIdentity(identity); err != nil {
		return Decision{}, err
	}
	if itemsConsumed < 0 {
		return Decision{}, fmt.Errorf("%w: %d", ErrNegativeItems, itemsConsumed)
	}

	rec := t.record(identity)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	t.load(ctx, rec)
	now := t.config.Clock.Now()
	dirty := t.rollWindow(rec, now)
	if itemsConsumed > 0 {
		rec.usage.DailyCount += itemsConsumed
		dirty = true
	}
	if dirty {
		t.save(ctx, rec)
	}

	limit, err := t.limit(rec.usage.Plan)
	if err != nil {
		return Decision{}, err
	}
	return t.decide(rec.usage, limit), nil
}

// Usage returns the current state of identity with an expired window shown as
// reset. It does not create or modify records.
func (t *Tracker) Usage(identity string) (UsageRecord, bool) {
	t.mu.RLock()
	rec, ok := t.records[identity]
	t.mu.RUnlock()
	if !ok {
		return UsageRecord{}, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	usage := rec.usage
	now := t.config.Clock.Now()
	if t.expired(usage, now) {
		usage.DailyCount = 0
		usage.WindowStart = now
	}
	return usage, true
}

// Restore replaces the in-memory state of an identity, typically with a record
// loaded from storage.
func (t *Tracker) Restore(usage UsageRecord) error {
	if err := ValidateIdentity(usage.Identity); err != nil {
		return err
	}
	if usage.DailyCount < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeItems, usage.DailyCount)
	}
	if usage.Plan == "" {
		usage.Plan = PlanFree
	}

	rec := t.record(usage.Identity)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.usage = usage
	rec.loaded = true
	return nil
}

// Len returns the number of identities observed so far.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

func (t *Tracker) limit(plan Plan) (int, error) {
	if plan.Exempt() {
		return -1, nil
	}
	limit, ok := t.config.Limits[plan]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	return limit, nil
}

func (t *Tracker) record(identity string) *record {
	t.mu.RLock()
	rec, ok := t.records[identity]
	t.mu.RUnlock()
	if ok {
		return rec
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[identity]; ok {
		return rec
	}
	rec = &record{usage: UsageRecord{
		Identity:    identity,
		Plan:        PlanFree,
		WindowStart: t.config.Clock.Now(),
	}}
	t.records[identity] = rec
	return rec
}

// persistTimeout bounds a single Persister call. Calls are detached from the
// request context so an aborted request cannot skip a load or drop a save.
const persistTimeout = 5 * time.Second

// load pulls the persisted record on first observation. Until a load succeeds
// the record lives in memory only and is never saved, so a failed load cannot
// overwrite the stored count. Usage counted meanwhile is added on top of the
// stored record once it arrives. Must hold rec.mu.
func (t *Tracker) load(ctx context.Context, rec *record) {
	if rec.loaded {
		return
	}
	if t.config.Persister == nil {
		rec.loaded = true
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	stored, ok, err := t.config.Persister.Load(ctx, rec.usage.Identity)
	if err != nil {
		t.config.Logger.Warn("Failed to load usage record, counting in memory until it loads",
			slog.String("identity", rec.usage.Identity), slog.Any("error", err))
		return
	}
	rec.loaded = true
	if !ok || stored.DailyCount < 0 {
		return
	}

	now := t.config.Clock.Now()
	if t.expired(stored, now) {
		return
	}
	stored.Identity = rec.usage.Identity
	if stored.Plan == "" {
		stored.Plan = rec.usage.Plan
	}
	pending := 0
	if !t.expired(rec.usage, now) {
		pending = rec.usage.DailyCount
	}
	stored.DailyCount += pending
	rec.usage = stored
	if pending > 0 {
		t.save(ctx, rec)
	}
}

func (t *Tracker) save(ctx context.Context, rec *record) {
	if t.config.Persister == nil || !rec.loaded {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := t.config.Persister.Save(ctx, rec.usage); err != nil {
		t.config.Logger.Error("Failed to save usage record",
			slog.String("identity", rec.usage.Identity), slog.Any("error", err))
	}
}

func (t *Tracker) expired(usage UsageRecord, now time.Time) bool {
	return !now.Before(usage.WindowStart.Add(t.config.Window))
}

// rollWindow resets an expired window. Must hold rec.mu.
func (t *Tracker) rollWindow(rec *record, now time.Time) bool {
	if !t.expired(rec.usage, now) {
		return false
	}
	rec.usage.DailyCount = 0
	rec.usage.WindowStart = now
	return true
}

func (t *Tracker) decide(usage UsageRecord, limit int) Decision {
	resetAt := usage.WindowStart.Add(t.config.Window)
	if limit < 0 {
		return Decision{Allowed: true, Unlimited: true, Limit: -1, Remaining: -1, ResetAt: resetAt}
	}
	remaining := limit - usage.DailyCount
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   usage.DailyCount < limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
