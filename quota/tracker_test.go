package quota

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestTracker(t *testing.T, limit int) (*Tracker, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	tracker, err := NewTracker(Config{
		Limits: map[Plan]int{PlanFree: limit},
		Window: 24 * time.Hour,
		Clock:  clock,
	})
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tracker, clock
}

func TestTracker_NewIdentityStartsAtZero(t *testing.T) {
	tracker, clock := newTestTracker(t, 20)

	dec, err := tracker.CheckAndReserve(context.Background(), "guest-1", PlanFree)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Allowed || dec.Remaining != 20 || dec.Limit != 20 {
		t.Fatalf("unexpected decision %+v", dec)
	}
	if !dec.ResetAt.Equal(clock.Now().Add(24 * time.Hour)) {
		t.Fatalf("expected reset 24h from first observation, got %s", dec.ResetAt)
	}
}

func TestTracker_EnforcesLimit(t *testing.T) {
	tracker, _ := newTestTracker(t, 20)
	ctx := context.Background()

	if _, err := tracker.CheckAndReserve(ctx, "u", PlanFree); err != nil {
		t.Fatal(err)
	}
	if _, err := tracker.Commit(ctx, "u", 19); err != nil {
		t.Fatal(err)
	}
	dec, _ := tracker.CheckAndReserve(ctx, "u", PlanFree)
	if !dec.Allowed || dec.Remaining != 1 {
		t.Fatalf("expected 1 remaining, got %+v", dec)
	}

	dec, err := tracker.Commit(ctx, "u", 1)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed || dec.Remaining != 0 {
		t.Fatalf("expected exhausted decision after commit, got %+v", dec)
	}

	dec, _ = tracker.CheckAndReserve(ctx, "u", PlanFree)
	if dec.Allowed {
		t.Fatalf("expected check to be denied at the limit")
	}
}

func TestTracker_CommitsActualItems(t *testing.T) {
	tracker, _ := newTestTracker(t, 20)
	ctx := context.Background()

	// the caller asked for 10 but only 3 were usable
	if _, err := tracker.Commit(ctx, "u", 3); err != nil {
		t.Fatal(err)
	}
	usage, ok := tracker.Usage("u")
	if !ok {
		t.Fatalf("expected usage record")
	}
	if usage.DailyCount != 3 {
		t.Fatalf("expected count 3, got %d", usage.DailyCount)
	}
}

func TestTracker_RollingWindowReset(t *testing.T) {
	tracker, clock := newTestTracker(t, 20)
	ctx := context.Background()

	if err := tracker.Restore(UsageRecord{
		Identity:    "u",
		Plan:        PlanFree,
		DailyCount:  20,
		WindowStart: clock.Now().Add(-25 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	dec, err := tracker.CheckAndReserve(ctx, "u", PlanFree)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed || dec.Remaining != 20 {
		t.Fatalf("expected reset window to allow with full remaining, got %+v", dec)
	}
	usage, _ := tracker.Usage("u")
	if usage.DailyCount != 0 || !usage.WindowStart.Equal(clock.Now()) {
		t.Fatalf("expected window restarted now with zero count, got %+v", usage)
	}
}

func TestTracker_WindowNotCalendarDay(t *testing.T) {
	start := time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	tracker, err := NewTracker(Config{Limits: map[Plan]int{PlanFree: 2}, Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tracker.Commit(ctx, "u", 2)
	// past midnight but well inside the rolling window
	clock.Advance(2 * time.Hour)
	if dec, _ := tracker.CheckAndReserve(ctx, "u", PlanFree); dec.Allowed {
		t.Fatalf("expected still denied after calendar midnight")
	}

	clock.Advance(22 * time.Hour)
	if dec, _ := tracker.CheckAndReserve(ctx, "u", PlanFree); !dec.Allowed {
		t.Fatalf("expected allowed exactly one window after start")
	}
}

func TestTracker_CommitResetsExpiredWindowFirst(t *testing.T) {
	tracker, clock := newTestTracker(t, 20)
	ctx := context.Background()

	tracker.Commit(ctx, "u", 15)
	clock.Advance(24 * time.Hour)
	dec, err := tracker.Commit(ctx, "u", 4)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Remaining != 16 {
		t.Fatalf("expected 16 remaining in new window, got %d", dec.Remaining)
	}
}

func TestTracker_PremiumExempt(t *testing.T) {
	tracker, clock := newTestTracker(t, 20)
	ctx := context.Background()

	tracker.Restore(UsageRecord{Identity: "vip", Plan: PlanPremium, DailyCount: 10_000, WindowStart: clock.Now()})

	dec, err := tracker.CheckAndReserve(ctx, "vip", PlanPremium)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed || !dec.Unlimited || dec.Remaining != -1 {
		t.Fatalf("expected unlimited allowance, got %+v", dec)
	}

	dec, err = tracker.Commit(ctx, "vip", 50)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed || !dec.Unlimited {
		t.Fatalf("premium commit should stay unlimited, got %+v", dec)
	}
}

func TestTracker_PlanUpgrade(t *testing.T) {
	tracker, _ := newTestTracker(t, 1)
	ctx := context.Background()

	tracker.Commit(ctx, "u", 1)
	if dec, _ := tracker.CheckAndReserve(ctx, "u", PlanFree); dec.Allowed {
		t.Fatalf("expected free plan to be exhausted")
	}
	if dec, _ := tracker.CheckAndReserve(ctx, "u", PlanPremium); !dec.Allowed {
		t.Fatalf("expected upgraded identity to be allowed")
	}
	usage, _ := tracker.Usage("u")
	if usage.Plan != PlanPremium {
		t.Fatalf("expected plan to be updated, got %s", usage.Plan)
	}
}

func TestTracker_InvalidIdentity(t *testing.T) {
	tracker, _ := newTestTracker(t, 20)
	ctx := context.Background()

	tests := []struct {
		name     string
		identity string
	}{
		{name: "empty", identity: ""},
		{name: "blank", identity: "   "},
		{name: "control", identity: "abc\n"},
		{name: "too long", identity: strings.Repeat("x", maxIdentityLen+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tracker.CheckAndReserve(ctx, tt.identity, PlanFree)
			var invalid *InvalidIdentityError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidIdentityError, got %v", err)
			}
			if _, err := tracker.Commit(ctx, tt.identity, 1); !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidIdentityError from commit, got %v", err)
			}
		})
	}
	if tracker.Len() != 0 {
		t.Fatalf("invalid identities must not create records")
	}
}

func TestTracker_UnknownPlanAndNegativeItems(t *testing.T) {
	tracker, _ := newTestTracker(t, 20)
	ctx := context.Background()

	if _, err := tracker.CheckAndReserve(ctx, "u", Plan("enterprise")); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
	if _, err := tracker.Commit(ctx, "u", -1); !errors.Is(err, ErrNegativeItems) {
		t.Fatalf("expected ErrNegativeItems, got %v", err)
	}
}

func TestNewTracker_RejectsNonPositiveLimit(t *testing.T) {
	if _, err := NewTracker(Config{Limits: map[Plan]int{PlanFree: 0}}); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}

func TestTracker_ConcurrentCommitsNoLostUpdates(t *testing.T) {
	tracker, _ := newTestTracker(t, 1_000_000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tracker.Commit(ctx, "shared", 1)
			}
		}()
	}
	wg.Wait()

	usage, _ := tracker.Usage("shared")
	if usage.DailyCount != 5000 {
		t.Fatalf("expected 5000, got %d", usage.DailyCount)
	}
}

func TestParsePlan(t *testing.T) {
	tests := map[string]Plan{
		"":        PlanFree,
		"guest":   PlanFree,
		"FREE":    PlanFree,
		"premium": PlanPremium,
	}
	for in, want := range tests {
		got, err := ParsePlan(in)
		if err != nil || got != want {
			t.Fatalf("ParsePlan(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePlan("gold"); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
}

type memoryPersister struct {
	mu      sync.Mutex
	records map[string]UsageRecord
	saves   int
	loadErr error
	// failLoads makes the next n loads fail with loadErr.
	failLoads int
	loads     int
}

func (m *memoryPersister) Load(ctx context.Context, identity string) (UsageRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if err := ctx.Err(); err != nil {
		return UsageRecord{}, false, err
	}
	if m.failLoads > 0 {
		m.failLoads--
		return UsageRecord{}, false, m.loadErr
	}
	rec, ok := m.records[identity]
	return rec, ok, nil
}

func (m *memoryPersister) Save(_ context.Context, rec UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Identity] = rec
	m.saves++
	return nil
}

func TestTracker_PersisterLoadAndSave(t *testing.T) {
	clock := clockwork.NewFakeClock()
	persister := &memoryPersister{records: map[string]UsageRecord{
		"u": {Identity: "u", Plan: PlanFree, DailyCount: 18, WindowStart: clock.Now().Add(-time.Hour)},
	}}
	tracker, err := NewTracker(Config{Limits: map[Plan]int{PlanFree: 20}, Clock: clock, Persister: persister})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	dec, _ := tracker.CheckAndReserve(ctx, "u", PlanFree)
	if dec.Remaining != 2 {
		t.Fatalf("expected persisted count to be loaded, got %+v", dec)
	}
	tracker.Commit(ctx, "u", 2)

	if persister.records["u"].DailyCount != 20 {
		t.Fatalf("expected commit to be saved, got %+v", persister.records["u"])
	}
}

func TestTracker_PersisterLoadFailureKeepsStoredCount(t *testing.T) {
	clock := clockwork.NewFakeClock()
	persister := &memoryPersister{
		records: map[string]UsageRecord{
			"u": {Identity: "u", Plan: PlanFree, DailyCount: 15, WindowStart: clock.Now().Add(-time.Hour)},
		},
		loadErr:   errors.New("database is locked"),
		failLoads: 1,
	}
	tracker, err := NewTracker(Config{Limits: map[Plan]int{PlanFree: 20}, Clock: clock, Persister: persister})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	dec, err := tracker.CheckAndReserve(ctx, "u", PlanFree)
	if err != nil {
		t.Fatalf("load failures must not surface: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("expected request to be served while storage is unavailable, got %+v", dec)
	}
	if persister.saves != 0 {
		t.Fatalf("nothing may be saved before the stored record is loaded, got %d saves", persister.saves)
	}

	// the retry succeeds and the usage counted meanwhile is not lost
	dec, err = tracker.Commit(ctx, "u", 2)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Remaining != 3 {
		t.Fatalf("expected 15 stored + 2 new = 17 used, got %+v", dec)
	}
	if got := persister.records["u"].DailyCount; got != 17 {
		t.Fatalf("expected stored count 17, got %d", got)
	}
	if persister.loads != 2 {
		t.Fatalf("expected load to be retried once, got %d loads", persister.loads)
	}
}

func TestTracker_PersisterLoadFailureBuffersCommits(t *testing.T) {
	clock := clockwork.NewFakeClock()
	persister := &memoryPersister{
		records: map[string]UsageRecord{
			"u": {Identity: "u", Plan: PlanFree, DailyCount: 10, WindowStart: clock.Now().Add(-time.Hour)},
		},
		loadErr:   errors.New("database is locked"),
		failLoads: 2,
	}
	tracker, err := NewTracker(Config{Limits: map[Plan]int{PlanFree: 20}, Clock: clock, Persister: persister})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tracker.CheckAndReserve(ctx, "u", PlanFree)
	tracker.Commit(ctx, "u", 4)
	if got := persister.records["u"].DailyCount; got != 10 {
		t.Fatalf("stored count must be untouched while loads fail, got %d", got)
	}

	dec, _ := tracker.CheckAndReserve(ctx, "u", PlanFree)
	if dec.Remaining != 6 {
		t.Fatalf("expected 10 stored + 4 buffered = 14 used, got %+v", dec)
	}
	if got := persister.records["u"].DailyCount; got != 14 {
		t.Fatalf("expected merged count to be saved, got %d", got)
	}
}

func TestTracker_PersisterLoadIgnoresRequestCancellation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	persister := &memoryPersister{records: map[string]UsageRecord{
		"u": {Identity: "u", Plan: PlanFree, DailyCount: 20, WindowStart: clock.Now().Add(-time.Hour)},
	}}
	tracker, err := NewTracker(Config{Limits: map[Plan]int{PlanFree: 20}, Clock: clock, Persister: persister})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dec, err := tracker.CheckAndReserve(ctx, "u", PlanFree)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed || dec.Remaining != 0 {
		t.Fatalf("expected exhausted persisted quota to be enforced, got %+v", dec)
	}

	tracker.Commit(context.Background(), "u", 1)
	if got := persister.records["u"].DailyCount; got != 21 {
		t.Fatalf("expected stored count to keep growing from 20, got %d", got)
	}
}
