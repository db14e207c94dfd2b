package stats

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Counters is a snapshot of outcome counts.
type Counters struct {
	Hits   int64
	Misses int64
	Shared int64
	Denied int64
	Errors int64
	Items  int64
}

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
	shared atomic.Int64
	denied atomic.Int64
	errors atomic.Int64
	items  atomic.Int64
}

func (c *counters) add(ev Event) {
	switch ev.Outcome {
	case OutcomeHit:
		c.hits.Inc()
	case OutcomeMiss:
		c.misses.Inc()
	case OutcomeShared:
		c.shared.Inc()
	case OutcomeDenied:
		c.denied.Inc()
	case OutcomeError:
		c.errors.Inc()
	}
	if ev.Items > 0 {
		c.items.Add(int64(ev.Items))
	}
}

func (c *counters) snapshot() Counters {
	return Counters{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Shared: c.shared.Load(),
		Denied: c.denied.Load(),
		Errors: c.errors.Load(),
		Items:  c.items.Load(),
	}
}

// MemoryRecorder keeps counters in process. Useful for tests and development.
// It never expires anything.
type MemoryRecorder struct {
	total counters

	mu          sync.RWMutex
	byNamespace map[string]*counters
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{byNamespace: make(map[string]*counters)}
}

func (m *MemoryRecorder) Record(_ context.Context, ev Event) error {
	m.total.add(ev)
	m.namespace(ev.Namespace).add(ev)
	return nil
}

func (m *MemoryRecorder) namespace(ns string) *counters {
	m.mu.RLock()
	c, ok := m.byNamespace[ns]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byNamespace[ns]; ok {
		return c
	}
	c = &counters{}
	m.byNamespace[ns] = c
	return c
}

func (m *MemoryRecorder) Total() Counters {
	return m.total.snapshot()
}

func (m *MemoryRecorder) ByNamespace() map[string]Counters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Counters, len(m.byNamespace))
	for k, v := range m.byNamespace {
		out[k] = v.snapshot()
	}
	return out
}
