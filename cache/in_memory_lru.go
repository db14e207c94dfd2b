package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// lruEntry links the cache key and the entry to the list element.
type lruEntry struct {
	key   string
	value *Entry
}

// InMemoryLRU implements Store with per-entry expiry and an optional capacity
// bound. When the bound is hit the least recently set entry is evicted; reads
// do not change the order.
type InMemoryLRU struct {
	mutex sync.RWMutex
	// Doubly linked list in set order, most recent at the front
	lru   *list.List
	cache map[string]*list.Element
	// Maximum number of entries, <= 0 means unbounded
	capacity int
	clock    clockwork.Clock

	stopJanitor context.CancelFunc
}

// NewInMemoryLRU creates a new InMemoryLRU cache.
// A nil clock means the real wall clock.
func NewInMemoryLRU(capacity int, clock clockwork.Clock) *InMemoryLRU {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InMemoryLRU{
		lru:      list.New(),
		cache:    make(map[string]*list.Element),
		capacity: capacity,
		clock:    clock,
	}
}

// Get retrieves a live entry. An expired entry is removed on the way out.
func (lru *InMemoryLRU) Get(key string) (any, bool) {
	now := lru.clock.Now()

	lru.mutex.RLock()
	element, ok := lru.cache[key]
	var entry *Entry
	if ok {
		entry = element.Value.(*lruEntry).value
	}
	lru.mutex.RUnlock()
	if !ok {
		return nil, false
	}

	if !entry.IsExpired(now) {
		return entry.Value, true
	}

	// Lazy eviction. Re-check under the write lock since a concurrent Set may
	// have replaced the entry in the meantime.
	lru.mutex.Lock()
	if element, ok := lru.cache[key]; ok && element.Value.(*lruEntry).value.IsExpired(now) {
		lru.removeElement(element)
	}
	lru.mutex.Unlock()
	return nil, false
}

// Entry returns a copy of the stored entry including expiry metadata.
func (lru *InMemoryLRU) Entry(key string) (Entry, bool) {
	now := lru.clock.Now()

	lru.mutex.RLock()
	defer lru.mutex.RUnlock()

	element, ok := lru.cache[key]
	if !ok {
		return Entry{}, false
	}
	entry := element.Value.(*lruEntry).value
	if entry.IsExpired(now) {
		return Entry{}, false
	}
	return *entry, true
}

// Set adds or updates an entry, evicting the least recently set one if the
// capacity is exceeded.
func (lru *InMemoryLRU) Set(key string, value any, ttl time.Duration) {
	now := lru.clock.Now()
	entry := &Entry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	if element, ok := lru.cache[key]; ok {
		element.Value.(*lruEntry).value = entry
		lru.lru.MoveToFront(element)
	} else {
		element := lru.lru.PushFront(&lruEntry{key: key, value: entry})
		lru.cache[key] = element
	}

	// Eviction
	for lru.capacity > 0 && lru.lru.Len() > lru.capacity {
		lruElement := lru.lru.Back()
		if lruElement == nil {
			break
		}
		lru.removeElement(lruElement)
	}
}

// Delete removes an entry from the cache.
func (lru *InMemoryLRU) Delete(key string) {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	if element, ok := lru.cache[key]; ok {
		lru.removeElement(element)
	}
}

// Len returns the number of stored entries, expired ones included until they
// are swept or read.
func (lru *InMemoryLRU) Len() int {
	lru.mutex.RLock()
	defer lru.mutex.RUnlock()
	return lru.lru.Len()
}

// Sweep removes every expired entry and returns how many were dropped.
func (lru *InMemoryLRU) Sweep() int {
	now := lru.clock.Now()

	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	removed := 0
	for element := lru.lru.Back(); element != nil; {
		prev := element.Prev()
		if element.Value.(*lruEntry).value.IsExpired(now) {
			lru.removeElement(element)
			removed++
		}
		element = prev
	}
	return removed
}

// StartJanitor sweeps expired entries every interval until ctx is done or the
// store is closed. A non-positive interval disables it.
func (lru *InMemoryLRU) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	lru.mutex.Lock()
	if lru.stopJanitor != nil {
		lru.stopJanitor()
	}
	lru.stopJanitor = cancel
	lru.mutex.Unlock()

	ticker := lru.clock.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				lru.Sweep()
			}
		}
	}()
}

// Close stops the janitor if one is running.
func (lru *InMemoryLRU) Close() error {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	if lru.stopJanitor != nil {
		lru.stopJanitor()
		lru.stopJanitor = nil
	}
	return nil
}

// removeElement must be called with the write lock held.
func (lru *InMemoryLRU) removeElement(element *list.Element) {
	evicted := lru.lru.Remove(element).(*lruEntry)
	delete(lru.cache, evicted.key)
}
