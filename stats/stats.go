// Package stats records what the gateway did with each request.
//
// Recording is best effort: callers log failures and carry on.
package stats

import (
	"context"
	"time"
)

// Outcome is how a gateway request was served.
type Outcome string

const (
	OutcomeHit    Outcome = "hit"
	OutcomeMiss   Outcome = "miss"
	OutcomeShared Outcome = "shared"
	OutcomeDenied Outcome = "denied"
	OutcomeError  Outcome = "error"
)

// Event is one gateway decision.
//
// Key and Identity can have very high cardinality; stores should only index
// by them when explicitly asked to.
type Event struct {
	Namespace string
	Key       string
	Identity  string
	Outcome   Outcome
	// Items is the number of items charged to the identity, if any.
	Items int
	At    time.Time
}

// Recorder persists events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
