package events

import (
	"context"
	"sync/atomic"
)

// Sink consumes batches of events. Implementations must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it; components accept an
// Emitter so tests can pass Discard or a recorder.
type Emitter interface {
	Emit(evt Event)
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Relay forwards to an Emitter installed after construction, so components
// built before the Hub can still emit. Events before Set are dropped.
type Relay struct {
	target atomic.Pointer[Emitter]
}

// Set installs the destination.
func (r *Relay) Set(e Emitter) {
	r.target.Store(&e)
}

// Emit forwards evt when a destination is set.
func (r *Relay) Emit(evt Event) {
	if e := r.target.Load(); e != nil {
		(*e).Emit(evt)
	}
}
