package events

import "sync"

// Recorder is an in-memory Emitter that keeps every event. Tests use it to
// assert on emitted lifecycle milestones synchronously.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit stores evt.
func (r *Recorder) Emit(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the recorded kinds in emission order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Kind)
	}
	return out
}
