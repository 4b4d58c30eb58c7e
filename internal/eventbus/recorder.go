package eventbus

import "sync"

// Recorder is a Publisher that keeps every event in memory. Tests use it
// to assert on exactly what a component published.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends the event.
func (r *Recorder) Publish(tenant, slot, name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{
		ID:      uint64(len(r.events) + 1),
		Tenant:  tenant,
		Slot:    slot,
		Name:    name,
		Payload: payload,
	})
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the published events with the given name.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Names returns event names in publish order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}
