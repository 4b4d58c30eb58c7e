package session

import (
	"sort"
	"sync"
	"time"

	"github.com/marzan3698/omni-sub004/internal/platform"
)

// Slots are the connection slots a tenant may operate.
var Slots = []string{"1", "2", "3", "4", "5"}

// ValidSlot reports whether slot is one of Slots.
func ValidSlot(slot string) bool {
	for _, s := range Slots {
		if s == slot {
			return true
		}
	}
	return false
}

// State is the lifecycle state of a slot session.
type State int

const (
	StateIdle State = iota
	StateAwaitingScan
	StateAuthenticated
	StateReady
	StateFailed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingScan:
		return "awaiting_scan"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session is one live client bound to a tenant slot. Client callbacks and
// the pairing timeout run one at a time on the session's own goroutine.
type Session struct {
	Tenant    string
	Slot      string
	CreatedAt time.Time

	mu       sync.Mutex
	client   platform.Client
	ns       platform.Namespace
	state    State
	timer    Timer
	timerGen uint64
	closed   bool

	// pending is unbounded: client readers must never block on delivery.
	qmu     sync.Mutex
	pending []func()
	wake    chan struct{}
	done    chan struct{}
}

func newSession(tenant, slot string, now time.Time) *Session {
	return &Session{
		Tenant:    tenant,
		Slot:      slot,
		CreatedAt: now,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the session may send and receive.
func (s *Session) Ready() bool {
	return s.State() == StateReady
}

// Client returns the platform client, nil while it is being created.
func (s *Session) Client() platform.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Armed reports whether a pairing timeout is pending.
func (s *Session) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Session) setClient(c platform.Client, ns platform.Namespace) {
	s.mu.Lock()
	s.client = c
	s.ns = ns
	s.mu.Unlock()
}

func (s *Session) namespace() platform.Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ns
}

// transition moves to next, clearing any armed timer. It returns the
// previous state and false when the session is already closed.
func (s *Session) transition(next State) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.state, false
	}
	prev := s.state
	s.disarmLocked()
	s.state = next
	return prev, true
}

// markQR records the scan phase without touching the timer.
func (s *Session) markQR() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.state == StateIdle {
		s.state = StateAwaitingScan
	}
	return true
}

// arm installs t as the pairing timeout and returns its generation.
func (s *Session) arm(start func(gen uint64) Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked()
	s.timerGen++
	s.timer = start(s.timerGen)
}

// claimTimeout consumes the armed timer if gen is still current.
func (s *Session) claimTimeout(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.timer == nil || s.timerGen != gen {
		return false
	}
	s.timer = nil
	return true
}

func (s *Session) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// close makes the session terminal. Only the first call returns first=true.
func (s *Session) close(final State) (first, wasReady bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	wasReady = s.state == StateReady
	s.disarmLocked()
	s.closed = true
	s.state = final
	close(s.done)
	return true, wasReady
}

// Closed reports whether the session reached a terminal state.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// enqueue hands fn to the session goroutine without blocking. Dropped once
// the session closed.
func (s *Session) enqueue(fn func()) {
	select {
	case <-s.done:
		return
	default:
	}
	s.qmu.Lock()
	s.pending = append(s.pending, fn)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) next() func() {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	fn := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return fn
}

// Backlog returns the number of callbacks waiting for the session goroutine.
func (s *Session) Backlog() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.pending)
}

func (s *Session) run() {
	defer func() {
		s.qmu.Lock()
		s.pending = nil
		s.qmu.Unlock()
	}()
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
		for fn := s.next(); fn != nil; fn = s.next() {
			select {
			case <-s.done:
				return
			default:
			}
			fn()
		}
	}
}

type registryKey struct {
	tenant string
	slot   string
}

// Registry holds at most one live Session per (tenant, slot). Its lock
// guards only the map; no session work happens under it.
type Registry struct {
	mu       sync.Mutex
	sessions map[registryKey]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[registryKey]*Session)}
}

// Get returns the live session for the key, or nil.
func (r *Registry) Get(tenant, slot string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[registryKey{tenant, slot}]
}

// Client returns the client registered for the key, or nil.
func (r *Registry) Client(tenant, slot string) platform.Client {
	s := r.Get(tenant, slot)
	if s == nil {
		return nil
	}
	return s.Client()
}

// reserve stores s unless the key is taken, in which case the holder is returned.
func (r *Registry) reserve(s *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := registryKey{s.Tenant, s.Slot}
	if cur, ok := r.sessions[k]; ok {
		return cur, false
	}
	r.sessions[k] = s
	return s, true
}

// take removes and returns the session for the key.
func (r *Registry) take(tenant, slot string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := registryKey{tenant, slot}
	s := r.sessions[k]
	delete(r.sessions, k)
	return s
}

// remove deletes s only if it is still the registered session for its key,
// so a stale callback never evicts a newer session.
func (r *Registry) remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := registryKey{s.Tenant, s.Slot}
	if r.sessions[k] != s {
		return false
	}
	delete(r.sessions, k)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns the tenant's sessions ordered by slot. An empty tenant lists all.
func (r *Registry) List(tenant string) []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for k, s := range r.sessions {
		if tenant == "" || k.tenant == tenant {
			out = append(out, s)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Tenant != out[j].Tenant {
			return out[i].Tenant < out[j].Tenant
		}
		return out[i].Slot < out[j].Slot
	})
	return out
}
