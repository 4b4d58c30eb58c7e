package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/marzan3698/omni-sub004/internal/eventbus"
	"github.com/marzan3698/omni-sub004/internal/logging"
	"github.com/marzan3698/omni-sub004/internal/metrics"
	"github.com/marzan3698/omni-sub004/internal/platform"
	"github.com/marzan3698/omni-sub004/internal/statedb"
)

var sessionLog = logging.ForComponent(logging.CompSession)

// DisconnectedByUser is the disconnected reason for caller-initiated drops.
const DisconnectedByUser = "Disconnected by user"

// DefaultPairingTimeout bounds the first pairing attempt of a slot.
const DefaultPairingTimeout = 120 * time.Second

var (
	ErrInvalidSlot  = errors.New("session: invalid slot")
	ErrNotConnected = errors.New("session: not connected")
	ErrNoFactory    = errors.New("session: platform client factory not configured")
)

// IntegrationStore persists the per-slot connection records.
type IntegrationStore interface {
	UpsertIntegration(row *statedb.IntegrationRow) error
	SetIntegrationActive(tenant, platform, slot string, active bool, lastError string) error
	FindActiveIntegrations(platform string) ([]*statedb.IntegrationRow, error)
	ListIntegrations(tenant, platform string) ([]*statedb.IntegrationRow, error)
}

// InboundHandler consumes messages received on a ready session.
type InboundHandler interface {
	HandleIncoming(ctx context.Context, tenant, slot string, msg platform.InboundMessage)
}

// Result is returned by Initialize. Progress after it is reported through
// published events.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StatusResult is the registry view of one slot.
type StatusResult struct {
	Connected bool   `json:"connected"`
	State     string `json:"state,omitempty"`
}

// SlotInfo merges live and persisted state of one slot.
type SlotInfo struct {
	Slot      string `json:"slot"`
	Connected bool   `json:"connected"`
	Persisted bool   `json:"persisted"`
	AccountID string `json:"accountId,omitempty"`
	State     string `json:"state,omitempty"`
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	// Platform is recorded on integration rows (e.g. "whatsapp").
	Platform string

	// SessionsDir roots each slot's on-disk authorization state.
	SessionsDir string

	// PairingTimeout defaults to DefaultPairingTimeout.
	PairingTimeout time.Duration

	Factory   platform.Factory
	Store     IntegrationStore
	Publisher eventbus.Publisher
	Inbound   InboundHandler
	Clock     Clock
	Recorder  metrics.Recorder
}

// Supervisor owns the per-slot state machine: pairing, the pairing
// timeout with its single automatic retry, and teardown.
type Supervisor struct {
	registry *Registry
	opts     SupervisorOptions

	// ctx outlives individual requests; client startup and retries run on it.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSupervisor returns a supervisor sharing registry with the ingest and
// send paths.
func NewSupervisor(registry *Registry, opts SupervisorOptions) *Supervisor {
	if opts.PairingTimeout <= 0 {
		opts.PairingTimeout = DefaultPairingTimeout
	}
	if opts.Platform == "" {
		opts.Platform = "whatsapp"
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop{}
	}
	if opts.Publisher == nil {
		opts.Publisher = eventbus.PublisherFunc(func(string, string, string, any) {})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{registry: registry, opts: opts, ctx: ctx, cancel: cancel}
}

// Registry returns the session registry.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Platform returns the platform name written to integration rows.
func (s *Supervisor) Platform() string {
	return s.opts.Platform
}

// NamespaceFor returns the storage namespace of a tenant slot.
func (s *Supervisor) NamespaceFor(tenant, slot string) platform.Namespace {
	ns := platform.Namespace{Tenant: tenant, Slot: slot}
	if s.opts.SessionsDir != "" {
		ns.Dir = filepath.Join(s.opts.SessionsDir, ns.ClientID())
	}
	return ns
}

// Initialize starts pairing (or resumption) of a tenant slot and returns
// immediately. isRetry marks the single automatic retry after a pairing
// timeout; it is not itself guarded by a timeout.
func (s *Supervisor) Initialize(ctx context.Context, tenant, slot string, isRetry bool) Result {
	if !ValidSlot(slot) {
		return Result{Message: fmt.Sprintf("invalid slot %q: must be one of 1-5", slot)}
	}
	if s.opts.Factory == nil {
		return Result{Message: ErrNoFactory.Error()}
	}

	if existing := s.registry.Get(tenant, slot); existing != nil {
		if existing.Ready() {
			return Result{Success: true, Message: "already connected"}
		}
		// A stalled attempt is replaced without touching its record.
		prev := existing.State()
		if s.teardown(existing, StateDisconnected) {
			sessionLog.Info("session_replaced",
				slog.String("tenant", tenant),
				slog.String("slot", slot),
				slog.String("state", prev.String()))
		}
	}

	sess := newSession(tenant, slot, s.opts.Clock.Now())
	if holder, ok := s.registry.reserve(sess); !ok {
		// Lost a race with a concurrent Initialize for the same key.
		if holder.Ready() {
			return Result{Success: true, Message: "already connected"}
		}
		return Result{Success: true, Message: "initialization already in progress"}
	}

	ns := s.NamespaceFor(tenant, slot)
	client, err := s.createClient(ns)
	if err != nil {
		s.registry.remove(sess)
		sess.close(StateFailed)
		sessionLog.Error("client_create_failed",
			slog.String("tenant", tenant),
			slog.String("slot", slot),
			slog.String("error", err.Error()))
		return Result{Message: fmt.Sprintf("failed to create client for slot %s: %v", slot, err)}
	}
	sess.setClient(client, ns)
	s.wire(sess, client)

	if !isRetry {
		timeout := s.opts.PairingTimeout
		sess.arm(func(gen uint64) Timer {
			return s.opts.Clock.AfterFunc(timeout, func() {
				sess.enqueue(func() { s.onTimeout(sess, gen) })
			})
		})
	}

	go sess.run()
	go func() {
		if err := client.Initialize(s.ctx); err != nil {
			sess.enqueue(func() { s.onInitFailed(sess, err) })
		}
	}()

	sessionLog.Info("session_initializing",
		slog.String("tenant", tenant),
		slog.String("slot", slot),
		slog.String("client_id", ns.ClientID()),
		slog.Bool("retry", isRetry))
	return Result{Success: true, Message: "initialization started"}
}

func (s *Supervisor) createClient(ns platform.Namespace) (c platform.Client, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("client factory panic: %v", r)
		}
	}()
	c, err = s.opts.Factory.Create(ns)
	if err == nil && c == nil {
		err = errors.New("client factory returned nil client")
	}
	return c, err
}

func (s *Supervisor) wire(sess *Session, client platform.Client) {
	on := func(t platform.EventType, h func(*Session, platform.Event)) {
		client.On(t, func(ev platform.Event) {
			sess.enqueue(func() { h(sess, ev) })
		})
	}
	on(platform.EventQR, s.onQR)
	on(platform.EventAuthenticated, s.onAuthenticated)
	on(platform.EventReady, s.onReady)
	on(platform.EventAuthFailure, s.onAuthFailure)
	on(platform.EventDisconnected, s.onDisconnected)
	on(platform.EventMessage, s.onMessage)
}

func (s *Supervisor) publish(sess *Session, name string, payload any) {
	s.opts.Recorder.SessionEvent(name)
	s.opts.Publisher.Publish(sess.Tenant, sess.Slot, name, payload)
}

func (s *Supervisor) onQR(sess *Session, ev platform.Event) {
	if !sess.markQR() {
		return
	}
	img, err := qrDataURL(ev.QR)
	if err != nil {
		sessionLog.Warn("qr_render_failed",
			slog.String("tenant", sess.Tenant),
			slog.String("slot", sess.Slot),
			slog.String("error", err.Error()))
	}
	logging.Aggregate(logging.CompSession, "qr_issued",
		slog.String("tenant", sess.Tenant),
		slog.String("slot", sess.Slot))
	s.publish(sess, eventbus.QR, QRPayload{Image: img, Raw: ev.QR})
}

func (s *Supervisor) onAuthenticated(sess *Session, _ platform.Event) {
	if _, ok := sess.transition(StateAuthenticated); !ok {
		return
	}
	sessionLog.Info("session_authenticated",
		slog.String("tenant", sess.Tenant),
		slog.String("slot", sess.Slot))
	s.publish(sess, eventbus.Authenticated, nil)
}

func (s *Supervisor) onReady(sess *Session, _ platform.Event) {
	prev, ok := sess.transition(StateReady)
	if !ok {
		return
	}
	if prev != StateReady {
		s.opts.Recorder.SessionsReady(1)
	}

	var accountID string
	if c := sess.Client(); c != nil {
		accountID = platform.StripAddress(c.Info().AccountID)
	}
	if s.opts.Store != nil {
		if err := s.opts.Store.UpsertIntegration(&statedb.IntegrationRow{
			Tenant:    sess.Tenant,
			Platform:  s.opts.Platform,
			Slot:      sess.Slot,
			AccountID: accountID,
			Active:    true,
		}); err != nil {
			sessionLog.Error("integration_upsert_failed",
				slog.String("tenant", sess.Tenant),
				slog.String("slot", sess.Slot),
				slog.String("error", err.Error()))
		}
	}

	sessionLog.Info("session_ready",
		slog.String("tenant", sess.Tenant),
		slog.String("slot", sess.Slot),
		slog.String("account", accountID))
	s.publish(sess, eventbus.Ready, map[string]string{"accountId": accountID})
}

func (s *Supervisor) onAuthFailure(sess *Session, ev platform.Event) {
	if !s.teardown(sess, StateFailed) {
		return
	}
	s.setInactive(sess, ev.Reason)
	sessionLog.Warn("session_auth_failure",
		slog.String("tenant", sess.Tenant),
		slog.String("slot", sess.Slot),
		slog.String("reason", ev.Reason))
	s.publish(sess, eventbus.AuthFailure, map[string]string{"reason": ev.Reason})
}

// onDisconnected handles platform-initiated drops. The integration row stays
// active so a restart attempts to resume from the persisted authorization.
func (s *Supervisor) onDisconnected(sess *Session, ev platform.Event) {
	if !s.teardown(sess, StateDisconnected) {
		return
	}
	sessionLog.Warn("session_disconnected",
		slog.String("tenant", sess.Tenant),
		slog.String("slot", sess.Slot),
		slog.String("reason", ev.Reason))
	s.publish(sess, eventbus.Disconnected, map[string]string{"reason": ev.Reason})
}

func (s *Supervisor) onMessage(sess *Session, ev platform.Event) {
	if ev.Message == nil || s.opts.Inbound == nil {
		return
	}
	if !sess.Ready() {
		sessionLog.Debug("message_before_ready_dropped",
			slog.String("tenant", sess.Tenant),
			slog.String("slot", sess.Slot),
			slog.String("message_id", ev.Message.ID))
		return
	}
	s.opts.Inbound.HandleIncoming(s.ctx, sess.Tenant, sess.Slot, *ev.Message)
}

func (s *Supervisor) onInitFailed(sess *Session, err error) {
	if !s.teardown(sess, StateFailed) {
		return
	}
	sessionLog.Error("session_init_failed",
		slog.String("tenant", sess.Tenant),
		slog.String("slot", sess.Slot),
		slog.String("error", err.Error()))
	s.publish(sess, eventbus.InitFailed, map[string]string{"error": err.Error()})
}

// onTimeout fires when pairing made no progress. The slot's on-disk state
// is wiped so the retry starts from a fresh QR.
func (s *Supervisor) onTimeout(sess *Session, gen uint64) {
	if !sess.claimTimeout(gen) {
		return
	}
	if !s.teardown(sess, StateFailed) {
		return
	}
	ns := sess.namespace()
	if ns.Dir != "" {
		if err := os.RemoveAll(ns.Dir); err != nil {
			sessionLog.Warn("session_dir_remove_failed",
				slog.String("dir", ns.Dir),
				slog.String("error", err.Error()))
		}
	}

	sessionLog.Warn("pairing_timeout",
		slog.String("tenant", sess.Tenant),
		slog.String("slot", sess.Slot),
		slog.Duration("timeout", s.opts.PairingTimeout))
	s.opts.Recorder.PairingRetry()
	s.publish(sess, eventbus.Retrying, nil)

	res := s.Initialize(s.ctx, sess.Tenant, sess.Slot, true)
	if !res.Success {
		sessionLog.Error("pairing_retry_failed",
			slog.String("tenant", sess.Tenant),
			slog.String("slot", sess.Slot),
			slog.String("error", res.Message))
	}
}

// teardown removes sess from the registry, closes it and destroys its
// client. It returns false when sess was already terminal.
func (s *Supervisor) teardown(sess *Session, final State) bool {
	first, wasReady := sess.close(final)
	if !first {
		return false
	}
	s.registry.remove(sess)
	if wasReady {
		s.opts.Recorder.SessionsReady(-1)
	}
	s.destroy(sess)
	return true
}

func (s *Supervisor) destroy(sess *Session) {
	c := sess.Client()
	if c == nil {
		return
	}
	if err := c.Destroy(); err != nil {
		sessionLog.Debug("client_destroy_failed",
			slog.String("tenant", sess.Tenant),
			slog.String("slot", sess.Slot),
			slog.String("error", err.Error()))
	}
}

func (s *Supervisor) setInactive(sess *Session, reason string) {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.SetIntegrationActive(sess.Tenant, s.opts.Platform, sess.Slot, false, reason); err != nil {
		sessionLog.Error("integration_deactivate_failed",
			slog.String("tenant", sess.Tenant),
			slog.String("slot", sess.Slot),
			slog.String("error", err.Error()))
	}
}

// Disconnect tears down the slot's session. It is a no-op when no session
// exists. Unlike a pairing timeout it leaves on-disk state in place.
func (s *Supervisor) Disconnect(ctx context.Context, tenant, slot string) error {
	if !ValidSlot(slot) {
		return ErrInvalidSlot
	}
	sess := s.registry.take(tenant, slot)
	if sess == nil {
		return nil
	}
	first, wasReady := sess.close(StateDisconnected)
	if !first {
		return nil
	}
	if wasReady {
		s.opts.Recorder.SessionsReady(-1)
	}
	s.destroy(sess)
	s.setInactive(sess, DisconnectedByUser)

	sessionLog.Info("session_disconnected",
		slog.String("tenant", tenant),
		slog.String("slot", slot),
		slog.String("reason", DisconnectedByUser))
	s.publish(sess, eventbus.Disconnected, map[string]string{"reason": DisconnectedByUser})
	return nil
}

// Status is a registry lookup; it never reaches the platform.
func (s *Supervisor) Status(tenant, slot string) StatusResult {
	sess := s.registry.Get(tenant, slot)
	if sess == nil {
		return StatusResult{}
	}
	st := sess.State()
	return StatusResult{Connected: st == StateReady, State: st.String()}
}

// ListSlots reports every slot of tenant, merging live sessions with
// persisted integration records not (yet) restored in this process.
func (s *Supervisor) ListSlots(ctx context.Context, tenant string) ([]SlotInfo, error) {
	persisted := make(map[string]*statedb.IntegrationRow)
	if s.opts.Store != nil {
		rows, err := s.opts.Store.ListIntegrations(tenant, s.opts.Platform)
		if err != nil {
			return nil, fmt.Errorf("session: list slots: %w", err)
		}
		for _, r := range rows {
			slot := r.Slot
			if slot == "" {
				slot = statedb.LegacySlot
			}
			if r.Active {
				persisted[slot] = r
			}
		}
	}

	out := make([]SlotInfo, 0, len(Slots))
	for _, slot := range Slots {
		info := SlotInfo{Slot: slot}
		if r, ok := persisted[slot]; ok {
			info.Persisted = true
			info.AccountID = r.AccountID
		}
		if sess := s.registry.Get(tenant, slot); sess != nil {
			st := sess.State()
			info.State = st.String()
			info.Connected = st == StateReady
			if info.Connected && info.AccountID == "" {
				if c := sess.Client(); c != nil {
					info.AccountID = platform.StripAddress(c.Info().AccountID)
				}
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// Shutdown destroys every live client without touching integration
// records, so the next start restores the same slots.
func (s *Supervisor) Shutdown() {
	s.cancel()
	for _, sess := range s.registry.List("") {
		if s.registry.remove(sess) {
			if first, wasReady := sess.close(StateDisconnected); first {
				if wasReady {
					s.opts.Recorder.SessionsReady(-1)
				}
				s.destroy(sess)
			}
		}
	}
}
