package session

import (
	"context"
	"time"

	"github.com/marzan3698/omni-sub004/internal/eventbus"
	"github.com/marzan3698/omni-sub004/internal/metrics"
	"github.com/marzan3698/omni-sub004/internal/platform"
)

// Store is everything the session layer persists.
type Store interface {
	IntegrationStore
	ConversationStore
}

// ManagerOptions wires a Manager.
type ManagerOptions struct {
	Platform       string
	SessionsDir    string
	PairingTimeout time.Duration
	NameTTL        time.Duration
	RatePerSecond  float64
	Burst          int

	Factory   platform.Factory
	Store     Store
	Media     ContentStore
	Assigner  Assigner
	Publisher eventbus.Publisher
	Recorder  metrics.Recorder
	Clock     Clock
}

// Manager bundles the supervisor, ingest and send paths over one registry.
type Manager struct {
	Registry   *Registry
	Supervisor *Supervisor
	Ingestor   *Ingestor
	Dispatcher *Dispatcher
}

// NewManager builds the session layer.
func NewManager(opts ManagerOptions) *Manager {
	reg := NewRegistry()
	m := &Manager{Registry: reg}

	store := opts.Store
	m.Ingestor = NewIngestor(reg, IngestorOptions{
		Platform:  opts.Platform,
		Store:     store,
		Media:     opts.Media,
		Assigner:  opts.Assigner,
		Publisher: opts.Publisher,
		Recorder:  opts.Recorder,
		Clock:     opts.Clock,
		NameTTL:   opts.NameTTL,
	})
	m.Dispatcher = NewDispatcher(reg, DispatcherOptions{
		Platform:      opts.Platform,
		Store:         store,
		Publisher:     opts.Publisher,
		Recorder:      opts.Recorder,
		Clock:         opts.Clock,
		RatePerSecond: opts.RatePerSecond,
		Burst:         opts.Burst,
	})
	m.Supervisor = NewSupervisor(reg, SupervisorOptions{
		Platform:       opts.Platform,
		SessionsDir:    opts.SessionsDir,
		PairingTimeout: opts.PairingTimeout,
		Factory:        opts.Factory,
		Publisher:      opts.Publisher,
		Store:          store,
		Inbound:        m.Ingestor,
		Clock:          opts.Clock,
		Recorder:       opts.Recorder,
	})
	return m
}

// Initialize starts pairing or resumption of a slot. Progress arrives as
// published events.
func (m *Manager) Initialize(ctx context.Context, tenant, slot string) Result {
	return m.Supervisor.Initialize(ctx, tenant, slot, false)
}

// Disconnect tears down a slot on operator request and marks its record
// inactive. On-disk authorization is kept.
func (m *Manager) Disconnect(ctx context.Context, tenant, slot string) error {
	return m.Supervisor.Disconnect(ctx, tenant, slot)
}

// Status reports the live state of a slot.
func (m *Manager) Status(tenant, slot string) StatusResult {
	return m.Supervisor.Status(tenant, slot)
}

// ListSlots reports all slots of tenant, live and persisted.
func (m *Manager) ListSlots(ctx context.Context, tenant string) ([]SlotInfo, error) {
	return m.Supervisor.ListSlots(ctx, tenant)
}

// SendMessage sends text from a ready slot, retrying once on the legacy
// address form.
func (m *Manager) SendMessage(ctx context.Context, tenant, slot, to, content string) SendResult {
	return m.Dispatcher.SendWithTimeout(ctx, tenant, slot, to, content)
}

// RestoreActiveSessions re-initializes every active record once per slot.
func (m *Manager) RestoreActiveSessions(ctx context.Context) (RestoreSummary, error) {
	return m.Supervisor.RestoreActiveSessions(ctx)
}

// Shutdown destroys all live clients and leaves records active.
func (m *Manager) Shutdown() {
	m.Supervisor.Shutdown()
}
