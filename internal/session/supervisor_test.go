package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marzan3698/omni-sub004/internal/eventbus"
	"github.com/marzan3698/omni-sub004/internal/platform"
	"github.com/marzan3698/omni-sub004/internal/platform/platformtest"
	"github.com/marzan3698/omni-sub004/internal/statedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeAssigner struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeAssigner) Assign(conversationID, tenant string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, conversationID)
}

func (f *fakeAssigner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeMedia struct {
	mu    sync.Mutex
	saved [][]byte
	err   error
}

func (f *fakeMedia) Save(data []byte, ext string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.saved = append(f.saved, data)
	return "2024/01/file." + ext, nil
}

type harness struct {
	t        *testing.T
	clock    *ManualClock
	factory  *platformtest.Factory
	rec      *eventbus.Recorder
	db       *statedb.StateDB
	assigner *fakeAssigner
	media    *fakeMedia
	dir      string
	m        *Manager
}

func newTestDB(t *testing.T) *statedb.StateDB {
	t.Helper()
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func newHarness(t *testing.T, factory platform.Factory) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		factory:  &platformtest.Factory{},
		rec:      &eventbus.Recorder{},
		db:       newTestDB(t),
		assigner: &fakeAssigner{},
		media:    &fakeMedia{},
		dir:      t.TempDir(),
	}
	if factory == nil {
		factory = h.factory
	}
	h.m = NewManager(ManagerOptions{
		Platform:       "whatsapp",
		SessionsDir:    h.dir,
		PairingTimeout: DefaultPairingTimeout,
		Factory:        factory,
		Store:          h.db,
		Media:          h.media,
		Assigner:       h.assigner,
		Publisher:      h.rec,
		Clock:          h.clock,
	})
	t.Cleanup(h.m.Shutdown)
	return h
}

func (h *harness) init(tenant, slot string) *platformtest.Client {
	h.t.Helper()
	res := h.m.Initialize(context.Background(), tenant, slot)
	require.True(h.t, res.Success, res.Message)
	c := h.factory.Last()
	require.NotNil(h.t, c)
	return c
}

func (h *harness) ready(tenant, slot string) *platformtest.Client {
	h.t.Helper()
	c := h.init(tenant, slot)
	before := len(h.rec.Named(eventbus.Ready))
	c.SetInfo(platform.Info{AccountID: "5511999990000@c.us"})
	c.Emit(platform.Event{Type: platform.EventReady})
	h.waitEvent(eventbus.Ready, before+1)
	require.True(h.t, h.m.Status(tenant, slot).Connected)
	return c
}

func (h *harness) waitEvent(name string, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.rec.Named(name)) >= n }, waitFor, tick,
		"waiting for %d %s events, have %v", n, name, h.rec.Names())
}

func TestInitialize_RejectsInvalidSlots(t *testing.T) {
	h := newHarness(t, nil)

	for _, slot := range []string{"0", "6", "", "01", "abc", "-1", "1.0"} {
		res := h.m.Initialize(context.Background(), "t", slot)
		assert.False(t, res.Success, "slot %q", slot)
		assert.NotEmpty(t, res.Message)
	}
	assert.Equal(t, 0, h.m.Registry.Len())
	assert.Equal(t, 0, h.factory.Count())
}

func TestInitialize_MissingFactory(t *testing.T) {
	m := NewManager(ManagerOptions{Clock: NewManualClock(time.Now())})
	res := m.Initialize(context.Background(), "t", "1")
	assert.False(t, res.Success)
	assert.Equal(t, ErrNoFactory.Error(), res.Message)
	assert.Equal(t, 0, m.Registry.Len())
}

func TestInitialize_FactoryError(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.CreateErr = errors.New("chrome not found")

	res := h.m.Initialize(context.Background(), "t", "2")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "chrome not found")
	assert.Equal(t, 0, h.m.Registry.Len())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestInitialize_WiresHandlersAndNamespace(t *testing.T) {
	h := newHarness(t, nil)
	c := h.init("acme", "3")

	for _, ev := range []platform.EventType{
		platform.EventQR, platform.EventAuthenticated, platform.EventReady,
		platform.EventAuthFailure, platform.EventDisconnected, platform.EventMessage,
	} {
		assert.True(t, c.Has(ev), "handler for %s", ev)
	}
	assert.Equal(t, "tenant-acme-slot-3", c.NS.ClientID())
	assert.Equal(t, filepath.Join(h.dir, "tenant-acme-slot-3"), c.NS.Dir)
	assert.Equal(t, 1, h.clock.Pending(), "pairing timeout armed")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	assert.True(t, c.WaitInitialized(ctx))
}

func TestInitialize_ReadyIsNoOp(t *testing.T) {
	h := newHarness(t, nil)
	h.ready("t", "1")

	res := h.m.Initialize(context.Background(), "t", "1")
	assert.True(t, res.Success)
	assert.Equal(t, "already connected", res.Message)
	assert.Equal(t, 1, h.factory.Count())
	assert.Equal(t, 1, h.m.Registry.Len())
}

func TestInitialize_ReplacesNonReadySession(t *testing.T) {
	h := newHarness(t, nil)
	first := h.init("t", "1")

	require.NoError(t, h.db.UpsertIntegration(&statedb.IntegrationRow{Tenant: "t", Platform: "whatsapp", Slot: "1", Active: true}))

	second := h.init("t", "1")
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, first.Destroys())
	assert.Equal(t, 1, h.m.Registry.Len())
	assert.Equal(t, 1, h.clock.Pending(), "only the new session is armed")
	assert.Empty(t, h.rec.Named(eventbus.Disconnected), "replacing is not an operator disconnect")

	rows, err := h.db.FindActiveIntegrations("whatsapp")
	require.NoError(t, err)
	assert.Len(t, rows, 1, "the record survives the replacement")

	// A late event from the replaced client must not touch the new session.
	first.Emit(platform.Event{Type: platform.EventReady})
	time.Sleep(20 * time.Millisecond)
	assert.False(t, h.m.Status("t", "1").Connected)
}

func TestQR_PublishesImageAndKeepsTimer(t *testing.T) {
	h := newHarness(t, nil)
	c := h.init("t", "1")

	c.Emit(platform.Event{Type: platform.EventQR, QR: "2@abc,def,ghi"})
	h.waitEvent(eventbus.QR, 1)

	ev := h.rec.Named(eventbus.QR)[0]
	payload, ok := ev.Payload.(QRPayload)
	require.True(t, ok)
	assert.Contains(t, payload.Image, "data:image/png;base64,")
	assert.Equal(t, "2@abc,def,ghi", payload.Raw)
	assert.Equal(t, "1", ev.Slot)
	assert.Equal(t, 1, h.clock.Pending(), "qr must not cancel the pairing timeout")
	assert.Equal(t, "awaiting_scan", h.m.Status("t", "1").State)
}

func TestTimerClearedOnEveryTerminalTransition(t *testing.T) {
	cases := []struct {
		name  string
		event platform.Event
	}{
		{"authenticated", platform.Event{Type: platform.EventAuthenticated}},
		{"ready", platform.Event{Type: platform.EventReady}},
		{"auth_failure", platform.Event{Type: platform.EventAuthFailure, Reason: "bad creds"}},
		{"disconnected", platform.Event{Type: platform.EventDisconnected, Reason: "NAVIGATION"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			c := h.init("t", "1")
			sess := h.m.Registry.Get("t", "1")
			require.True(t, sess.Armed())

			c.Emit(tc.event)
			require.Eventually(t, func() bool { return !sess.Armed() }, waitFor, tick)
			assert.Equal(t, 0, h.clock.Pending())

			// The stale deadline passing must not retry anything.
			h.clock.Advance(10 * time.Minute)
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, 1, h.factory.Count())
			assert.Empty(t, h.rec.Named(eventbus.Retrying))
		})
	}
}

func TestReady_PersistsIntegration(t *testing.T) {
	h := newHarness(t, nil)
	h.ready("t", "4")
	h.waitEvent(eventbus.Ready, 1)

	assert.Equal(t, map[string]string{"accountId": "5511999990000"}, h.rec.Named(eventbus.Ready)[0].Payload)

	rows, err := h.db.ListIntegrations("t", "whatsapp")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "4", rows[0].Slot)
	assert.True(t, rows[0].Active)
	assert.Equal(t, "5511999990000", rows[0].AccountID)
}

func TestPairingTimeout_RetriesExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	first := h.init("t", "2")

	dir := first.NS.Dir
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "half-paired"), []byte("x"), 0o600))

	h.clock.Advance(DefaultPairingTimeout)

	require.Eventually(t, func() bool { return h.factory.Count() == 2 }, waitFor, tick)
	h.waitEvent(eventbus.Retrying, 1)
	assert.Equal(t, 1, first.Destroys())
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "on-disk pairing state should be cleared")

	assert.Equal(t, 0, h.clock.Pending(), "the retry is not armed")
	assert.Equal(t, 1, h.m.Registry.Len())

	// The retry never reaches ready; no further retries happen.
	h.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, h.factory.Count())
	assert.Len(t, h.rec.Named(eventbus.Retrying), 1)

	retry := h.factory.Last()
	retry.Emit(platform.Event{Type: platform.EventReady})
	require.Eventually(t, func() bool { return h.m.Status("t", "2").Connected }, waitFor, tick)
}

func TestAuthFailure_NoRetry(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.db.UpsertIntegration(&statedb.IntegrationRow{Tenant: "t", Platform: "whatsapp", Slot: "1", Active: true}))
	c := h.init("t", "1")

	c.Emit(platform.Event{Type: platform.EventAuthFailure, Reason: "logged out"})
	h.waitEvent(eventbus.AuthFailure, 1)

	assert.Equal(t, map[string]string{"reason": "logged out"}, h.rec.Named(eventbus.AuthFailure)[0].Payload)
	assert.Equal(t, 0, h.m.Registry.Len())

	h.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.factory.Count(), "auth failure never retries")
	assert.Empty(t, h.rec.Named(eventbus.Retrying))

	rows, _ := h.db.FindActiveIntegrations("whatsapp")
	assert.Empty(t, rows)
}

func TestPlatformDisconnect_PublishesReason(t *testing.T) {
	h := newHarness(t, nil)
	c := h.ready("t", "1")

	c.Emit(platform.Event{Type: platform.EventDisconnected, Reason: "CONFLICT"})
	h.waitEvent(eventbus.Disconnected, 1)

	assert.Equal(t, map[string]string{"reason": "CONFLICT"}, h.rec.Named(eventbus.Disconnected)[0].Payload)
	assert.False(t, h.m.Status("t", "1").Connected)

	rows, _ := h.db.FindActiveIntegrations("whatsapp")
	assert.Len(t, rows, 1, "platform drops keep the record for restore")
}

func TestInitFailure_PublishesTerminalEvent(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.Configure = func(c *platformtest.Client) {
		c.SetInitError(errors.New("browser crashed"))
	}
	h.init("t", "5")

	h.waitEvent(eventbus.InitFailed, 1)
	assert.Equal(t, map[string]string{"error": "browser crashed"}, h.rec.Named(eventbus.InitFailed)[0].Payload)
	require.Eventually(t, func() bool { return h.m.Registry.Len() == 0 }, waitFor, tick)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestDisconnect_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	c := h.ready("t", "3")

	require.NoError(t, h.m.Disconnect(context.Background(), "t", "3"))
	require.NoError(t, h.m.Disconnect(context.Background(), "t", "3"))

	// Destroy-triggered callbacks from the client are ignored.
	c.Emit(platform.Event{Type: platform.EventDisconnected, Reason: "LOGOUT"})
	time.Sleep(20 * time.Millisecond)

	events := h.rec.Named(eventbus.Disconnected)
	require.Len(t, events, 1)
	assert.Equal(t, map[string]string{"reason": DisconnectedByUser}, events[0].Payload)
	assert.Equal(t, 1, c.Destroys())
	assert.False(t, h.m.Status("t", "3").Connected)

	rows, _ := h.db.FindActiveIntegrations("whatsapp")
	assert.Empty(t, rows)
}

func TestDisconnect_KeepsOnDiskState(t *testing.T) {
	h := newHarness(t, nil)
	c := h.init("t", "1")
	require.NoError(t, os.MkdirAll(c.NS.Dir, 0o700))

	require.NoError(t, h.m.Disconnect(context.Background(), "t", "1"))
	_, err := os.Stat(c.NS.Dir)
	assert.NoError(t, err)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestDisconnect_NoSession(t *testing.T) {
	h := newHarness(t, nil)
	assert.NoError(t, h.m.Disconnect(context.Background(), "t", "2"))
	assert.Empty(t, h.rec.Events())
	assert.ErrorIs(t, h.m.Disconnect(context.Background(), "t", "9"), ErrInvalidSlot)
}

func TestStatus_Unregistered(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, StatusResult{}, h.m.Status("nobody", "1"))
	assert.False(t, h.m.Status("nobody", "7").Connected)
}

func TestListSlots_MergesLiveAndPersisted(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.db.UpsertIntegration(&statedb.IntegrationRow{Tenant: "t", Platform: "whatsapp", Slot: "", AccountID: "111", Active: true}))
	require.NoError(t, h.db.UpsertIntegration(&statedb.IntegrationRow{Tenant: "t", Platform: "whatsapp", Slot: "5", AccountID: "555", Active: false}))
	h.ready("t", "2")
	h.init("t", "3")

	slots, err := h.m.ListSlots(context.Background(), "t")
	require.NoError(t, err)
	require.Len(t, slots, 5)

	assert.Equal(t, SlotInfo{Slot: "1", Persisted: true, AccountID: "111"}, slots[0])
	assert.True(t, slots[1].Connected)
	assert.True(t, slots[1].Persisted)
	assert.Equal(t, "5511999990000", slots[1].AccountID)
	assert.False(t, slots[2].Connected)
	assert.Equal(t, "idle", slots[2].State)
	assert.Equal(t, SlotInfo{Slot: "4"}, slots[3])
	assert.False(t, slots[4].Persisted, "inactive records are not reported as persisted")
}

func TestRestoreActiveSessions_IsolatesFailures(t *testing.T) {
	inner := &platformtest.Factory{}
	factory := platform.FactoryFunc(func(ns platform.Namespace) (platform.Client, error) {
		if ns.Tenant == "broken" {
			panic("corrupt session directory")
		}
		return inner.Create(ns)
	})
	h := newHarness(t, factory)
	h.factory = inner

	require.NoError(t, h.db.UpsertIntegration(&statedb.IntegrationRow{Tenant: "broken", Platform: "whatsapp", Slot: "2", Active: true}))
	require.NoError(t, h.db.UpsertIntegration(&statedb.IntegrationRow{Tenant: "good", Platform: "whatsapp", Slot: "", Active: true}))
	require.NoError(t, h.db.UpsertIntegration(&statedb.IntegrationRow{Tenant: "off", Platform: "whatsapp", Slot: "1", Active: false}))

	sum, err := h.m.RestoreActiveSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RestoreSummary{Found: 2, Started: 1, Failed: 1}, sum)

	require.Equal(t, 1, inner.Count())
	assert.Equal(t, "good", inner.Last().NS.Tenant)
	assert.Equal(t, "1", inner.Last().NS.Slot, "records without a slot restore to slot 1")
	assert.NotNil(t, h.m.Registry.Get("good", "1"))
	assert.Nil(t, h.m.Registry.Get("broken", "2"))
}

func TestRestoreActiveSessions_OncePerSlot(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.db.UpsertIntegration(&statedb.IntegrationRow{Tenant: "t", Platform: "whatsapp", Slot: "", Active: true}))
	_, err := h.db.DB().Exec(`INSERT INTO integrations (tenant, platform, slot, account_id, active, last_error, updated_at)
		VALUES ('t', 'whatsapp', '1', '', 1, '', 0)`)
	require.NoError(t, err)

	sum, err := h.m.RestoreActiveSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RestoreSummary{Found: 1, Started: 1}, sum)

	assert.Equal(t, 1, h.factory.Count())
	assert.Empty(t, h.rec.Named(eventbus.Disconnected))
	rows, err := h.db.FindActiveIntegrations("whatsapp")
	require.NoError(t, err)
	assert.Len(t, rows, 2, "restore leaves records alone")
}

func TestLegacyRecord_FollowsSlotOne(t *testing.T) {
	t.Run("user disconnect", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.db.UpsertIntegration(&statedb.IntegrationRow{Tenant: "t", Platform: "whatsapp", Slot: "", AccountID: "111", Active: true}))

		h.ready("t", "1")
		rows, err := h.db.ListIntegrations("t", "whatsapp")
		require.NoError(t, err)
		require.Len(t, rows, 1, "ready folds the slot-less record into slot 1")
		assert.Equal(t, "1", rows[0].Slot)

		require.NoError(t, h.m.Disconnect(context.Background(), "t", "1"))
		active, _ := h.db.FindActiveIntegrations("whatsapp")
		assert.Empty(t, active)

		slots, err := h.m.ListSlots(context.Background(), "t")
		require.NoError(t, err)
		assert.False(t, slots[0].Persisted)

		sum, err := h.m.RestoreActiveSessions(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, sum.Found, "a disconnected slot does not come back")
	})

	t.Run("auth failure before ready", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.db.UpsertIntegration(&statedb.IntegrationRow{Tenant: "t", Platform: "whatsapp", Slot: "", Active: true}))

		sum, err := h.m.RestoreActiveSessions(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, sum.Started)

		h.factory.Last().Emit(platform.Event{Type: platform.EventAuthFailure, Reason: "logged out"})
		h.waitEvent(eventbus.AuthFailure, 1)

		active, _ := h.db.FindActiveIntegrations("whatsapp")
		assert.Empty(t, active)
	})
}

func TestMessageBeforeReadyIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	c := h.init("t", "3")

	msg := textFrom("4040@c.us", "too early")
	c.Emit(platform.Event{Type: platform.EventMessage, Message: &msg})
	c.Emit(platform.Event{Type: platform.EventAuthenticated})
	h.waitEvent(eventbus.Authenticated, 1)

	assert.Equal(t, "authenticated", h.m.Status("t", "3").State)
	assert.Empty(t, h.rec.Named(eventbus.Message))
	n, err := h.db.CountConversations("t")
	require.NoError(t, err)
	assert.Zero(t, n)
}

type blockingInbound struct {
	release chan struct{}
	mu      sync.Mutex
	handled int
}

func (b *blockingInbound) HandleIncoming(ctx context.Context, tenant, slot string, msg platform.InboundMessage) {
	<-b.release
	b.mu.Lock()
	b.handled++
	b.mu.Unlock()
}

func (b *blockingInbound) Handled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handled
}

func TestSlowInboundNeverBlocksClientEvents(t *testing.T) {
	factory := &platformtest.Factory{}
	inbound := &blockingInbound{release: make(chan struct{})}
	sup := NewSupervisor(NewRegistry(), SupervisorOptions{
		Factory: factory,
		Inbound: inbound,
		Clock:   NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	})
	t.Cleanup(sup.Shutdown)

	require.True(t, sup.Initialize(context.Background(), "t", "1", false).Success)
	c := factory.Last()
	c.Emit(platform.Event{Type: platform.EventReady})
	require.Eventually(t, func() bool { return sup.Status("t", "1").Connected }, waitFor, tick)

	const burst = 1000
	emitted := make(chan struct{})
	go func() {
		msg := textFrom("1@c.us", "burst")
		for i := 0; i < burst; i++ {
			c.Emit(platform.Event{Type: platform.EventMessage, Message: &msg})
		}
		close(emitted)
	}()

	select {
	case <-emitted:
	case <-time.After(waitFor):
		t.Fatal("client event delivery blocked behind a busy session")
	}

	close(inbound.release)
	require.Eventually(t, func() bool { return inbound.Handled() == burst }, waitFor, tick)
}

func TestSessionsAreIndependent(t *testing.T) {
	h := newHarness(t, nil)
	a := h.init("t", "1")
	b := h.init("t", "2")

	a.Emit(platform.Event{Type: platform.EventReady})
	b.Emit(platform.Event{Type: platform.EventAuthFailure, Reason: "x"})

	require.Eventually(t, func() bool { return h.m.Status("t", "1").Connected }, waitFor, tick)
	require.Eventually(t, func() bool { return h.m.Registry.Get("t", "2") == nil }, waitFor, tick)
	assert.Equal(t, 1, h.m.Registry.Len())
}

func TestShutdown_LeavesRecordsActive(t *testing.T) {
	h := newHarness(t, nil)
	c := h.ready("t", "1")

	h.m.Shutdown()
	assert.Equal(t, 0, h.m.Registry.Len())
	assert.Equal(t, 1, c.Destroys())
	assert.Empty(t, h.rec.Named(eventbus.Disconnected))

	rows, _ := h.db.FindActiveIntegrations("whatsapp")
	assert.Len(t, rows, 1)
}
