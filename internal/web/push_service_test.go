package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marzan3698/omni-sub004/internal/eventbus"
	"github.com/marzan3698/omni-sub004/internal/session"
	"github.com/marzan3698/omni-sub004/internal/statedb"
)

type fakePushSender struct {
	mu          sync.Mutex
	payloads    [][]byte
	endpoints   []string
	statusCode  int
	returnError error
}

func (s *fakePushSender) Send(payload []byte, sub pushSubscription) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	s.endpoints = append(s.endpoints, sub.Endpoint)
	return s.statusCode, s.returnError
}

func (s *fakePushSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func boolPtr(v bool) *bool { return &v }

func newTestPushService(t *testing.T, sender *fakePushSender) *pushService {
	t.Helper()
	return &pushService{
		publicKey: "pub",
		subject:   "mailto:test@example.com",
		store:     newPushSubscriptionFileStore(filepath.Join(t.TempDir(), "subs.json")),
		sender:    sender,
	}
}

func addSub(t *testing.T, p *pushService, endpoint, tenant string, focused *bool) {
	t.Helper()
	err := p.store.Upsert(context.Background(), pushSubscription{
		Endpoint:      endpoint,
		Tenant:        tenant,
		ClientFocused: focused,
		Keys:          pushSubscriptionKeys{P256DH: "k1", Auth: "k2"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func inboundEvent(tenant, body string) eventbus.Event {
	return eventbus.Event{
		ID:     1,
		Tenant: tenant,
		Slot:   "2",
		Name:   eventbus.Message,
		Time:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload: session.InboundEvent{
			ConversationID: "conv-1",
			From:           "5511",
			DisplayName:    "Ana",
			Message:        &statedb.MessageRow{Body: body},
		},
	}
}

func TestPushMessageForInbound(t *testing.T) {
	p := newTestPushService(t, &fakePushSender{})

	msg, ok := p.messageFor(inboundEvent("acme", "hello there"))
	if !ok {
		t.Fatalf("inbound messages must be pushed")
	}
	if msg.Title != "New message from Ana" || msg.Body != "hello there" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Tag != "omnid-acme-conv-conv-1" || msg.Slot != "2" || msg.Path != "/events/acme" {
		t.Fatalf("unexpected routing fields: %+v", msg)
	}
}

func TestPushMessageForSlotFailures(t *testing.T) {
	p := newTestPushService(t, &fakePushSender{})

	msg, ok := p.messageFor(eventbus.Event{Tenant: "acme", Slot: "1", Name: eventbus.AuthFailure,
		Payload: map[string]string{"reason": "session revoked"}})
	if !ok || !msg.RequireInt || msg.Body != "Slot 1 failed: session revoked" {
		t.Fatalf("unexpected auth failure push: %+v (%v)", msg, ok)
	}

	msg, ok = p.messageFor(eventbus.Event{Tenant: "acme", Slot: "4", Name: eventbus.Disconnected,
		Payload: map[string]string{"reason": "phone offline"}})
	if !ok || msg.Body != "phone offline" {
		t.Fatalf("unexpected disconnect push: %+v (%v)", msg, ok)
	}

	if _, ok := p.messageFor(eventbus.Event{Tenant: "acme", Slot: "4", Name: eventbus.Disconnected,
		Payload: map[string]string{"reason": session.DisconnectedByUser}}); ok {
		t.Fatalf("operator disconnects must not be pushed")
	}
	for _, name := range []string{eventbus.QR, eventbus.Ready, eventbus.MessageSent} {
		if _, ok := p.messageFor(eventbus.Event{Tenant: "acme", Name: name}); ok {
			t.Fatalf("%s must not be pushed", name)
		}
	}
}

func TestPushRoutePathCarriesToken(t *testing.T) {
	p := newTestPushService(t, &fakePushSender{})
	p.token = "secret"
	msg, _ := p.messageFor(inboundEvent("acme", "x"))
	if msg.Path != "/events/acme?token=secret" {
		t.Fatalf("expected token in path, got %q", msg.Path)
	}
}

func TestPushNotifiesOnlyUnfocusedMatchingTenants(t *testing.T) {
	sender := &fakePushSender{}
	p := newTestPushService(t, sender)
	addSub(t, p, "https://push.example/acme-away", "acme", boolPtr(false))
	addSub(t, p, "https://push.example/acme-here", "acme", boolPtr(true))
	addSub(t, p, "https://push.example/acme-unknown", "acme", nil)
	addSub(t, p, "https://push.example/other", "other", boolPtr(false))
	addSub(t, p, "https://push.example/all", "", boolPtr(false))

	msg, _ := p.messageFor(inboundEvent("acme", "hi"))
	p.notifySubscribers(context.Background(), "acme", msg)

	if len(sender.endpoints) != 2 {
		t.Fatalf("expected 2 pushes, got %v", sender.endpoints)
	}
	got := map[string]bool{}
	for _, e := range sender.endpoints {
		got[e] = true
	}
	if !got["https://push.example/acme-away"] || !got["https://push.example/all"] {
		t.Fatalf("unexpected recipients: %v", sender.endpoints)
	}

	var decoded pushMessage
	if err := json.Unmarshal(sender.payloads[0], &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Event != eventbus.Message || decoded.Tenant != "acme" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestPushRemovesGoneSubscriptions(t *testing.T) {
	sender := &fakePushSender{statusCode: http.StatusGone, returnError: errors.New("gone")}
	p := newTestPushService(t, sender)
	addSub(t, p, "https://push.example/stale", "", boolPtr(false))

	msg, _ := p.messageFor(inboundEvent("acme", "hi"))
	p.notifySubscribers(context.Background(), "acme", msg)

	n, err := p.SubscriptionCount(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected stale subscription removed, got %d (%v)", n, err)
	}
}

func TestPushServiceRunsOffTheBus(t *testing.T) {
	sender := &fakePushSender{}
	p := newTestPushService(t, sender)
	addSub(t, p, "https://push.example/a", "", boolPtr(false))

	bus := eventbus.New()
	p.events = bus
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	bus.Publish("acme", "1", eventbus.Ready, nil)
	ev := inboundEvent("acme", "hi")
	bus.Publish(ev.Tenant, ev.Slot, ev.Name, ev.Payload)

	deadline := time.Now().Add(5 * time.Second)
	for sender.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() != 1 {
		t.Fatalf("expected exactly one push, got %d", sender.count())
	}
}

func TestPushFileStore(t *testing.T) {
	ctx := context.Background()
	store := newPushSubscriptionFileStore(filepath.Join(t.TempDir(), "nested", "subs.json"))

	if err := store.Upsert(ctx, pushSubscription{Endpoint: "e1"}); err == nil {
		t.Fatalf("expected validation error for missing keys")
	}

	sub := pushSubscription{Endpoint: " e1 ", Tenant: "acme", Keys: pushSubscriptionKeys{P256DH: "a", Auth: "b"}}
	if err := store.Upsert(ctx, sub); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpdateFocusByEndpoint(ctx, "e1", false); err != nil {
		t.Fatalf("focus: %v", err)
	}
	// Re-subscribing without focus keeps the stored focus state.
	if err := store.Upsert(ctx, sub); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	subs, err := store.List(ctx)
	if err != nil || len(subs) != 1 {
		t.Fatalf("expected one subscription, got %d (%v)", len(subs), err)
	}
	if subs[0].Endpoint != "e1" || subs[0].ClientFocused == nil || *subs[0].ClientFocused {
		t.Fatalf("unexpected stored subscription: %+v", subs[0])
	}

	if err := store.RemoveByEndpoint(ctx, "e1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Fatalf("expected empty store, got %d", n)
	}
}

func TestNewPushServiceConfig(t *testing.T) {
	if p, err := newPushService(Config{}, nil); p != nil || err != nil {
		t.Fatalf("no keys means push disabled without error, got %v %v", p, err)
	}
	if _, err := newPushService(Config{PushVAPIDPublicKey: "pub"}, nil); err == nil {
		t.Fatalf("expected error for half-configured keys")
	}
	if _, err := newPushService(Config{PushVAPIDPublicKey: "pub", PushVAPIDPrivateKey: "priv"}, nil); err == nil {
		t.Fatalf("expected error without store path")
	}
	p, err := newPushService(Config{
		PushVAPIDPublicKey:  "pub",
		PushVAPIDPrivateKey: "priv",
		PushStorePath:       filepath.Join(t.TempDir(), "subs.json"),
	}, nil)
	if err != nil || p.Subject() != "mailto:omnid@localhost" {
		t.Fatalf("unexpected push service: %v %v", p, err)
	}
}

func TestPreview(t *testing.T) {
	long := make([]rune, 200)
	for i := range long {
		long[i] = 'é'
	}
	got := []rune(preview(string(long)))
	if len(got) != pushPreviewLimit {
		t.Fatalf("expected %d runes, got %d", pushPreviewLimit, len(got))
	}
	if preview("  short ") != "short" {
		t.Fatalf("expected trimmed short preview")
	}
}
