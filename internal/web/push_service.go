package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/marzan3698/omni-sub004/internal/eventbus"
	"github.com/marzan3698/omni-sub004/internal/logging"
	"github.com/marzan3698/omni-sub004/internal/session"
)

var pushLog = logging.ForComponent(logging.CompPush)

// pushPreviewLimit caps the message preview carried in a notification.
const pushPreviewLimit = 120

type pushSubscription struct {
	Endpoint       string               `json:"endpoint"`
	ExpirationTime any                  `json:"expirationTime,omitempty"`
	Keys           pushSubscriptionKeys `json:"keys"`
	Tenant         string               `json:"tenant,omitempty"`
	ClientFocused  *bool                `json:"clientFocused,omitempty"`
	FocusUpdatedAt time.Time            `json:"focusUpdatedAt,omitempty"`
}

type pushSubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s pushSubscription) normalize() pushSubscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Tenant = strings.TrimSpace(s.Tenant)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

func (s pushSubscription) validate() error {
	sub := s.normalize()
	switch {
	case sub.Endpoint == "":
		return errors.New("endpoint is required")
	case sub.Keys.P256DH == "":
		return errors.New("keys.p256dh is required")
	case sub.Keys.Auth == "":
		return errors.New("keys.auth is required")
	}
	return nil
}

// wants reports whether the subscriber should hear about an event of
// tenant. An empty tenant subscribes to all tenants. Focused or unknown
// clients are skipped; they already see the live stream.
func (s pushSubscription) wants(tenant string) bool {
	if s.Tenant != "" && s.Tenant != tenant {
		return false
	}
	return s.ClientFocused != nil && !*s.ClientFocused
}

type pushSubscriptionFile struct {
	UpdatedAt     time.Time          `json:"updatedAt"`
	Subscriptions []pushSubscription `json:"subscriptions"`
}

type pushSubscriptionStore interface {
	List(ctx context.Context) ([]pushSubscription, error)
	Upsert(ctx context.Context, sub pushSubscription) error
	UpdateFocusByEndpoint(ctx context.Context, endpoint string, focused bool) error
	RemoveByEndpoint(ctx context.Context, endpoint string) error
	Count(ctx context.Context) (int, error)
}

// pushSubscriptionFileStore keeps subscriptions in one JSON file rewritten
// atomically on every change.
type pushSubscriptionFileStore struct {
	path string
	mu   sync.Mutex
}

func newPushSubscriptionFileStore(path string) *pushSubscriptionFileStore {
	return &pushSubscriptionFileStore{path: path}
}

func (s *pushSubscriptionFileStore) List(_ context.Context) ([]pushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	return append([]pushSubscription(nil), data.Subscriptions...), nil
}

func (s *pushSubscriptionFileStore) Count(ctx context.Context) (int, error) {
	subs, err := s.List(ctx)
	return len(subs), err
}

func (s *pushSubscriptionFileStore) Upsert(_ context.Context, sub pushSubscription) error {
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if sub.ClientFocused != nil && sub.FocusUpdatedAt.IsZero() {
		sub.FocusUpdatedAt = now
	}

	return s.update(func(data *pushSubscriptionFile) bool {
		for i, existing := range data.Subscriptions {
			if existing.Endpoint != sub.Endpoint {
				continue
			}
			// Keep the last known focus state unless the caller sends one.
			if sub.ClientFocused == nil {
				sub.ClientFocused = existing.ClientFocused
				sub.FocusUpdatedAt = existing.FocusUpdatedAt
			}
			data.Subscriptions[i] = sub
			return true
		}
		data.Subscriptions = append(data.Subscriptions, sub)
		return true
	})
}

func (s *pushSubscriptionFileStore) UpdateFocusByEndpoint(_ context.Context, endpoint string, focused bool) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return errors.New("endpoint is required")
	}
	return s.update(func(data *pushSubscriptionFile) bool {
		for i := range data.Subscriptions {
			if data.Subscriptions[i].Endpoint == endpoint {
				data.Subscriptions[i].ClientFocused = &focused
				data.Subscriptions[i].FocusUpdatedAt = time.Now().UTC()
				return true
			}
		}
		return false
	})
}

func (s *pushSubscriptionFileStore) RemoveByEndpoint(_ context.Context, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	return s.update(func(data *pushSubscriptionFile) bool {
		kept := data.Subscriptions[:0]
		for _, sub := range data.Subscriptions {
			if sub.Endpoint != endpoint {
				kept = append(kept, sub)
			}
		}
		changed := len(kept) != len(data.Subscriptions)
		data.Subscriptions = kept
		return changed
	})
}

// update applies fn under the lock and writes the file when fn reports a change.
func (s *pushSubscriptionFileStore) update(fn func(*pushSubscriptionFile) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readLocked()
	if err != nil {
		return err
	}
	if !fn(data) {
		return nil
	}
	data.UpdatedAt = time.Now().UTC()
	return s.writeLocked(data)
}

func (s *pushSubscriptionFileStore) readLocked() (*pushSubscriptionFile, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &pushSubscriptionFile{Subscriptions: []pushSubscription{}}, nil
		}
		return nil, fmt.Errorf("read push subscriptions: %w", err)
	}

	var data pushSubscriptionFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse push subscriptions: %w", err)
	}
	if data.Subscriptions == nil {
		data.Subscriptions = []pushSubscription{}
	}
	return &data, nil
}

func (s *pushSubscriptionFileStore) writeLocked(data *pushSubscriptionFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("mkdir push subscription dir: %w", err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal push subscriptions: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write temp push subscriptions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename push subscriptions: %w", err)
	}
	return nil
}

type webPushSender interface {
	Send(payload []byte, sub pushSubscription) (int, error)
}

type vapidPushSender struct {
	subject    string
	publicKey  string
	privateKey string
}

func (s *vapidPushSender) Send(payload []byte, sub pushSubscription) (int, error) {
	sub = sub.normalize()
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             3600,
	})
	status := 0
	if resp != nil {
		status = resp.StatusCode
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

// pushMessage is the JSON body delivered to the service worker.
type pushMessage struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	Tag        string `json:"tag,omitempty"`
	Renotify   bool   `json:"renotify,omitempty"`
	Tenant     string `json:"tenant"`
	Slot       string `json:"slot,omitempty"`
	Event      string `json:"event"`
	Path       string `json:"path,omitempty"`
	Timestamp  string `json:"timestamp"`
	RequireInt bool   `json:"requireInteraction,omitempty"`
}

type pushServiceAPI interface {
	Start(ctx context.Context)
	Enabled() bool
	PublicKey() string
	Subject() string
	SubscriptionCount(ctx context.Context) (int, error)
	UpsertSubscription(ctx context.Context, sub pushSubscription) error
	UpdateSubscriptionFocus(ctx context.Context, endpoint string, focused bool) error
	RemoveSubscriptionByEndpoint(ctx context.Context, endpoint string) error
}

// pushService notifies unfocused operators of inbound messages and slot
// failures published on the event bus.
type pushService struct {
	publicKey string
	subject   string
	token     string

	events EventSource
	store  pushSubscriptionStore
	sender webPushSender

	startOnce sync.Once
}

func newPushService(cfg Config, events EventSource) (*pushService, error) {
	publicKey := strings.TrimSpace(cfg.PushVAPIDPublicKey)
	privateKey := strings.TrimSpace(cfg.PushVAPIDPrivateKey)

	if publicKey == "" && privateKey == "" {
		return nil, nil
	}
	if publicKey == "" || privateKey == "" {
		return nil, errors.New("both push vapid public and private keys are required")
	}
	if strings.TrimSpace(cfg.PushStorePath) == "" {
		return nil, errors.New("push subscription store path is required")
	}

	subject := strings.TrimSpace(cfg.PushVAPIDSubject)
	if subject == "" {
		subject = "mailto:omnid@localhost"
	}

	return &pushService{
		publicKey: publicKey,
		subject:   subject,
		token:     strings.TrimSpace(cfg.Token),
		events:    events,
		store:     newPushSubscriptionFileStore(cfg.PushStorePath),
		sender:    &vapidPushSender{subject: subject, publicKey: publicKey, privateKey: privateKey},
	}, nil
}

func (p *pushService) Start(ctx context.Context) {
	if p == nil || p.events == nil {
		return
	}
	p.startOnce.Do(func() {
		events := p.events.Subscribe(ctx, "")
		go p.run(ctx, events)
	})
}

func (p *pushService) Enabled() bool { return p != nil }

func (p *pushService) PublicKey() string {
	if p == nil {
		return ""
	}
	return p.publicKey
}

func (p *pushService) Subject() string {
	if p == nil {
		return ""
	}
	return p.subject
}

func (p *pushService) SubscriptionCount(ctx context.Context) (int, error) {
	if p == nil {
		return 0, nil
	}
	return p.store.Count(ctx)
}

func (p *pushService) UpsertSubscription(ctx context.Context, sub pushSubscription) error {
	return p.store.Upsert(ctx, sub)
}

func (p *pushService) RemoveSubscriptionByEndpoint(ctx context.Context, endpoint string) error {
	return p.store.RemoveByEndpoint(ctx, endpoint)
}

func (p *pushService) UpdateSubscriptionFocus(ctx context.Context, endpoint string, focused bool) error {
	return p.store.UpdateFocusByEndpoint(ctx, endpoint, focused)
}

func (p *pushService) run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if msg, ok := p.messageFor(ev); ok {
				p.notifySubscribers(ctx, ev.Tenant, msg)
			}
		}
	}
}

// messageFor builds the notification for ev. Only inbound messages and
// slot failures are pushed.
func (p *pushService) messageFor(ev eventbus.Event) (pushMessage, bool) {
	msg := pushMessage{
		Tag:       fmt.Sprintf("omnid-%s-%s-%s", ev.Tenant, ev.Slot, ev.Name),
		Renotify:  true,
		Tenant:    ev.Tenant,
		Slot:      ev.Slot,
		Event:     ev.Name,
		Path:      p.routePath("/events/" + url.PathEscape(ev.Tenant)),
		Timestamp: ev.Time.UTC().Format(time.RFC3339),
	}

	switch ev.Name {
	case eventbus.Message:
		in, ok := ev.Payload.(session.InboundEvent)
		if !ok {
			return pushMessage{}, false
		}
		name := strings.TrimSpace(in.DisplayName)
		if name == "" {
			name = in.From
		}
		msg.Title = fmt.Sprintf("New message from %s", name)
		if in.Message != nil {
			msg.Body = preview(in.Message.Body)
		}
		msg.Tag = fmt.Sprintf("omnid-%s-conv-%s", ev.Tenant, in.ConversationID)
	case eventbus.AuthFailure, eventbus.InitFailed:
		msg.Title = fmt.Sprintf("Slot %s needs attention", ev.Slot)
		msg.Body = fmt.Sprintf("Slot %s failed: %s", ev.Slot, payloadText(ev.Payload))
		msg.RequireInt = true
	case eventbus.Disconnected:
		reason := payloadText(ev.Payload)
		if reason == session.DisconnectedByUser {
			return pushMessage{}, false
		}
		msg.Title = fmt.Sprintf("Slot %s disconnected", ev.Slot)
		msg.Body = reason
		msg.RequireInt = true
	default:
		return pushMessage{}, false
	}
	return msg, true
}

func (p *pushService) notifySubscribers(ctx context.Context, tenant string, msg pushMessage) {
	subs, err := p.store.List(ctx)
	if err != nil {
		pushLog.Error("push_list_subscriptions_failed", slog.String("error", err.Error()))
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		pushLog.Error("push_marshal_failed", slog.String("error", err.Error()))
		return
	}

	for _, sub := range subs {
		if !sub.wants(tenant) {
			pushLog.Debug("push_skipped",
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.String("tenant", tenant),
				slog.String("event", msg.Event),
				slog.String("state", focusStateForLog(sub)))
			continue
		}
		statusCode, err := p.sender.Send(payload, sub)
		if err == nil {
			pushLog.Debug("push_sent",
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.Int("http_status", statusCode),
				slog.String("tenant", tenant),
				slog.String("event", msg.Event))
			continue
		}

		pushLog.Error("push_send_failed",
			slog.String("endpoint", endpointForLog(sub.Endpoint)),
			slog.Int("http_status", statusCode),
			slog.String("tenant", tenant),
			slog.String("event", msg.Event),
			slog.String("error", err.Error()))
		if statusCode == http.StatusGone || statusCode == http.StatusNotFound {
			_ = p.store.RemoveByEndpoint(ctx, sub.Endpoint)
		}
	}
}

// payloadText extracts a human reason from an event payload.
func payloadText(payload any) string {
	switch v := payload.(type) {
	case map[string]string:
		if r := v["reason"]; r != "" {
			return r
		}
		return v["error"]
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func preview(body string) string {
	body = strings.TrimSpace(body)
	r := []rune(body)
	if len(r) <= pushPreviewLimit {
		return body
	}
	return string(r[:pushPreviewLimit-3]) + "..."
}

func endpointForLog(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err == nil && u.Host != "" {
		return u.Host
	}
	endpoint = strings.TrimSpace(endpoint)
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:48] + "..."
}

func focusStateForLog(sub pushSubscription) string {
	if sub.ClientFocused == nil {
		return "unknown"
	}
	if *sub.ClientFocused {
		return "focused"
	}
	return "unfocused"
}

func (p *pushService) routePath(basePath string) string {
	if p.token == "" {
		return basePath
	}
	u := &url.URL{Path: basePath}
	q := u.Query()
	q.Set("token", p.token)
	u.RawQuery = q.Encode()
	return u.String()
}
