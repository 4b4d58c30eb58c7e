package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marzan3698/omni-sub004/internal/eventbus"
	"github.com/marzan3698/omni-sub004/internal/logging"
	"github.com/marzan3698/omni-sub004/internal/metrics"
	"github.com/marzan3698/omni-sub004/internal/platform"
	"github.com/marzan3698/omni-sub004/internal/statedb"
	"golang.org/x/time/rate"
)

var sendLog = logging.ForComponent(logging.CompSend)

// SendResult is the outcome of SendMessage. Error is set when Success is false.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SentEvent is the payload of the message_sent event.
type SentEvent struct {
	To        string `json:"to"`
	MessageID string `json:"messageId"`
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Platform string

	// Store, when set, records sent messages on the recipient's conversation.
	Store     ConversationStore
	Publisher eventbus.Publisher
	Recorder  metrics.Recorder
	Clock     Clock

	// RatePerSecond and Burst throttle each slot. Zero disables throttling.
	RatePerSecond float64
	Burst         int
}

// Dispatcher sends outbound messages through ready sessions.
type Dispatcher struct {
	registry *Registry
	opts     DispatcherOptions

	mu       sync.Mutex
	limiters map[registryKey]*rate.Limiter
}

// NewDispatcher returns a dispatcher resolving sessions through registry.
func NewDispatcher(registry *Registry, opts DispatcherOptions) *Dispatcher {
	if opts.Platform == "" {
		opts.Platform = "whatsapp"
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop{}
	}
	return &Dispatcher{
		registry: registry,
		opts:     opts,
		limiters: make(map[registryKey]*rate.Limiter),
	}
}

func (d *Dispatcher) limiter(tenant, slot string) *rate.Limiter {
	if d.opts.RatePerSecond <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	k := registryKey{tenant, slot}
	l, ok := d.limiters[k]
	if !ok {
		burst := d.opts.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(d.opts.RatePerSecond), burst)
		d.limiters[k] = l
	}
	return l
}

// SendMessage delivers content to the recipient through the tenant slot.
// A session that is not ready fails fast; nothing is queued. When the
// platform rejects the primary address format the send is retried once
// with the legacy format.
func (d *Dispatcher) SendMessage(ctx context.Context, tenant, slot, to, content string) SendResult {
	if !ValidSlot(slot) {
		return SendResult{Error: fmt.Sprintf("invalid slot %q: must be one of 1-5", slot)}
	}
	sess := d.registry.Get(tenant, slot)
	if sess == nil || !sess.Ready() || sess.Client() == nil {
		return SendResult{Error: fmt.Sprintf("slot %s is not connected", slot)}
	}
	client := sess.Client()

	if l := d.limiter(tenant, slot); l != nil {
		if err := l.Wait(ctx); err != nil {
			return SendResult{Error: fmt.Sprintf("send via slot %s cancelled: %v", slot, err)}
		}
	}

	start := d.opts.Clock.Now()
	address := platform.PrimaryAddress(to)
	sent, err := client.SendMessage(ctx, address, content)
	if platform.IsUnknownRecipientFormat(err) {
		legacy := platform.LegacyAddress(to)
		sendLog.Warn("send_address_fallback",
			slog.String("tenant", tenant),
			slog.String("slot", slot),
			slog.String("primary", address),
			slog.String("legacy", legacy),
			slog.String("error", err.Error()))
		address = legacy
		sent, err = client.SendMessage(ctx, address, content)
	}
	d.opts.Recorder.OutboundMessage(err == nil, d.opts.Clock.Now().Sub(start))

	if err != nil {
		sendLog.Error("send_failed",
			slog.String("tenant", tenant),
			slog.String("slot", slot),
			slog.String("to", address),
			slog.String("error", err.Error()))
		return SendResult{Error: fmt.Sprintf(
			"failed to send via slot %s: %v (the slot session may have expired; reconnect slot %s)",
			slot, err, slot)}
	}

	sendLog.Info("message_sent",
		slog.String("tenant", tenant),
		slog.String("slot", slot),
		slog.String("message_id", sent.ID))
	if d.opts.Publisher != nil {
		d.opts.Publisher.Publish(tenant, slot, eventbus.MessageSent, SentEvent{To: to, MessageID: sent.ID})
	}
	d.record(tenant, slot, to, content, sent.ID)
	return SendResult{Success: true, MessageID: sent.ID}
}

// record appends the sent message to the recipient's conversation when
// one exists. Failures are logged; the send already succeeded.
func (d *Dispatcher) record(tenant, slot, to, content, messageID string) {
	if d.opts.Store == nil {
		return
	}
	externalID := platform.StripAddress(platform.PrimaryAddress(to))
	conv, err := d.opts.Store.FindConversation(tenant, d.opts.Platform, externalID, slot)
	if errors.Is(err, statedb.ErrNotFound) {
		return
	}
	if err == nil {
		now := d.opts.Clock.Now()
		err = d.opts.Store.AppendMessage(&statedb.MessageRow{
			ConversationID: conv.ID,
			Direction:      statedb.DirectionOutbound,
			Body:           content,
			ExternalID:     messageID,
			CreatedAt:      now,
		})
		if err == nil {
			err = d.opts.Store.TouchConversation(conv.ID, now, conv.Status)
		}
	}
	if err != nil {
		sendLog.Warn("outbound_record_failed",
			slog.String("tenant", tenant),
			slog.String("slot", slot),
			slog.String("error", err.Error()))
	}
}

// sendTimeout bounds a send issued without a caller deadline.
const sendTimeout = 90 * time.Second

// SendWithTimeout calls SendMessage with a deadline when ctx has none.
func (d *Dispatcher) SendWithTimeout(ctx context.Context, tenant, slot, to, content string) SendResult {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sendTimeout)
		defer cancel()
	}
	return d.SendMessage(ctx, tenant, slot, to, content)
}
