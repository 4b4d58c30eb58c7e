package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/marzan3698/omni-sub004/internal/eventbus"
	"github.com/marzan3698/omni-sub004/internal/logging"
	"github.com/marzan3698/omni-sub004/internal/media"
	"github.com/marzan3698/omni-sub004/internal/metrics"
	"github.com/marzan3698/omni-sub004/internal/platform"
	"github.com/marzan3698/omni-sub004/internal/statedb"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

var ingestLog = logging.ForComponent(logging.CompIngest)

// ImagePlaceholder is the body of an image without caption or whose
// download failed.
const ImagePlaceholder = "[Image]"

// ConversationStore persists conversations and messages.
type ConversationStore interface {
	FindConversation(tenant, platform, externalUserID, slot string) (*statedb.ConversationRow, error)
	CreateConversation(c *statedb.ConversationRow) error
	TouchConversation(id string, at time.Time, status string) error
	AppendMessage(m *statedb.MessageRow) error
}

// ContentStore saves downloaded attachments.
type ContentStore interface {
	Save(data []byte, ext string) (string, error)
}

// Assigner hands a conversation to an agent in the background.
type Assigner interface {
	Assign(conversationID, tenant string)
}

// InboundEvent is the payload of the message event.
type InboundEvent struct {
	ConversationID string              `json:"conversationId"`
	Message        *statedb.MessageRow `json:"message"`
	From           string              `json:"from"`
	DisplayName    string              `json:"displayName"`
}

// IngestorOptions configures an Ingestor.
type IngestorOptions struct {
	Platform  string
	Store     ConversationStore
	Media     ContentStore
	Assigner  Assigner
	Publisher eventbus.Publisher
	Recorder  metrics.Recorder
	Clock     Clock

	// NameTTL caches resolved contact names (default one hour).
	NameTTL time.Duration
}

// Ingestor turns inbound platform messages into conversation records.
type Ingestor struct {
	registry *Registry
	opts     IngestorOptions

	names *cache.Cache
	group singleflight.Group
}

// NewIngestor returns an ingestor resolving clients through registry.
func NewIngestor(registry *Registry, opts IngestorOptions) *Ingestor {
	if opts.Platform == "" {
		opts.Platform = "whatsapp"
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop{}
	}
	if opts.NameTTL <= 0 {
		opts.NameTTL = time.Hour
	}
	return &Ingestor{
		registry: registry,
		opts:     opts,
		names:    cache.New(opts.NameTTL, 2*opts.NameTTL),
	}
}

// HandleIncoming records msg on the tenant slot. It never panics and never
// returns an error: a bad message is logged and dropped without affecting
// the session.
func (i *Ingestor) HandleIncoming(ctx context.Context, tenant, slot string, msg platform.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			ingestLog.Error("ingest_panic",
				slog.String("tenant", tenant),
				slog.String("slot", slot),
				slog.String("message_id", msg.ID),
				slog.Any("panic", r))
		}
	}()
	if err := i.handle(ctx, tenant, slot, msg); err != nil {
		ingestLog.Error("ingest_failed",
			slog.String("tenant", tenant),
			slog.String("slot", slot),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
	}
}

func (i *Ingestor) handle(ctx context.Context, tenant, slot string, msg platform.InboundMessage) error {
	if msg.FromMe || platform.IsStatusBroadcast(msg.From) {
		return nil
	}
	externalID := platform.StripAddress(msg.From)
	if externalID == "" {
		return errors.New("message without sender")
	}
	if i.opts.Store == nil {
		return errors.New("no conversation store configured")
	}

	client := i.registry.Client(tenant, slot)
	name := i.displayName(ctx, client, tenant, externalID, msg)
	body, mediaPath, mediaType := i.classify(ctx, client, msg)

	now := i.opts.Clock.Now()
	conv, err := i.opts.Store.FindConversation(tenant, i.opts.Platform, externalID, slot)
	switch {
	case errors.Is(err, statedb.ErrNotFound):
		conv = &statedb.ConversationRow{
			Tenant:         tenant,
			Platform:       i.opts.Platform,
			ExternalUserID: externalID,
			SlotID:         slot,
			DisplayName:    name,
			Status:         statedb.StatusOpen,
			LastMessageAt:  now,
			CreatedAt:      now,
		}
		if err := i.opts.Store.CreateConversation(conv); err != nil {
			return err
		}
		i.assign(conv.ID, tenant)
	case err != nil:
		return err
	default:
		if err := i.opts.Store.TouchConversation(conv.ID, now, statedb.StatusOpen); err != nil {
			return err
		}
		if conv.AssigneeID == "" {
			i.assign(conv.ID, tenant)
		}
	}

	created := msg.Timestamp
	if created.IsZero() {
		created = now
	}
	row := &statedb.MessageRow{
		ConversationID: conv.ID,
		Direction:      statedb.DirectionInbound,
		Body:           body,
		MediaPath:      mediaPath,
		MediaType:      mediaType,
		ExternalID:     msg.ID,
		CreatedAt:      created,
	}
	if err := i.opts.Store.AppendMessage(row); err != nil {
		return err
	}

	kind := string(msg.Type)
	if kind == "" {
		kind = "unknown"
	}
	i.opts.Recorder.InboundMessage(kind)
	logging.Aggregate(logging.CompIngest, "message_inbound",
		slog.String("tenant", tenant),
		slog.String("slot", slot))
	if i.opts.Publisher != nil {
		i.opts.Publisher.Publish(tenant, slot, eventbus.Message, InboundEvent{
			ConversationID: conv.ID,
			Message:        row,
			From:           externalID,
			DisplayName:    name,
		})
	}
	return nil
}

func (i *Ingestor) assign(conversationID, tenant string) {
	if i.opts.Assigner != nil {
		i.opts.Assigner.Assign(conversationID, tenant)
	}
}

// displayName resolves the sender's profile name, cached per tenant and
// de-duplicated across concurrent lookups. Falls back to the push name
// carried on the message, then to the raw id.
func (i *Ingestor) displayName(ctx context.Context, client platform.Client, tenant, externalID string, msg platform.InboundMessage) string {
	key := tenant + "|" + externalID
	if v, ok := i.names.Get(key); ok {
		return v.(string)
	}

	fallback := strings.TrimSpace(msg.PushName)
	if fallback == "" {
		fallback = externalID
	}
	if client == nil {
		return fallback
	}

	v, err, _ := i.group.Do(key, func() (any, error) {
		ct, err := client.Contact(ctx, msg.From)
		if err != nil {
			return "", err
		}
		name := strings.TrimSpace(ct.DisplayName())
		if name == "" {
			name = fallback
		}
		i.names.SetDefault(key, name)
		return name, nil
	})
	if err != nil {
		ingestLog.Debug("contact_lookup_failed",
			slog.String("tenant", tenant),
			slog.String("from", externalID),
			slog.String("error", err.Error()))
		return fallback
	}
	return v.(string)
}

// classify derives the stored body and optional media of a message. A
// failed download keeps the caption (or placeholder) without media.
func (i *Ingestor) classify(ctx context.Context, client platform.Client, msg platform.InboundMessage) (body, mediaPath, mediaType string) {
	switch {
	case msg.Type == platform.MessageText:
		return msg.Body, "", ""
	case msg.Type == platform.MessageImage && msg.HasMedia:
		body = strings.TrimSpace(msg.Body)
		if body == "" {
			body = ImagePlaceholder
		}
		path, err := i.saveMedia(ctx, client, msg)
		if err != nil {
			ingestLog.Warn("media_download_failed",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()))
			return body, "", ""
		}
		return body, path, string(platform.MessageImage)
	default:
		kind := string(msg.Type)
		if kind == "" {
			kind = "unknown"
		}
		return "[" + kind + "]", "", ""
	}
}

func (i *Ingestor) saveMedia(ctx context.Context, client platform.Client, msg platform.InboundMessage) (string, error) {
	if client == nil {
		return "", ErrNotConnected
	}
	if i.opts.Media == nil {
		return "", errors.New("no content store configured")
	}
	m, err := client.DownloadMedia(ctx, msg)
	if err != nil {
		return "", err
	}
	if m == nil || len(m.Data) == 0 {
		return "", media.ErrEmptyContent
	}
	return i.opts.Media.Save(m.Data, media.ExtensionFor(m.MimeType))
}
