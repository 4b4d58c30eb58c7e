// Package platform defines the boundary between the slot supervisor and the
// external messaging platform client (a browser automation driver, a native
// protocol library, or a test fake).
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventType names a lifecycle or traffic event emitted by a Client.
type EventType string

const (
	EventQR            EventType = "qr"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventAuthFailure   EventType = "auth_failure"
	EventDisconnected  EventType = "disconnected"
	EventMessage       EventType = "message"
)

// Event is delivered to handlers registered with Client.On.
type Event struct {
	Type EventType

	// QR is the raw pairing payload for EventQR.
	QR string

	// Reason accompanies EventAuthFailure and EventDisconnected.
	Reason string

	// Message is set for EventMessage.
	Message *InboundMessage
}

// Handler receives client events. A client must not invoke handlers for
// the same session concurrently.
type Handler func(Event)

// MessageType classifies an inbound payload.
type MessageType string

const (
	MessageText     MessageType = "chat"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageVoice    MessageType = "ptt"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageLocation MessageType = "location"
	MessageContact  MessageType = "vcard"
)

// InboundMessage is a message received from an external user.
type InboundMessage struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	Type      MessageType `json:"type"`
	Body      string      `json:"body"`
	HasMedia  bool        `json:"hasMedia"`
	FromMe    bool        `json:"fromMe"`
	PushName  string      `json:"pushName,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Media is a downloaded attachment.
type Media struct {
	Data     []byte
	MimeType string
	Filename string
}

// Contact is the sender profile as known to the platform.
type Contact struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	PushName string `json:"pushName,omitempty"`
}

// DisplayName returns the best available human name, or "".
func (c Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.PushName
}

// SentMessage identifies a message accepted by the platform.
type SentMessage struct {
	ID string `json:"id"`
}

// Info describes the paired account. AccountID is empty until ready.
type Info struct {
	AccountID string `json:"accountId,omitempty"`
}

// Client is one live connection to the platform bound to a Namespace.
type Client interface {
	// Initialize starts the client. Progress is reported through events.
	Initialize(ctx context.Context) error

	// Destroy releases the client and its automation process.
	Destroy() error

	// On registers the handler for an event type, replacing any previous one.
	On(event EventType, h Handler)

	SendMessage(ctx context.Context, address, body string) (SentMessage, error)
	DownloadMedia(ctx context.Context, msg InboundMessage) (*Media, error)
	Contact(ctx context.Context, id string) (Contact, error)
	Info() Info
}

// Namespace is the per-tenant-per-slot storage scope of a client. Dir holds
// the persisted authorization so a later client for the same namespace can
// resume without re-pairing when the platform allows it.
type Namespace struct {
	Tenant string
	Slot   string
	Dir    string
}

// ClientID is the stable identifier handed to the platform driver.
func (n Namespace) ClientID() string {
	return fmt.Sprintf("tenant-%s-slot-%s", n.Tenant, n.Slot)
}

// Factory builds clients.
type Factory interface {
	Create(ns Namespace) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ns Namespace) (Client, error)

// Create calls f.
func (f FactoryFunc) Create(ns Namespace) (Client, error) { return f(ns) }

var (
	// ErrUnknownRecipientFormat means the platform rejected the address
	// format, not the recipient. A send may be retried with LegacyAddress.
	ErrUnknownRecipientFormat = errors.New("platform: unknown recipient format")

	// ErrClientClosed is returned by operations on a destroyed client.
	ErrClientClosed = errors.New("platform: client closed")
)
