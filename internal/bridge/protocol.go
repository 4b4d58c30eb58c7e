package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/marzan3698/omni-sub004/internal/platform"
)

// Operations understood by the bridge process.
const (
	opSend     = "send"
	opDownload = "download"
	opContact  = "contact"
	opDestroy  = "destroy"
)

// codeUnknownRecipientFormat is the error code a bridge reports when the
// platform rejects the address format of a send.
const codeUnknownRecipientFormat = "unknown_recipient_format"

// request is one line written to the bridge's stdin.
type request struct {
	ID        uint64 `json:"id"`
	Op        string `json:"op"`
	To        string `json:"to,omitempty"`
	Body      string `json:"body,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	ContactID string `json:"contactId,omitempty"`
}

// frame is one line read from the bridge's stdout. Lines carrying an id are
// responses to a request; lines carrying a type are events.
type frame struct {
	ID     uint64          `json:"id,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	Type      platform.EventType       `json:"type,omitempty"`
	QR        string                   `json:"qr,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
	AccountID string                   `json:"accountId,omitempty"`
	Message   *platform.InboundMessage `json:"message,omitempty"`
}

func (f *frame) isResponse() bool { return f.ID != 0 }

// err converts a failed response into an error. Address format rejections
// wrap platform.ErrUnknownRecipientFormat.
func (f *frame) err(op string) error {
	if f.OK {
		return nil
	}
	msg := f.Error
	if msg == "" {
		msg = "request failed"
	}
	if f.Code == codeUnknownRecipientFormat {
		return fmt.Errorf("bridge: %s: %s: %w", op, msg, platform.ErrUnknownRecipientFormat)
	}
	return fmt.Errorf("bridge: %s: %s", op, msg)
}

func (f *frame) event() platform.Event {
	return platform.Event{
		Type:    f.Type,
		QR:      f.QR,
		Reason:  f.Reason,
		Message: f.Message,
	}
}

// mediaResult is the result of a download request. Data is base64 on the wire.
type mediaResult struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mimeType"`
	Filename string `json:"filename,omitempty"`
}
