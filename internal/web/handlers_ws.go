package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marzan3698/omni-sub004/internal/eventbus"
)

type wsClientMessage struct {
	Type string `json:"type"`
}

type wsServerMessage struct {
	Type     string          `json:"type"` // status, event, error
	Event    string          `json:"event,omitempty"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
	Tenant   string          `json:"tenant,omitempty"`
	ReadOnly bool            `json:"readOnly,omitempty"`
	Data     *eventbus.Event `json:"data,omitempty"`
	Time     time.Time       `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

var (
	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second
)

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

func (w *wsConnWriter) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

// handleEventsWS streams a tenant's slot events over a websocket. Clients
// may send {"type":"ping"} and get a pong status back.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	tenant := strings.TrimSpace(r.PathValue("tenant"))
	if tenant == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "tenant is required")
		return
	}
	if s.events == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "event stream unavailable")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := s.events.Subscribe(ctx, tenant)
	writer := newWSConnWriter(conn)

	_ = writer.WriteJSON(wsServerMessage{
		Type:     "status",
		Event:    "connected",
		Tenant:   tenant,
		ReadOnly: s.cfg.ReadOnly,
		Time:     time.Now().UTC(),
	})

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go s.pumpEvents(ctx, cancel, writer, events)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("tenant", tenant),
					slog.String("error", err.Error()))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsServerMessage{
				Type:    "error",
				Code:    "INVALID_MESSAGE",
				Message: "invalid json payload",
				Time:    time.Now().UTC(),
			})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{
				Type:   "status",
				Event:  "pong",
				Tenant: tenant,
				Time:   time.Now().UTC(),
			})
		default:
			_ = writer.WriteJSON(wsServerMessage{
				Type:    "error",
				Code:    "UNSUPPORTED_MESSAGE",
				Message: "supported message types: ping",
				Time:    time.Now().UTC(),
			})
		}
	}
}

// pumpEvents forwards bus events and keepalive pings until ctx ends or a
// write fails.
func (s *Server) pumpEvents(ctx context.Context, cancel context.CancelFunc, writer *wsConnWriter, events <-chan eventbus.Event) {
	defer func() {
		cancel()
		_ = writer.conn.Close()
	}()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := writer.Ping(); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writer.WriteJSON(wsServerMessage{
				Type:  "event",
				Event: ev.Name,
				Data:  &ev,
				Time:  ev.Time,
			}); err != nil {
				return
			}
		}
	}
}
