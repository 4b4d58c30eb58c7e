package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marzan3698/omni-sub004/internal/eventbus"
	"github.com/marzan3698/omni-sub004/internal/logging"
	"github.com/marzan3698/omni-sub004/internal/session"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	ReadOnly   bool
	Token      string

	PushVAPIDPublicKey  string
	PushVAPIDPrivateKey string
	PushVAPIDSubject    string

	// PushStorePath is the JSON file holding browser push subscriptions.
	PushStorePath string

	// Metrics, when set, is served on /metrics.
	Metrics http.Handler
}

// SlotService is the slot manager as seen by the HTTP API.
type SlotService interface {
	Initialize(ctx context.Context, tenant, slot string) session.Result
	Disconnect(ctx context.Context, tenant, slot string) error
	Status(tenant, slot string) session.StatusResult
	ListSlots(ctx context.Context, tenant string) ([]session.SlotInfo, error)
	SendMessage(ctx context.Context, tenant, slot, to, content string) session.SendResult
}

// EventSource streams published slot events.
type EventSource interface {
	Subscribe(ctx context.Context, tenant string) <-chan eventbus.Event
}

// Server wraps the HTTP API, the live event streams and web push.
type Server struct {
	cfg        Config
	httpServer *http.Server
	slots      SlotService
	events     EventSource
	push       pushServiceAPI
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a web server with routes and middleware.
func NewServer(cfg Config, slots SlotService, events EventSource) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8430"
	}

	s := &Server{
		cfg:    cfg,
		slots:  slots,
		events: events,
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	if pushSvc, err := newPushService(cfg, events); err != nil {
		webLog.Warn("push_disabled", slog.String("error", err.Error()))
	} else if pushSvc != nil {
		s.push = pushSvc
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/tenants/{tenant}/slots", s.handleListSlots)
	mux.HandleFunc("/api/tenants/{tenant}/slots/{slot}/connect", s.handleConnect)
	mux.HandleFunc("/api/tenants/{tenant}/slots/{slot}/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/tenants/{tenant}/slots/{slot}/status", s.handleStatus)
	mux.HandleFunc("/api/tenants/{tenant}/slots/{slot}/messages", s.handleSendMessage)
	mux.HandleFunc("/api/push/config", s.handlePushConfig)
	mux.HandleFunc("/api/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("/api/push/unsubscribe", s.handlePushUnsubscribe)
	mux.HandleFunc("/api/push/presence", s.handlePushPresence)
	mux.HandleFunc("/events/{tenant}", s.handleSlotEvents)
	mux.HandleFunc("/ws/events/{tenant}", s.handleEventsWS)
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	if s.push != nil {
		s.push.Start(s.baseCtx)
	}
	webLog.Info("web_listening", slog.String("addr", s.cfg.ListenAddr), slog.Bool("read_only", s.cfg.ReadOnly))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		// Signal long-lived handlers (SSE/WS) to stop promptly.
		s.cancelBase()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Long-lived connections may still block graceful shutdown.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}

	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"readOnly": s.cfg.ReadOnly,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, readOnly=%t)", s.cfg.ListenAddr, s.cfg.ReadOnly)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}
