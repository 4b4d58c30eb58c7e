package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/marzan3698/omni-sub004/internal/eventbus"
	"github.com/marzan3698/omni-sub004/internal/session"
)

type fakeSlots struct {
	mu          sync.Mutex
	initResult  session.Result
	initCalls   []string
	disconnects []string
	disconnErr  error
	status      session.StatusResult
	slots       []session.SlotInfo
	listErr     error
	sendResult  session.SendResult
	sends       []sendMessageRequest
}

func (f *fakeSlots) Initialize(_ context.Context, tenant, slot string) session.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls = append(f.initCalls, tenant+"/"+slot)
	return f.initResult
}

func (f *fakeSlots) Disconnect(_ context.Context, tenant, slot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, tenant+"/"+slot)
	return f.disconnErr
}

func (f *fakeSlots) Status(string, string) session.StatusResult { return f.status }

func (f *fakeSlots) ListSlots(context.Context, string) ([]session.SlotInfo, error) {
	return f.slots, f.listErr
}

func (f *fakeSlots) SendMessage(_ context.Context, _, _, to, content string) session.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendMessageRequest{To: to, Content: content})
	return f.sendResult
}

func newTestServer(cfg Config, slots SlotService) (*Server, *eventbus.Bus) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	bus := eventbus.New()
	return NewServer(cfg, slots, bus), bus
}

func TestHealthzEndpoint(t *testing.T) {
	srv, _ := newTestServer(Config{ReadOnly: true}, &fakeSlots{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"ok":true`) {
		t.Fatalf("expected health response to contain ok=true, got: %s", body)
	}
	if !strings.Contains(body, `"readOnly":true`) {
		t.Fatalf("expected health response to contain readOnly, got: %s", body)
	}
}

func TestHealthzMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(Config{}, &fakeSlots{})

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	srv, _ := newTestServer(Config{Token: "secret-token"}, &fakeSlots{})

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "missing", path: "/api/tenants/acme/slots", want: http.StatusUnauthorized},
		{name: "wrong bearer", path: "/api/tenants/acme/slots", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "bearer", path: "/api/tenants/acme/slots", header: "Bearer secret-token", want: http.StatusOK},
		{name: "query", path: "/api/tenants/acme/slots?token=secret-token", want: http.StatusOK},
		{name: "basic scheme", path: "/api/tenants/acme/slots", header: "Basic secret-token", want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected status %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestMetricsRouteOnlyWhenConfigured(t *testing.T) {
	srv, _ := newTestServer(Config{}, &fakeSlots{})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics handler, got %d", rr.Code)
	}

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("omnid_sessions_ready 1\n"))
	})
	srv, _ = newTestServer(Config{Metrics: metrics}, &fakeSlots{})
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "omnid_sessions_ready") {
		t.Fatalf("expected metrics body, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestWithRecover(t *testing.T) {
	h := withRecover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", rr.Code)
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	srv, _ := newTestServer(Config{}, &fakeSlots{})
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
