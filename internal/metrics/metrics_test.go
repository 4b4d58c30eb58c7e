package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder_Counters(t *testing.T) {
	p := NewPrometheusRecorder()

	p.SessionEvent("ready")
	p.SessionEvent("ready")
	p.SessionEvent("qr")
	p.PairingRetry()
	p.SessionsReady(1)
	p.SessionsReady(1)
	p.SessionsReady(-1)
	p.InboundMessage("chat")
	p.OutboundMessage(true, 20*time.Millisecond)
	p.OutboundMessage(false, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.sessionEvents.WithLabelValues("ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.sessionEvents.WithLabelValues("qr")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.pairingRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.sessionsReady))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.inbound.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.outbound.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.outbound.WithLabelValues("failure")))
}

func TestPrometheusRecorder_SeparateRegistries(t *testing.T) {
	// Two recorders must not panic on duplicate registration.
	a := NewPrometheusRecorder()
	b := NewPrometheusRecorder()
	a.PairingRetry()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.pairingRetries))
}

func TestPrometheusRecorder_Handler(t *testing.T) {
	p := NewPrometheusRecorder()
	p.SessionEvent("disconnected")

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `omnid_session_events_total{event="disconnected"} 1`)
	assert.Contains(t, string(body), "omnid_sessions_ready 0")
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	r.SessionEvent("x")
	r.OutboundMessage(true, 0)
}
