package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func summaries(t *testing.T, buf *bytes.Buffer) map[string]map[string]any {
	t.Helper()
	out := make(map[string]map[string]any)
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var r map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		if r["msg"] == "event_summary" {
			out[r["event"].(string)] = r
		}
	}
	return out
}

func TestAggregatorFlushCounts(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)

	agg.Record(CompIngest, "inbound_message", slog.String("slot", "1"))
	agg.Record(CompIngest, "inbound_message", slog.String("slot", "2"))
	agg.Record(CompIngest, "inbound_message")
	agg.Record(CompSession, "qr_refresh")
	agg.Flush()

	got := summaries(t, &buf)
	require.Contains(t, got, "inbound_message")
	assert.Equal(t, float64(3), got["inbound_message"]["count"])
	assert.Equal(t, "2", got["inbound_message"]["slot"], "latest non-empty fields are kept")
	assert.Equal(t, float64(1), got["qr_refresh"]["count"])

	buf.Reset()
	agg.Flush()
	assert.Empty(t, buf.String(), "counters reset after flush")
}

func TestAggregatorNilLogger(t *testing.T) {
	agg := NewAggregator(nil, 1)
	agg.Start()
	agg.Record(CompSend, "test_event")
	agg.Stop()
}

func TestAggregatorStopFlushesOnce(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)
	agg.Start()
	agg.Record(CompSession, "state_change")

	agg.Stop()
	agg.Stop()

	assert.Contains(t, summaries(t, &buf), "state_change")
}
