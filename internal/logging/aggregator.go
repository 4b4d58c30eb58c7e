package logging

import (
	"log/slog"
	"sync"
	"time"
)

type aggregateKey struct {
	Component string
	Event     string
}

type aggregateEntry struct {
	Count     int64
	FirstSeen time.Time
	Fields    []slog.Attr
}

// Aggregator batches high-frequency events (inbound messages, QR refreshes)
// and emits one summary line per event type every interval.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries map[aggregateKey]*aggregateEntry

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every intervalSecs seconds.
// If logger is nil, recorded events are dropped on flush.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		entries:  make(map[aggregateKey]*aggregateEntry),
		done:     make(chan struct{}),
	}
}

// Start begins the background flush goroutine.
func (a *Aggregator) Start() {
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go a.flushLoop()
	})
}

// Stop flushes remaining entries and stops the background goroutine.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
		a.Flush()
	})
}

// Record increments the counter for an event type. The most recent
// non-empty fields are kept as context for the summary.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := aggregateKey{Component: component, Event: event}
	entry, ok := a.entries[key]
	if !ok {
		entry = &aggregateEntry{FirstSeen: time.Now()}
		a.entries[key] = entry
	}
	entry.Count++
	if len(fields) > 0 {
		entry.Fields = fields
	}
}

func (a *Aggregator) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Flush()
		case <-a.done:
			return
		}
	}
}

// Flush writes one event_summary line per recorded event type and resets
// the counters.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	if len(a.entries) == 0 {
		a.mu.Unlock()
		return
	}
	entries := a.entries
	a.entries = make(map[aggregateKey]*aggregateEntry)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}

	for key, entry := range entries {
		attrs := []any{
			slog.String("component", key.Component),
			slog.String("event", key.Event),
			slog.Int64("count", entry.Count),
			slog.Int("window_seconds", int(time.Since(entry.FirstSeen).Seconds())),
		}
		for _, f := range entry.Fields {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
}
