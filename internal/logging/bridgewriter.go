package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

// BridgeWriter adapts the stderr stream of an automation bridge process into
// structured records. Output is split on newlines; a leading "[LEVEL]" or
// "[category]" tag is parsed into the record level or a "source" field.
type BridgeWriter struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending []byte
}

// NewBridgeWriter creates a writer that forwards lines to the given component
// logger with the extra attributes attached to every record.
func NewBridgeWriter(component string, attrs ...slog.Attr) *BridgeWriter {
	l := ForComponent(component)
	if len(attrs) > 0 {
		args := make([]any, len(attrs))
		for i, a := range attrs {
			args[i] = a
		}
		l = l.With(args...)
	}
	return &BridgeWriter{logger: l}
}

// Write implements io.Writer. Partial lines are held until their newline arrives.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	bw.pending = append(bw.pending, p...)
	for {
		idx := bytes.IndexByte(bw.pending, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimSpace(bw.pending[:idx]))
		bw.pending = bw.pending[idx+1:]
		bw.emit(line)
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (bw *BridgeWriter) Flush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if len(bw.pending) > 0 {
		bw.emit(string(bytes.TrimSpace(bw.pending)))
		bw.pending = nil
	}
}

func (bw *BridgeWriter) emit(line string) {
	if line == "" {
		return
	}
	level := slog.LevelInfo
	source := ""
	if strings.HasPrefix(line, "[") {
		if idx := strings.Index(line, "] "); idx > 0 {
			tag := strings.ToLower(line[1:idx])
			line = line[idx+2:]
			switch tag {
			case "debug":
				level = slog.LevelDebug
			case "warn", "warning":
				level = slog.LevelWarn
			case "error", "fatal":
				level = slog.LevelError
			case "info":
			default:
				source = tag
			}
		}
	}
	if source != "" {
		bw.logger.Log(context.Background(), level, line, slog.String("source", source))
		return
	}
	bw.logger.Log(context.Background(), level, line)
}
