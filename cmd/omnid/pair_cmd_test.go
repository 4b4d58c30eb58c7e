package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/marzan3698/omni-sub004/internal/eventbus"
	"github.com/marzan3698/omni-sub004/internal/session"
	"github.com/marzan3698/omni-sub004/internal/web"
)

func TestPairSlotUntilReady(t *testing.T) {
	stub := &stubSlots{
		init: session.Result{Success: true, Message: "initializing"},
		script: []stubEvent{
			{name: eventbus.AuthFailure, payload: map[string]string{"reason": "other slot"}, slot: "4"},
			{name: eventbus.QR, payload: session.QRPayload{Image: "data:image/png;base64,AA==", Raw: "2@pairing"}},
			{name: eventbus.Authenticated},
			{name: eventbus.Ready, payload: map[string]string{"accountId": "5511999"}},
		},
	}
	client, _ := newDaemonStub(t, web.Config{}, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	if err := pairSlot(ctx, client, "acme", "2", &out, false); err != nil {
		t.Fatalf("pairSlot: %v\n%s", err, out.String())
	}

	got := out.String()
	for _, want := range []string{"acme/2: initializing", "qr: 2@pairing", "authenticated", "ready as 5511999"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestPairSlotAuthFailure(t *testing.T) {
	stub := &stubSlots{
		init:   session.Result{Success: true, Message: "initializing"},
		script: []stubEvent{{name: eventbus.AuthFailure, payload: map[string]string{"reason": "revoked"}}},
	}
	client, _ := newDaemonStub(t, web.Config{}, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := pairSlot(ctx, client, "acme", "1", &bytes.Buffer{}, false)
	if err == nil || !strings.Contains(err.Error(), "revoked") {
		t.Fatalf("expected auth failure, got %v", err)
	}
}

func TestPairSlotConnectRejected(t *testing.T) {
	client, _ := newDaemonStub(t, web.Config{ReadOnly: true}, &stubSlots{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := pairSlot(ctx, client, "acme", "1", &bytes.Buffer{}, false)
	if err == nil || !strings.Contains(err.Error(), "read-only") {
		t.Fatalf("expected read-only error, got %v", err)
	}
}

func TestRenderPairEvent(t *testing.T) {
	tests := []struct {
		name     string
		event    string
		payload  map[string]any
		tty      bool
		wantDone bool
		wantErr  string
		wantOut  string
	}{
		{name: "qr piped", event: eventbus.QR, payload: map[string]any{"raw": "2@abc"}, wantOut: "qr: 2@abc"},
		{name: "qr terminal", event: eventbus.QR, payload: map[string]any{"raw": "2@abc"}, tty: true, wantOut: "Scan with"},
		{name: "retrying", event: eventbus.Retrying, wantOut: "retrying"},
		{name: "ready", event: eventbus.Ready, payload: map[string]any{"accountId": "1"}, wantDone: true, wantOut: "ready as 1"},
		{name: "init failed", event: eventbus.InitFailed, payload: map[string]any{"error": "boom"}, wantDone: true, wantErr: "boom"},
		{name: "disconnected", event: eventbus.Disconnected, payload: map[string]any{"reason": "x"}, wantDone: true, wantErr: "disconnected"},
		{name: "unrelated", event: eventbus.MessageSent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			done, err := renderPairEvent(&out, tt.event, tt.payload, tt.tty)
			if done != tt.wantDone {
				t.Fatalf("done = %v, want %v", done, tt.wantDone)
			}
			if tt.wantErr == "" && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
				t.Fatalf("error = %v, want %q", err, tt.wantErr)
			}
			if tt.wantOut != "" && !strings.Contains(out.String(), tt.wantOut) {
				t.Fatalf("output %q missing %q", out.String(), tt.wantOut)
			}
		})
	}
}
