package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/marzan3698/omni-sub004/internal/eventbus"
	"github.com/marzan3698/omni-sub004/internal/session"
)

// pairEvent mirrors the daemon's websocket frames.
type pairEvent struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		Slot    string         `json:"slot"`
		Name    string         `json:"event"`
		Payload map[string]any `json:"payload"`
	} `json:"data,omitempty"`
}

func payloadString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func handlePair(args []string) error {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 5*time.Minute, "Give up if the slot is not ready within this duration")
	build := clientFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: omnid pair <tenant> <slot> [options]")
		fmt.Println()
		fmt.Println("Connect a slot on the running daemon and render its pairing QR here.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return errors.New("expected <tenant> <slot>")
	}
	tenant, slot := fs.Arg(0), fs.Arg(1)
	if !session.ValidSlot(slot) {
		return fmt.Errorf("slot must be one of 1-5, got %q", slot)
	}
	client, err := build()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	return pairSlot(ctx, client, tenant, slot, os.Stdout, term.IsTerminal(int(os.Stdout.Fd())))
}

// pairSlot subscribes to the tenant stream before connecting so the first
// QR is never missed, then follows the slot until it is ready or fails.
func pairSlot(ctx context.Context, client *apiClient, tenant, slot string, out io.Writer, tty bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, client.eventsURL(tenant), nil)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	// The daemon subscribes before it greets, so events after this point
	// are delivered.
	var hello pairEvent
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	if hello.Type == "error" {
		return fmt.Errorf("event stream: %s", hello.Message)
	}

	res, err := client.Connect(ctx, tenant, slot)
	if err != nil {
		if isAPIError(err, "READ_ONLY") {
			return errors.New("daemon is read-only; pairing is disabled")
		}
		return err
	}
	if !res.Success {
		return fmt.Errorf("connect failed: %s", res.Message)
	}
	fmt.Fprintf(out, "%s %s/%s: %s\n", bulletSymbol, tenant, slot, res.Message)

	for {
		var msg pairEvent
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("pairing did not complete: %w", ctx.Err())
			}
			return fmt.Errorf("event stream closed: %w", err)
		}
		if msg.Type != "event" || msg.Data == nil || msg.Data.Slot != slot {
			continue
		}

		done, err := renderPairEvent(out, msg.Data.Name, msg.Data.Payload, tty)
		if done {
			return err
		}
	}
}

// renderPairEvent prints one slot event and reports whether pairing ended.
func renderPairEvent(out io.Writer, name string, payload map[string]any, tty bool) (bool, error) {
	switch name {
	case eventbus.QR:
		raw := payloadString(payload, "raw")
		if !tty {
			fmt.Fprintf(out, "qr: %s\n", raw)
			return false, nil
		}
		art, err := session.RenderQRTerminal(raw)
		if err != nil {
			return true, err
		}
		fmt.Fprintln(out, "Scan with the phone app (Linked devices):")
		fmt.Fprint(out, art)
	case eventbus.Authenticated:
		fmt.Fprintf(out, "%s authenticated, waiting for ready\n", bulletSymbol)
	case eventbus.Retrying:
		fmt.Fprintf(out, "%s pairing timed out, retrying with a fresh QR\n", bulletSymbol)
	case eventbus.Ready:
		fmt.Fprintf(out, "%s ready as %s\n", successSymbol, firstNonEmpty(payloadString(payload, "accountId"), "unknown account"))
		return true, nil
	case eventbus.AuthFailure:
		return true, fmt.Errorf("authentication failed: %s", payloadString(payload, "reason"))
	case eventbus.InitFailed:
		return true, fmt.Errorf("initialization failed: %s", payloadString(payload, "error"))
	case eventbus.Disconnected:
		return true, fmt.Errorf("disconnected: %s", payloadString(payload, "reason"))
	}
	return false, nil
}
