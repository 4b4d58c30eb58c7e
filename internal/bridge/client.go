// Package bridge runs the platform automation driver as a child process and
// speaks a newline-delimited JSON protocol with it over stdio.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/marzan3698/omni-sub004/internal/logging"
	"github.com/marzan3698/omni-sub004/internal/platform"
)

var bridgeLog = logging.ForComponent(logging.CompBridge)

// Settings describes how to launch the driver.
type Settings struct {
	Command string
	Args    []string
	Env     map[string]string

	// RequestTimeout bounds one request/response round trip (default 60s).
	RequestTimeout time.Duration
}

// Factory creates one bridge client per namespace.
type Factory struct {
	Settings Settings
}

// NewFactory returns a factory launching clients with s.
func NewFactory(s Settings) *Factory {
	return &Factory{Settings: s}
}

// Create implements platform.Factory. The process starts on Initialize.
func (f *Factory) Create(ns platform.Namespace) (platform.Client, error) {
	if f.Settings.Command == "" {
		return nil, errors.New("bridge: no command configured")
	}
	return NewClient(ns, f.Settings), nil
}

// Client is a platform.Client backed by a driver process.
type Client struct {
	ns       platform.Namespace
	settings Settings

	mu       sync.Mutex
	handlers map[platform.EventType]platform.Handler
	info     platform.Info
	started  bool
	closed   bool

	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdin   io.WriteCloser
	writeMu sync.Mutex
	stderr  *logging.BridgeWriter

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan *frame

	done chan struct{}
}

// NewClient returns an unstarted client for ns.
func NewClient(ns platform.Namespace, s Settings) *Client {
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = 60 * time.Second
	}
	return &Client{
		ns:       ns,
		settings: s,
		handlers: make(map[platform.EventType]platform.Handler),
		pending:  make(map[uint64]chan *frame),
		done:     make(chan struct{}),
	}
}

// On implements platform.Client.
func (c *Client) On(event platform.EventType, h platform.Handler) {
	c.mu.Lock()
	c.handlers[event] = h
	c.mu.Unlock()
}

// Info implements platform.Client.
func (c *Client) Info() platform.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Initialize launches the driver. The process outlives ctx; it is stopped
// by Destroy.
func (c *Client) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return platform.ErrClientClosed
	}
	if c.started {
		return errors.New("bridge: already initialized")
	}
	if c.ns.Dir != "" {
		if err := os.MkdirAll(c.ns.Dir, 0o700); err != nil {
			return fmt.Errorf("bridge: create session dir: %w", err)
		}
	}

	procCtx, cancel := context.WithCancel(context.Background())
	args := append([]string{}, c.settings.Args...)
	args = append(args, "--session-dir", c.ns.Dir, "--client-id", c.ns.ClientID())
	cmd := exec.CommandContext(procCtx, c.settings.Command, args...)
	env := os.Environ()
	for k, v := range c.settings.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	// The driver usually spawns a browser; a process group lets Destroy
	// take the whole tree down.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 3 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return err
	}
	c.stderr = logging.NewBridgeWriter(logging.CompBridge,
		slog.String("tenant", c.ns.Tenant),
		slog.String("slot", c.ns.Slot))
	cmd.Stderr = c.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("bridge: start %s: %w", c.settings.Command, err)
	}
	c.cmd = cmd
	c.cancel = cancel
	c.stdin = stdin
	c.started = true

	bridgeLog.Info("bridge_started",
		slog.String("tenant", c.ns.Tenant),
		slog.String("slot", c.ns.Slot),
		slog.Int("pid", cmd.Process.Pid))

	go c.readLoop(stdout)
	return nil
}

// readLoop routes responses to waiting requests and events to handlers.
// Handlers run on this goroutine, so they never run concurrently.
func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	// Media responses carry whole attachments.
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			bridgeLog.Debug("bridge_bad_frame",
				slog.String("slot", c.ns.Slot),
				slog.String("error", err.Error()))
			continue
		}
		if f.isResponse() {
			c.resolve(&f)
			continue
		}
		c.dispatch(&f)
	}

	reason := "bridge exited"
	if err := scanner.Err(); err != nil {
		reason = "bridge read error: " + err.Error()
	}
	// Wait only after stdout is drained.
	if err := c.cmd.Wait(); err != nil {
		bridgeLog.Debug("bridge_exit_status",
			slog.String("slot", c.ns.Slot),
			slog.String("error", err.Error()))
		if scanner.Err() == nil {
			reason = "bridge exited: " + err.Error()
		}
	}
	c.exited(reason)
}

func (c *Client) resolve(f *frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.pendingMu.Unlock()
	if ok {
		ch <- f
	}
}

func (c *Client) dispatch(f *frame) {
	c.mu.Lock()
	if f.Type == platform.EventReady && f.AccountID != "" {
		c.info.AccountID = f.AccountID
	}
	h := c.handlers[f.Type]
	c.mu.Unlock()
	if h != nil {
		h(f.event())
	}
}

// exited fails outstanding requests and, unless Destroy caused the exit,
// reports the loss as a disconnect.
func (c *Client) exited(reason string) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if c.stderr != nil {
		c.stderr.Flush()
	}

	c.mu.Lock()
	closed := c.closed
	h := c.handlers[platform.EventDisconnected]
	c.mu.Unlock()
	close(c.done)

	if closed {
		return
	}
	bridgeLog.Warn("bridge_exited",
		slog.String("tenant", c.ns.Tenant),
		slog.String("slot", c.ns.Slot),
		slog.String("reason", reason))
	if h != nil {
		h(platform.Event{Type: platform.EventDisconnected, Reason: reason})
	}
}

// call writes req and waits for its response.
func (c *Client) call(ctx context.Context, req request) (*frame, error) {
	c.mu.Lock()
	started, closed := c.started, c.closed
	c.mu.Unlock()
	if !started || closed {
		return nil, platform.ErrClientClosed
	}
	return c.roundTrip(ctx, req)
}

func (c *Client) roundTrip(ctx context.Context, req request) (*frame, error) {
	req.ID = c.nextID.Add(1)
	ch := make(chan *frame, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	_, err = c.stdin.Write(append(line, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("bridge: %s: %w", req.Op, err)
	}

	timer := time.NewTimer(c.settings.RequestTimeout)
	defer timer.Stop()
	select {
	case f, ok := <-ch:
		if !ok {
			return nil, platform.ErrClientClosed
		}
		if err := f.err(req.Op); err != nil {
			return nil, err
		}
		return f, nil
	case <-c.done:
		return nil, platform.ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("bridge: %s: no response after %s", req.Op, c.settings.RequestTimeout)
	}
}

// SendMessage implements platform.Client.
func (c *Client) SendMessage(ctx context.Context, address, body string) (platform.SentMessage, error) {
	f, err := c.call(ctx, request{Op: opSend, To: address, Body: body})
	if err != nil {
		return platform.SentMessage{}, err
	}
	var sent platform.SentMessage
	if err := json.Unmarshal(f.Result, &sent); err != nil {
		return platform.SentMessage{}, fmt.Errorf("bridge: send: decode result: %w", err)
	}
	return sent, nil
}

// DownloadMedia implements platform.Client.
func (c *Client) DownloadMedia(ctx context.Context, msg platform.InboundMessage) (*platform.Media, error) {
	f, err := c.call(ctx, request{Op: opDownload, MessageID: msg.ID})
	if err != nil {
		return nil, err
	}
	var res mediaResult
	if err := json.Unmarshal(f.Result, &res); err != nil {
		return nil, fmt.Errorf("bridge: download: decode result: %w", err)
	}
	return &platform.Media{Data: res.Data, MimeType: res.MimeType, Filename: res.Filename}, nil
}

// Contact implements platform.Client.
func (c *Client) Contact(ctx context.Context, id string) (platform.Contact, error) {
	f, err := c.call(ctx, request{Op: opContact, ContactID: id})
	if err != nil {
		return platform.Contact{}, err
	}
	var ct platform.Contact
	if err := json.Unmarshal(f.Result, &ct); err != nil {
		return platform.Contact{}, fmt.Errorf("bridge: contact: decode result: %w", err)
	}
	if ct.ID == "" {
		ct.ID = id
	}
	return ct, nil
}

// destroyGrace is how long the driver gets to log out cleanly.
const destroyGrace = 2 * time.Second

// Destroy asks the driver to shut down, then terminates its process group.
// Safe to call more than once and before Initialize.
func (c *Client) Destroy() error {
	c.mu.Lock()
	if c.closed || !c.started {
		c.closed = true
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), destroyGrace)
	if _, err := c.roundTrip(ctx, request{Op: opDestroy}); err != nil && !errors.Is(err, platform.ErrClientClosed) {
		bridgeLog.Debug("bridge_destroy_request_failed",
			slog.String("slot", c.ns.Slot),
			slog.String("error", err.Error()))
	}
	cancel()

	_ = c.stdin.Close()
	c.cancel()

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		bridgeLog.Warn("bridge_wait_timeout", slog.String("slot", c.ns.Slot))
		_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
		<-c.done
	}

	bridgeLog.Info("bridge_stopped",
		slog.String("tenant", c.ns.Tenant),
		slog.String("slot", c.ns.Slot))
	return nil
}
