// Package platformtest provides in-memory platform clients for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/marzan3698/omni-sub004/internal/platform"
)

// Send is one recorded SendMessage call.
type Send struct {
	Address string
	Body    string
}

// Client is a scriptable platform.Client. Events are injected with Emit.
type Client struct {
	NS platform.Namespace

	mu          sync.Mutex
	handlers    map[platform.EventType]platform.Handler
	info        platform.Info
	initErr     error
	initCalls   int
	destroys    int
	sends       []Send
	sendFunc    func(address, body string) (platform.SentMessage, error)
	contacts    map[string]platform.Contact
	contactErr  error
	contactHits int
	media       *platform.Media
	mediaErr    error
	initialized chan struct{}
	initOnce    sync.Once
}

// NewClient returns a client bound to ns.
func NewClient(ns platform.Namespace) *Client {
	return &Client{
		NS:          ns,
		handlers:    make(map[platform.EventType]platform.Handler),
		contacts:    make(map[string]platform.Contact),
		initialized: make(chan struct{}),
	}
}

func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	c.initCalls++
	err := c.initErr
	c.mu.Unlock()
	c.initOnce.Do(func() { close(c.initialized) })
	return err
}

func (c *Client) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroys++
	return nil
}

func (c *Client) On(event platform.EventType, h platform.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

func (c *Client) SendMessage(ctx context.Context, address, body string) (platform.SentMessage, error) {
	c.mu.Lock()
	c.sends = append(c.sends, Send{Address: address, Body: body})
	fn := c.sendFunc
	n := len(c.sends)
	c.mu.Unlock()
	if fn != nil {
		return fn(address, body)
	}
	return platform.SentMessage{ID: fmt.Sprintf("sent-%d", n)}, nil
}

func (c *Client) DownloadMedia(ctx context.Context, msg platform.InboundMessage) (*platform.Media, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mediaErr != nil {
		return nil, c.mediaErr
	}
	return c.media, nil
}

func (c *Client) Contact(ctx context.Context, id string) (platform.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contactHits++
	if c.contactErr != nil {
		return platform.Contact{}, c.contactErr
	}
	if ct, ok := c.contacts[id]; ok {
		return ct, nil
	}
	return platform.Contact{ID: id}, nil
}

func (c *Client) Info() platform.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Emit delivers ev to the registered handler, if any.
func (c *Client) Emit(ev platform.Event) {
	c.mu.Lock()
	h := c.handlers[ev.Type]
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Has reports whether a handler is registered for event.
func (c *Client) Has(event platform.EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[event]
	return ok
}

// WaitInitialized blocks until Initialize has been called or ctx ends.
func (c *Client) WaitInitialized(ctx context.Context) bool {
	select {
	case <-c.initialized:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) SetInfo(info platform.Info) {
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
}

func (c *Client) SetInitError(err error) {
	c.mu.Lock()
	c.initErr = err
	c.mu.Unlock()
}

func (c *Client) SetSendFunc(fn func(address, body string) (platform.SentMessage, error)) {
	c.mu.Lock()
	c.sendFunc = fn
	c.mu.Unlock()
}

func (c *Client) SetContact(ct platform.Contact) {
	c.mu.Lock()
	c.contacts[ct.ID] = ct
	c.mu.Unlock()
}

func (c *Client) SetContactError(err error) {
	c.mu.Lock()
	c.contactErr = err
	c.mu.Unlock()
}

func (c *Client) SetMedia(m *platform.Media, err error) {
	c.mu.Lock()
	c.media, c.mediaErr = m, err
	c.mu.Unlock()
}

func (c *Client) Sends() []Send {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Send(nil), c.sends...)
}

func (c *Client) Destroys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroys
}

func (c *Client) InitCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initCalls
}

func (c *Client) ContactLookups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contactHits
}

// Factory records every client it creates.
type Factory struct {
	mu      sync.Mutex
	clients []*Client

	// Configure runs on each new client before it is returned.
	Configure func(*Client)

	// CreateErr, when set, fails every Create call.
	CreateErr error
}

func (f *Factory) Create(ns platform.Namespace) (platform.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	c := NewClient(ns)
	if f.Configure != nil {
		f.Configure(c)
	}
	f.clients = append(f.clients, c)
	return c, nil
}

// Clients returns all created clients in creation order.
func (f *Factory) Clients() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.clients...)
}

// Last returns the most recently created client, or nil.
func (f *Factory) Last() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

// Count returns how many clients were created.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

var _ platform.Client = (*Client)(nil)
var _ platform.Factory = (*Factory)(nil)
