package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/marzan3698/omni-sub004/internal/config"
	"github.com/marzan3698/omni-sub004/internal/session"
)

// TokenEnv overrides the bearer token used by client commands.
const TokenEnv = "OMNID_TOKEN"

// apiError is the error envelope written by the daemon.
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("daemon returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// apiClient talks to a running daemon over its HTTP API.
type apiClient struct {
	base  *url.URL
	token string
	http  *http.Client
}

// clientFlags registers --server and --token on fs and returns a builder
// that resolves them against config.toml once fs is parsed.
func clientFlags(fs *flag.FlagSet) func() (*apiClient, error) {
	server := fs.String("server", "", "Daemon base URL (default from config server.listen)")
	token := fs.String("token", "", "Bearer token (default $OMNID_TOKEN or config server.token)")

	return func() (*apiClient, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		base := firstNonEmpty(*server, "http://"+cfg.Server.GetListen())
		return newAPIClient(base, firstNonEmpty(*token, os.Getenv(TokenEnv), cfg.Server.Token))
	}
}

func newAPIClient(base, token string) (*apiClient, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", base)
	}
	return &apiClient{
		base:  u,
		token: token,
		http:  &http.Client{Timeout: 90 * time.Second},
	}, nil
}

func slotPath(tenant, slot, action string) string {
	p := "/api/tenants/" + url.PathEscape(tenant) + "/slots"
	if slot != "" {
		p += "/" + url.PathEscape(slot) + "/" + action
	}
	return p
}

// do sends a JSON request and decodes the response into out. Error
// envelopes become *apiError; any other body is decoded into out so
// callers still see Result/SendResult bodies sent with a 502.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error *apiError `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			envelope.Error.Status = resp.StatusCode
			return envelope.Error
		}
		if out == nil || len(raw) == 0 {
			return &apiError{Status: resp.StatusCode}
		}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode daemon response: %w", err)
	}
	return nil
}

func (c *apiClient) ListSlots(ctx context.Context, tenant string) ([]session.SlotInfo, error) {
	var resp struct {
		Slots []session.SlotInfo `json:"slots"`
	}
	if err := c.do(ctx, http.MethodGet, slotPath(tenant, "", ""), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Slots, nil
}

func (c *apiClient) Status(ctx context.Context, tenant, slot string) (session.StatusResult, error) {
	var res session.StatusResult
	err := c.do(ctx, http.MethodGet, slotPath(tenant, slot, "status"), nil, &res)
	return res, err
}

func (c *apiClient) Connect(ctx context.Context, tenant, slot string) (session.Result, error) {
	var res session.Result
	err := c.do(ctx, http.MethodPost, slotPath(tenant, slot, "connect"), nil, &res)
	return res, err
}

func (c *apiClient) Disconnect(ctx context.Context, tenant, slot string) error {
	return c.do(ctx, http.MethodPost, slotPath(tenant, slot, "disconnect"), nil, nil)
}

func (c *apiClient) Send(ctx context.Context, tenant, slot, to, content string) (session.SendResult, error) {
	var res session.SendResult
	body := map[string]string{"to": to, "content": content}
	err := c.do(ctx, http.MethodPost, slotPath(tenant, slot, "messages"), body, &res)
	return res, err
}

// eventsURL returns the websocket URL of the tenant event stream.
func (c *apiClient) eventsURL(tenant string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/events/" + tenant
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// isAPIError reports whether err is a daemon error with the given code.
func isAPIError(err error, code string) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Code == code
}
