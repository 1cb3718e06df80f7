// Package channels talks to the Dispatcharr channel API.
package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"eventorder/internal/metrics"
	"eventorder/internal/ordering"
	logx "eventorder/pkg/logx"
)

// Config configures the client. Token takes precedence over
// Username/Password.
type Config struct {
	BaseURL    string
	Token      string
	Username   string
	Password   string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	UserAgent  string
}

// DeadStreamFilter drops streams known to be dead before an update. It is
// bypassed when UpdateOptions.AllowDeadStreams is set.
type DeadStreamFilter func(ctx context.Context, channelID int64, ids []int64) ([]int64, error)

type Client struct {
	base    string
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	filter  DeadStreamFilter

	mu     sync.Mutex
	access string
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("dispatcharr base_url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RatePerSec) + 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "eventorder"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:    base,
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:     log.With(logx.String("comp", "dispatcharr")),
		access:  strings.TrimSpace(cfg.Token),
	}, nil
}

// WithDeadStreamFilter installs a liveness filter for updates that do not
// opt out of it.
func (c *Client) WithDeadStreamFilter(f DeadStreamFilter) *Client {
	c.filter = f
	return c
}

type apiStream struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ListStreams returns the channel's streams in their current order.
func (c *Client) ListStreams(ctx context.Context, channelID int64) ([]ordering.Stream, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "list_streams", http.MethodGet, channelPath(channelID)+"streams/", nil, &raw); err != nil {
		return nil, err
	}
	items, err := decodeStreams(raw)
	if err != nil {
		return nil, &UpstreamError{Sentinel: ErrBadResponse, Operation: "list_streams", Err: err}
	}
	out := make([]ordering.Stream, 0, len(items))
	for _, s := range items {
		out = append(out, ordering.Stream{ID: s.ID, Name: s.Name, ChannelID: channelID, URL: s.URL})
	}
	return out, nil
}

// decodeStreams accepts a bare list or a paginated {"results": [...]}.
func decodeStreams(raw json.RawMessage) ([]apiStream, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var items []apiStream
	if trimmed[0] == '[' {
		err := json.Unmarshal(trimmed, &items)
		return items, err
	}
	var page struct {
		Results []apiStream `json:"results"`
	}
	err := json.Unmarshal(trimmed, &page)
	return page.Results, err
}

type apiChannel struct {
	ID      int64   `json:"id"`
	Name    string  `json:"name"`
	Streams []int64 `json:"streams"`
}

// ChannelName returns the display name of a channel.
func (c *Client) ChannelName(ctx context.Context, channelID int64) (string, error) {
	var ch apiChannel
	if err := c.do(ctx, "get_channel", http.MethodGet, channelPath(channelID), nil, &ch); err != nil {
		return "", err
	}
	return ch.Name, nil
}

// ReorderChannel replaces the channel's stream list with ids in one PATCH,
// so it sets membership and order together.
func (c *Client) ReorderChannel(ctx context.Context, channelID int64, ids []int64, opts ordering.UpdateOptions) error {
	return c.setStreams(ctx, "reorder", channelID, ids, opts)
}

func (c *Client) setStreams(ctx context.Context, op string, channelID int64, ids []int64, opts ordering.UpdateOptions) error {
	if c.filter != nil && !opts.AllowDeadStreams {
		filtered, err := c.filter(ctx, channelID, ids)
		if err != nil {
			return fmt.Errorf("dead stream filter: %w", err)
		}
		ids = filtered
	}
	if ids == nil {
		ids = []int64{}
	}
	body := map[string]any{"streams": ids}
	return c.do(ctx, op, http.MethodPatch, channelPath(channelID), body, nil)
}

func channelPath(id int64) string {
	return "/api/channels/channels/" + strconv.FormatInt(id, 10) + "/"
}

// do issues one request. A 401 triggers a single re-login when credentials
// are configured.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	start := time.Now()
	err := c.doOnce(ctx, op, method, path, in, out, true)
	result := "ok"
	if err != nil {
		result = kind(err)
	}
	metrics.ObserveUpstream(op, result, time.Since(start))
	return err
}

func (c *Client) doOnce(ctx context.Context, op, method, path string, in, out any, retryAuth bool) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return classifyTransport(op, err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && retryAuth && c.canLogin() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		c.mu.Lock()
		if c.access == token {
			c.access = ""
		}
		c.mu.Unlock()
		c.log.Debug("token rejected; logging in again", logx.String("op", op))
		return c.doOnce(ctx, op, method, path, in, out, false)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classifyStatus(op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(out); err != nil {
		return &UpstreamError{Sentinel: ErrBadResponse, Operation: op, Status: resp.StatusCode, Err: err}
	}
	return nil
}

func (c *Client) canLogin() bool {
	return c.cfg.Username != "" && c.cfg.Password != ""
}

// token returns the cached access token, logging in when needed.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.access
	c.mu.Unlock()
	if tok != "" || !c.canLogin() {
		return tok, nil
	}

	b, _ := json.Marshal(map[string]string{"username": c.cfg.Username, "password": c.cfg.Password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/accounts/token/", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", classifyTransport("login", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", classifyStatus("login", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out struct {
		Access string `json:"access"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Access == "" {
		return "", &UpstreamError{Sentinel: ErrBadResponse, Operation: "login", Status: resp.StatusCode, Err: err}
	}

	c.mu.Lock()
	c.access = out.Access
	c.mu.Unlock()
	c.log.Info("logged in to dispatcharr")
	return out.Access, nil
}
