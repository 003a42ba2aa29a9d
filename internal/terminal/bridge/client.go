// Package bridge talks to a MetaTrader 5 terminal through the local HTTP bridge
// expert advisor. The bridge exposes the terminal's query functions as JSON
// endpoints; this client maps them onto terminal.Source.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/terminal"
)

const defaultTimeout = 30 * time.Second

// Config controls the bridge client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements terminal.Source over the bridge HTTP API.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *zap.Logger

	mu        sync.Mutex
	connected bool
}

type terminalInfo struct {
	Connected bool   `json:"connected"`
	Build     int    `json:"build"`
	Company   string `json:"company"`
	LastError string `json:"last_error"`
}

// New validates cfg and builds a Client. No request is made until Connect.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("terminal bridge base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("bridge url scheme must be http or https, got %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Connect makes sure the terminal is attached, re-initializing it when the
// bridge reports no active terminal. Concurrent calls are serialized.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var info terminalInfo
	if _, err := c.getJSON(ctx, "/terminal", nil, &info); err != nil {
		c.connected = false
		return err
	}
	if info.Connected {
		c.connected = true
		return nil
	}
	c.logger.Warn("no active terminal connection, trying to re-initialize")
	if err := c.post(ctx, "/terminal/initialize", &info); err != nil {
		c.connected = false
		return err
	}
	if !info.Connected {
		c.connected = false
		return fmt.Errorf("%w: initialize failed: %s", terminal.ErrUnavailable, info.LastError)
	}
	c.connected = true
	c.logger.Info("terminal initialized", zap.Int("build", info.Build), zap.String("company", info.Company))
	return nil
}

// Disconnect shuts the terminal link down. It is a no-op when not connected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	if err := c.post(ctx, "/terminal/shutdown", nil); err != nil {
		return err
	}
	c.logger.Info("disconnected from terminal")
	return nil
}

// AccountInfo returns the logged-in account.
func (c *Client) AccountInfo(ctx context.Context) (terminal.Account, error) {
	var fields map[string]any
	found, err := c.getJSON(ctx, "/account", nil, &fields)
	if err != nil {
		return terminal.Account{}, err
	}
	if !found || fields == nil {
		return terminal.Account{}, fmt.Errorf("%w: could not retrieve account info", terminal.ErrUnavailable)
	}
	login, err := loginOf(fields["login"])
	if err != nil {
		return terminal.Account{}, fmt.Errorf("%w: %v", terminal.ErrUnavailable, err)
	}
	return terminal.Account{Login: login, Fields: fields}, nil
}

// Symbols lists every symbol known to the terminal.
func (c *Client) Symbols(ctx context.Context) ([]terminal.Symbol, error) {
	var symbols []terminal.Symbol
	found, err := c.getJSON(ctx, "/symbols", nil, &symbols)
	if err != nil {
		return nil, err
	}
	if !found || symbols == nil {
		return []terminal.Symbol{}, nil
	}
	return symbols, nil
}

// Rates returns up to count most recent bars of symbol. An unknown symbol is
// reported by the bridge as 404 and treated as an empty result.
func (c *Client) Rates(
	ctx context.Context,
	symbol string,
	timeframe terminal.Timeframe,
	count int,
) ([]terminal.Bar, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("timeframe", string(timeframe))
	query.Set("count", strconv.Itoa(count))
	var bars []terminal.Bar
	found, err := c.getJSON(ctx, "/rates", query, &bars)
	if err != nil {
		return nil, err
	}
	if !found || bars == nil {
		return []terminal.Bar{}, nil
	}
	return bars, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// getJSON decodes the response into out. It reports found=false on 404 and
// wraps transport failures and 5xx answers in terminal.ErrUnavailable.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return false, fmt.Errorf("build request %s: %w", path, err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), bytes.NewReader(nil))
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	_, err = c.do(req, out)
	return err
}

func (c *Client) do(req *http.Request, out any) (bool, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %s %s: %v", terminal.ErrUnavailable, req.Method, req.URL.Path, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close bridge response body", zap.Error(cerr))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("%w: %s %s: status %d: %s",
			terminal.ErrUnavailable, req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode >= 300:
		return false, fmt.Errorf("bridge %s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return true, nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, fmt.Errorf("decode bridge %s: %w", req.URL.Path, err)
	}
	return true, nil
}

func loginOf(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		login, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("account login %q: %w", n, err)
		}
		return login, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("account descriptor has no login")
	}
}
