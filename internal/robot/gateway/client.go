// Package gateway implements robot.Session against the JSON API of a robot
// control gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/robot"
)

const errorBodyLimit = 4096

// DefaultDockTimeout bounds a dock or undock command. The gateway answers
// those only once the robot has finished moving.
const DefaultDockTimeout = 60 * time.Second

// Client talks to the gateway. Reads are retried on transport errors and 5xx
// responses; commands are sent exactly once. Every request is bounded by the
// request timeout except docking commands, which get the dock timeout.
type Client struct {
	baseURL     string
	robot       string
	timeout     time.Duration
	dockTimeout time.Duration
	reads       *retryablehttp.Client
	commands    *retryablehttp.Client
	logger      zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.reads.HTTPClient = hc
		c.commands.HTTPClient = hc
	}
}

// WithReadRetries sets how often idempotent reads are retried.
func WithReadRetries(n int) Option {
	return func(c *Client) {
		c.reads.RetryMax = n
	}
}

// WithDockTimeout bounds dock and undock commands.
func WithDockTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dockTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

var _ robot.Session = (*Client)(nil)

// New returns a gateway client for the named robot.
func New(baseURL, robotName string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid gateway url %q", baseURL)
	}
	if robotName == "" {
		return nil, errors.New("robot name is required")
	}
	// Deadlines are set per request; a client-wide Timeout would cut blocking
	// docking commands short.
	hc := &http.Client{}

	reads := retryablehttp.NewClient()
	reads.HTTPClient = hc
	reads.RetryMax = 3
	reads.RetryWaitMin = 100 * time.Millisecond
	reads.RetryWaitMax = time.Second
	reads.Logger = nil

	commands := retryablehttp.NewClient()
	commands.HTTPClient = hc
	commands.RetryMax = 0
	commands.CheckRetry = func(_ context.Context, _ *http.Response, _ error) (bool, error) {
		return false, nil
	}
	commands.Logger = nil

	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		robot:       robotName,
		timeout:     timeout,
		dockTimeout: DefaultDockTimeout,
		reads:       reads,
		commands:    commands,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	// Surface the final response instead of a generic "giving up" error.
	c.reads.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.commands.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c, nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/v1/robots/" + url.PathEscape(c.robot) + path
}

func (c *Client) get(ctx context.Context, op, path string, result any) error {
	ctx, cancel := c.bound(ctx, c.timeout)
	defer cancel()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	return c.do(c.reads, req, op, result)
}

func (c *Client) post(ctx context.Context, op, path string, body, result any) error {
	return c.postWithin(ctx, c.timeout, op, path, body, result)
}

func (c *Client) postWithin(ctx context.Context, timeout time.Duration, op, path string, body, result any) error {
	ctx, cancel := c.bound(ctx, timeout)
	defer cancel()
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(c.commands, req, op, result)
}

func (c *Client) bound(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Client) do(hc *retryablehttp.Client, req *retryablehttp.Request, op string, result any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(op, resp)
	}
	if result == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	c.logger.Trace().Str("op", op).Int("status", resp.StatusCode).Msg("gateway request complete")
	return nil
}

type errorEnvelope struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	var env errorEnvelope
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &env); err == nil && env.Error != "" {
		msg = env.Error
	}
	respErr := &robot.ResponseError{Op: op, Status: resp.Status, Message: msg}
	if resp.StatusCode == http.StatusConflict && env.Code == "resource_already_claimed" {
		return fmt.Errorf("%w: %w", robot.ErrResourceAlreadyClaimed, respErr)
	}
	return respErr
}
