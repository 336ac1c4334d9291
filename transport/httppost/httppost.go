package httppost

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/c360/semtree/dispatch"
	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/pkg/retry"
	"github.com/c360/semtree/transport"
)

// Config holds configuration for HTTP POST delivery
type Config struct {
	Timeout     time.Duration     `json:"timeout"      yaml:"timeout"      mapstructure:"timeout"`
	RetryCount  int               `json:"retry_count"  yaml:"retry_count"  mapstructure:"retry_count"`
	RetryDelay  time.Duration     `json:"retry_delay"  yaml:"retry_delay"  mapstructure:"retry_delay"`
	Headers     map[string]string `json:"headers"      yaml:"headers"      mapstructure:"headers"`
	ContentType string            `json:"content_type" yaml:"content_type" mapstructure:"content_type"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Timeout < 0 || c.Timeout > 5*time.Minute {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeout must be between 0 and 5m")
	}
	if c.RetryDelay < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"retry_delay cannot be negative")
	}
	if c.RetryCount < 0 || c.RetryCount > 10 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"retry_count must be between 0 and 10")
	}
	return nil
}

// DefaultConfig returns default configuration for HTTP POST delivery
func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		RetryCount:  3,
		RetryDelay:  100 * time.Millisecond,
		Headers:     make(map[string]string),
		ContentType: "application/json",
	}
}

// Client posts envelopes to one callback URL.
type Client struct {
	url         string
	headers     map[string]string
	contentType string
	retry       retry.Config
	httpClient  *http.Client
	logger      *slog.Logger

	closed atomic.Bool

	// Metrics
	sent    atomic.Int64
	retried atomic.Int64
	failed  atomic.Int64
}

var _ dispatch.Client = (*Client)(nil)

// NewClient creates a client for uri. A nil httpClient gets one with the
// configured timeout.
func NewClient(uri string, cfg Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(uri)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.WrapInvalid(errors.ErrDataInvalid, "Client", "NewClient",
			fmt.Sprintf("parse url %q", uri))
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if logger == nil {
		logger = slog.Default()
	}

	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.RetryCount + 1
	if cfg.RetryDelay > 0 {
		rc.InitialDelay = cfg.RetryDelay
		if rc.MaxDelay < cfg.RetryDelay {
			rc.MaxDelay = cfg.RetryDelay
		}
	}

	return &Client{
		url:         uri,
		headers:     cfg.Headers,
		contentType: cfg.ContentType,
		retry:       rc,
		httpClient:  httpClient,
		logger:      logger.With("component", "httppost", "url", uri),
	}, nil
}

// SendEvent posts env, retrying transport errors and 5xx responses.
func (c *Client) SendEvent(ctx context.Context, env dispatch.Envelope) error {
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "SendEvent", "check closed")
	}
	data, err := transport.Encode(env)
	if err != nil {
		c.failed.Add(1)
		return err
	}

	err = retry.Do(ctx, c.retry, func(attempt int) error {
		if attempt > 1 {
			c.retried.Add(1)
		}
		return c.post(ctx, data)
	})
	if err != nil {
		c.failed.Add(1)
		return errors.WrapTransient(err, "Client", "SendEvent", fmt.Sprintf("post to %s", c.url))
	}
	c.sent.Add(1)
	return nil
}

// post sends a single HTTP POST request
func (c *Client) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return retry.NonRetryable(err)
	}

	req.Header.Set("Content-Type", c.contentType)
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Read and discard body to reuse connection
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	default:
		return retry.NonRetryable(fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status))
	}
}

// Close stops the client from sending.
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

// Stats is a snapshot of client counters.
type Stats struct {
	Sent    int64 `json:"sent"`
	Retried int64 `json:"retried"`
	Failed  int64 `json:"failed"`
}

// Stats returns the client counters.
func (c *Client) Stats() Stats {
	return Stats{Sent: c.sent.Load(), Retried: c.retried.Load(), Failed: c.failed.Load()}
}

// Register installs http and https client constructors on reg. All clients
// share one http.Client and its connection pool.
func Register(reg *transport.Registry, cfg Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	shared := &http.Client{Timeout: timeout}

	ctor := func(u *url.URL) (dispatch.Client, error) {
		return NewClient(u.String(), cfg, shared, logger)
	}
	for _, scheme := range []string{"http", "https"} {
		if err := reg.RegisterClient(scheme, ctor); err != nil {
			return err
		}
	}
	return nil
}
