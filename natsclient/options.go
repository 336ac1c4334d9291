package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/semtree/metric"
)

// ClientOption configures a Client
type ClientOption func(*Client) error

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetrics records connection state and reconnects.
func WithMetrics(metrics *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = metrics
		return nil
	}
}

// WithName sets the connection name shown by the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.name = name
		return nil
	}
}

// WithAuth sets user credentials, a token, or both. Empty values are ignored.
func WithAuth(username, password, token string) ClientOption {
	return func(c *Client) error {
		if (username == "") != (password == "") {
			return fmt.Errorf("username and password must be set together")
		}
		c.username, c.password, c.token = username, password, token
		return nil
	}
}

// WithReconnect sets how often the connection retries after a drop. A
// negative max retries forever.
func WithReconnect(max int, wait time.Duration) ClientOption {
	return func(c *Client) error {
		if wait < 0 {
			return fmt.Errorf("reconnect wait cannot be negative, got %v", wait)
		}
		c.maxReconnects = max
		if wait > 0 {
			c.reconnectWait = wait
		}
		return nil
	}
}

// WithTimeouts sets the dial timeout and the drain timeout used by Close.
// Zero keeps the default.
func WithTimeouts(connect, drain time.Duration) ClientOption {
	return func(c *Client) error {
		if connect > 0 {
			c.connectTimeout = connect
		}
		if drain > 0 {
			c.drainTimeout = drain
		}
		return nil
	}
}

// WithCircuitBreaker opens the circuit after threshold consecutive failures,
// backing off for at most maxBackoff.
func WithCircuitBreaker(threshold int32, maxBackoff time.Duration) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			return fmt.Errorf("circuit breaker threshold must be positive, got %d", threshold)
		}
		if maxBackoff < initialBackoff {
			return fmt.Errorf("max backoff must be at least %v, got %v", initialBackoff, maxBackoff)
		}
		c.breaker = newBreaker(threshold, maxBackoff)
		return nil
	}
}
