package natspush

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c360/semtree/dispatch"
	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/transport"
)

// Scheme is the callback scheme served by this adapter.
const Scheme = "nats"

// DefaultSubjectPrefix is prepended to every derived subject.
const DefaultSubjectPrefix = "semtree.events"

// Config holds configuration for NATS delivery
type Config struct {
	Enabled       bool     `json:"enabled"        yaml:"enabled"        mapstructure:"enabled"`
	URLs          []string `json:"urls"           yaml:"urls"           mapstructure:"urls"`
	SubjectPrefix string   `json:"subject_prefix" yaml:"subject_prefix" mapstructure:"subject_prefix"`

	// Connection settings passed to natsclient
	Username       string        `json:"username,omitempty" yaml:"username,omitempty" mapstructure:"username"`
	Password       string        `json:"password,omitempty" yaml:"password,omitempty" mapstructure:"password"`
	Token          string        `json:"token,omitempty"    yaml:"token,omitempty"    mapstructure:"token"`
	MaxReconnects  int           `json:"max_reconnects"     yaml:"max_reconnects"     mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `json:"reconnect_wait"     yaml:"reconnect_wait"     mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `json:"connect_timeout"    yaml:"connect_timeout"    mapstructure:"connect_timeout"`
}

// DefaultConfig returns default configuration for NATS delivery
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		URLs:           []string{"nats://localhost:4222"},
		SubjectPrefix:  DefaultSubjectPrefix,
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.URLs) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "urls are required when enabled")
	}
	if c.SubjectPrefix != "" && !validSubject(c.SubjectPrefix) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("subject_prefix %q is not a valid subject", c.SubjectPrefix))
	}
	if (c.Username == "") != (c.Password == "") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"username and password must be set together")
	}
	if c.ReconnectWait < 0 || c.ConnectTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"reconnect_wait and connect_timeout cannot be negative")
	}
	return nil
}

// Publisher is the part of natsclient.Client the adapter needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Client publishes envelopes for one callback to its derived subject. The
// connection belongs to the Publisher, so Close only stops this client.
type Client struct {
	subject   string
	publisher Publisher
	logger    *slog.Logger

	closed    atomic.Bool
	published atomic.Int64
	failed    atomic.Int64
}

var _ dispatch.Client = (*Client)(nil)

// NewClient creates a client for uri. The subject is the prefix followed by
// the URI path segments joined with dots, so nats:///alarms/temp publishes to
// "<prefix>.alarms.temp". Any host in the URI is ignored.
func NewClient(uri string, pub Publisher, prefix string, logger *slog.Logger) (*Client, error) {
	if pub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "publisher is required")
	}
	u, err := url.Parse(uri)
	if err != nil || !strings.EqualFold(u.Scheme, Scheme) {
		return nil, errors.WrapInvalid(errors.ErrDataInvalid, "Client", "NewClient",
			fmt.Sprintf("parse url %q", uri))
	}

	subject, err := SubjectFor(u, prefix)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		subject:   subject,
		publisher: pub,
		logger:    logger.With("component", "natspush", "subject", subject),
	}, nil
}

// SubjectFor derives the publish subject for a nats callback.
func SubjectFor(u *url.URL, prefix string) (string, error) {
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return "", errors.WrapInvalid(errors.ErrDataInvalid, "natspush", "SubjectFor",
			fmt.Sprintf("derive subject from %q", u.String()))
	}

	parts := strings.Split(path, "/")
	if prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	subject := strings.Join(parts, ".")
	if !validSubject(subject) {
		return "", errors.WrapInvalid(errors.ErrDataInvalid, "natspush", "SubjectFor",
			fmt.Sprintf("subject %q is not publishable", subject))
	}
	return subject, nil
}

// validSubject rejects empty tokens, whitespace and wildcards.
func validSubject(subject string) bool {
	for _, token := range strings.Split(subject, ".") {
		if token == "" || token == "*" || token == ">" {
			return false
		}
		if strings.ContainsAny(token, " \t\r\n") {
			return false
		}
	}
	return true
}

// Subject returns the subject this client publishes to.
func (c *Client) Subject() string {
	return c.subject
}

// SendEvent publishes the encoded envelope.
func (c *Client) SendEvent(ctx context.Context, env dispatch.Envelope) error {
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "SendEvent", "check closed")
	}
	data, err := transport.Encode(env)
	if err != nil {
		c.failed.Add(1)
		return err
	}
	if err := c.publisher.Publish(ctx, c.subject, data); err != nil {
		c.failed.Add(1)
		return errors.WrapTransient(err, "Client", "SendEvent", "publish to "+c.subject)
	}
	c.published.Add(1)
	c.logger.Debug("Event published", "eventno", env.Data.EventNo)
	return nil
}

// Close stops the client from publishing.
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

// Stats is a snapshot of client counters.
type Stats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

// Stats returns the client counters.
func (c *Client) Stats() Stats {
	return Stats{Published: c.published.Load(), Failed: c.failed.Load()}
}

// Register installs the nats client constructor on reg. Every client shares pub.
func Register(reg *transport.Registry, pub Publisher, cfg Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if pub == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "natspush", "Register", "publisher is required")
	}
	return reg.RegisterClient(Scheme, func(u *url.URL) (dispatch.Client, error) {
		return NewClient(u.String(), pub, cfg.SubjectPrefix, logger)
	})
}
