package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/semtree/dispatch"
	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/transport"
)

// Client pushes events to a remote WebSocket endpoint such as
// ws://host:8081/events. The connection is dialled on first use and
// re-dialled after a failed write.
type Client struct {
	url          string
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

var _ dispatch.Client = (*Client)(nil)

// NewClient creates a client for uri without connecting.
func NewClient(uri string, writeTimeout time.Duration, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(uri)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, errors.WrapInvalid(errors.ErrDataInvalid, "Client", "NewClient",
			fmt.Sprintf("parse url %q", uri))
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultConfig().WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:          uri,
		dialer:       &websocket.Dialer{HandshakeTimeout: writeTimeout},
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "websocket-client", "url", uri),
	}, nil
}

// SendEvent writes env as one text frame.
func (c *Client) SendEvent(ctx context.Context, env dispatch.Envelope) error {
	data, err := transport.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "SendEvent", "check closed")
	}
	if c.conn == nil {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			return errors.WrapTransient(err, "Client", "SendEvent", fmt.Sprintf("dial %s", c.url))
		}
		c.conn = conn
		go c.discardReads(conn)
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = c.conn.Close()
		c.conn = nil
		return errors.WrapTransient(err, "Client", "SendEvent", fmt.Sprintf("write to %s", c.url))
	}
	return nil
}

// discardReads keeps control frames flowing until the connection closes.
func (c *Client) discardReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Register installs the ws and wss client constructors on reg and, when srv
// is non-nil, registers srv for connected-client delivery.
func Register(reg *transport.Registry, srv *Server, cfg Config, logger *slog.Logger) error {
	if srv != nil {
		reg.RegisterServer(Scheme, srv)
	}
	ctor := func(u *url.URL) (dispatch.Client, error) {
		return NewClient(u.String(), cfg.WriteTimeout, logger)
	}
	for _, scheme := range []string{"ws", "wss"} {
		if err := reg.RegisterClient(scheme, ctor); err != nil {
			return err
		}
	}
	return nil
}
