package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

var statusNames = [...]string{
	StatusDisconnected: "disconnected",
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusReconnecting: "reconnecting",
	StatusCircuitOpen:  "circuit_open",
}

func (s ConnectionStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

var (
	// ErrNotConnected is returned by operations issued before Connect succeeded.
	ErrNotConnected = stderrors.New("not connected to NATS")
	// ErrCircuitOpen is returned while the circuit breaker is backing off.
	ErrCircuitOpen = errors.ErrCircuitOpen
)

// Stats is a snapshot of the client's connection bookkeeping.
type Stats struct {
	Status      ConnectionStatus
	Failures    int32
	Reconnects  int32
	Backoff     time.Duration
	LastFailure time.Time
}

// Client wraps a NATS connection with a circuit breaker and JetStream KV
// helpers. It backs the nats push transport and the subscription recorder.
type Client struct {
	url     string
	name    string
	logger  *slog.Logger
	metrics *metric.Metrics
	breaker *breaker

	username, password, token string

	maxReconnects  int
	reconnectWait  time.Duration
	connectTimeout time.Duration
	drainTimeout   time.Duration

	state      atomic.Int32
	reconnects atomic.Int32
	closed     atomic.Bool

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription
}

// NewClient creates a client for url, a comma separated server list. It does
// not connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:            url,
		logger:         slog.Default(),
		breaker:        newBreaker(5, time.Minute),
		maxReconnects:  -1,
		reconnectWait:  2 * time.Second,
		connectTimeout: 5 * time.Second,
		drainTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient")
	return c, nil
}

// URL returns the server list the client dials
func (m *Client) URL() string { return m.url }

// Status returns the current connection status. An open circuit overrides
// the connection state.
func (m *Client) Status() ConnectionStatus {
	if m.breaker.isOpen() {
		return StatusCircuitOpen
	}
	return ConnectionStatus(m.state.Load())
}

// IsHealthy reports whether the client is connected
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Stats returns failure and reconnect counters
func (m *Client) Stats() Stats {
	failures, backoff, last := m.breaker.snapshot()
	return Stats{
		Status:      m.Status(),
		Failures:    failures,
		Reconnects:  m.reconnects.Load(),
		Backoff:     backoff,
		LastFailure: last,
	}
}

func (m *Client) setState(s ConnectionStatus) {
	m.state.Store(int32(s))
	if m.metrics != nil {
		m.metrics.RecordNATSStatus(s == StatusConnected && !m.breaker.isOpen())
	}
}

// fail feeds the breaker and schedules the half-open transition when the
// circuit trips.
func (m *Client) fail() {
	tripped, wait := m.breaker.fail()
	if !tripped {
		return
	}
	if m.metrics != nil {
		m.metrics.RecordNATSStatus(false)
	}
	m.logger.Warn("Circuit breaker opened", "backoff", wait)
	time.AfterFunc(wait, func() {
		if m.breaker.halfOpen() {
			m.logger.Debug("Circuit breaker half-open")
		}
	})
}

// WaitForConnection blocks until the client is connected or ctx is done.
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for !m.IsHealthy() {
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
		}
	}
	return nil
}

func (m *Client) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.Timeout(m.connectTimeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m.closed.Load() {
				return
			}
			m.setState(StatusReconnecting)
			m.logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			m.reconnects.Add(1)
			if m.metrics != nil {
				m.metrics.RecordNATSReconnect()
			}
			m.breaker.reset()
			m.setState(StatusConnected)
			m.logger.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			m.setState(StatusDisconnected)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			m.logger.Error("NATS error", "error", err)
		}),
	}
	if m.username != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}
	if m.name != "" {
		opts = append(opts, nats.Name(m.name))
	}
	return opts
}

// Connect dials the servers and sets up JetStream. A failure counts toward
// the circuit breaker; while the circuit is open Connect returns
// ErrCircuitOpen without dialing.
func (m *Client) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return errors.ErrShuttingDown
	}
	if m.breaker.isOpen() {
		return ErrCircuitOpen
	}

	m.setState(StatusConnecting)
	m.logger.Info("Connecting to NATS", "url", m.url)

	type result struct {
		conn *nats.Conn
		js   jetstream.JetStream
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, m.natsOptions()...)
		if err != nil {
			done <- result{err: err}
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			done <- result{err: err}
			return
		}
		done <- result{conn: conn, js: js}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		m.setState(StatusDisconnected)
		m.fail()
		if m.breaker.isOpen() {
			return ErrCircuitOpen
		}
		return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
	}

	m.mu.Lock()
	m.conn, m.js = res.conn, res.js
	m.mu.Unlock()

	m.breaker.reset()
	m.setState(StatusConnected)
	m.logger.Info("Connected to NATS", "url", m.url)
	return nil
}

// Close unsubscribes and drains the connection, bounded by the drain timeout
// or the ctx deadline, whichever is sooner. Later calls are no-ops.
func (m *Client) Close(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}

	m.mu.Lock()
	conn, subs := m.conn, m.subs
	m.conn, m.js, m.subs = nil, nil, nil
	m.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}

	if conn != nil {
		wait := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			wait = min(wait, max(time.Until(deadline), 0))
		}

		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(wait):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", wait), "Client", "Close", "drain"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain"))
		}
		conn.Close()
	}

	m.setState(StatusDisconnected)
	return stderrors.Join(errs...)
}

func (m *Client) connected() (*nats.Conn, error) {
	if m.breaker.isOpen() {
		return nil, ErrCircuitOpen
	}
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// RTT returns the round-trip time to the server
func (m *Client) RTT() (time.Duration, error) {
	conn, err := m.connected()
	if err != nil {
		return 0, err
	}
	return conn.RTT()
}

// Subscribe delivers messages on subject to handler until Close. Each call
// gets a context derived from ctx that expires after 30 seconds.
func (m *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	conn, err := m.connected()
	if err != nil {
		return err
	}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}

	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	return nil
}

// Publish sends data on subject. Publish failures count toward the circuit
// breaker.
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := m.connected()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		m.fail()
		return errors.WrapTransient(err, "Client", "Publish", "publish "+subject)
	}
	return nil
}

// JetStream returns the JetStream handle of the current connection
func (m *Client) JetStream() (jetstream.JetStream, error) {
	if _, err := m.connected(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.js == nil {
		return nil, ErrNotConnected
	}
	return m.js, nil
}

// CreateKeyValueBucket returns the bucket named by cfg, creating it if it
// does not exist yet.
func (m *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}

	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil && isAlreadyExistsError(err) {
		// lost a creation race
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
	}
	if err != nil {
		m.fail()
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", "create bucket "+cfg.Bucket)
	}

	m.logger.Info("KV bucket ready", "bucket", cfg.Bucket)
	return bucket, nil
}

// GetKeyValueBucket opens an existing bucket
func (m *Client) GetKeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}

	bucket, err := js.KeyValue(ctx, name)
	switch {
	case stderrors.Is(err, jetstream.ErrBucketNotFound):
		return nil, errors.WrapInvalid(errors.ErrBucketNotFound, "Client", "GetKeyValueBucket", "get bucket "+name)
	case err != nil:
		m.fail()
		return nil, errors.WrapTransient(err, "Client", "GetKeyValueBucket", "get bucket "+name)
	}
	return bucket, nil
}

func isAlreadyExistsError(err error) bool {
	if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}
