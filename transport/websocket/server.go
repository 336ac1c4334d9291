package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semtree/dispatch"
	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/event"
	"github.com/c360/semtree/metric"
	"github.com/c360/semtree/pkg/buffer"
	"github.com/c360/semtree/transport"
)

// Scheme is the callback scheme served by this package.
const Scheme = "ws"

// Config holds configuration for the WebSocket transport
type Config struct {
	Enabled      bool          `json:"enabled"       yaml:"enabled"       mapstructure:"enabled"`
	Port         int           `json:"port"          yaml:"port"          mapstructure:"port"`
	Path         string        `json:"path"          yaml:"path"          mapstructure:"path"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	ClientBuffer int           `json:"client_buffer" yaml:"client_buffer" mapstructure:"client_buffer"`
}

// DefaultConfig returns the default configuration for the WebSocket transport
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Port:         8081,
		Path:         "/ws",
		WriteTimeout: 10 * time.Second,
		ClientBuffer: 256,
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("invalid port %d", c.Port))
	}
	if c.Path == "" || c.Path[0] != '/' {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "path must start with /")
	}
	if c.ClientBuffer < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "client_buffer must be positive")
	}
	if c.WriteTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "write_timeout must be positive")
	}
	return nil
}

// Welcome is the first message a client receives. It carries the client id
// to use in ws://?clientid=<id> callbacks.
type Welcome struct {
	Type     string `json:"type"`
	ClientID string `json:"clientid"`
}

// Server accepts WebSocket clients and pushes events to them. Every client
// has a bounded outbox drained by its own writer goroutine, so a slow
// client loses its oldest events instead of stalling the dispatcher.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	clients   map[string]*clientInfo
	clientsMu sync.RWMutex

	// Lifecycle management
	lifecycleMu sync.Mutex
	running     bool
	server      *http.Server
	listener    net.Listener
	shutdown    chan struct{}
	wg          sync.WaitGroup

	sent    atomic.Int64
	dropped atomic.Int64
	errors  atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metrics         *Metrics
}

var _ dispatch.Server = (*Server)(nil)

// clientInfo holds information about a connected WebSocket client
type clientInfo struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time
	outbox      buffer.Buffer[[]byte]
	lastPong    atomic.Value // stores time.Time
	closed      atomic.Bool
	closeOnce   sync.Once
	writeMutex  sync.Mutex // gorilla/websocket panics on concurrent writes
}

// Metrics holds Prometheus metrics for the server
type Metrics struct {
	clientsConnected   prometheus.Gauge
	connectionTotal    prometheus.Counter
	disconnectionTotal prometheus.Counter
	messagesSent       prometheus.Counter
	bytesSent          prometheus.Counter
	messagesDropped    prometheus.Counter
	errorsTotal        *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "semtree",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),
		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semtree",
			Subsystem: "websocket",
			Name:      "client_connections_total",
			Help:      "Total client connections (including disconnected)",
		}),
		disconnectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semtree",
			Subsystem: "websocket",
			Name:      "client_disconnections_total",
			Help:      "Total client disconnections",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semtree",
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Total events written to clients",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semtree",
			Subsystem: "websocket",
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to clients",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semtree",
			Subsystem: "websocket",
			Name:      "messages_dropped_total",
			Help:      "Events dropped from full client outboxes",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semtree",
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "WebSocket server errors",
		}, []string{"error_type"}),
	}

	const component = "websocket"
	for _, err := range []error{
		registry.RegisterGauge(component, "clients_connected", m.clientsConnected),
		registry.RegisterCounter(component, "client_connections_total", m.connectionTotal),
		registry.RegisterCounter(component, "client_disconnections_total", m.disconnectionTotal),
		registry.RegisterCounter(component, "messages_sent_total", m.messagesSent),
		registry.RegisterCounter(component, "bytes_sent_total", m.bytesSent),
		registry.RegisterCounter(component, "messages_dropped_total", m.messagesDropped),
		registry.RegisterCounterVec(component, "errors_total", m.errorsTotal),
	} {
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsRegistry exports server metrics.
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(s *Server) { s.metricsRegistry = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a stopped server.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: make(map[string]*clientInfo),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "websocket")

	m, err := newMetrics(s.metricsRegistry)
	if err != nil {
		return nil, errors.Wrap(err, "Server", "NewServer", "register metrics")
	}
	s.metrics = m
	return s, nil
}

// Handler returns the HTTP handler that upgrades connections on the
// configured path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	return mux
}

// Start listens on the configured port and serves until Stop or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "check running state")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Server", "Start", "context already cancelled or timed out")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return errors.WrapTransient(err, "Server", "Start", fmt.Sprintf("listen on port %d", s.cfg.Port))
	}

	s.listener = ln
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.shutdown = make(chan struct{})
	s.running = true

	s.wg.Add(2)
	go s.runServer()
	go s.maintainClients(ctx)

	s.logger.Info("websocket server listening", "address", ln.Addr().String(), "path", s.cfg.Path)
	return nil
}

func (s *Server) runServer() {
	defer s.wg.Done()
	if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		s.errors.Add(1)
		s.logger.Error("websocket server failed", "error", err)
	}
}

// Address returns the listening address, empty when stopped.
func (s *Server) Address() string {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		s.closeAllClients()
		return nil
	}
	s.running = false
	close(s.shutdown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.server.Shutdown(shutdownCtx)

	// hijacked connections are not closed by Shutdown
	s.closeAllClients()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("websocket goroutines did not exit within timeout")
	}

	s.server = nil
	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown http server")
	}
	return nil
}

// IsClientConnected implements dispatch.Server.
func (s *Server) IsClientConnected(id string) bool {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	info, ok := s.clients[id]
	return ok && !info.closed.Load()
}

// SendEvent implements dispatch.Server. It queues env on the client's
// outbox and returns without waiting for the write.
func (s *Server) SendEvent(_ context.Context, clientID string, env dispatch.Envelope) error {
	s.clientsMu.RLock()
	info, ok := s.clients[clientID]
	s.clientsMu.RUnlock()
	if !ok || info.closed.Load() {
		return errors.WrapInvalid(errors.ErrNotFound, "Server", "SendEvent",
			fmt.Sprintf("find client %q", clientID))
	}

	data, err := transport.Encode(env)
	if err != nil {
		return err
	}
	if err := info.outbox.Write(data); err != nil {
		return errors.WrapTransient(errors.ErrConnectionLost, "Server", "SendEvent",
			fmt.Sprintf("queue for client %q", clientID))
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Stats is a snapshot of server counters.
type Stats struct {
	Clients int   `json:"clients"`
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Errors  int64 `json:"errors"`
}

// Stats returns the server counters.
func (s *Server) Stats() Stats {
	return Stats{
		Clients: s.ClientCount(),
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
		Errors:  s.errors.Load(),
	}
}

// handleWebSocket handles new WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(event.ClientIDParam)
	if id == "" {
		id = uuid.NewString()
	}
	if s.IsClientConnected(id) {
		http.Error(w, fmt.Sprintf("client %q already connected", id), http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.countError("connection_upgrade")
		return
	}

	info := &clientInfo{
		id:          id,
		conn:        conn,
		connectedAt: time.Now(),
	}
	info.outbox = buffer.NewCircularBuffer[[]byte](s.cfg.ClientBuffer,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
		buffer.WithDropCallback[[]byte](func([]byte) {
			s.dropped.Add(1)
			if s.metrics != nil {
				s.metrics.messagesDropped.Inc()
			}
		}),
	)
	info.lastPong.Store(time.Now())

	s.clientsMu.Lock()
	if existing, taken := s.clients[id]; taken && !existing.closed.Load() {
		s.clientsMu.Unlock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "client id in use"))
		_ = conn.Close()
		return
	}
	s.clients[id] = info
	count := len(s.clients)
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.connectionTotal.Inc()
		s.metrics.clientsConnected.Set(float64(count))
	}

	welcome, _ := json.Marshal(Welcome{Type: "welcome", ClientID: id})
	if err := s.write(info, welcome); err != nil {
		s.removeClient(info)
		return
	}
	s.logger.Debug("client connected", "client", id, "remote", r.RemoteAddr)

	s.wg.Add(2)
	go s.writeLoop(info)
	go s.readLoop(info)
}

// readLoop consumes client frames so control messages are processed and
// closed connections are noticed.
func (s *Server) readLoop(info *clientInfo) {
	defer s.wg.Done()
	defer s.removeClient(info)

	info.conn.SetPongHandler(func(string) error {
		info.lastPong.Store(time.Now())
		return nil
	})

	for {
		_ = info.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if _, _, err := info.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(info *clientInfo) {
	defer s.wg.Done()

	for range info.outbox.Ready() {
		for _, data := range info.outbox.ReadBatch(64) {
			if err := s.write(info, data); err != nil {
				s.countError("write")
				s.removeClient(info)
				return
			}
			s.sent.Add(1)
			if s.metrics != nil {
				s.metrics.messagesSent.Inc()
				s.metrics.bytesSent.Add(float64(len(data)))
			}
		}
	}
}

func (s *Server) write(info *clientInfo, data []byte) error {
	info.writeMutex.Lock()
	defer info.writeMutex.Unlock()
	_ = info.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return info.conn.WriteMessage(websocket.TextMessage, data)
}

// removeClient safely removes a client connection once
func (s *Server) removeClient(info *clientInfo) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)

		s.clientsMu.Lock()
		if s.clients[info.id] == info {
			delete(s.clients, info.id)
		}
		count := len(s.clients)
		s.clientsMu.Unlock()

		_ = info.outbox.Close()
		_ = info.conn.Close()

		if s.metrics != nil {
			s.metrics.disconnectionTotal.Inc()
			s.metrics.clientsConnected.Set(float64(count))
		}
		s.logger.Debug("client disconnected", "client", info.id)
	})
}

func (s *Server) closeAllClients() {
	s.clientsMu.RLock()
	clients := make([]*clientInfo, 0, len(s.clients))
	for _, info := range s.clients {
		clients = append(clients, info)
	}
	s.clientsMu.RUnlock()

	for _, info := range clients {
		s.removeClient(info)
	}
}

// maintainClients pings clients periodically
func (s *Server) maintainClients(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.pingClients()
		}
	}
}

func (s *Server) pingClients() {
	s.clientsMu.RLock()
	clients := make([]*clientInfo, 0, len(s.clients))
	for _, info := range s.clients {
		if !info.closed.Load() {
			clients = append(clients, info)
		}
	}
	s.clientsMu.RUnlock()

	for _, info := range clients {
		info.writeMutex.Lock()
		err := info.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
		info.writeMutex.Unlock()
		if err != nil {
			s.countError("ping")
			s.removeClient(info)
		}
	}
}

func (s *Server) countError(kind string) {
	s.errors.Add(1)
	if s.metrics != nil {
		s.metrics.errorsTotal.WithLabelValues(kind).Inc()
	}
}
