package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360/semtree/config"
	"github.com/c360/semtree/dispatch"
	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/health"
	"github.com/c360/semtree/metric"
	"github.com/c360/semtree/natsclient"
	"github.com/c360/semtree/persist"
	"github.com/c360/semtree/pkg/retry"
	"github.com/c360/semtree/registry"
	"github.com/c360/semtree/transport"
	"github.com/c360/semtree/transport/httppost"
	"github.com/c360/semtree/transport/natspush"
	"github.com/c360/semtree/transport/websocket"
)

const (
	natsConnectTimeout = 10 * time.Second
	natsConnectRetries = 4
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load the tree and deliver events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
			slog.SetDefault(logger)
			logger.Info("Starting semtree", "build_time", BuildTime, "tree_file", cfg.TreeFile)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return a.run(ctx)
		},
	}
}

// app holds the wired components of a running server.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics    *metric.MetricsRegistry
	nats       *natsclient.Client
	recorder   *persist.Recorder
	registry   *registry.Registry
	transports *transport.Registry
	ws         *websocket.Server
	dispatcher *dispatch.Dispatcher
	monitor    *health.Monitor
	httpServer *metric.Server
}

// newApp builds every component from cfg. The dispatcher and listeners are
// not started until run.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:        cfg,
		logger:     logger,
		metrics:    metric.NewMetricsRegistry(),
		transports: transport.NewRegistry(),
		monitor:    health.NewMonitor(),
	}
	defer func() {
		if err != nil {
			_ = a.shutdown()
		}
	}()

	if cfg.Transports.NATS.Enabled {
		if err := a.connectNATS(ctx); err != nil {
			return nil, err
		}
	}

	regOpts := []registry.Option{
		registry.WithLockTimeout(cfg.Registry.LockTimeout),
		registry.WithMaxSubscriptionID(cfg.Registry.MaxSubscriptionID),
		registry.WithMetrics(a.metrics.CoreMetrics()),
		registry.WithLogger(logger),
	}
	if a.recorder != nil {
		regOpts = append(regOpts, registry.WithNotifier(a.recorder))
	}
	a.registry = registry.New(regOpts...)

	if err := a.registerTransports(); err != nil {
		return nil, err
	}

	a.dispatcher, err = dispatch.New(a.registry,
		dispatch.WithClientFactory(a.transports),
		dispatch.WithServerLookup(a.transports),
		dispatch.WithClientCacheSize(cfg.Dispatcher.ClientCacheSize),
		dispatch.WithDeliveryTimeout(cfg.Dispatcher.DeliveryTimeout),
		dispatch.WithMetrics(a.metrics.CoreMetrics()),
		dispatch.WithMetricsRegistry(a.metrics),
		dispatch.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	if err := a.registry.SetEnqueuer(ctx, a.dispatcher); err != nil {
		return nil, fmt.Errorf("attach dispatcher: %w", err)
	}

	if cfg.TreeFile != "" {
		if err := a.registry.LoadFile(ctx, cfg.TreeFile, builtinHandlers(logger)); err != nil {
			return nil, fmt.Errorf("load tree file: %w", err)
		}
	}

	a.registerChecks()
	if cfg.Metrics.Enabled {
		a.httpServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, a.metrics, a.monitor.HealthFunc(appName))
	}
	return a, nil
}

func (a *app) connectNATS(ctx context.Context) error {
	nc := a.cfg.Transports.NATS
	urls := strings.Join(nc.URLs, ",")
	client, err := natsclient.NewClient(urls,
		natsclient.WithName(appName),
		natsclient.WithLogger(a.logger),
		natsclient.WithMetrics(a.metrics.CoreMetrics()),
		natsclient.WithAuth(nc.Username, nc.Password, nc.Token),
		natsclient.WithReconnect(nc.MaxReconnects, nc.ReconnectWait),
		natsclient.WithTimeouts(nc.ConnectTimeout, a.cfg.Dispatcher.ShutdownTimeout),
	)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	a.nats = client

	a.logger.Info("Connecting to NATS", "urls", urls)
	rc := errors.DefaultRetryConfig()
	rc.MaxRetries = natsConnectRetries
	if err := retry.Do(ctx, rc.ToRetryConfig(), func(int) error {
		return client.Connect(ctx)
	}); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, natsConnectTimeout)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}

	if a.cfg.Persist.Enabled {
		a.recorder, err = persist.Open(ctx, client, a.cfg.Persist.Bucket, a.logger)
		if err != nil {
			return fmt.Errorf("open subscription store: %w", err)
		}
	}
	return nil
}

func (a *app) registerTransports() error {
	t := a.cfg.Transports
	if err := httppost.Register(a.transports, t.HTTP, a.logger); err != nil {
		return fmt.Errorf("register http transport: %w", err)
	}

	if t.WebSocket.Enabled {
		srv, err := websocket.NewServer(t.WebSocket,
			websocket.WithMetricsRegistry(a.metrics),
			websocket.WithLogger(a.logger),
		)
		if err != nil {
			return fmt.Errorf("create websocket server: %w", err)
		}
		a.ws = srv
		if err := websocket.Register(a.transports, srv, t.WebSocket, a.logger); err != nil {
			return fmt.Errorf("register websocket transport: %w", err)
		}
	}

	if t.NATS.Enabled {
		if err := natspush.Register(a.transports, a.nats, t.NATS, a.logger); err != nil {
			return fmt.Errorf("register nats transport: %w", err)
		}
	}

	a.logger.Debug("transports registered", "schemes", a.transports.Schemes())
	return nil
}

func (a *app) registerChecks() {
	a.monitor.Register("dispatcher", health.DispatcherCheck("dispatcher", a.dispatcher, a.cfg.Dispatcher.MaxQueue))
	if a.nats != nil {
		a.monitor.Register("nats", health.NATSCheck("nats", a.nats))
	}
	if a.ws != nil {
		a.monitor.Register("websocket", health.WebSocketCheck("websocket", a.ws))
	}
}

// run starts delivery and the listeners, blocks until ctx is done or a
// listener fails, then shuts everything down.
func (a *app) run(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		return stderrors.Join(err, a.shutdown())
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.httpServer != nil {
		g.Go(func() error {
			a.logger.Info("metrics server listening", "address", a.httpServer.Address())
			return a.httpServer.Start(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	a.logger.Info("Shutting down")
	return stderrors.Join(err, a.shutdown())
}

func (a *app) start(ctx context.Context) error {
	if err := a.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	if a.ws != nil {
		if err := a.ws.Start(ctx); err != nil {
			return fmt.Errorf("start websocket server: %w", err)
		}
	}
	return nil
}

// shutdown stops components in reverse dependency order. Components that were
// never created are skipped.
func (a *app) shutdown() error {
	timeout := a.cfg.Dispatcher.ShutdownTimeout
	var errs []error

	if a.dispatcher != nil {
		if err := a.dispatcher.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("stop dispatcher: %w", err))
		}
	}
	if a.ws != nil {
		if err := a.ws.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("stop websocket server: %w", err))
		}
	}
	if a.httpServer != nil {
		if err := a.httpServer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}
	if a.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.nats.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close NATS: %w", err))
		}
	}
	return stderrors.Join(errs...)
}
