package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360/semtree/element"
	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/event"
	"github.com/c360/semtree/pkg/cache"
)

// Strategy is one way of delivering an envelope. Deliver reports whether the
// strategy applies to sub at all; when it does not, the next strategy is tried.
type Strategy interface {
	Name() string
	Deliver(ctx context.Context, sub event.Subscription, env Envelope) (applied bool, err error)
}

// Resolver finds elements by address.
type Resolver interface {
	Resolve(ctx context.Context, path string) (element.Element, error)
}

// Client pushes envelopes to one remote callback URI.
type Client interface {
	SendEvent(ctx context.Context, env Envelope) error
	Close() error
}

// ClientFactory creates clients for a callback URI. It returns an error
// wrapping errors.ErrNotSupported for schemes it does not handle.
type ClientFactory interface {
	CreateClient(uri string) (Client, error)
}

// Server is a transport that keeps client connections open.
type Server interface {
	IsClientConnected(id string) bool
	SendEvent(ctx context.Context, clientID string, env Envelope) error
}

// ServerLookup finds the servers accepting connections for a scheme.
type ServerLookup interface {
	FindServersByScheme(scheme string) []Server
}

// ConnectedClientStrategy pushes through a server holding an open connection
// to the client named by the callback's clientid parameter.
type ConnectedClientStrategy struct {
	Lookup ServerLookup
}

// Name implements Strategy.
func (s *ConnectedClientStrategy) Name() string { return "connected_client" }

// Deliver implements Strategy.
func (s *ConnectedClientStrategy) Deliver(ctx context.Context, sub event.Subscription, env Envelope) (bool, error) {
	if s.Lookup == nil {
		return false, nil
	}
	u, err := event.ParseCallback(sub.Callback)
	if err != nil || u.Scheme == "" || u.Host != "" {
		return false, nil
	}
	clientID := u.Query().Get(event.ClientIDParam)
	if clientID == "" {
		return false, nil
	}

	for _, srv := range s.Lookup.FindServersByScheme(u.Scheme) {
		if srv.IsClientConnected(clientID) {
			return true, srv.SendEvent(ctx, clientID, env)
		}
	}
	return false, nil
}

// RemotePushStrategy sends to callbacks with an authority through clients
// from Factory. Clients are cached per URI and closed on eviction.
type RemotePushStrategy struct {
	factory ClientFactory
	clients cache.Cache[Client]
	logger  *slog.Logger
}

// NewRemotePushStrategy caches up to cacheSize clients.
func NewRemotePushStrategy(factory ClientFactory, cacheSize int, logger *slog.Logger) (*RemotePushStrategy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RemotePushStrategy{factory: factory, logger: logger}

	clients, err := cache.NewLRU[Client](cacheSize, cache.WithEvictionCallback(func(uri string, c Client) {
		if err := c.Close(); err != nil {
			s.logger.Warn("closing evicted client failed", "uri", uri, "error", err)
		}
	}))
	if err != nil {
		return nil, errors.Wrap(err, "RemotePushStrategy", "New", "create client cache")
	}
	s.clients = clients
	return s, nil
}

// Name implements Strategy.
func (s *RemotePushStrategy) Name() string { return "remote_push" }

// Deliver implements Strategy.
func (s *RemotePushStrategy) Deliver(ctx context.Context, sub event.Subscription, env Envelope) (bool, error) {
	u, err := event.ParseCallback(sub.Callback)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false, nil
	}

	client, ok := s.clients.Get(sub.Callback)
	if !ok {
		client, err = s.factory.CreateClient(sub.Callback)
		if stderrors.Is(err, errors.ErrNotSupported) {
			return false, nil
		}
		if err != nil {
			return true, errors.Wrap(err, "RemotePushStrategy", "Deliver", "create client")
		}
		if _, err := s.clients.Set(sub.Callback, client); err != nil {
			return true, errors.Wrap(err, "RemotePushStrategy", "Deliver", "cache client")
		}
	}

	if err := client.SendEvent(ctx, env); err != nil {
		// drop the client so the next event reconnects
		_, _ = s.clients.Delete(sub.Callback)
		return true, err
	}
	return true, nil
}

// CachedClients returns the number of open clients.
func (s *RemotePushStrategy) CachedClients() int {
	return s.clients.Size()
}

// Close closes every cached client.
func (s *RemotePushStrategy) Close() error {
	return s.clients.Close()
}

// LocalInvokeStrategy calls an in-process Invocable element addressed by the
// callback.
type LocalInvokeStrategy struct {
	Resolver Resolver
}

// Name implements Strategy.
func (s *LocalInvokeStrategy) Name() string { return "local_invoke" }

// Deliver implements Strategy.
func (s *LocalInvokeStrategy) Deliver(ctx context.Context, sub event.Subscription, env Envelope) (bool, error) {
	if s.Resolver == nil || !element.ValidAddress(sub.Callback) {
		return false, nil
	}
	el, err := s.Resolver.Resolve(ctx, sub.Callback)
	if err != nil {
		return false, nil
	}
	inv, ok := el.(element.Invocable)
	if !ok {
		return false, nil
	}
	if _, err := inv.Invoke(ctx, env); err != nil {
		return true, fmt.Errorf("invoke %s: %w", strings.TrimPrefix(el.Address(), "/"), err)
	}
	return true, nil
}
