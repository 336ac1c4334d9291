// Package transport routes event callbacks to the adapters that can deliver
// them. Registry implements both dispatch.ClientFactory and
// dispatch.ServerLookup: push adapters register a client constructor per URI
// scheme and connection-holding servers register themselves per scheme.
package transport

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/c360/semtree/dispatch"
	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/event"
)

// ClientConstructor creates a client for one parsed callback URI.
type ClientConstructor func(uri *url.URL) (dispatch.Client, error)

// Registry maps URI schemes to client constructors and servers.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]ClientConstructor
	servers map[string][]dispatch.Server
}

var (
	_ dispatch.ClientFactory = (*Registry)(nil)
	_ dispatch.ServerLookup  = (*Registry)(nil)
)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]ClientConstructor),
		servers: make(map[string][]dispatch.Server),
	}
}

// RegisterClient makes scheme deliverable through fn.
func (r *Registry) RegisterClient(scheme string, fn ClientConstructor) error {
	scheme = strings.ToLower(scheme)
	if scheme == "" || fn == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterClient", "scheme and constructor are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[scheme]; exists {
		return errors.WrapInvalid(errors.ErrAlreadyExists, "Registry", "RegisterClient",
			fmt.Sprintf("register scheme %q", scheme))
	}
	r.clients[scheme] = fn
	return nil
}

// RegisterServer adds srv to the servers consulted for scheme.
func (r *Registry) RegisterServer(scheme string, srv dispatch.Server) {
	scheme = strings.ToLower(scheme)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[scheme] = append(r.servers[scheme], srv)
}

// CreateClient implements dispatch.ClientFactory.
func (r *Registry) CreateClient(uri string) (dispatch.Client, error) {
	u, err := event.ParseCallback(uri)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrDataInvalid, err),
			"Registry", "CreateClient", "parse callback")
	}

	r.mu.RLock()
	fn, ok := r.clients[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrNotSupported, "Registry", "CreateClient",
			fmt.Sprintf("find client for scheme %q", u.Scheme))
	}
	return fn(u)
}

// FindServersByScheme implements dispatch.ServerLookup.
func (r *Registry) FindServersByScheme(scheme string) []dispatch.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	servers := r.servers[strings.ToLower(scheme)]
	if len(servers) == 0 {
		return nil
	}
	return append([]dispatch.Server(nil), servers...)
}

// Schemes lists the schemes with a registered client constructor.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.clients))
	for s := range r.clients {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Encode renders an envelope as the JSON document every adapter sends.
func Encode(env dispatch.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInternal, err),
			"transport", "Encode", "marshal envelope")
	}
	return data, nil
}
