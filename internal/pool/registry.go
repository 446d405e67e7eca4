package pool

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fabian4/gateway-httpclient-go/internal/config"
	"github.com/fabian4/gateway-httpclient-go/internal/logging"
	"github.com/fabian4/gateway-httpclient-go/internal/metrics"
	"github.com/fabian4/gateway-httpclient-go/internal/ratelimit"
)

// Registry is the process-wide store of named providers. A provider is
// created on first use and shared by every client that asks for the same
// name; Close tears everything down at shutdown. NoPool providers are never
// shared or stored: they keep no idle connections.
type Registry struct {
	mu     sync.Mutex
	store  map[string]Provider
	closed bool
	opts   Options
	deps   deps
}

// NewDefaultRegistry builds a registry with DefaultOptions and no metrics.
func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions(), nil, nil) }

// NewRegistry builds a registry. logger and m may be nil.
func NewRegistry(opts Options, logger *logrus.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		store: make(map[string]Provider),
		opts:  opts,
		deps: deps{
			log:      logging.Component(logger, "pool"),
			metrics:  m,
			throttle: ratelimit.NewThrottle(1, 1),
		},
	}
}

// Provider returns the provider for cfg, creating it on first use. Asking for
// an existing name with a different type or different Fixed limits fails with
// ErrPoolConflict.
func (r *Registry) Provider(cfg config.Pool) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	if cfg.Type == config.PoolNoPool {
		return newProvider(cfg, r.opts, r.deps), nil
	}

	want := newProvider(cfg, r.opts, r.deps)
	if have, ok := r.store[want.Name()]; ok {
		if err := compatible(have, want); err != nil {
			return nil, err
		}
		return have, nil
	}
	r.store[want.Name()] = want
	r.deps.log.WithFields(logging.Fields{
		"pool":            want.Name(),
		"type":            want.Type().String(),
		"max_connections": want.MaxConnections(),
	}).Debug("connection pool created")
	return want, nil
}

// Get returns the named provider, if registered.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.store[name]
	return p, ok
}

// CloseIdle closes idle connections of every provider in the registry.
func (r *Registry) CloseIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.store {
		p.CloseIdle()
	}
}

// Close reclaims idle connections and rejects further Provider calls.
func (r *Registry) Close() {
	r.CloseIdle()
	r.mu.Lock()
	r.closed = true
	r.store = make(map[string]Provider)
	r.mu.Unlock()
}

func compatible(have, want Provider) error {
	if have.Type() != want.Type() {
		return fmt.Errorf("%w %q: registered as %s, requested %s",
			ErrPoolConflict, have.Name(), have.Type(), want.Type())
	}
	if have.MaxConnections() != want.MaxConnections() || have.AcquireTimeout() != want.AcquireTimeout() {
		return fmt.Errorf("%w %q: registered with max=%d acquire=%v, requested max=%d acquire=%v",
			ErrPoolConflict, have.Name(),
			have.MaxConnections(), have.AcquireTimeout(),
			want.MaxConnections(), want.AcquireTimeout())
	}
	return nil
}
