// Package pool selects and owns the outbound connection providers.
//
// Three strategies exist. NoPool opens a fresh connection per request and
// never reuses it. Fixed caps concurrently leased connections and fails with
// ErrPoolExhausted once the acquire timeout elapses. Elastic, the default,
// grows on demand and reclaims idle connections.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/fabian4/gateway-httpclient-go/internal/config"
	"github.com/fabian4/gateway-httpclient-go/internal/logging"
	"github.com/fabian4/gateway-httpclient-go/internal/metrics"
	"github.com/fabian4/gateway-httpclient-go/internal/ratelimit"
)

var (
	// ErrPoolExhausted is returned when a Fixed pool has no free connection
	// within its acquire timeout.
	ErrPoolExhausted = errors.New("pool: exhausted")
	// ErrPoolConflict is returned when a pool name is reused with different
	// settings.
	ErrPoolConflict = errors.New("pool: conflicting settings for name")
	// ErrClosed is returned by a registry after Close.
	ErrClosed = errors.New("pool: registry closed")
)

// Options tunes the transports handed out by providers.
type Options struct {
	// Dial/keepalive
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	// Elastic pool sizing
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// Timeouts
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
}

// DefaultOptions mirrors battle-tested proxy-ish settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           30 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Provider manages the lifecycle and reuse of outbound connections for one
// pooling strategy. Implementations are safe for concurrent use.
type Provider interface {
	Name() string
	Type() config.PoolType
	// MaxConnections is 0 when the provider is unbounded.
	MaxConnections() int
	AcquireTimeout() time.Duration
	// Transport returns the transport cached under key, creating it on
	// first use: tuned for the strategy, then handed to configure. Callers
	// asking with the same key share one transport and its connections, so
	// key must identify everything configure changes. release drops the
	// caller's reference; the last release closes idle connections and
	// evicts the transport.
	Transport(key string, configure func(*http.Transport)) (tr *http.Transport, release func())
	// Wrap puts connection accounting in front of next.
	Wrap(next http.RoundTripper) http.RoundTripper
	// CloseIdle closes idle connections of every cached transport.
	CloseIdle()
}

type deps struct {
	log      *logrus.Entry
	metrics  *metrics.Metrics
	throttle *ratelimit.Throttle
}

// standaloneThrottle is shared by every provider built with Select, so
// exhaustion warnings stay throttled per pool name across calls.
var standaloneThrottle = ratelimit.NewThrottle(1, 1)

func defaultDeps() deps {
	return deps{
		log:      logging.Component(nil, "pool"),
		throttle: standaloneThrottle,
	}
}

// Select builds a standalone provider for cfg. Any type other than NoPool or
// Fixed yields Elastic. No network I/O happens here.
func Select(cfg config.Pool, opts Options) Provider {
	return newProvider(cfg, opts, defaultDeps())
}

func newProvider(cfg config.Pool, opts Options, d deps) Provider {
	name := cfg.Name
	if name == "" {
		name = config.DefaultPoolName
	}
	b := &base{name: name, opts: opts, transports: make(map[string]*sharedTransport)}

	switch cfg.Type {
	case config.PoolNoPool:
		return &noPool{base: b}
	case config.PoolFixed:
		maxConns := cfg.MaxConnections
		if maxConns <= 0 {
			maxConns = config.DefaultMaxConnections()
		}
		return &fixed{
			base:           b,
			max:            maxConns,
			acquireTimeout: cfg.AcquireTimeout,
			sem:            semaphore.NewWeighted(int64(maxConns)),
			deps:           d,
		}
	default:
		return &elastic{base: b}
	}
}

// base caches transports by key so clients with equal settings share
// connections.
type base struct {
	name string
	opts Options

	mu         sync.Mutex
	transports map[string]*sharedTransport
}

type sharedTransport struct {
	tr   *http.Transport
	refs int
}

func (b *base) Name() string { return b.name }

func (b *base) newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   b.opts.DialTimeout,
		KeepAlive: b.opts.DialKeepAlive,
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     false,
		TLSHandshakeTimeout:   b.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: b.opts.ExpectContinueTimeout,
	}
}

func (b *base) transport(key string, tune, configure func(*http.Transport)) (*http.Transport, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.transports[key]
	if !ok {
		tr := b.newTransport()
		tune(tr)
		if configure != nil {
			configure(tr)
		}
		st = &sharedTransport{tr: tr}
		b.transports[key] = st
	}
	st.refs++

	var once sync.Once
	return st.tr, func() {
		once.Do(func() { b.release(key, st) })
	}
}

func (b *base) release(key string, st *sharedTransport) {
	b.mu.Lock()
	st.refs--
	last := st.refs == 0
	if last && b.transports[key] == st {
		delete(b.transports, key)
	}
	b.mu.Unlock()
	if last {
		st.tr.CloseIdleConnections()
	}
}

// cached reports how many transports the provider holds.
func (b *base) cached() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.transports)
}

func (b *base) CloseIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range b.transports {
		st.tr.CloseIdleConnections()
	}
}

// --- NoPool ---

type noPool struct{ *base }

func (p *noPool) Type() config.PoolType         { return config.PoolNoPool }
func (p *noPool) MaxConnections() int           { return 0 }
func (p *noPool) AcquireTimeout() time.Duration { return 0 }

func (p *noPool) Transport(key string, configure func(*http.Transport)) (*http.Transport, func()) {
	return p.transport(key, func(tr *http.Transport) {
		tr.DisableKeepAlives = true
	}, configure)
}

func (p *noPool) Wrap(next http.RoundTripper) http.RoundTripper { return next }

// --- Elastic ---

type elastic struct{ *base }

func (p *elastic) Type() config.PoolType         { return config.PoolElastic }
func (p *elastic) MaxConnections() int           { return 0 }
func (p *elastic) AcquireTimeout() time.Duration { return 0 }

func (p *elastic) Transport(key string, configure func(*http.Transport)) (*http.Transport, func()) {
	return p.transport(key, func(tr *http.Transport) {
		tr.MaxIdleConns = p.opts.MaxIdleConns
		tr.MaxIdleConnsPerHost = p.opts.MaxIdleConnsPerHost
		tr.IdleConnTimeout = p.opts.IdleConnTimeout
		tr.MaxConnsPerHost = 0
	}, configure)
}

func (p *elastic) Wrap(next http.RoundTripper) http.RoundTripper { return next }

// --- Fixed ---

type fixed struct {
	*base
	max            int
	acquireTimeout time.Duration
	sem            *semaphore.Weighted
	deps
}

func (p *fixed) Type() config.PoolType         { return config.PoolFixed }
func (p *fixed) MaxConnections() int           { return p.max }
func (p *fixed) AcquireTimeout() time.Duration { return p.acquireTimeout }

func (p *fixed) Transport(key string, configure func(*http.Transport)) (*http.Transport, func()) {
	return p.transport(key, func(tr *http.Transport) {
		tr.MaxConnsPerHost = p.max
		tr.MaxIdleConns = p.max
		tr.MaxIdleConnsPerHost = p.max
		tr.IdleConnTimeout = p.opts.IdleConnTimeout
	}, configure)
}

func (p *fixed) Wrap(next http.RoundTripper) http.RoundTripper {
	return &leaseTransport{pool: p, next: next}
}

// acquire takes one lease, waiting at most acquireTimeout. A zero timeout
// fails immediately when no lease is free.
func (p *fixed) acquire(ctx context.Context) (func(), error) {
	start := time.Now()

	var err error
	if p.acquireTimeout <= 0 {
		if !p.sem.TryAcquire(1) {
			err = context.DeadlineExceeded
		}
	} else {
		actx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
		err = p.sem.Acquire(actx, 1)
		cancel()
	}
	waited := time.Since(start)

	if err != nil {
		// the caller gave up first: not our timeout
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.metrics.PoolExhausted(p.name, waited)
		if p.throttle.Allow(p.name) {
			p.log.WithFields(logging.Fields{
				"pool":            p.name,
				"max_connections": p.max,
				"acquire_timeout": p.acquireTimeout.String(),
			}).Warn("connection pool exhausted")
		}
		return nil, fmt.Errorf("%w: pool %q has no free connection after %v (max %d)",
			ErrPoolExhausted, p.name, p.acquireTimeout, p.max)
	}

	p.metrics.LeaseAcquired(p.name, waited)
	var once sync.Once
	return func() {
		once.Do(func() {
			p.sem.Release(1)
			p.metrics.LeaseReleased(p.name)
		})
	}, nil
}

// leaseTransport holds a lease for the lifetime of each exchange: from
// RoundTrip until the response body is drained or closed.
type leaseTransport struct {
	pool *fixed
	next http.RoundTripper
}

func (t *leaseTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	release, err := t.pool.acquire(req.Context())
	if err != nil {
		return nil, err
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		release()
		return nil, err
	}
	if resp.Body == nil {
		release()
		return resp, nil
	}
	resp.Body = &leasedBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

type leasedBody struct {
	io.ReadCloser
	release func()
}

func (b *leasedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err == io.EOF {
		b.release()
	}
	return n, err
}

func (b *leasedBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}
