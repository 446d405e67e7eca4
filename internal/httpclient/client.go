package httpclient

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabian4/gateway-httpclient-go/internal/config"
	"github.com/fabian4/gateway-httpclient-go/internal/logging"
	"github.com/fabian4/gateway-httpclient-go/internal/metrics"
	"github.com/fabian4/gateway-httpclient-go/internal/pool"
	"github.com/fabian4/gateway-httpclient-go/internal/proxy"
	"github.com/fabian4/gateway-httpclient-go/internal/tlstrust"
)

// Option customises New.
type Option func(*options)

type options struct {
	logger   *logrus.Logger
	registry *pool.Registry
	metrics  *metrics.Metrics
}

// WithLogger sets the logger for the client and its components.
func WithLogger(l *logrus.Logger) Option { return func(o *options) { o.logger = l } }

// WithPoolRegistry shares connection providers with every other client built
// on the same registry. Without it the client gets a private registry.
func WithPoolRegistry(r *pool.Registry) Option { return func(o *options) { o.registry = r } }

// WithMetrics records request and pool metrics into m.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// Client is the assembled outbound client. It is immutable and safe for
// concurrent use.
type Client struct {
	http      *http.Client
	transport *http.Transport
	release   func()
	settings  Settings
}

// Settings is the effective configuration of a built Client, read back from
// its components.
type Settings struct {
	Pool           PoolSettings
	Proxy          ProxySettings
	TLS            TLSSettings
	ConnectTimeout time.Duration
	Wiretap        bool
}

type PoolSettings struct {
	Type config.PoolType
	Name string
	// MaxConnections and AcquireTimeout are zero unless Type is PoolFixed.
	MaxConnections int
	AcquireTimeout time.Duration
}

type ProxySettings struct {
	Enabled              bool
	Type                 proxy.Type
	Host                 string
	Port                 *int
	Username             string
	HasPassword          bool
	NonProxyHostsPattern string
}

// TLSSettings is zero, with Mode "default", when the platform trust store
// applies.
type TLSSettings struct {
	Mode                    tlstrust.Mode
	TrustedCertificates     []*x509.Certificate
	ConfigurationType       config.ConfigurationType
	HandshakeTimeout        time.Duration
	CloseNotifyFlushTimeout time.Duration
	CloseNotifyReadTimeout  time.Duration
}

// New assembles a Client from cfg. It performs no network I/O. Any failure is
// a *ConfigurationError and no Client is returned.
func New(cfg config.Client, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.registry == nil {
		o.registry = pool.NewRegistry(pool.DefaultOptions(), o.logger, o.metrics)
	}
	log := logging.Component(o.logger, "httpclient")

	// Proxy and TLS are resolved before the registry is touched, so a
	// rejected configuration leaves no pool or transport behind.
	proxySpec, err := proxy.New(cfg.Proxy)
	if err != nil {
		return nil, &ConfigurationError{Component: ComponentProxy, Err: err}
	}
	tlsSpec, err := tlstrust.New(cfg.SSL, o.logger)
	if err != nil {
		return nil, &ConfigurationError{Component: ComponentTLS, Err: err}
	}

	// 1. connection provider
	provider, err := o.registry.Provider(cfg.Pool)
	if err != nil {
		return nil, &ConfigurationError{Component: ComponentPool, Err: err}
	}

	// 2-5. base transport, connect timeout, forward proxy and TLS trust. The
	// transport is shared with every client of this pool whose settings
	// hash to the same key.
	key := transportKey(cfg.ConnectTimeout, proxySpec, tlsSpec)
	tr, release := provider.Transport(key, func(tr *http.Transport) {
		tr.DialContext = withConnectTimeout(tr.DialContext, cfg.ConnectTimeout)
		if proxySpec != nil {
			proxySpec.Apply(tr)
		}
		if tlsSpec != nil {
			tlsSpec.Apply(tr, tr.DialContext)
		}
	})

	// 6. wire tracing, always on
	if !cfg.Wiretap {
		log.WithField("pool", provider.Name()).
			Warn("wiretap: false is ignored; wire tracing is always enabled")
	}
	rt := &wiretap{
		next:    provider.Wrap(tr),
		pool:    provider.Name(),
		log:     log,
		metrics: o.metrics,
	}

	c := &Client{
		http:      &http.Client{Transport: rt},
		transport: tr,
		release:   release,
		settings:  settingsOf(provider, proxySpec, tlsSpec, cfg.ConnectTimeout),
	}
	log.WithFields(logging.Fields{
		"pool":      provider.Name(),
		"pool_type": provider.Type().String(),
		"proxy":     c.settings.Proxy.Enabled,
		"tls_trust": c.settings.TLS.Mode.String(),
	}).Info("outbound client ready")
	return c, nil
}

func settingsOf(p pool.Provider, ps *proxy.Spec, ts *tlstrust.Spec, connectTimeout time.Duration) Settings {
	s := Settings{
		Pool: PoolSettings{
			Type:           p.Type(),
			Name:           p.Name(),
			MaxConnections: p.MaxConnections(),
			AcquireTimeout: p.AcquireTimeout(),
		},
		ConnectTimeout: connectTimeout,
		Wiretap:        true,
	}
	if ps != nil {
		s.Proxy = ProxySettings{
			Enabled:              true,
			Type:                 ps.Type(),
			Host:                 ps.Host(),
			Port:                 ps.Port(),
			Username:             ps.Username(),
			HasPassword:          ps.HasPassword(),
			NonProxyHostsPattern: ps.NonProxyHostsPattern(),
		}
	}
	if ts != nil {
		s.TLS = TLSSettings{
			Mode:                    ts.Mode(),
			TrustedCertificates:     ts.TrustedCertificates(),
			ConfigurationType:       ts.ConfigurationType(),
			HandshakeTimeout:        ts.HandshakeTimeout(),
			CloseNotifyFlushTimeout: ts.CloseNotifyFlushTimeout(),
			CloseNotifyReadTimeout:  ts.CloseNotifyReadTimeout(),
		}
	}
	return s
}

// Do sends req. Errors can be matched with errors.Is against the package's
// sentinel errors.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// Get issues a GET for url bound to ctx.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	return c.Do(req)
}

// Transport returns the full round-tripper chain, for callers that drive
// requests themselves, such as a reverse proxy.
func (c *Client) Transport() http.RoundTripper { return c.http.Transport }

// Settings returns the effective settings.
func (c *Client) Settings() Settings {
	s := c.settings
	if s.Proxy.Port != nil {
		p := *s.Proxy.Port
		s.Proxy.Port = &p
	}
	s.TLS.TrustedCertificates = append([]*x509.Certificate(nil), s.TLS.TrustedCertificates...)
	return s
}

// CloseIdleConnections closes idle connections of the client's transport,
// which other clients of the same pool and settings may share.
func (c *Client) CloseIdleConnections() { c.transport.CloseIdleConnections() }

// Close hands the client's transport back to its pool. The last client of a
// transport closes its idle connections. Call it when replacing a client;
// requests already in flight complete. Close is idempotent.
func (c *Client) Close() { c.release() }
