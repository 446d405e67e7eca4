// Package tlstrust layers a custom trust policy and TLS lifecycle timeouts
// onto the outbound transport.
//
// Two policies exist. Explicit trust accepts exactly the configured
// certificates and never falls back to the system roots. Insecure trust
// accepts ANY server certificate without validation.
//
// WARNING: insecure trust disables server authentication entirely. Anyone on
// the network path can impersonate an upstream. It exists for development and
// test environments only and must never be enabled in production.
package tlstrust

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabian4/gateway-httpclient-go/internal/config"
	"github.com/fabian4/gateway-httpclient-go/internal/logging"
)

var (
	// ErrInvalidCertificate marks unusable trust material. It is a
	// configuration error raised at build time.
	ErrInvalidCertificate = errors.New("tlstrust: invalid certificate")
	// ErrHandshakeTimeout is returned when the TLS handshake does not finish
	// within the handshake timeout.
	ErrHandshakeTimeout = errors.New("tlstrust: TLS handshake timeout")
	// ErrCloseNotifyTimeout is returned when sending our close_notify, or
	// waiting for the peer's, exceeds its timeout.
	ErrCloseNotifyTimeout = errors.New("tlstrust: close_notify timeout")
)

// Mode is the trust policy in effect.
type Mode int

const (
	TrustExplicit Mode = iota + 1
	TrustInsecure
)

func (m Mode) String() string {
	switch m {
	case TrustExplicit:
		return "explicit"
	case TrustInsecure:
		return "insecure"
	default:
		return "default"
	}
}

// DialFunc matches http.Transport.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Spec is a resolved trust policy. It is immutable once built.
type Spec struct {
	mode             Mode
	certs            []*x509.Certificate
	tlsConfig        *tls.Config
	configType       config.ConfigurationType
	handshakeTimeout time.Duration
	flushTimeout     time.Duration
	readTimeout      time.Duration
	log              *logrus.Entry
}

// New resolves cfg. It returns nil, nil when no certificates are given and
// insecure mode is off, leaving the platform trust store in charge. When both
// are set, the certificates win and insecure mode is ignored.
func New(cfg config.SSL, logger *logrus.Logger) (*Spec, error) {
	if !cfg.CustomTrust() {
		return nil, nil
	}

	s := &Spec{
		configType:       cfg.DefaultConfigurationType,
		handshakeTimeout: cfg.HandshakeTimeout,
		flushTimeout:     cfg.CloseNotifyFlushTimeout,
		readTimeout:      cfg.CloseNotifyReadTimeout,
		log:              logging.Component(logger, "tlstrust"),
	}
	s.tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	if len(cfg.TrustedCertificates) > 0 {
		pool := x509.NewCertPool()
		for i, cert := range cfg.TrustedCertificates {
			if err := checkCertificate(cert); err != nil {
				return nil, fmt.Errorf("trusted certificate %d: %w", i, err)
			}
			pool.AddCert(cert)
			s.certs = append(s.certs, cert)
		}
		s.mode = TrustExplicit
		s.tlsConfig.RootCAs = pool
		if cfg.UseInsecureTrustManager {
			s.log.Warn("insecure trust manager requested together with trusted certificates; using the certificates only")
		}
	} else {
		s.mode = TrustInsecure
		s.tlsConfig.InsecureSkipVerify = true // #nosec G402 -- opt-in, see package doc
		s.log.Warn("TLS certificate verification is DISABLED for outbound connections; never use this in production")
	}

	switch s.configType {
	case config.ConfigH2:
		s.tlsConfig.NextProtos = []string{"h2", "http/1.1"}
	case config.ConfigTCP:
		s.tlsConfig.NextProtos = []string{"http/1.1"}
	}
	return s, nil
}

func checkCertificate(cert *x509.Certificate) error {
	if cert == nil || len(cert.Raw) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidCertificate)
	}
	if _, err := x509.ParseCertificate(cert.Raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return nil
}

func (s *Spec) Mode() Mode { return s.mode }

// TrustedCertificates returns the explicit trust anchors, empty in insecure
// mode.
func (s *Spec) TrustedCertificates() []*x509.Certificate {
	return append([]*x509.Certificate(nil), s.certs...)
}

func (s *Spec) ConfigurationType() config.ConfigurationType { return s.configType }

func (s *Spec) HandshakeTimeout() time.Duration { return s.handshakeTimeout }

func (s *Spec) CloseNotifyFlushTimeout() time.Duration { return s.flushTimeout }

func (s *Spec) CloseNotifyReadTimeout() time.Duration { return s.readTimeout }

// ClientConfig returns a copy of the client TLS configuration.
func (s *Spec) ClientConfig() *tls.Config { return s.tlsConfig.Clone() }

// Apply installs the policy on tr. Direct TLS connections are dialled with
// dial and handshaken here, so the handshake and close_notify timeouts apply.
// TLS tunnelled through a forward proxy is handshaken by the transport and
// gets the handshake timeout only.
func (s *Spec) Apply(tr *http.Transport, dial DialFunc) {
	tr.TLSClientConfig = s.ClientConfig()
	tr.TLSHandshakeTimeout = s.handshakeTimeout
	tr.ForceAttemptHTTP2 = s.configType == config.ConfigH2
	tr.DialTLSContext = s.DialTLS(dial)
}

// DialTLS returns a dialer that opens a connection with dial and completes
// the TLS handshake under the handshake timeout. It returns a *tls.Conn, so
// the transport can still negotiate HTTP/2. A nil dial uses a plain
// net.Dialer.
func (s *Spec) DialTLS(dial DialFunc) DialFunc {
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		raw, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		cfg := s.tlsConfig.Clone()
		if cfg.ServerName == "" {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			cfg.ServerName = host
		}
		wrapped := &closeNotifyConn{
			Conn:         raw,
			flushTimeout: s.flushTimeout,
			readTimeout:  s.readTimeout,
			log:          s.log,
		}
		conn := tls.Client(wrapped, cfg)

		hctx := ctx
		if s.handshakeTimeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, s.handshakeTimeout)
			defer cancel()
		}
		if err := conn.HandshakeContext(hctx); err != nil {
			_ = raw.Close()
			if ctx.Err() == nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s after %v", ErrHandshakeTimeout, addr, s.handshakeTimeout)
			}
			return nil, err
		}
		wrapped.established.Store(true)
		return conn, nil
	}
}
