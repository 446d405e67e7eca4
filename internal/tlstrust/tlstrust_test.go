package tlstrust

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/fabian4/gateway-httpclient-go/internal/config"
	"github.com/fabian4/gateway-httpclient-go/internal/testutil"
)

func sslDefaults() config.SSL {
	return config.Default().SSL
}

func quietLogger() *logrus.Logger {
	logger, _ := logtest.NewNullLogger()
	return logger
}

func newTLSServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)
	return srv
}

// get issues a request through a fresh transport carrying spec.
func get(t *testing.T, spec *Spec, url string) (*http.Response, error) {
	t.Helper()
	tr := &http.Transport{}
	spec.Apply(tr, nil)
	t.Cleanup(tr.CloseIdleConnections)
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	return resp, err
}

func TestNew_NoCustomTrust(t *testing.T) {
	spec, err := New(sslDefaults(), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if spec != nil {
		t.Fatalf("expected no spec without certificates or insecure mode, got %+v", spec)
	}
}

func TestNew_ExplicitCertificates(t *testing.T) {
	srv := newTLSServer(t)

	cfg := sslDefaults()
	cfg.TrustedCertificates = []*x509.Certificate{srv.Certificate()}
	spec, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if spec.Mode() != TrustExplicit {
		t.Fatalf("mode: got %v want explicit", spec.Mode())
	}
	tc := spec.ClientConfig()
	if tc.InsecureSkipVerify {
		t.Fatalf("explicit trust must keep verification on")
	}
	if tc.RootCAs == nil {
		t.Fatalf("explicit trust must install RootCAs")
	}
	if _, err := get(t, spec, srv.URL); err != nil {
		t.Fatalf("request with trusted cert: %v", err)
	}
}

func TestNew_UntrustedPeerIsRejected(t *testing.T) {
	srv := newTLSServer(t)
	other, _ := testutil.SelfSignedCert(t, "other.test")

	cfg := sslDefaults()
	cfg.TrustedCertificates = []*x509.Certificate{other}
	spec, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = get(t, spec, srv.URL)
	var unknown x509.UnknownAuthorityError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected unknown authority error, got %v", err)
	}
}

func TestNew_CertificatesWinOverInsecure(t *testing.T) {
	srv := newTLSServer(t)
	other, _ := testutil.SelfSignedCert(t, "other.test")

	cfg := sslDefaults()
	cfg.TrustedCertificates = []*x509.Certificate{other}
	cfg.UseInsecureTrustManager = true
	logger, hook := logtest.NewNullLogger()
	spec, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if spec.Mode() != TrustExplicit {
		t.Fatalf("mode: got %v want explicit", spec.Mode())
	}
	if spec.ClientConfig().InsecureSkipVerify {
		t.Fatalf("insecure mode must not combine with explicit certificates")
	}
	if got := spec.TrustedCertificates(); len(got) != 1 || !got[0].Equal(other) {
		t.Fatalf("trusted certificates: got %d entries", len(got))
	}
	if hook.LastEntry() == nil || hook.LastEntry().Level != logrus.WarnLevel {
		t.Fatalf("expected a warning about the ignored insecure flag")
	}
	if _, err := get(t, spec, srv.URL); err == nil {
		t.Fatalf("server outside the explicit set must be rejected")
	}
}

func TestNew_InsecureTrustsAnything(t *testing.T) {
	srv := newTLSServer(t)

	cfg := sslDefaults()
	cfg.UseInsecureTrustManager = true
	logger, hook := logtest.NewNullLogger()
	spec, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if spec.Mode() != TrustInsecure {
		t.Fatalf("mode: got %v want insecure", spec.Mode())
	}
	if len(spec.TrustedCertificates()) != 0 {
		t.Fatalf("insecure mode has no trust anchors")
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != logrus.WarnLevel {
		t.Fatalf("insecure mode must log a warning")
	}
	resp, err := get(t, spec, srv.URL)
	if err != nil {
		t.Fatalf("request to self-signed server: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
}

func TestNew_InvalidCertificate(t *testing.T) {
	tests := []struct {
		name string
		cert *x509.Certificate
	}{
		{"nil", nil},
		{"empty raw", &x509.Certificate{}},
		{"garbage raw", &x509.Certificate{Raw: []byte("not der")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := sslDefaults()
			cfg.TrustedCertificates = []*x509.Certificate{tc.cert}
			_, err := New(cfg, quietLogger())
			if !errors.Is(err, ErrInvalidCertificate) {
				t.Fatalf("got %v want ErrInvalidCertificate", err)
			}
		})
	}
}

func TestApply_ConfigurationTypes(t *testing.T) {
	tests := []struct {
		typ        config.ConfigurationType
		protos     []string
		forceHTTP2 bool
	}{
		{config.ConfigNone, nil, false},
		{config.ConfigTCP, []string{"http/1.1"}, false},
		{config.ConfigH2, []string{"h2", "http/1.1"}, true},
	}
	for _, tc := range tests {
		t.Run(string(tc.typ), func(t *testing.T) {
			cfg := sslDefaults()
			cfg.UseInsecureTrustManager = true
			cfg.DefaultConfigurationType = tc.typ
			cfg.HandshakeTimeout = 7 * time.Second
			spec, err := New(cfg, quietLogger())
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			tr := &http.Transport{}
			spec.Apply(tr, nil)
			if !slices.Equal(tr.TLSClientConfig.NextProtos, tc.protos) {
				t.Fatalf("NextProtos: got %v want %v", tr.TLSClientConfig.NextProtos, tc.protos)
			}
			if tr.ForceAttemptHTTP2 != tc.forceHTTP2 {
				t.Fatalf("ForceAttemptHTTP2: got %v want %v", tr.ForceAttemptHTTP2, tc.forceHTTP2)
			}
			if tr.TLSHandshakeTimeout != 7*time.Second {
				t.Fatalf("TLSHandshakeTimeout: got %v", tr.TLSHandshakeTimeout)
			}
			if tr.DialTLSContext == nil {
				t.Fatalf("DialTLSContext not installed")
			}
			if spec.ConfigurationType() != tc.typ {
				t.Fatalf("ConfigurationType: got %v", spec.ConfigurationType())
			}
		})
	}
}

func TestApply_HTTP2Negotiated(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Proto)
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)

	cfg := sslDefaults()
	cfg.TrustedCertificates = []*x509.Certificate{srv.Certificate()}
	cfg.DefaultConfigurationType = config.ConfigH2
	spec, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := get(t, spec, srv.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.ProtoMajor != 2 {
		t.Fatalf("proto: got %s want HTTP/2", resp.Proto)
	}
}

// holdConnections accepts connections on ln and keeps them open, silent,
// until the test ends.
func holdConnections(t *testing.T, ln net.Listener) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		_ = ln.Close()
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				<-done
				_ = conn.Close()
			}()
		}
	}()
}

func TestDialTLS_HandshakeTimeout(t *testing.T) {
	// Accepts TCP and never speaks TLS.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	holdConnections(t, ln)

	cfg := sslDefaults()
	cfg.UseInsecureTrustManager = true
	cfg.HandshakeTimeout = 100 * time.Millisecond
	spec, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	_, err = spec.DialTLS(nil)(context.Background(), "tcp", ln.Addr().String())
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("got %v want ErrHandshakeTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("handshake timeout took %v", elapsed)
	}
}

func TestDialTLS_CallerCancelIsNotHandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	holdConnections(t, ln)

	cfg := sslDefaults()
	cfg.UseInsecureTrustManager = true
	cfg.HandshakeTimeout = 5 * time.Second
	spec, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = spec.DialTLS(nil)(ctx, "tcp", ln.Addr().String())
	if err == nil || errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("got %v, want the caller's context error", err)
	}
}

// startTLSPeer accepts one TLS connection, completes the handshake and hands
// the connection to serve.
func startTLSPeer(t *testing.T, serve func(*tls.Conn)) (addr string, cert *x509.Certificate) {
	t.Helper()
	pair := testutil.SelfSignedKeyPair(t, "peer.test")
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{pair}})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tc := conn.(*tls.Conn)
		defer tc.Close()
		if err := tc.Handshake(); err != nil {
			return
		}
		serve(tc)
	}()
	return ln.Addr().String(), pair.Leaf
}

func TestClose_PeerAnswersCloseNotify(t *testing.T) {
	addr, cert := startTLSPeer(t, func(c *tls.Conn) {
		_, _ = io.Copy(io.Discard, c)
	})

	cfg := sslDefaults()
	cfg.TrustedCertificates = []*x509.Certificate{cert}
	cfg.CloseNotifyReadTimeout = 2 * time.Second
	spec, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn, err := spec.DialTLS(nil)(context.Background(), "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestClose_CloseNotifyReadTimeout(t *testing.T) {
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	addr, cert := startTLSPeer(t, func(*tls.Conn) { <-done })

	cfg := sslDefaults()
	cfg.TrustedCertificates = []*x509.Certificate{cert}
	cfg.CloseNotifyReadTimeout = 100 * time.Millisecond
	spec, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn, err := spec.DialTLS(nil)(context.Background(), "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	start := time.Now()
	err = conn.Close()
	if !errors.Is(err, ErrCloseNotifyTimeout) {
		t.Fatalf("got %v want ErrCloseNotifyTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("close took %v", elapsed)
	}
}

type deadlineConn struct {
	net.Conn
	writeDeadline time.Time
}

func (c *deadlineConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline = t
	return nil
}

func TestCloseNotifyConn_ClampsFlushDeadline(t *testing.T) {
	inner := &deadlineConn{}
	c := &closeNotifyConn{Conn: inner, flushTimeout: time.Second}

	if err := c.SetWriteDeadline(time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SetWriteDeadline: %v", err)
	}
	if limit := time.Now().Add(time.Second); inner.writeDeadline.After(limit) {
		t.Fatalf("deadline not clamped: %v", inner.writeDeadline)
	}

	near := time.Now().Add(10 * time.Millisecond)
	_ = c.SetWriteDeadline(near)
	if !inner.writeDeadline.Equal(near) {
		t.Fatalf("earlier deadline must pass through unchanged")
	}

	_ = c.SetWriteDeadline(time.Time{})
	if !inner.writeDeadline.IsZero() {
		t.Fatalf("zero deadline must pass through unchanged")
	}
}
