package httpclient

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/fabian4/gateway-httpclient-go/internal/pool"
	"github.com/fabian4/gateway-httpclient-go/internal/tlstrust"
)

// Components named by ConfigurationError.
const (
	ComponentPool  = "pool"
	ComponentProxy = "proxy"
	ComponentTLS   = "tls"
)

var (
	// ErrPoolExhausted: a Fixed pool had no free connection within its
	// acquire timeout.
	ErrPoolExhausted = pool.ErrPoolExhausted
	// ErrConnectTimeout: the TCP connection was not established within the
	// connect timeout.
	ErrConnectTimeout = errors.New("httpclient: connect timeout")
	// ErrHandshakeTimeout: the TLS handshake did not finish in time.
	ErrHandshakeTimeout = tlstrust.ErrHandshakeTimeout
	// ErrCloseNotifyTimeout: the TLS close_notify exchange did not finish in
	// time.
	ErrCloseNotifyTimeout = tlstrust.ErrCloseNotifyTimeout
)

// ConfigurationError is returned by New when the configuration cannot be
// turned into a client. It is fatal and must not be retried.
type ConfigurationError struct {
	Component string
	Err       error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("httpclient: invalid %s configuration: %v", e.Component, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// classify tags transport-level timeouts the standard transport reports
// without a sentinel.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrHandshakeTimeout) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() && strings.Contains(ne.Error(), "TLS handshake timeout") {
		return fmt.Errorf("%w: %w", ErrHandshakeTimeout, err)
	}
	return err
}
