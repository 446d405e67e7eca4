package config

import (
	"crypto/x509"
	"runtime"
	"strings"
	"time"
)

// PoolType selects the connection pooling strategy.
type PoolType int

const (
	PoolElastic PoolType = iota // default: unbounded, reclaims idle connections
	PoolFixed                   // bounded by MaxConnections, waits AcquireTimeout
	PoolNoPool                  // one fresh connection per request
)

func (t PoolType) String() string {
	switch t {
	case PoolFixed:
		return "fixed"
	case PoolNoPool:
		return "disabled"
	default:
		return "elastic"
	}
}

// ParsePoolType maps a config value to a PoolType. Unknown values, including
// the empty string, fall back to PoolElastic.
func ParsePoolType(s string) PoolType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed":
		return PoolFixed
	case "disabled", "nopool", "no_pool", "none":
		return PoolNoPool
	default:
		return PoolElastic
	}
}

// ConfigurationType is the secure-transport default profile (ALPN offer).
type ConfigurationType string

const (
	ConfigNone ConfigurationType = "none" // no ALPN
	ConfigTCP  ConfigurationType = "tcp"  // http/1.1 only
	ConfigH2   ConfigurationType = "h2"   // h2, falling back to http/1.1
)

// Defaults carried over from the gateway's historical property defaults.
const (
	DefaultPoolName                = "proxy"
	DefaultAcquireTimeout          = 45 * time.Second
	DefaultHandshakeTimeout        = 10 * time.Second
	DefaultCloseNotifyFlushTimeout = 3 * time.Second
	DefaultCloseNotifyReadTimeout  = 0
	DefaultConfigurationType       = ConfigTCP
)

// DefaultMaxConnections is max(2*NumCPU, 16).
func DefaultMaxConnections() int {
	n := 2 * runtime.NumCPU()
	if n < 16 {
		n = 16
	}
	return n
}

// Pool configures the connection provider. Name, MaxConnections and
// AcquireTimeout only matter for PoolFixed; Name also keys PoolElastic.
type Pool struct {
	Type           PoolType
	Name           string
	MaxConnections int
	AcquireTimeout time.Duration
}

// Proxy configures an upstream forward proxy. The hop is active iff Host is
// non-empty; every other field is applied only when present.
type Proxy struct {
	Host                 string
	Port                 *int // nil => not set
	Username             string
	Password             string
	NonProxyHostsPattern string // regexp, matched against the whole hostname
}

// Enabled reports whether the proxy hop should be installed.
func (p Proxy) Enabled() bool { return strings.TrimSpace(p.Host) != "" }

// SSL configures the outbound trust policy and TLS lifecycle timeouts.
type SSL struct {
	TrustedCertificates      []*x509.Certificate
	UseInsecureTrustManager  bool
	HandshakeTimeout         time.Duration
	CloseNotifyFlushTimeout  time.Duration
	CloseNotifyReadTimeout   time.Duration
	DefaultConfigurationType ConfigurationType
}

// CustomTrust reports whether a non-default trust manager is requested.
func (s SSL) CustomTrust() bool {
	return len(s.TrustedCertificates) > 0 || s.UseInsecureTrustManager
}

// Client is the full input of the client assembler. Treat it as immutable
// once loaded.
type Client struct {
	Pool           Pool
	Proxy          Proxy
	SSL            SSL
	ConnectTimeout time.Duration // 0 => not set
	Wiretap        bool
}

// Default returns a Client with every default applied and no proxy or
// custom trust.
func Default() *Client {
	return &Client{
		Pool: Pool{
			Type:           PoolElastic,
			Name:           DefaultPoolName,
			MaxConnections: DefaultMaxConnections(),
			AcquireTimeout: DefaultAcquireTimeout,
		},
		SSL: SSL{
			HandshakeTimeout:         DefaultHandshakeTimeout,
			CloseNotifyFlushTimeout:  DefaultCloseNotifyFlushTimeout,
			CloseNotifyReadTimeout:   DefaultCloseNotifyReadTimeout,
			DefaultConfigurationType: DefaultConfigurationType,
		},
	}
}
