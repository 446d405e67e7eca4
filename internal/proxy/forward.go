// Package proxy configures the upstream forward-proxy hop of the outbound
// transport.
package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/fabian4/gateway-httpclient-go/internal/config"
)

// Type is the proxy protocol. Only HTTP forward proxies are supported.
type Type string

const TypeHTTP Type = "http"

// PasswordFunc supplies the proxy password for a username.
type PasswordFunc func(username string) string

// Spec is a resolved forward-proxy hop. It is immutable once built.
type Spec struct {
	typ           Type
	host          string
	port          *int
	username      string
	password      PasswordFunc
	nonProxyHosts *regexp.Regexp
	url           *url.URL
}

// New builds the hop described by cfg. It returns nil, nil when cfg.Host is
// empty: no proxy is installed. Each optional field is applied only when
// present.
func New(cfg config.Proxy) (*Spec, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	b := NewBuilder(TypeHTTP).Host(strings.TrimSpace(cfg.Host))
	if cfg.Port != nil {
		b = b.Port(*cfg.Port)
	}
	if cfg.Username != "" {
		b = b.Username(cfg.Username)
	}
	if cfg.Password != "" {
		password := cfg.Password
		b = b.Password(func(string) string { return password })
	}
	if cfg.NonProxyHostsPattern != "" {
		b = b.NonProxyHosts(cfg.NonProxyHostsPattern)
	}
	return b.Build()
}

// Builder assembles a Spec. Its methods return modified copies, so a
// Builder value can be branched safely.
type Builder struct {
	typ      Type
	host     string
	port     *int
	username string
	password PasswordFunc
	pattern  string
}

func NewBuilder(t Type) Builder { return Builder{typ: t} }

func (b Builder) Host(host string) Builder { b.host = host; return b }

func (b Builder) Port(port int) Builder { b.port = &port; return b }

func (b Builder) Username(u string) Builder { b.username = u; return b }

func (b Builder) Password(f PasswordFunc) Builder { b.password = f; return b }

// NonProxyHosts sets a regular expression; destination hosts matching it in
// full bypass the proxy.
func (b Builder) NonProxyHosts(pattern string) Builder { b.pattern = pattern; return b }

// Build validates the builder and resolves the proxy URL.
func (b Builder) Build() (*Spec, error) {
	if b.typ != TypeHTTP {
		return nil, fmt.Errorf("proxy: unsupported type %q", b.typ)
	}
	if b.host == "" {
		return nil, fmt.Errorf("proxy: host is required")
	}
	if b.port != nil && (*b.port <= 0 || *b.port > 65535) {
		return nil, fmt.Errorf("proxy: port out of range: %d", *b.port)
	}

	s := &Spec{
		typ:      b.typ,
		host:     b.host,
		port:     b.port,
		username: b.username,
		password: b.password,
	}
	if b.pattern != "" {
		re, err := regexp.Compile(`^(?:` + b.pattern + `)$`)
		if err != nil {
			return nil, fmt.Errorf("proxy: non-proxy hosts pattern: %w", err)
		}
		s.nonProxyHosts = re
	}

	hostport := b.host
	if b.port != nil {
		hostport = net.JoinHostPort(b.host, strconv.Itoa(*b.port))
	} else if strings.Contains(b.host, ":") {
		hostport = "[" + b.host + "]"
	}
	s.url = &url.URL{Scheme: string(b.typ), Host: hostport}
	// Credentials go on the wire only as a pair.
	if b.username != "" && b.password != nil {
		s.url.User = url.UserPassword(b.username, b.password(b.username))
	}
	return s, nil
}

func (s *Spec) Type() Type { return s.typ }

func (s *Spec) Host() string { return s.host }

// Port is nil when no port was configured; the scheme default applies.
func (s *Spec) Port() *int {
	if s.port == nil {
		return nil
	}
	p := *s.port
	return &p
}

func (s *Spec) Username() string { return s.username }

// HasPassword reports whether a password supplier is configured.
func (s *Spec) HasPassword() bool { return s.password != nil }

// NonProxyHostsPattern returns the pattern as configured, without anchors.
func (s *Spec) NonProxyHostsPattern() string {
	if s.nonProxyHosts == nil {
		return ""
	}
	p := s.nonProxyHosts.String()
	return strings.TrimSuffix(strings.TrimPrefix(p, `^(?:`), `)$`)
}

// URL returns a copy of the proxy URL.
func (s *Spec) URL() *url.URL {
	u := *s.url
	return &u
}

// Bypass reports whether host should be reached directly.
func (s *Spec) Bypass(host string) bool {
	return s.nonProxyHosts != nil && s.nonProxyHosts.MatchString(host)
}

// ProxyFunc is suitable for http.Transport.Proxy.
func (s *Spec) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		if s.Bypass(req.URL.Hostname()) {
			return nil, nil
		}
		return s.URL(), nil
	}
}

// Apply routes tr through the proxy hop.
func (s *Spec) Apply(tr *http.Transport) {
	tr.Proxy = s.ProxyFunc()
}
