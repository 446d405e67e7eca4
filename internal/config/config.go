package config

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type rawPool struct {
	Type           string `yaml:"type,omitempty"`
	Name           string `yaml:"name,omitempty"`
	MaxConnections *int   `yaml:"max_connections,omitempty"`
	AcquireTimeout string `yaml:"acquire_timeout,omitempty"`
}

type rawProxy struct {
	Host                 string `yaml:"host,omitempty"`
	Port                 *int   `yaml:"port,omitempty"`
	Username             string `yaml:"username,omitempty"`
	Password             string `yaml:"password,omitempty"`
	NonProxyHostsPattern string `yaml:"non_proxy_hosts_pattern,omitempty"`
}

type rawSSL struct {
	// Each entry is a PEM file path or inline PEM text.
	TrustedCertificates      []string `yaml:"trusted_certificates,omitempty"`
	UseInsecureTrustManager  bool     `yaml:"use_insecure_trust_manager,omitempty"`
	HandshakeTimeout         string   `yaml:"handshake_timeout,omitempty"`
	CloseNotifyFlushTimeout  string   `yaml:"close_notify_flush_timeout,omitempty"`
	CloseNotifyReadTimeout   string   `yaml:"close_notify_read_timeout,omitempty"`
	DefaultConfigurationType string   `yaml:"default_configuration_type,omitempty"`
}

type rawConfig struct {
	ConnectTimeout string   `yaml:"connect_timeout,omitempty"`
	Wiretap        *bool    `yaml:"wiretap,omitempty"`
	Pool           rawPool  `yaml:"pool,omitempty"`
	Proxy          rawProxy `yaml:"proxy,omitempty"`
	SSL            rawSSL   `yaml:"ssl,omitempty"`
}

// Load reads and validates a YAML client config from path.
func Load(path string) (*Client, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse validates a YAML client config held in memory.
func Parse(b []byte) (*Client, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	c := Default()

	// connect timeout
	if d, ok, err := parseDuration("connect_timeout", rc.ConnectTimeout); err != nil {
		return nil, err
	} else if ok {
		c.ConnectTimeout = d
	}
	c.Wiretap = true
	if rc.Wiretap != nil {
		c.Wiretap = *rc.Wiretap
	}

	// pool
	c.Pool.Type = ParsePoolType(rc.Pool.Type)
	if name := strings.TrimSpace(rc.Pool.Name); name != "" {
		c.Pool.Name = name
	}
	if rc.Pool.MaxConnections != nil {
		if *rc.Pool.MaxConnections <= 0 {
			return nil, fmt.Errorf("pool.max_connections: must be positive, got %d", *rc.Pool.MaxConnections)
		}
		c.Pool.MaxConnections = *rc.Pool.MaxConnections
	}
	if d, ok, err := parseDuration("pool.acquire_timeout", rc.Pool.AcquireTimeout); err != nil {
		return nil, err
	} else if ok {
		c.Pool.AcquireTimeout = d
	}

	// proxy
	c.Proxy = Proxy{
		Host:                 strings.TrimSpace(rc.Proxy.Host),
		Username:             rc.Proxy.Username,
		Password:             rc.Proxy.Password,
		NonProxyHostsPattern: strings.TrimSpace(rc.Proxy.NonProxyHostsPattern),
	}
	if rc.Proxy.Port != nil {
		p := *rc.Proxy.Port
		if p <= 0 || p > 65535 {
			return nil, fmt.Errorf("proxy.port: out of range: %d", p)
		}
		c.Proxy.Port = &p
	}

	// ssl
	for i, entry := range rc.SSL.TrustedCertificates {
		certs, err := parseCertificates(entry)
		if err != nil {
			return nil, fmt.Errorf("ssl.trusted_certificates[%d]: %w", i, err)
		}
		c.SSL.TrustedCertificates = append(c.SSL.TrustedCertificates, certs...)
	}
	c.SSL.UseInsecureTrustManager = rc.SSL.UseInsecureTrustManager
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"ssl.handshake_timeout", rc.SSL.HandshakeTimeout, &c.SSL.HandshakeTimeout},
		{"ssl.close_notify_flush_timeout", rc.SSL.CloseNotifyFlushTimeout, &c.SSL.CloseNotifyFlushTimeout},
		{"ssl.close_notify_read_timeout", rc.SSL.CloseNotifyReadTimeout, &c.SSL.CloseNotifyReadTimeout},
	} {
		d, ok, err := parseDuration(f.name, f.raw)
		if err != nil {
			return nil, err
		}
		if ok {
			*f.dst = d
		}
	}
	if s := strings.ToLower(strings.TrimSpace(rc.SSL.DefaultConfigurationType)); s != "" {
		switch ct := ConfigurationType(s); ct {
		case ConfigNone, ConfigTCP, ConfigH2:
			c.SSL.DefaultConfigurationType = ct
		default:
			return nil, fmt.Errorf("ssl.default_configuration_type: unknown value %q", s)
		}
	}

	return c, nil
}

// Marshal renders c as YAML accepted by Parse. Certificates are written
// inline as PEM.
func Marshal(c *Client) ([]byte, error) {
	if c == nil {
		return nil, errors.New("config: nil client config")
	}
	wiretap := c.Wiretap
	maxConns := c.Pool.MaxConnections
	rc := rawConfig{
		Wiretap: &wiretap,
		Pool: rawPool{
			Type:           c.Pool.Type.String(),
			Name:           c.Pool.Name,
			MaxConnections: &maxConns,
			AcquireTimeout: c.Pool.AcquireTimeout.String(),
		},
		Proxy: rawProxy{
			Host:                 c.Proxy.Host,
			Port:                 c.Proxy.Port,
			Username:             c.Proxy.Username,
			Password:             c.Proxy.Password,
			NonProxyHostsPattern: c.Proxy.NonProxyHostsPattern,
		},
		SSL: rawSSL{
			UseInsecureTrustManager:  c.SSL.UseInsecureTrustManager,
			HandshakeTimeout:         c.SSL.HandshakeTimeout.String(),
			CloseNotifyFlushTimeout:  c.SSL.CloseNotifyFlushTimeout.String(),
			CloseNotifyReadTimeout:   c.SSL.CloseNotifyReadTimeout.String(),
			DefaultConfigurationType: string(c.SSL.DefaultConfigurationType),
		},
	}
	if c.ConnectTimeout > 0 {
		rc.ConnectTimeout = c.ConnectTimeout.String()
	}
	for i, cert := range c.SSL.TrustedCertificates {
		if cert == nil || len(cert.Raw) == 0 {
			return nil, fmt.Errorf("ssl.trusted_certificates[%d]: empty certificate", i)
		}
		block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
		rc.SSL.TrustedCertificates = append(rc.SSL.TrustedCertificates, string(block))
	}
	return yaml.Marshal(&rc)
}

func parseDuration(field, raw string) (time.Duration, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %v", field, err)
	}
	if d < 0 {
		return 0, false, fmt.Errorf("%s: must not be negative", field)
	}
	return d, true, nil
}

// parseCertificates decodes every CERTIFICATE block of an inline PEM string
// or of the PEM file it names.
func parseCertificates(entry string) ([]*x509.Certificate, error) {
	data := []byte(entry)
	if !strings.Contains(entry, "-----BEGIN") {
		path := strings.TrimSpace(entry)
		if path == "" {
			return nil, errors.New("empty entry")
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read certificate: %w", err)
		}
		data = b
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no PEM certificate found")
	}
	return certs, nil
}
