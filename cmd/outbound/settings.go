package main

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fabian4/gateway-httpclient-go/internal/httpclient"
)

type proxyView struct {
	Host                 string `yaml:"host"`
	Port                 *int   `yaml:"port,omitempty"`
	Username             string `yaml:"username,omitempty"`
	PasswordSet          bool   `yaml:"password_set"`
	NonProxyHostsPattern string `yaml:"non_proxy_hosts_pattern,omitempty"`
}

type settingsView struct {
	Pool struct {
		Type           string `yaml:"type"`
		Name           string `yaml:"name"`
		MaxConnections int    `yaml:"max_connections,omitempty"`
		AcquireTimeout string `yaml:"acquire_timeout,omitempty"`
	} `yaml:"pool"`
	Proxy *proxyView `yaml:"proxy,omitempty"`
	TLS struct {
		Trust                   string   `yaml:"trust"`
		Certificates            []string `yaml:"certificates_sha256,omitempty"`
		ConfigurationType       string   `yaml:"configuration_type,omitempty"`
		HandshakeTimeout        string   `yaml:"handshake_timeout,omitempty"`
		CloseNotifyFlushTimeout string   `yaml:"close_notify_flush_timeout,omitempty"`
		CloseNotifyReadTimeout  string   `yaml:"close_notify_read_timeout,omitempty"`
	} `yaml:"tls"`
	ConnectTimeout string `yaml:"connect_timeout,omitempty"`
	Wiretap        bool   `yaml:"wiretap"`
}

func newSettingsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "settings",
		Short: "Build the client and print its effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.build(cmd)
			if err != nil {
				return err
			}
			defer s.stop()

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(viewOf(s.client.Settings()))
		},
	}
}

func viewOf(s httpclient.Settings) settingsView {
	var v settingsView
	v.Pool.Type = s.Pool.Type.String()
	v.Pool.Name = s.Pool.Name
	v.Pool.MaxConnections = s.Pool.MaxConnections
	if s.Pool.AcquireTimeout > 0 {
		v.Pool.AcquireTimeout = s.Pool.AcquireTimeout.String()
	}
	if s.Proxy.Enabled {
		v.Proxy = &proxyView{
			Host:                 s.Proxy.Host,
			Port:                 s.Proxy.Port,
			Username:             s.Proxy.Username,
			PasswordSet:          s.Proxy.HasPassword,
			NonProxyHostsPattern: s.Proxy.NonProxyHostsPattern,
		}
	}
	v.TLS.Trust = s.TLS.Mode.String()
	for _, c := range s.TLS.TrustedCertificates {
		sum := sha256.Sum256(c.Raw)
		v.TLS.Certificates = append(v.TLS.Certificates, hex.EncodeToString(sum[:]))
	}
	if s.TLS.Mode != 0 {
		v.TLS.ConfigurationType = string(s.TLS.ConfigurationType)
		v.TLS.HandshakeTimeout = s.TLS.HandshakeTimeout.String()
		v.TLS.CloseNotifyFlushTimeout = s.TLS.CloseNotifyFlushTimeout.String()
		v.TLS.CloseNotifyReadTimeout = s.TLS.CloseNotifyReadTimeout.String()
	}
	if s.ConnectTimeout > 0 {
		v.ConnectTimeout = s.ConnectTimeout.String()
	}
	v.Wiretap = s.Wiretap
	return v
}
