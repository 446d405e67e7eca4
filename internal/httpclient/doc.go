// Package httpclient assembles the gateway's outbound HTTP client.
//
// New turns a config.Client into one immutable *Client in a fixed order:
// connection provider, base transport, connect timeout, forward proxy, TLS
// trust and finally wire tracing. Every configuration problem is reported as
// a *ConfigurationError before a Client exists, so a broken setup stops the
// process at startup instead of failing requests later.
//
// Usage:
//
//	cfg, err := config.Load("outbound.yaml")
//	if err != nil {
//		return err
//	}
//	client, err := httpclient.New(*cfg, httpclient.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	resp, err := client.Get(ctx, "https://upstream.internal/health")
//
// Per-request failures are matched with errors.Is against ErrPoolExhausted,
// ErrConnectTimeout, ErrHandshakeTimeout and ErrCloseNotifyTimeout. The
// client never retries.
package httpclient
