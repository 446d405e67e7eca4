package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fabian4/gateway-httpclient-go/internal/config"
	"github.com/fabian4/gateway-httpclient-go/internal/httpclient"
	"github.com/fabian4/gateway-httpclient-go/internal/logging"
	"github.com/fabian4/gateway-httpclient-go/internal/metrics"
	"github.com/fabian4/gateway-httpclient-go/internal/pool"
	"github.com/fabian4/gateway-httpclient-go/internal/version"
)

type rootOptions struct {
	configPath  string
	metricsAddr string
	verbose     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "outbound",
		Short:         "Build and exercise the gateway's outbound HTTP client",
		Long:          "outbound loads an outbound client config, builds the client exactly as the gateway does and lets you inspect it or send requests through it.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML client config (defaults apply when empty)")
	root.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log wire traces (debug level)")

	root.AddCommand(newProbeCmd(opts))
	root.AddCommand(newSettingsCmd(opts))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "outbound %s\n", version.Value)
		},
	})
	return root
}

// session is everything a subcommand needs, built from the root flags.
type session struct {
	logger   *logrus.Logger
	client   *httpclient.Client
	registry *pool.Registry
	stop     func()
}

func (o *rootOptions) build(cmd *cobra.Command) (*session, error) {
	logger := logging.NewLogger(cmd.ErrOrStderr())
	config.LoadEnv(logger)
	if o.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		cfg = loaded
	}
	cfg = config.ApplyEnv(cfg)

	promReg := prometheus.NewRegistry()
	m, err := metrics.New(promReg)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	registry := pool.NewRegistry(pool.DefaultOptions(), logger, m)

	client, err := httpclient.New(*cfg,
		httpclient.WithLogger(logger),
		httpclient.WithPoolRegistry(registry),
		httpclient.WithMetrics(m),
	)
	if err != nil {
		registry.Close()
		return nil, err
	}

	shutdown := func() {
		client.Close()
		registry.Close()
	}
	rt := &session{logger: logger, client: client, registry: registry, stop: shutdown}
	if o.metricsAddr != "" {
		srv, err := serveMetrics(o.metricsAddr, promReg, logger)
		if err != nil {
			shutdown()
			return nil, err
		}
		rt.stop = func() {
			_ = srv.Close()
			shutdown()
		}
	}
	return rt, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *logrus.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	logger.WithField("addr", ln.Addr().String()).Info("serving metrics")
	return srv, nil
}
