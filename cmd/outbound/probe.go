package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fabian4/gateway-httpclient-go/internal/httpclient"
)

func newProbeCmd(root *rootOptions) *cobra.Command {
	var (
		method      string
		concurrency int
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe URL...",
		Short: "Send requests through the configured client",
		Long:  "probe sends one request per URL through the outbound client and prints status, protocol and latency. Requests run in parallel up to --concurrency.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.build(cmd)
			if err != nil {
				return err
			}
			defer s.stop()

			results := make([]probeResult, len(args))
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(concurrency)
			for i, url := range args {
				g.Go(func() error {
					results[i] = probe(ctx, s.client, method, url, timeout)
					return nil
				})
			}
			_ = g.Wait()

			failed := 0
			for _, r := range results {
				fmt.Fprintln(cmd.OutOrStdout(), r)
				if r.err != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d probes failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 4, "maximum requests in flight")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-request timeout")
	return cmd
}

type probeResult struct {
	url      string
	status   int
	proto    string
	bytes    int64
	duration time.Duration
	err      error
}

func (r probeResult) String() string {
	if r.err != nil {
		return fmt.Sprintf("%s\tERROR\t%s\t%v", r.url, kind(r.err), r.err)
	}
	return fmt.Sprintf("%s\t%d\t%s\t%dB\t%v", r.url, r.status, r.proto, r.bytes, r.duration.Round(time.Millisecond))
}

func probe(ctx context.Context, c *httpclient.Client, method, url string, timeout time.Duration) probeResult {
	res := probeResult{url: url}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		res.err = err
		return res
	}

	start := time.Now()
	resp, err := c.Do(req)
	if err != nil {
		res.err = err
		res.duration = time.Since(start)
		return res
	}
	defer resp.Body.Close()
	res.bytes, res.err = io.Copy(io.Discard, resp.Body)
	res.duration = time.Since(start)
	res.status = resp.StatusCode
	res.proto = resp.Proto
	return res
}

// kind names the failure class for the probe table.
func kind(err error) string {
	switch {
	case errors.Is(err, httpclient.ErrPoolExhausted):
		return "pool-exhausted"
	case errors.Is(err, httpclient.ErrConnectTimeout):
		return "connect-timeout"
	case errors.Is(err, httpclient.ErrHandshakeTimeout):
		return "handshake-timeout"
	case errors.Is(err, httpclient.ErrCloseNotifyTimeout):
		return "close-notify-timeout"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
