package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fabian4/gateway-httpclient-go/internal/tlstrust"
)

// withConnectTimeout bounds every dial made through next by timeout, when
// set, and reports dial timeouts as ErrConnectTimeout. Expiry of the caller's
// own context is passed through untouched.
func withConnectTimeout(next tlstrust.DialFunc, timeout time.Duration) tlstrust.DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		dctx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		conn, err := next(dctx, network, addr)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		var ne net.Error
		if errors.Is(dctx.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrConnectTimeout, network, addr, err)
		}
		return nil, err
	}
}
