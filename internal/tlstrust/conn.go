package tlstrust

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// closeNotifyConn sits under a tls.Conn and bounds its shutdown. The TLS
// layer sets a write deadline only while sending close_notify, so any
// deadline is clamped to flushTimeout. Once the handshake is done, Close
// waits up to readTimeout for the peer to answer and hang up.
type closeNotifyConn struct {
	net.Conn
	flushTimeout time.Duration
	readTimeout  time.Duration
	log          *logrus.Entry

	// set after a successful handshake; an interrupted handshake closes
	// the conn without draining
	established atomic.Bool

	mu      sync.Mutex
	clamped bool
}

func (c *closeNotifyConn) SetWriteDeadline(t time.Time) error {
	if c.flushTimeout > 0 && !t.IsZero() {
		if limit := time.Now().Add(c.flushTimeout); t.After(limit) {
			t = limit
			c.mu.Lock()
			c.clamped = true
			c.mu.Unlock()
		}
	}
	return c.Conn.SetWriteDeadline(t)
}

func (c *closeNotifyConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil && isTimeout(err) {
		c.mu.Lock()
		clamped := c.clamped
		c.mu.Unlock()
		if clamped {
			return n, fmt.Errorf("%w: flush after %v: %v", ErrCloseNotifyTimeout, c.flushTimeout, err)
		}
	}
	return n, err
}

func (c *closeNotifyConn) Close() error {
	if c.readTimeout <= 0 || !c.established.Load() {
		return c.Conn.Close()
	}

	_ = c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	_, err := io.Copy(io.Discard, c.Conn)
	closeErr := c.Conn.Close()
	if err != nil && isTimeout(err) {
		c.log.WithField("remote", c.RemoteAddr().String()).
			Debug("peer did not answer close_notify in time")
		return fmt.Errorf("%w: read after %v", ErrCloseNotifyTimeout, c.readTimeout)
	}
	return closeErr
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
