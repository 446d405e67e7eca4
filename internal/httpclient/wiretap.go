package httpclient

import (
	"crypto/tls"
	"net/http"
	"net/http/httptrace"
	"net/http/httputil"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fabian4/gateway-httpclient-go/internal/logging"
	"github.com/fabian4/gateway-httpclient-go/internal/metrics"
)

// log field carrying the per-request trace id
const traceField = "trace_id"

// wiretap logs every exchange and the connection events behind it, and
// records request metrics. Dumps and connection events are only produced at
// debug level; the per-request summary and metrics are always recorded.
type wiretap struct {
	next    http.RoundTripper
	pool    string
	log     *logrus.Entry
	metrics *metrics.Metrics
}

func (w *wiretap) RoundTrip(req *http.Request) (*http.Response, error) {
	entry := w.log.WithFields(logging.Fields{
		traceField: uuid.NewString(),
		"pool":     w.pool,
		"method":   req.Method,
		"upstream": req.URL.Redacted(),
	})

	debug := entry.Logger.IsLevelEnabled(logrus.DebugLevel)
	if debug {
		if dump, err := httputil.DumpRequestOut(req, false); err == nil {
			entry.WithField("dump", string(dump)).Debug("outbound request")
		}
		req = req.WithContext(httptrace.WithClientTrace(req.Context(), connTrace(entry)))
	}

	start := time.Now()
	resp, err := w.next.RoundTrip(req)
	duration := time.Since(start)
	w.metrics.ObserveLatency(w.pool, duration)

	if err != nil {
		err = classify(err)
		w.metrics.IncRequest(w.pool, req.Method, "error")
		entry.WithError(err).WithField("duration_ms", duration.Milliseconds()).Debug("outbound request failed")
		return nil, err
	}

	w.metrics.IncRequest(w.pool, req.Method, strconv.Itoa(resp.StatusCode))
	entry = entry.WithFields(logging.Fields{
		"status":      resp.StatusCode,
		"proto":       resp.Proto,
		"duration_ms": duration.Milliseconds(),
	})
	if debug {
		if dump, err := httputil.DumpResponse(resp, false); err == nil {
			entry = entry.WithField("dump", string(dump))
		}
	}
	entry.Debug("outbound response")
	return resp, nil
}

func connTrace(entry *logrus.Entry) *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(hostPort string) {
			entry.WithField("addr", hostPort).Debug("get conn")
		},
		GotConn: func(info httptrace.GotConnInfo) {
			fields := logging.Fields{
				"reused":   info.Reused,
				"was_idle": info.WasIdle,
			}
			if info.Conn != nil {
				fields["local"] = info.Conn.LocalAddr().String()
				fields["remote"] = info.Conn.RemoteAddr().String()
			}
			entry.WithFields(fields).Debug("got conn")
		},
		ConnectStart: func(network, addr string) {
			entry.WithField("addr", addr).Debug("connect start")
		},
		ConnectDone: func(network, addr string, err error) {
			e := entry.WithField("addr", addr)
			if err != nil {
				e = e.WithError(err)
			}
			e.Debug("connect done")
		},
		TLSHandshakeStart: func() {
			entry.Debug("tls handshake start")
		},
		TLSHandshakeDone: func(state tls.ConnectionState, err error) {
			e := entry.WithFields(logging.Fields{
				"tls_version": tls.VersionName(state.Version),
				"alpn":        state.NegotiatedProtocol,
			})
			if err != nil {
				e = e.WithError(err)
			}
			e.Debug("tls handshake done")
		},
	}
}
