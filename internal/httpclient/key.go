package httpclient

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fabian4/gateway-httpclient-go/internal/proxy"
	"github.com/fabian4/gateway-httpclient-go/internal/tlstrust"
)

// transportKey fingerprints every setting applied on top of the pool's base
// transport. Equal keys mean interchangeable transports.
func transportKey(connectTimeout time.Duration, ps *proxy.Spec, ts *tlstrust.Spec) string {
	h := sha256.New()
	fmt.Fprintf(h, "connect=%d\n", connectTimeout)
	if ps != nil {
		// URL carries the credentials
		fmt.Fprintf(h, "proxy=%s\nbypass=%s\n", ps.URL().String(), ps.NonProxyHostsPattern())
	}
	if ts != nil {
		fmt.Fprintf(h, "tls=%s type=%s handshake=%d flush=%d read=%d\n",
			ts.Mode(), ts.ConfigurationType(),
			ts.HandshakeTimeout(), ts.CloseNotifyFlushTimeout(), ts.CloseNotifyReadTimeout())
		for _, cert := range ts.TrustedCertificates() {
			sum := sha256.Sum256(cert.Raw)
			fmt.Fprintf(h, "cert=%x\n", sum)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
