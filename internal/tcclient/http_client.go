// Package tcclient implements the HTTP clients the coordinator uses to reach
// participants and participants and callers use to reach the coordinator.
package tcclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// Config configures the HTTP client shared by the txd clients.
type Config struct {
	Timeout time.Duration
	// TrustPEM adds trust roots for https endpoints.
	TrustPEM [][]byte
	// InsecureSkipVerify disables server certificate verification.
	InsecureSkipVerify bool
	// Tracing wraps the transport with OpenTelemetry instrumentation.
	Tracing bool
}

// NewHTTPClient builds an HTTP client with optional custom trust roots.
func NewHTTPClient(cfg Config) (*http.Client, error) {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("tcclient: http transport unexpected type")
	}
	tr := transport.Clone()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.InsecureSkipVerify}
	if len(cfg.TrustPEM) > 0 {
		roots, err := x509.SystemCertPool()
		if err != nil || roots == nil {
			roots = x509.NewCertPool()
		}
		added := false
		for _, blob := range cfg.TrustPEM {
			if len(blob) == 0 {
				continue
			}
			if roots.AppendCertsFromPEM(blob) {
				added = true
			}
		}
		if !added {
			return nil, errors.New("tcclient: no certificates found in trust PEM")
		}
		tlsCfg.RootCAs = roots
	}
	tr.TLSClientConfig = tlsCfg
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var rt http.RoundTripper = tr
	if cfg.Tracing {
		rt = otelhttp.NewTransport(tr)
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: rt,
	}, nil
}
