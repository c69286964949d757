// Package http builds the outbound HTTP client used for provider discovery,
// token endpoints and resource APIs.
package http

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
)

// DefaultTimeout bounds every provider request made with a client from
// NewClient.
const DefaultTimeout = 30 * time.Second

var ErrInvalidCertificatePem = errors.New("invalid certificate PEM")

// NewClient returns a pooled client that trusts caPEM, or the system roots
// when caPEM is empty. A zero timeout means DefaultTimeout.
func NewClient(caPEM string, timeout time.Duration) (*http.Client, error) {
	tr := cleanhttp.DefaultPooledTransport()
	if caPEM != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(caPEM)) {
			return nil, ErrInvalidCertificatePem
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs:    pool,
			MinVersion: tls.VersionTLS12,
		}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

// ClientContext returns ctx carrying client under the key read by
// go-oidc and x/oauth2.
func ClientContext(ctx context.Context, client *http.Client) context.Context {
	return oidc.ClientContext(ctx, client)
}
