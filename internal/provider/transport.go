package provider

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// DefaultTimeout bounds a single upstream attempt unless the provider
// configuration overrides it.
const DefaultTimeout = 30 * time.Second

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. All upstreams are remote HTTPS APIs, so HTTP/2 is
// always attempted.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// NewHTTPClient returns an http.Client using the pooled transport and the
// given per-attempt timeout (DefaultTimeout when zero).
func NewHTTPClient(resolver *dnscache.Resolver, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Transport: NewTransport(resolver), Timeout: timeout}
}
