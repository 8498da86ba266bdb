// Package fetchclient implements the outbound HTTP path: a per-hop,
// DNS-pinned transport (spec.md §4.5), the redirect-following state machine
// built on top of it, and the streaming response reader (spec.md §4.6).
package fetchclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/fetchmcp/fetchmcp/internal/dnsresolve"
	"github.com/fetchmcp/fetchmcp/internal/errs"
	"github.com/fetchmcp/fetchmcp/internal/hostpolicy"
)

// transportDefaults groups connection-pool tuning knobs, sized for a
// single-hop, single-use client: each hop of a redirect chain gets its own
// short-lived transport, so pooling is deliberately small.
var transportDefaults = struct {
	maxIdleConns        int
	maxIdleConnsPerHost int
	maxConnsPerHost     int
}{
	maxIdleConns:        8,
	maxIdleConnsPerHost: 4,
	maxConnsPerHost:     4,
}

// PinnedClient is a single-hop HTTP client whose connection layer is pinned
// to a pre-validated IP address, closing the DNS-rebinding window between
// preflight validation and connect (spec.md §4.5 step 4).
type PinnedClient struct {
	client *http.Client
}

// NewPinnedClient builds an *http.Client whose DialContext always connects
// to pinnedIP regardless of what host the request names, while SNI/Host
// continue to reflect the original hostname. timeout bounds the whole
// request; userAgent is not set here (see headers.go).
func NewPinnedClient(host string, pinnedIP net.IP, timeout time.Duration) *PinnedClient {
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			port = "443"
		}
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(pinnedIP.String(), port))
	}

	transport := &http.Transport{
		DialContext:           dial,
		DisableKeepAlives:     true, // each hop's client is used for exactly one request
		MaxIdleConns:          transportDefaults.maxIdleConns,
		MaxIdleConnsPerHost:   transportDefaults.maxIdleConnsPerHost,
		MaxConnsPerHost:       transportDefaults.maxConnsPerHost,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{ServerName: host},
	}
	// Enable HTTP/2 over the pinned dial function; ConfigureTransport wires
	// ALPN negotiation and an h2 RoundTripper into transport transparently.
	_ = http2.ConfigureTransport(transport)

	return &PinnedClient{client: &http.Client{
		Transport: transport,
		Timeout:   timeout,
		// Redirects are resolved manually by the Redirect Follower.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

// Do executes req and returns the raw response; callers must Close the
// response body and must call Release when finished with the hop.
func (c *PinnedClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// Release tears down the pinned transport's idle connections. Each hop of a
// redirect chain gets its own PinnedClient, so this runs once per hop
// (spec.md §4.5 step 6, "always release the per-hop pinned client on exit").
func (c *PinnedClient) Release() {
	if t, ok := c.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// ResolvePinnedClient resolves host through the Safe DNS Resolver and
// returns a PinnedClient dialed to the validated address. Callers must
// Release the returned client.
func ResolvePinnedClient(ctx context.Context, resolver *dnsresolve.Resolver, policy *hostpolicy.Policy, rawURL, host string, timeout time.Duration) (*PinnedClient, error) {
	res, err := resolver.ResolveAndValidate(ctx, host)
	if err != nil {
		if fe, ok := errs.As(err); ok {
			fe.URL = rawURL
			return nil, fe
		}
		return nil, errs.Wrap(errs.KindNetwork, rawURL, err)
	}
	_ = policy
	return NewPinnedClient(host, res.IP, timeout), nil
}
