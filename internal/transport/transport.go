// Package transport implements the HTTPS client: optional CA bundle,
// optional SOCKS5 proxying, and raw (non-auto-following) redirect
// handling so callers can distinguish the registry host from the
// blob-store host a redirect points at.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// Client wraps an *http.Client. It never follows redirects
// automatically: 3xx responses are returned as-is so the blob
// downloader can re-parse the Location header itself.
type Client struct {
	HTTP *http.Client
}

// Options configures a new Client.
type Options struct {
	// CACertPath, if non-empty, is a PEM bundle appended to the system
	// trust store. The file must exist; New returns an error otherwise.
	CACertPath string
	// SOCKSProxy, if non-empty, is a "type:host:port" string as found in
	// the all_proxy environment variable. Only the "socks5" type is
	// supported.
	SOCKSProxy string
	Timeout    time.Duration
}

// New builds a transport.Client from opts. The SOCKS proxy is wired into
// a dialer owned by this Client's own http.Transport rather than by
// replacing net.DefaultDialer or any other process-wide socket global.
func New(opts Options) (*Client, error) {
	tlsConfig := &tls.Config{}

	if opts.CACertPath != "" {
		pemBytes, err := os.ReadFile(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle %s: %w", opts.CACertPath, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("no certificates found in CA bundle %s", opts.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}

	dialContext := (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext

	if opts.SOCKSProxy != "" {
		dialer, err := socksDialer(opts.SOCKSProxy)
		if err != nil {
			return nil, err
		}
		dialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}

	rt := &http.Transport{
		DialContext:           dialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		HTTP: &http.Client{
			Transport: rt,
			Timeout:   timeout,
			// Every redirect is surfaced to the caller untouched; see
			// the package doc.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// socksDialer parses an all_proxy-style "type:host:port" string into a
// golang.org/x/net/proxy dialer.
func socksDialer(spec string) (proxy.Dialer, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 || parts[0] != "socks5" {
		return nil, fmt.Errorf("transport: unsupported proxy spec %q (only socks5:host:port is supported)", spec)
	}
	hostport := strings.TrimPrefix(parts[1], "//")
	return proxy.SOCKS5("tcp", hostport, nil, proxy.Direct)
}

// Request issues a single HTTP request with the given headers and
// returns the raw response. The caller is responsible for closing
// resp.Body.
func (c *Client) Request(ctx context.Context, method, rawURL string, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.HTTP.Do(req)
}

// HostOf returns the host (including port, if any) component of rawURL.
func HostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Host, nil
}
