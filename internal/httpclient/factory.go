// Package httpclient builds the HTTP clients used to talk to bounty platforms
// and to probe targets.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

const defaultUserAgent = "chimera/1.0 (+authorized bug bounty research)"

type Config struct {
	Timeout time.Duration
	// BlockPrivate refuses connections to loopback, private and link-local
	// addresses, including after redirects.
	BlockPrivate    bool
	FollowRedirects bool
	MaxRedirects    int
	UserAgent       string
}

func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		BlockPrivate:    true,
		FollowRedirects: true,
		MaxRedirects:    10,
		UserAgent:       defaultUserAgent,
	}
}

// PlatformConfig is for platform APIs: no redirects, so credentials never
// follow a Location header to another host.
func PlatformConfig(timeout time.Duration) Config {
	return Config{
		Timeout:      timeout,
		BlockPrivate: true,
		UserAgent:    defaultUserAgent,
	}
}

// ProbeConfig is for checks that fetch pages from in-scope targets.
func ProbeConfig(timeout time.Duration, userAgent string) Config {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return Config{
		Timeout:         timeout,
		BlockPrivate:    true,
		FollowRedirects: true,
		MaxRedirects:    5,
		UserAgent:       userAgent,
	}
}

func New(cfg Config) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if !cfg.BlockPrivate {
				return dialer.DialContext(ctx, network, addr)
			}
			// Dial the address that was checked, not a fresh lookup.
			ip, port, err := resolvePublic(ctx, addr)
			if err != nil {
				return nil, fmt.Errorf("SSRF protection: %w", err)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		},

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	var rt http.RoundTripper = transport
	if cfg.UserAgent != "" {
		rt = &userAgentTransport{next: transport, userAgent: cfg.UserAgent}
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: rt,
	}

	switch {
	case !cfg.FollowRedirects:
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	case cfg.MaxRedirects > 0:
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			if cfg.BlockPrivate {
				if err := ValidateURL(req.Context(), req.URL.String()); err != nil {
					return fmt.Errorf("SSRF protection on redirect: %w", err)
				}
			}
			return nil
		}
	}

	return client
}

type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.userAgent)
	return t.next.RoundTrip(r)
}

// resolvePublic resolves addr and returns its first address, failing if any
// resolved address is private.
func resolvePublic(ctx context.Context, addr string) (net.IP, string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid address %q: %w", addr, err)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, "", fmt.Errorf("no addresses for %s", host)
	}
	for _, ip := range ips {
		if isPrivateIP(ip.IP) {
			return nil, "", fmt.Errorf("blocked private IP: %s (%s)", ip.IP, host)
		}
	}
	return ips[0].IP, port, nil
}

// ValidateURL rejects URLs whose host resolves to a private address.
func ValidateURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("URL %q has no host", rawURL)
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	_, _, err = resolvePublic(ctx, net.JoinHostPort(u.Hostname(), port))
	return err
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// CloseBody drains and closes a response body so the connection returns to
// the pool.
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}

// ReadBody reads at most limit bytes of the body.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, nil
}
