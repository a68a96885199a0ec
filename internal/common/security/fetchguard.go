package security

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrSSRFBlocked is matched by every *SSRFError via errors.Is.
var ErrSSRFBlocked = errors.New("outbound fetch blocked")

// SSRFError is a policy rejection of an outbound URL. It is never transient
// and must not be retried.
type SSRFError struct {
	URL    string
	Reason string
}

func (e *SSRFError) Error() string {
	return fmt.Sprintf("outbound fetch blocked for %q: %s", e.URL, e.Reason)
}

func (e *SSRFError) Is(target error) bool { return target == ErrSSRFBlocked }

type blockedRange struct {
	prefix netip.Prefix
	reason string
}

var blockedRanges = []blockedRange{
	{netip.MustParsePrefix("127.0.0.0/8"), "loopback address"},
	{netip.MustParsePrefix("::1/128"), "loopback address"},
	{netip.MustParsePrefix("169.254.0.0/16"), "link-local or cloud metadata address"},
	{netip.MustParsePrefix("fe80::/10"), "link-local or cloud metadata address"},
	{netip.MustParsePrefix("fd00:ec2::254/128"), "link-local or cloud metadata address"},
	{netip.MustParsePrefix("10.0.0.0/8"), "private network address"},
	{netip.MustParsePrefix("172.16.0.0/12"), "private network address"},
	{netip.MustParsePrefix("192.168.0.0/16"), "private network address"},
	{netip.MustParsePrefix("fc00::/7"), "private network address"},
	{netip.MustParsePrefix("100.64.0.0/10"), "shared address space"},
	{netip.MustParsePrefix("0.0.0.0/8"), "unspecified address"},
	{netip.MustParsePrefix("::/128"), "unspecified address"},
	{netip.MustParsePrefix("192.0.0.0/24"), "reserved address"},
	{netip.MustParsePrefix("198.18.0.0/15"), "reserved address"},
	{netip.MustParsePrefix("240.0.0.0/4"), "reserved address"},
	{netip.MustParsePrefix("224.0.0.0/4"), "multicast address"},
	{netip.MustParsePrefix("ff00::/8"), "multicast address"},
}

var blockedHostnames = map[string]string{
	"localhost":                "loopback hostname",
	"metadata.google.internal": "cloud metadata hostname",
	"metadata":                 "cloud metadata hostname",
}

// blockedReason returns a non-empty reason when addr must not be contacted.
func blockedReason(addr netip.Addr, exempt []netip.Prefix) string {
	addr = addr.Unmap()
	for _, p := range exempt {
		if p.Contains(addr) {
			return ""
		}
	}
	for _, r := range blockedRanges {
		if r.prefix.Contains(addr) {
			return r.reason
		}
	}
	return ""
}

// ValidateURL performs the static checks: scheme, hostname, and literal IP.
// It cannot see through DNS; FetchGuard.SafeFetch also validates the
// resolved addresses at dial time.
func ValidateURL(raw string) (*url.URL, error) {
	return validateURL(raw, nil)
}

func validateURL(raw string, exempt []netip.Prefix) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, &SSRFError{URL: raw, Reason: "unparsable URL"}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, &SSRFError{URL: raw, Reason: fmt.Sprintf("scheme %q not allowed", u.Scheme)}
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil, &SSRFError{URL: raw, Reason: "missing host"}
	}
	if reason, ok := blockedHostnames[host]; ok {
		return nil, &SSRFError{URL: raw, Reason: reason}
	}
	if strings.HasSuffix(host, ".localhost") {
		return nil, &SSRFError{URL: raw, Reason: "loopback hostname"}
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if reason := blockedReason(addr, exempt); reason != "" {
			return nil, &SSRFError{URL: raw, Reason: reason}
		}
	}
	return u, nil
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type FetchOptions struct {
	Method    string
	Headers   map[string]string
	Body      []byte
	TimeoutMs int
}

// FetchGuard performs outbound HTTP requests for job handlers. Hostnames are
// resolved once, every resolved address is checked, and the connection goes
// to the checked address so a second DNS answer cannot redirect it.
type FetchGuard struct {
	resolver       Resolver
	dialer         *net.Dialer
	transport      *http.Transport
	defaultTimeout time.Duration
	maxRedirects   int
	// exempt ranges bypass the address policy; only set from tests.
	exempt []netip.Prefix
}

func NewFetchGuard(defaultTimeout time.Duration) *FetchGuard {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	g := &FetchGuard{
		resolver:       net.DefaultResolver,
		dialer:         &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second},
		defaultTimeout: defaultTimeout,
		maxRedirects:   5,
	}
	g.transport = &http.Transport{
		Proxy:                 nil, // a proxy would connect on our behalf, unchecked
		DialContext:           g.dialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return g
}

func (g *FetchGuard) dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	var addrs []netip.Addr
	if literal, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{literal}
	} else {
		resolved, err := g.resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		for _, ipAddr := range resolved {
			if a, ok := netip.AddrFromSlice(ipAddr.IP); ok {
				addrs = append(addrs, a.Unmap())
			}
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}

	// Any blocked answer rejects the host; mixing public and private
	// records is a rebinding signature.
	for _, a := range addrs {
		if reason := blockedReason(a, g.exempt); reason != "" {
			return nil, &SSRFError{URL: address, Reason: fmt.Sprintf("%s resolves to %s (%s)", host, a, reason)}
		}
	}

	var lastErr error
	for _, a := range addrs {
		conn, err := g.dialer.DialContext(ctx, network, net.JoinHostPort(a.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// SafeFetch validates rawURL and performs the request under a hard timeout
// covering connect, redirects and body read. The caller closes the body.
func (g *FetchGuard) SafeFetch(ctx context.Context, rawURL string, opts FetchOptions) (*http.Response, error) {
	u, err := validateURL(rawURL, g.exempt)
	if err != nil {
		return nil, err
	}

	timeout := g.defaultTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Transport: g.transport,
		Timeout:   timeout,
		CheckRedirect: func(next *http.Request, via []*http.Request) error {
			if len(via) >= g.maxRedirects {
				return fmt.Errorf("stopped after %d redirects", g.maxRedirects)
			}
			_, err := validateURL(next.URL.String(), g.exempt)
			return err
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		var ssrfErr *SSRFError
		if errors.As(err, &ssrfErr) {
			return nil, &SSRFError{URL: rawURL, Reason: ssrfErr.Reason}
		}
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return resp, nil
}
