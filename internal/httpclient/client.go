// Package httpclient is the outbound JSON transport shared by the executor
// gateways and the task-board client.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/polar/errors"
)

// maxErrorBody bounds how much of a failed response body is kept in StatusError.
const maxErrorBody = 4096

// Options configures a Client.
type Options struct {
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables pacing
	Burst             int
	// BlockPrivateIP rejects loopback, link-local and RFC 1918 targets.
	// Gateways usually live on the private network, so it defaults to off.
	BlockPrivateIP bool
}

// Client posts JSON to a single base URL, paced by a token-bucket limiter.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	limiter *rate.Limiter
	opts    Options
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, body)
}

// New creates a Client for baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Newf("scheme %q not allowed (allowed: http, https)", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.New("URL missing hostname")
	}
	if opts.BlockPrivateIP {
		if isLocalhost(u.Hostname()) {
			return nil, errors.New("localhost access blocked")
		}
		if ip := net.ParseIP(u.Hostname()); ip != nil && isPrivateIP(ip) {
			return nil, errors.Newf("private IP address blocked: %s", u.Hostname())
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: opts.Timeout},
		opts:    opts,
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	if opts.BlockPrivateIP {
		c.http.Transport = privateIPBlockingTransport()
	}
	return c, nil
}

// BaseURL returns the configured endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// PostJSON sends in as JSON to path (resolved against the base URL) and
// decodes a 2xx response body into out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, path string, in, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "rate limiter wait")
		}
	}

	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "failed to encode request body")
	}

	target := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s", target.Redacted())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: data}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode response from %s", target.Redacted())
	}
	return nil
}

// AsStatusError extracts a StatusError from err's chain.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func privateIPBlockingTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			for _, ip := range ips {
				if isPrivateIP(ip) {
					return nil, errors.Newf("private IP address blocked: %s", ip)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func isPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.IsLoopback() || ip4.IsPrivate() || ip4.IsLinkLocalUnicast() ||
			ip4.IsMulticast() || ip4.IsUnspecified() || ip4[0] == 0 || ip4[0] >= 240
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsMulticast() || ip.IsUnspecified()
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}
