// Package probe is the outbound network layer shared by scan modules.
// It wraps HTTP fetches, DNS lookups and raw TCP queries with one
// probe budget (token bucket across all modules), per-host circuit
// breakers and a uniform timeout, so individual modules stay small and
// an unhealthy data source cannot stall a whole scan.
package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/oriys/polaris/internal/circuitbreaker"
)

// ErrSourceDown is returned when the per-host breaker rejects a probe.
// Modules report it as a transient failure so the task is retried.
var ErrSourceDown = errors.New("probe: source unavailable")

// StatusError is an HTTP response with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// maxBodyBytes caps response bodies so one misbehaving source cannot
// exhaust memory.
const maxBodyBytes = 4 << 20

// Options configures a probe client.
type Options struct {
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	Breaker    circuitbreaker.Config
}

// Client is safe for concurrent use by all modules of one scheduler.
type Client struct {
	http       *http.Client
	resolver   *net.Resolver
	limiter    *rate.Limiter
	breakers   *circuitbreaker.Registry
	breakerCfg circuitbreaker.Config
	timeout    time.Duration
}

// NewClient creates a probe client. Zero options get safe defaults.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 4
	}
	if opts.Burst <= 0 {
		opts.Burst = 8
	}
	if opts.Breaker.ErrorPct == 0 {
		opts.Breaker = circuitbreaker.Config{
			ErrorPct:       50,
			WindowDuration: time.Minute,
			OpenDuration:   30 * time.Second,
			HalfOpenProbes: 2,
		}
	}

	return &Client{
		http:       &http.Client{Timeout: opts.Timeout},
		resolver:   &net.Resolver{},
		limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		breakers:   circuitbreaker.NewRegistry(),
		breakerCfg: opts.Breaker,
		timeout:    opts.Timeout,
	}
}

// acquire waits for a probe token and checks the host breaker.
func (c *Client) acquire(ctx context.Context, host string) (*circuitbreaker.Breaker, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("probe budget: %w", err)
	}
	br := c.breakers.Get(host, c.breakerCfg)
	if br != nil && !br.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrSourceDown, host)
	}
	return br, nil
}

// do runs one HTTP request and returns the capped body. Transport
// errors and 5xx responses count against the host breaker; 4xx
// responses do not, since they usually mean the queried domain is
// unknown to the source rather than the source being down.
func (c *Client) do(ctx context.Context, method, rawURL string, payload []byte) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	br, err := c.acquire(ctx, u.Hostname())
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "polaris-scanner/1.0")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if br != nil {
			br.RecordFailure()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if br != nil {
			br.RecordFailure()
		}
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		if br != nil {
			br.RecordFailure()
		}
		return nil, &StatusError{Code: resp.StatusCode}
	}
	if br != nil {
		br.RecordSuccess()
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	return body, nil
}

// FetchJSON GETs a URL and decodes the JSON body into out.
func (c *Client) FetchJSON(ctx context.Context, rawURL string, out any) error {
	body, err := c.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// FetchText GETs a URL and returns the body as a string.
func (c *Client) FetchText(ctx context.Context, rawURL string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// PostJSON POSTs a JSON payload to a URL and decodes the JSON reply
// into out.
func (c *Client) PostJSON(ctx context.Context, rawURL string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, rawURL, raw)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// LookupIP resolves the A and AAAA records for a host.
func (c *Client) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if _, err := c.acquire(ctx, "dns"); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.resolver.LookupIP(ctx, "ip", host)
}

// LookupMX resolves the mail exchangers for a domain.
func (c *Client) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	if _, err := c.acquire(ctx, "dns"); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.resolver.LookupMX(ctx, name)
}

// LookupNS resolves the name servers for a domain.
func (c *Client) LookupNS(ctx context.Context, name string) ([]*net.NS, error) {
	if _, err := c.acquire(ctx, "dns"); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.resolver.LookupNS(ctx, name)
}

// LookupTXT resolves the TXT records for a domain.
func (c *Client) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if _, err := c.acquire(ctx, "dns"); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.resolver.LookupTXT(ctx, name)
}

// LookupAddr reverse-resolves an IP address.
func (c *Client) LookupAddr(ctx context.Context, ip string) ([]string, error) {
	if _, err := c.acquire(ctx, "dns"); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.resolver.LookupAddr(ctx, ip)
}

// QueryTCP dials addr, writes the query line and returns everything
// the peer sends until EOF. This is the whois wire protocol shape.
func (c *Client) QueryTCP(ctx context.Context, addr, query string) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parse addr: %w", err)
	}

	br, err := c.acquire(ctx, host)
	if err != nil {
		return "", err
	}

	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if br != nil {
			br.RecordFailure()
		}
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write([]byte(query + "\r\n")); err != nil {
		if br != nil {
			br.RecordFailure()
		}
		return "", fmt.Errorf("write query: %w", err)
	}

	body, err := io.ReadAll(io.LimitReader(conn, maxBodyBytes))
	if err != nil {
		if br != nil {
			br.RecordFailure()
		}
		return "", fmt.Errorf("read reply: %w", err)
	}
	if br != nil {
		br.RecordSuccess()
	}
	return string(body), nil
}

// PortOpen reports whether a TCP connect to host:port succeeds within
// the probe timeout. Refused and timed out connections are a normal
// closed-port result, not an error.
func (c *Client) PortOpen(ctx context.Context, host string, port int) bool {
	if err := c.limiter.Wait(ctx); err != nil {
		return false
	}

	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// TLSState performs a TLS handshake with host:port and returns the
// resulting connection state. Verification is skipped so callers can
// inspect expired or mismatched certificates; judging the chain is the
// caller's job.
func (c *Client) TLSState(ctx context.Context, host string, port int) (*tls.ConnectionState, error) {
	br, err := c.acquire(ctx, host)
	if err != nil {
		return nil, err
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.timeout},
		Config: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true,
		},
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if br != nil {
			br.RecordFailure()
		}
		return nil, fmt.Errorf("tls dial %s:%d: %w", host, port, err)
	}
	defer conn.Close()
	if br != nil {
		br.RecordSuccess()
	}

	state := conn.(*tls.Conn).ConnectionState()
	return &state, nil
}
