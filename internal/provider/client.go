// Package provider is a thin client for the proxy provider's account API,
// used to list the SOCKS5 proxies a fleet can be assigned to.
package provider

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"tunfleet/internal/model"
)

const (
	DefaultBaseURL = "https://dashboard.suborbit.al/api"
	DefaultPort    = 1337

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

var (
	ErrAuth          = errors.New("invalid email or password")
	ErrAccessDenied  = errors.New("access denied")
	ErrNoCredentials = errors.New("provider credentials not configured")
)

type Options struct {
	BaseURL  string
	Email    string
	Password string
	// DefaultPort is used for inventory entries without a port.
	DefaultPort int
	Timeout     time.Duration
	// RetryDelay is the pause before the single reconnect retry.
	RetryDelay time.Duration
	Logger     zerolog.Logger
}

// Client talks to the provider with HTTP basic auth.
type Client struct {
	baseURL     string
	email       string
	password    string
	defaultPort int
	retryDelay  time.Duration
	http        *http.Client
	log         zerolog.Logger
}

func NewClient(opts Options) (*Client, error) {
	if opts.Email == "" || opts.Password == "" {
		return nil, ErrNoCredentials
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.DefaultPort <= 0 {
		opts.DefaultPort = DefaultPort
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}

	// The provider sits behind a CDN that hands out clearance cookies.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		email:       opts.Email,
		password:    opts.Password,
		defaultPort: opts.DefaultPort,
		retryDelay:  opts.RetryDelay,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Jar:       jar,
			Transport: transport,
		},
		log: opts.Logger,
	}, nil
}

// User verifies the credentials and returns the account.
func (c *Client) User(ctx context.Context) (User, error) {
	var u User
	err := c.getJSON(ctx, "/user", &u)
	return u, err
}

// Proxies lists the proxies the account owns. Both a bare array and a
// {"data": [...]} envelope are accepted.
func (c *Client) Proxies(ctx context.Context) ([]Proxy, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/user/ips", &raw); err != nil {
		return nil, err
	}
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, nil
	}
	switch raw[0] {
	case '[':
		var list []Proxy
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode proxies: %w", err)
		}
		return list, nil
	case '{':
		var env proxyList
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode proxies: %w", err)
		}
		return env.Data, nil
	}
	return nil, nil
}

// Stock returns the available proxy stock by country.
func (c *Client) Stock(ctx context.Context) (Stock, error) {
	var s Stock
	err := c.getJSON(ctx, "/ips/current-stock", &s)
	return s, err
}

// Bandwidth returns the account's bandwidth usage.
func (c *Client) Bandwidth(ctx context.Context) (Bandwidth, error) {
	var b Bandwidth
	err := c.getJSON(ctx, "/user/bandwidth", &b)
	return b, err
}

// Endpoints lists the account's proxies as SOCKS5 endpoints. The SOCKS
// password is always the account password.
func (c *Client) Endpoints(ctx context.Context) ([]model.ProxyEndpoint, error) {
	proxies, err := c.Proxies(ctx)
	if err != nil {
		return nil, err
	}
	return c.ToEndpoints(proxies), nil
}

// ToEndpoints converts inventory entries, skipping ones without an address.
func (c *Client) ToEndpoints(proxies []Proxy) []model.ProxyEndpoint {
	out := make([]model.ProxyEndpoint, 0, len(proxies))
	for _, p := range proxies {
		if p.IP == "" {
			continue
		}
		port := int(p.Port)
		if port <= 0 {
			port = c.defaultPort
		}
		user := p.Username
		if user == "" {
			user = c.email
		}
		out = append(out, model.ProxyEndpoint{
			Server:   p.IP,
			Port:     port,
			Username: user,
			Password: c.password,
		})
	}
	return out
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	var body []byte
	err := retry.Do(
		func() error {
			b, err := c.do(ctx, http.MethodGet, path)
			if err != nil {
				return err
			}
			body = b
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isConnectionDrop),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug().Err(err).Str("path", path).Msg("provider connection dropped, retrying")
		}),
	)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) == "" {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.email, c.password)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized:
		return nil, ErrAuth
	case res.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: the provider may be blocking the request", ErrAccessDenied)
	case res.StatusCode < 200 || res.StatusCode >= 300:
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg != "" {
			return nil, fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return nil, fmt.Errorf("request failed: %s", res.Status)
	}
	return body, nil
}

// isConnectionDrop matches the resets a CDN produces on a fresh connection.
func isConnectionDrop(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}
