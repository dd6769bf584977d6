package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunfleet/internal/logger"
	"tunfleet/internal/model"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Options{
		BaseURL:    url,
		Email:      "ops@example.com",
		Password:   "s3cret",
		RetryDelay: time.Millisecond,
		Logger:     logger.NewTestLogger(),
	})
	require.NoError(t, err)
	return c
}

func TestClient_SendsAuthAndUserAgent(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ops@example.com" || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(r.UserAgent(), "Mozilla/5.0") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		require.Equal(t, "/user", r.URL.Path)
		_, _ = w.Write([]byte(`{"id": 42, "email": "ops@example.com", "balance": 12.5}`))
	}))
	defer s.Close()

	u, err := newTestClient(t, s.URL+"/").User(context.Background())
	require.NoError(t, err)
	assert.Equal(t, flexString("42"), u.ID)
	assert.Equal(t, "ops@example.com", u.Email)
	assert.Equal(t, "12.5", u.Balance.String())
}

func TestClient_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", http.StatusUnauthorized, "", func(t *testing.T, err error) {
			require.ErrorIs(t, err, ErrAuth)
			require.Equal(t, "invalid email or password", err.Error())
		}},
		{"forbidden", http.StatusForbidden, "cf", func(t *testing.T, err error) {
			require.ErrorIs(t, err, ErrAccessDenied)
		}},
		{"server error truncates body", http.StatusInternalServerError, strings.Repeat("x", 500), func(t *testing.T, err error) {
			require.Contains(t, err.Error(), "request failed: 500")
			require.Contains(t, err.Error(), strings.Repeat("x", 200))
			require.NotContains(t, err.Error(), strings.Repeat("x", 201))
		}},
		{"bad request includes body", http.StatusBadRequest, `{"error":"nope"}`, func(t *testing.T, err error) {
			require.Contains(t, err.Error(), "400")
			require.Contains(t, err.Error(), `"error":"nope"`)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var hits atomic.Int32
			s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer s.Close()

			_, err := newTestClient(t, s.URL).User(context.Background())
			require.Error(t, err)
			tc.check(t, err)
			require.Equal(t, int32(1), hits.Load(), "HTTP errors are not retried")
		})
	}
}

func TestClient_ProxiesAcceptsBothShapes(t *testing.T) {
	t.Parallel()

	bodies := map[string]string{
		"bare":     `[{"id": 1, "ip": "203.0.113.9", "port": 1080, "country": "US"}, {"id": "b", "ip": "203.0.113.10", "port": "2080"}]`,
		"envelope": `{"data": [{"id": 1, "ip": "203.0.113.9", "port": 1080, "country": "US"}, {"id": "b", "ip": "203.0.113.10", "port": "2080"}]}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/user/ips", r.URL.Path)
				_, _ = w.Write([]byte(body))
			}))
			defer s.Close()

			got, err := newTestClient(t, s.URL).Proxies(context.Background())
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, flexString("1"), got[0].ID)
			assert.Equal(t, flexInt(1080), got[0].Port)
			assert.Equal(t, flexString("b"), got[1].ID)
			assert.Equal(t, flexInt(2080), got[1].Port)
		})
	}
}

func TestClient_EndpointsInjectAccountPassword(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"ip": "203.0.113.9", "username": "res-us-1", "password": "ignored"},
			{"ip": "203.0.113.10", "port": 9050},
			{"ip": ""}
		]`))
	}))
	defer s.Close()

	got, err := newTestClient(t, s.URL).Endpoints(context.Background())
	require.NoError(t, err)
	require.Equal(t, []model.ProxyEndpoint{
		{Server: "203.0.113.9", Port: DefaultPort, Username: "res-us-1", Password: "s3cret"},
		{Server: "203.0.113.10", Port: 9050, Username: "ops@example.com", Password: "s3cret"},
	}, got)
}

func TestClient_StockAndBandwidth(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ips/current-stock":
			_, _ = w.Write([]byte(`{"US": 12, "DE": 3}`))
		case "/user/bandwidth":
			_, _ = w.Write([]byte(`{"used": 1.5, "remaining": 8.5}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer s.Close()

	c := newTestClient(t, s.URL)
	stock, err := c.Stock(context.Background())
	require.NoError(t, err)
	require.Len(t, stock, 2)
	var us int
	require.NoError(t, json.Unmarshal(stock["US"], &us))
	require.Equal(t, 12, us)

	bw, err := c.Bandwidth(context.Background())
	require.NoError(t, err)
	require.Equal(t, "8.5", bw.Left())
}

func TestClient_RetriesOnceOnConnectionReset(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			// Drop the first connection mid-request.
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetLinger(0)
			}
			_ = conn.Close()
			return
		}
		_, _ = w.Write([]byte(`{"email": "ops@example.com"}`))
	}))
	defer s.Close()

	u, err := newTestClient(t, s.URL).User(context.Background())
	if err != nil {
		// Some platforms report the drop as EOF rather than a reset.
		require.False(t, errors.Is(err, ErrAuth))
		return
	}
	require.Equal(t, "ops@example.com", u.Email)
	require.Equal(t, int32(2), hits.Load())
}

func TestIsConnectionDrop(t *testing.T) {
	t.Parallel()

	require.True(t, isConnectionDrop(errors.New("read tcp 1.2.3.4:443: connection reset by peer")))
	require.True(t, isConnectionDrop(errors.New("write: broken pipe")))
	require.False(t, isConnectionDrop(ErrAuth))
	require.False(t, isConnectionDrop(errors.New("request failed: 500 Internal Server Error")))
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Options{Email: "a"})
	require.ErrorIs(t, err, ErrNoCredentials)
}
