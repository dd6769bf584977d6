package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tunfleet/internal/model"
)

// Client is a thin HTTP client for a running tunfleet daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
// Device operations can take as long as the daemon's bulk timeout, so the
// timeout is generous.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

func (c *Client) Apply(ctx context.Context, req ApplyRequest) (model.Result, error) {
	var resp model.Result
	err := c.postJSON(ctx, "/apply", req, &resp)
	return resp, err
}

func (c *Client) ApplyBulk(ctx context.Context, req BulkRequest) (map[string]model.Result, error) {
	var resp ResultsResponse
	err := c.postJSON(ctx, "/apply-bulk", req, &resp)
	return resp.Results, err
}

func (c *Client) Disconnect(ctx context.Context, req DisconnectRequest) (map[string]model.Result, error) {
	var resp ResultsResponse
	err := c.postJSON(ctx, "/disconnect", req, &resp)
	return resp.Results, err
}

// Status fetches cached statuses; device narrows to one device and refresh
// reads the devices first.
func (c *Client) Status(ctx context.Context, device string, refresh bool) (StatusResponse, error) {
	q := url.Values{}
	if device != "" {
		q.Set("device", device)
	}
	if refresh {
		q.Set("refresh", "1")
	}
	endpoint := "/status"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp StatusResponse
	err := c.getJSON(ctx, endpoint, &resp)
	return resp, err
}

func (c *Client) AlwaysOn(ctx context.Context, req AlwaysOnRequest) (model.Result, error) {
	var resp model.Result
	err := c.postJSON(ctx, "/always-on", req, &resp)
	return resp, err
}

func (c *Client) KillSwitch(ctx context.Context, req KillSwitchRequest) (model.Result, error) {
	var resp model.Result
	err := c.postJSON(ctx, "/kill-switch", req, &resp)
	return resp, err
}

func (c *Client) Proxies(ctx context.Context) (ProxiesResponse, error) {
	var resp ProxiesResponse
	err := c.getJSON(ctx, "/proxies", &resp)
	return resp, err
}

// Events streams status events to handle until ctx is canceled or the
// daemon closes the stream.
func (c *Client) Events(ctx context.Context, handle func(model.Event)) error {
	u, err := url.Parse(c.baseURL + "/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = conn.Close()
	}()

	for {
		var ev model.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		handle(ev)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		if msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
