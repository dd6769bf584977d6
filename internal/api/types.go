package api

import "tunfleet/internal/model"

// ApplyRequest starts a tunnel. The endpoint is given either structured or
// as a proxy string such as host:port:user:pass.
type ApplyRequest struct {
	Device   string               `json:"device"`
	Endpoint *model.ProxyEndpoint `json:"endpoint,omitempty"`
	Proxy    string               `json:"proxy,omitempty"`
}

type BulkRequest struct {
	Assignments []ApplyRequest `json:"assignments"`
}

// DisconnectRequest names one device, or every tracked device with All.
type DisconnectRequest struct {
	Device string `json:"device,omitempty"`
	All    bool   `json:"all,omitempty"`
}

// ResultsResponse maps device names to operation outcomes.
type ResultsResponse struct {
	Results map[string]model.Result `json:"results"`
}

type StatusResponse struct {
	Devices    map[string]model.Status `json:"devices"`
	AlwaysOn   []string                `json:"always_on"`
	KillSwitch []string                `json:"kill_switch"`
	Polling    bool                    `json:"polling"`
}

// AlwaysOnRequest enables or disables automatic reconnects. With no
// endpoint the persisted assignment, then the device's own descriptor, is
// used.
type AlwaysOnRequest struct {
	Device   string               `json:"device"`
	Enabled  bool                 `json:"enabled"`
	Endpoint *model.ProxyEndpoint `json:"endpoint,omitempty"`
	Proxy    string               `json:"proxy,omitempty"`
}

type KillSwitchRequest struct {
	Device  string `json:"device"`
	Enabled bool   `json:"enabled"`
}

type ProxiesResponse struct {
	Proxies []model.ProxyEndpoint `json:"proxies"`
	Added   int                   `json:"added"`
}
