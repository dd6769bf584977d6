package model

import (
	"net"
	"strconv"
	"time"
)

// TunnelState is derived from daemon liveness and interface presence.
type TunnelState string

const (
	StateStopped      TunnelState = "stopped"
	StateReconnecting TunnelState = "reconnecting"
	StateConnected    TunnelState = "connected"
	StateUnknown      TunnelState = "unknown"
)

// ProxyEndpoint is a SOCKS5 proxy a device tunnels through.
type ProxyEndpoint struct {
	Server   string `yaml:"server" json:"server"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Addr returns server:port.
func (p ProxyEndpoint) Addr() string {
	return net.JoinHostPort(p.Server, strconv.Itoa(p.Port))
}

// HasAuth reports whether both credentials are present.
func (p ProxyEndpoint) HasAuth() bool {
	return p.Username != "" && p.Password != ""
}

// DeviceHandle identifies one device in the fleet. Name keys all per-device state.
type DeviceHandle struct {
	Name    string `yaml:"name" json:"name"`
	Address string `yaml:"address" json:"address"`
}

// Status is the cached tunnel health of a device.
type Status struct {
	State     TunnelState `json:"state"`
	Server    string      `json:"server"`
	Error     string      `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Same compares the observable parts of two statuses.
func (s Status) Same(other Status) bool {
	return s.State == other.State && s.Server == other.Server && s.Error == other.Error
}

// Result is the outcome of a single device operation.
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func OK() Result { return Result{OK: true} }

func Failed(err error) Result {
	if err == nil {
		return Result{OK: false, Error: "unknown error"}
	}
	return Result{OK: false, Error: err.Error()}
}

// Assignment pairs a device with the endpoint it should tunnel through.
type Assignment struct {
	Device   DeviceHandle  `json:"device"`
	Endpoint ProxyEndpoint `json:"endpoint"`
}

// Event is emitted whenever a device's cached status changes.
type Event struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Device   string    `json:"device"`
	Previous Status    `json:"previous"`
	Current  Status    `json:"current"`
	Reason   string    `json:"reason,omitempty"`
}

// Transition is a journal row derived from an Event.
type Transition struct {
	Timestamp time.Time
	Device    string
	From      TunnelState
	To        TunnelState
	Server    string
	Reason    string
}
