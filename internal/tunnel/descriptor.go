package tunnel

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"tunfleet/internal/model"
)

// DescriptorOptions are the device-side settings embedded next to the
// proxy endpoint.
type DescriptorOptions struct {
	Interface string
	MTU       int
	IPv4      string
	Mark      int
	PIDFile   string
}

type descriptor struct {
	Tunnel descriptorTunnel `yaml:"tunnel"`
	Socks5 descriptorSocks5 `yaml:"socks5"`
	Misc   descriptorMisc   `yaml:"misc"`
}

type descriptorTunnel struct {
	Name string `yaml:"name"`
	MTU  int    `yaml:"mtu"`
	IPv4 string `yaml:"ipv4"`
}

type descriptorSocks5 struct {
	Port     int    `yaml:"port"`
	Address  string `yaml:"address"`
	UDP      string `yaml:"udp"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Mark     int    `yaml:"mark"`
}

type descriptorMisc struct {
	TaskStackSize    int    `yaml:"task-stack-size"`
	ConnectTimeout   int    `yaml:"connect-timeout"`
	ReadWriteTimeout int    `yaml:"read-write-timeout"`
	LogLevel         string `yaml:"log-level"`
	PIDFile          string `yaml:"pid-file"`
}

// BuildDescriptor renders the hev-socks5-tunnel configuration for ep. The
// credentials block is present only when both username and password are set.
func BuildDescriptor(ep model.ProxyEndpoint, opts DescriptorOptions) (string, error) {
	if ep.Server == "" {
		return "", fmt.Errorf("%w: proxy server is required", ErrConfig)
	}
	if ep.Port <= 0 || ep.Port > 65535 {
		return "", fmt.Errorf("%w: proxy port %d out of range", ErrConfig, ep.Port)
	}
	d := DefaultConfig()
	if opts.Interface == "" {
		opts.Interface = d.Interface
	}
	if opts.MTU == 0 {
		opts.MTU = d.MTU
	}
	if opts.IPv4 == "" {
		opts.IPv4 = d.TunIPv4
	}
	if opts.Mark == 0 {
		opts.Mark = d.Mark
	}
	if opts.PIDFile == "" {
		opts.PIDFile = d.PIDPath
	}

	doc := descriptor{
		Tunnel: descriptorTunnel{Name: opts.Interface, MTU: opts.MTU, IPv4: opts.IPv4},
		Socks5: descriptorSocks5{Port: ep.Port, Address: ep.Server, UDP: "tcp", Mark: opts.Mark},
		Misc: descriptorMisc{
			TaskStackSize:    24576,
			ConnectTimeout:   5000,
			ReadWriteTimeout: 60000,
			LogLevel:         "warn",
			PIDFile:          opts.PIDFile,
		},
	}
	if ep.HasAuth() {
		doc.Socks5.Username = ep.Username
		doc.Socks5.Password = ep.Password
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("encode descriptor: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode descriptor: %w", err)
	}
	return buf.String(), nil
}

// ParseDescriptor recovers the endpoint from descriptor text.
func ParseDescriptor(text string) (model.ProxyEndpoint, error) {
	var doc descriptor
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return model.ProxyEndpoint{}, fmt.Errorf("parse descriptor: %w", err)
	}
	if doc.Socks5.Address == "" {
		return model.ProxyEndpoint{}, fmt.Errorf("parse descriptor: no socks5 address")
	}
	return model.ProxyEndpoint{
		Server:   doc.Socks5.Address,
		Port:     doc.Socks5.Port,
		Username: doc.Socks5.Username,
		Password: doc.Socks5.Password,
	}, nil
}
