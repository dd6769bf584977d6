package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"tunfleet/internal/device"
	"tunfleet/internal/logger"
	"tunfleet/internal/model"
	"tunfleet/internal/reconnect"
	"tunfleet/internal/tunnel"
)

const (
	DefaultPath         = "tunfleet.yaml"
	DefaultStatePath    = "state/tunfleet-state.yaml"
	DefaultJournalPath  = "state/journal.csv"
	DefaultListen       = "127.0.0.1:8650"
	DefaultPollInterval = 5 * time.Second
	DefaultBootCooldown = 30 * time.Second
	DefaultBulkTimeout  = 30 * time.Second
	DefaultEventBuffer  = 64
	DefaultProviderPort = 1337
	DefaultNATSSubject  = "tunfleet.status"
	DefaultProviderURL  = "https://dashboard.suborbit.al/api"
	DefaultADBPath      = "adb"
)

// Config is the whole tunfleet configuration file.
type Config struct {
	Log         logger.Config        `yaml:"log"`
	ADB         ADBConfig            `yaml:"adb"`
	Tunnel      TunnelConfig         `yaml:"tunnel"`
	Manager     ManagerConfig        `yaml:"manager"`
	Devices     []model.DeviceHandle `yaml:"devices"`
	Provider    ProviderConfig       `yaml:"provider"`
	StatePath   string               `yaml:"state_path"`
	JournalPath string               `yaml:"journal_path"`
	API         APIConfig            `yaml:"api"`
	NATS        NATSConfig           `yaml:"nats"`
	STUNServers []string             `yaml:"stun_servers"`
}

type ADBConfig struct {
	Path           string        `yaml:"path"`
	Root           *bool         `yaml:"root"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	PushTimeout    time.Duration `yaml:"push_timeout"`
}

// TunnelConfig mirrors tunnel.Config; zero fields take the tunnel defaults.
type TunnelConfig struct {
	BinaryLocal    string        `yaml:"binary_local"`
	BinaryRemote   string        `yaml:"binary_remote"`
	ConfigPath     string        `yaml:"config_path"`
	PIDPath        string        `yaml:"pid_path"`
	Interface      string        `yaml:"interface"`
	MTU            int           `yaml:"mtu"`
	TunIPv4        string        `yaml:"tun_ipv4"`
	Mark           int           `yaml:"mark"`
	Gateway        string        `yaml:"gateway"`
	GatewayIface   string        `yaml:"gateway_iface"`
	RulePrefBypass int           `yaml:"rule_pref_bypass"`
	RulePrefMain   int           `yaml:"rule_pref_main"`
	UpAttempts     int           `yaml:"up_attempts"`
	UpInterval     time.Duration `yaml:"up_interval"`
}

type ManagerConfig struct {
	PollInterval         time.Duration `yaml:"poll_interval"`
	BootCooldown         time.Duration `yaml:"boot_cooldown"`
	BulkTimeout          time.Duration `yaml:"bulk_timeout"`
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	EventBuffer          int           `yaml:"event_buffer"`
}

type ProviderConfig struct {
	BaseURL     string `yaml:"base_url"`
	Email       string `yaml:"email"`
	Password    string `yaml:"password"`
	DefaultPort int    `yaml:"default_port"`
}

// Enabled reports whether provider credentials are configured.
func (p ProviderConfig) Enabled() bool {
	return p.Email != "" && p.Password != ""
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Default returns a config with every default applied and no devices.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk. It may hold provider
// credentials, so it is written owner-only.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the fields the daemon cannot run without.
func Validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Devices))
	for i, d := range cfg.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d].name is required", i)
		}
		if d.Address == "" {
			return fmt.Errorf("devices[%d].address is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true
	}
	if err := cfg.TunnelConfig().Validate(); err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	if cfg.Manager.PollInterval <= 0 {
		return fmt.Errorf("manager.poll_interval must be positive")
	}
	if cfg.Manager.BulkTimeout <= 0 {
		return fmt.Errorf("manager.bulk_timeout must be positive")
	}
	if cfg.Manager.ReconnectMax < cfg.Manager.ReconnectBase {
		return fmt.Errorf("manager.reconnect_max must not be below reconnect_base")
	}
	if cfg.API.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			return fmt.Errorf("api.listen: %w", err)
		}
	}
	if (cfg.Provider.Email == "") != (cfg.Provider.Password == "") {
		return fmt.Errorf("provider.email and provider.password must be set together")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.ADB.Path == "" {
		cfg.ADB.Path = DefaultADBPath
	}
	if cfg.ADB.Root == nil {
		root := true
		cfg.ADB.Root = &root
	}
	if cfg.ADB.CommandTimeout == 0 {
		cfg.ADB.CommandTimeout = device.DefaultCommandTimeout
	}
	if cfg.ADB.PushTimeout == 0 {
		cfg.ADB.PushTimeout = device.DefaultPushTimeout
	}

	td := tunnel.DefaultConfig()
	t := &cfg.Tunnel
	setString(&t.BinaryLocal, td.BinaryLocal)
	setString(&t.BinaryRemote, td.BinaryRemote)
	setString(&t.ConfigPath, td.ConfigPath)
	setString(&t.PIDPath, td.PIDPath)
	setString(&t.Interface, td.Interface)
	setString(&t.TunIPv4, td.TunIPv4)
	setString(&t.Gateway, td.Gateway)
	setString(&t.GatewayIface, td.GatewayIface)
	setInt(&t.MTU, td.MTU)
	setInt(&t.Mark, td.Mark)
	setInt(&t.RulePrefBypass, td.RulePrefBypass)
	setInt(&t.RulePrefMain, td.RulePrefMain)
	setInt(&t.UpAttempts, td.UpAttempts)
	if t.UpInterval == 0 {
		t.UpInterval = td.UpInterval
	}

	m := &cfg.Manager
	if m.PollInterval == 0 {
		m.PollInterval = DefaultPollInterval
	}
	if m.BootCooldown == 0 {
		m.BootCooldown = DefaultBootCooldown
	}
	if m.BulkTimeout == 0 {
		m.BulkTimeout = DefaultBulkTimeout
	}
	if m.ReconnectBase == 0 {
		m.ReconnectBase = reconnect.DefaultBase
	}
	if m.ReconnectMax == 0 {
		m.ReconnectMax = reconnect.DefaultMax
	}
	setInt(&m.ReconnectMaxAttempts, reconnect.DefaultMaxAttempts)
	setInt(&m.EventBuffer, DefaultEventBuffer)

	setString(&cfg.Provider.BaseURL, DefaultProviderURL)
	setInt(&cfg.Provider.DefaultPort, DefaultProviderPort)
	setString(&cfg.StatePath, DefaultStatePath)
	setString(&cfg.JournalPath, DefaultJournalPath)
	setString(&cfg.API.Listen, DefaultListen)
	setString(&cfg.NATS.Subject, DefaultNATSSubject)
}

// TunnelConfig converts the tunnel section for the tunnel package.
func (c Config) TunnelConfig() tunnel.Config {
	t := c.Tunnel
	cfg := tunnel.DefaultConfig()
	cfg.BinaryLocal = t.BinaryLocal
	cfg.BinaryRemote = t.BinaryRemote
	cfg.ConfigPath = t.ConfigPath
	cfg.PIDPath = t.PIDPath
	cfg.Interface = t.Interface
	cfg.MTU = t.MTU
	cfg.TunIPv4 = t.TunIPv4
	cfg.Mark = t.Mark
	cfg.Gateway = t.Gateway
	cfg.GatewayIface = t.GatewayIface
	cfg.RulePrefBypass = t.RulePrefBypass
	cfg.RulePrefMain = t.RulePrefMain
	cfg.UpAttempts = t.UpAttempts
	cfg.UpInterval = t.UpInterval
	if c.ADB.CommandTimeout > 0 {
		cfg.CommandTimeout = c.ADB.CommandTimeout
	}
	return cfg
}

// ADBConfig converts the adb section for the device package.
func (c Config) ADBConfig() device.ADBConfig {
	root := c.ADB.Root == nil || *c.ADB.Root
	return device.ADBConfig{
		Path:           c.ADB.Path,
		Root:           root,
		CommandTimeout: c.ADB.CommandTimeout,
		PushTimeout:    c.ADB.PushTimeout,
	}
}

// Policy returns the reconnect policy of the manager section.
func (c Config) Policy() reconnect.Policy {
	return reconnect.Policy{
		Base:        c.Manager.ReconnectBase,
		Max:         c.Manager.ReconnectMax,
		MaxAttempts: c.Manager.ReconnectMaxAttempts,
	}
}

// Device looks up a configured device by name.
func (c Config) Device(name string) (model.DeviceHandle, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return model.DeviceHandle{}, false
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}
