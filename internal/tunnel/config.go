package tunnel

import (
	"fmt"
	"path"
	"time"
)

// Legacy routing state left on devices by older releases. Teardown removes it.
const (
	LegacyTable        = 20
	LegacyRulePref     = 20
	LegacyRulePrefHigh = 14000
	LegacyMarkRulePref = 10
	LegacyChain        = "JORK_KS"
)

// Config holds the on-device paths and routing constants.
type Config struct {
	BinaryLocal    string
	BinaryRemote   string
	ConfigPath     string
	PIDPath        string
	Interface      string
	MTU            int
	TunIPv4        string
	Mark           int
	Gateway        string
	GatewayIface   string
	RulePrefBypass int
	RulePrefMain   int
	UpAttempts     int
	UpInterval     time.Duration
	CommandTimeout time.Duration
	PushAttempts   int
	PushDelay      time.Duration
}

func DefaultConfig() Config {
	return Config{
		BinaryLocal:    "bin/hev-socks5-tunnel",
		BinaryRemote:   "/data/local/tmp/hev-socks5-tunnel",
		ConfigPath:     "/data/local/tmp/hev-socks5-tunnel.yml",
		PIDPath:        "/data/local/tmp/hev-socks5-tunnel.pid",
		Interface:      "tun0",
		MTU:            1500,
		TunIPv4:        "198.18.0.1",
		Mark:           438,
		Gateway:        "10.0.2.2",
		GatewayIface:   "eth0",
		RulePrefBypass: 9000,
		RulePrefMain:   9500,
		UpAttempts:     10,
		UpInterval:     500 * time.Millisecond,
		CommandTimeout: 6 * time.Second,
		PushAttempts:   3,
		PushDelay:      time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BinaryLocal == "" {
		c.BinaryLocal = d.BinaryLocal
	}
	if c.BinaryRemote == "" {
		c.BinaryRemote = d.BinaryRemote
	}
	if c.ConfigPath == "" {
		c.ConfigPath = d.ConfigPath
	}
	if c.PIDPath == "" {
		c.PIDPath = d.PIDPath
	}
	if c.Interface == "" {
		c.Interface = d.Interface
	}
	if c.MTU == 0 {
		c.MTU = d.MTU
	}
	if c.TunIPv4 == "" {
		c.TunIPv4 = d.TunIPv4
	}
	if c.Mark == 0 {
		c.Mark = d.Mark
	}
	if c.Gateway == "" {
		c.Gateway = d.Gateway
	}
	if c.GatewayIface == "" {
		c.GatewayIface = d.GatewayIface
	}
	if c.RulePrefBypass == 0 {
		c.RulePrefBypass = d.RulePrefBypass
	}
	if c.RulePrefMain == 0 {
		c.RulePrefMain = d.RulePrefMain
	}
	if c.UpAttempts == 0 {
		c.UpAttempts = d.UpAttempts
	}
	if c.UpInterval == 0 {
		c.UpInterval = d.UpInterval
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.PushAttempts == 0 {
		c.PushAttempts = d.PushAttempts
	}
	if c.PushDelay == 0 {
		c.PushDelay = d.PushDelay
	}
	return c
}

// processName is the name pkill matches for a stray daemon.
func (c Config) processName() string {
	return path.Base(c.BinaryRemote)
}

func (c Config) descriptorOptions() DescriptorOptions {
	return DescriptorOptions{
		Interface: c.Interface,
		MTU:       c.MTU,
		IPv4:      c.TunIPv4,
		Mark:      c.Mark,
		PIDFile:   c.PIDPath,
	}
}

func (c Config) Validate() error {
	if c.RulePrefBypass >= c.RulePrefMain {
		return fmt.Errorf("rule_pref_bypass (%d) must be lower than rule_pref_main (%d)", c.RulePrefBypass, c.RulePrefMain)
	}
	if c.MTU < 576 || c.MTU > 9000 {
		return fmt.Errorf("mtu %d out of range", c.MTU)
	}
	return nil
}
