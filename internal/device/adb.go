package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tunfleet/internal/execx"
	"tunfleet/internal/model"
)

const (
	DefaultCommandTimeout = 6 * time.Second
	DefaultPushTimeout    = 30 * time.Second
)

// ADBConfig configures the adb-backed connector.
type ADBConfig struct {
	Path           string
	Root           bool
	CommandTimeout time.Duration
	PushTimeout    time.Duration
}

// ADB connects to devices through the adb client binary.
type ADB struct {
	cfg ADBConfig
	r   execx.Runner
	log zerolog.Logger

	mu        sync.Mutex
	connected map[string]bool
}

func NewADB(cfg ADBConfig, r execx.Runner, log zerolog.Logger) *ADB {
	if cfg.Path == "" {
		cfg.Path = "adb"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = DefaultPushTimeout
	}
	if r == nil {
		r = execx.NewOSRunner()
	}
	return &ADB{cfg: cfg, r: r, log: log, connected: make(map[string]bool)}
}

// Connect returns the channel for dev. No I/O happens until the first call.
func (a *ADB) Connect(dev model.DeviceHandle) Channel {
	return &adbChannel{adb: a, serial: dev.Address}
}

type adbChannel struct {
	adb    *ADB
	serial string
}

func (c *adbChannel) Push(ctx context.Context, localPath, remotePath string) error {
	if err := c.adb.ensureConnected(ctx, c.serial); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.adb.cfg.PushTimeout)
	defer cancel()

	out, err := c.adb.r.Run(ctx, c.adb.cfg.Path, "-s", c.serial, "push", localPath, remotePath)
	if err != nil {
		c.adb.forget(c.serial)
		return fmt.Errorf("adb push %s: %w: %v", c.serial, ErrTransport, err)
	}
	if out.ExitCode != 0 {
		msg := firstNonEmpty(out.Stderr, out.Stdout)
		if isTransportMessage(msg) {
			c.adb.forget(c.serial)
			return fmt.Errorf("adb push %s: %w: %s", c.serial, ErrTransport, msg)
		}
		return fmt.Errorf("adb push %s: %s", c.serial, msg)
	}
	return nil
}

func (c *adbChannel) Shell(ctx context.Context, cmd Command, timeout time.Duration) (Output, error) {
	if err := c.adb.ensureConnected(ctx, c.serial); err != nil {
		return Output{ExitCode: -1}, err
	}
	if timeout <= 0 {
		timeout = c.adb.cfg.CommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	line := cmd.Render(c.adb.cfg.Root)
	out, err := c.adb.r.Run(ctx, c.adb.cfg.Path, "-s", c.serial, "shell", line)
	if err != nil {
		c.adb.forget(c.serial)
		return Output{ExitCode: -1}, fmt.Errorf("adb shell %s: %w: %v", c.serial, ErrTransport, err)
	}
	if out.ExitCode != 0 && isTransportMessage(out.Stderr) {
		c.adb.forget(c.serial)
		return Output{ExitCode: out.ExitCode, Stderr: out.Stderr}, fmt.Errorf("adb shell %s: %w: %s", c.serial, ErrTransport, out.Stderr)
	}
	c.adb.log.Trace().Str("serial", c.serial).Str("cmd", line).Int("exit", out.ExitCode).Msg("adb shell")
	return Output{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}, nil
}

// ensureConnected runs `adb connect` once for network serials (host:port).
// USB serials need no connect step.
func (a *ADB) ensureConnected(ctx context.Context, serial string) error {
	if !strings.Contains(serial, ":") {
		return nil
	}
	a.mu.Lock()
	ok := a.connected[serial]
	a.mu.Unlock()
	if ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.CommandTimeout+2*time.Second)
	defer cancel()
	out, err := a.r.Run(ctx, a.cfg.Path, "connect", serial)
	if err != nil {
		return fmt.Errorf("adb connect %s: %w: %v", serial, ErrTransport, err)
	}
	text := strings.ToLower(out.Stdout + " " + out.Stderr)
	if out.ExitCode != 0 || !(strings.Contains(text, "connected to") || strings.Contains(text, "already connected")) {
		return fmt.Errorf("adb connect %s: %w: %s", serial, ErrTransport, strings.TrimSpace(firstNonEmpty(out.Stdout, out.Stderr)))
	}

	a.mu.Lock()
	a.connected[serial] = true
	a.mu.Unlock()
	return nil
}

func (a *ADB) forget(serial string) {
	a.mu.Lock()
	delete(a.connected, serial)
	a.mu.Unlock()
}

// isTransportMessage matches errors printed by the adb client itself, as
// opposed to stderr of the remote command.
func isTransportMessage(msg string) bool {
	m := strings.ToLower(strings.TrimSpace(msg))
	if !strings.HasPrefix(m, "adb: ") && !strings.HasPrefix(m, "error: ") {
		return false
	}
	for _, s := range []string{"offline", "not found", "no devices", "unauthorized", "closed", "protocol fault", "cannot connect"} {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}
