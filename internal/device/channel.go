// Package device defines the narrow command channel used to control a
// device and an adb-backed implementation of it.
package device

//go:generate mockgen -destination=mock_channel.go -package=device tunfleet/internal/device Channel,Connector

import (
	"context"
	"errors"
	"strings"
	"time"

	"tunfleet/internal/model"
)

// ErrTransport marks failures where the device could not be reached or the
// command did not complete in time.
var ErrTransport = errors.New("device unreachable")

// Output is the exit status and text output of a device shell command.
type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports a zero exit status.
func (o Output) Success() bool { return o.ExitCode == 0 }

// Contains reports whether stdout contains s.
func (o Output) Contains(s string) bool { return strings.Contains(o.Stdout, s) }

// Channel pushes files to and runs commands on one device.
type Channel interface {
	Push(ctx context.Context, localPath, remotePath string) error
	Shell(ctx context.Context, cmd Command, timeout time.Duration) (Output, error)
}

// Connector hands out the channel for a device.
type Connector interface {
	Connect(dev model.DeviceHandle) Channel
}

// BootCompleted reports whether the device finished booting.
func BootCompleted(ctx context.Context, ch Channel, timeout time.Duration) (bool, error) {
	out, err := ch.Shell(ctx, Cmd("getprop", "sys.boot_completed"), timeout)
	if err != nil {
		return false, err
	}
	return out.Success() && strings.TrimSpace(out.Stdout) == "1", nil
}
