package tunnel

import (
	"errors"
	"strings"

	"tunfleet/internal/device"
)

var (
	// ErrTransport is re-exported so callers of this package can classify
	// failures without importing device.
	ErrTransport = device.ErrTransport
	// ErrConfig covers a failed binary push or descriptor write.
	ErrConfig = errors.New("tunnel config error")
	// ErrDaemonStart means the daemon was not alive after start.
	ErrDaemonStart = errors.New("daemon failed to start")
	// ErrRoutingConflict marks a route or rule that already exists. Install
	// maps it to success.
	ErrRoutingConflict = errors.New("routing entry exists")
	// ErrInterfaceMissing means a route names a device that does not exist.
	ErrInterfaceMissing = errors.New("interface missing")
)

// classify maps ip(8) stderr onto the routing sentinel errors.
func classify(stderr string) error {
	if strings.Contains(stderr, "File exists") {
		return ErrRoutingConflict
	}
	if strings.Contains(stderr, "Cannot find device") {
		return ErrInterfaceMissing
	}
	return nil
}

// isAbsent reports ip(8) errors meaning the object to delete is not there.
func isAbsent(stderr string) bool {
	for _, s := range []string{"No such process", "No such file or directory", "Cannot find device", "does not exist"} {
		if strings.Contains(stderr, s) {
			return true
		}
	}
	return false
}
