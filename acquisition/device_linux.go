//go:build linux

package acquisition

import (
	"errors"
	"syscall"
)

// isDeviceRemoved reports whether err corresponds to ENODEV, which
// signals a fatal condition to supervisors; the more
// common ENETDOWN/ENETUNREACH cases are treated as transient by the
// caller.
func isDeviceRemoved(err error) bool {
	return errors.Is(err, syscall.ENODEV)
}
