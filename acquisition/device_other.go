//go:build !linux

package acquisition

// isDeviceRemoved always reports false on non-Linux platforms, which
// lack SocketCAN and therefore never surface ENODEV from this package's
// Bus implementations.
func isDeviceRemoved(err error) bool { return false }
