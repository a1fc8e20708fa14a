//go:build linux

package canbus

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"unsafe"
)

// SocketCAN link management. The agent brings each configured
// interface up before dialing it, applying the configured bit-rate
// while the link is still down (the kernel rejects bitrate changes on
// a live link). Bringing a link up requires CAP_NET_ADMIN; a link that
// is already up needs no privileges.

const (
	ifNameSize   = 16     // IFNAMSIZ
	siocGIFFlags = 0x8913 // SIOCGIFFLAGS
	siocSIFFlags = 0x8914 // SIOCSIFFLAGS
	iffUp        = 0x1    // IFF_UP
)

// ifreqFlags mirrors struct ifreq for flag operations on 64-bit Linux:
// 16 name bytes plus a 24-byte union beginning with a 2-byte short.
type ifreqFlags struct {
	Name  [ifNameSize]byte
	Flags uint16
	pad   [22]byte
}

// EnsureInterfaceUp prepares a CAN interface for the agent's readers
// and the OBD transactor: a link already up is left untouched; a down
// link first gets bitrate applied (when non-zero), then IFF_UP set.
func EnsureInterfaceUp(name string, bitrate uint32) error {
	flags, err := interfaceFlags(name)
	if err != nil {
		return err
	}
	if flags&iffUp != 0 {
		return nil
	}
	if bitrate > 0 {
		if err := setBitrate(name, bitrate); err != nil {
			return err
		}
	}
	if err := setInterfaceFlags(name, flags|iffUp); err != nil {
		return permissionHint(fmt.Errorf("canbus: bringing %s up: %w", name, err))
	}
	return nil
}

func interfaceFlags(name string) (uint16, error) {
	if len(name) == 0 || len(name) >= ifNameSize {
		return 0, fmt.Errorf("canbus: invalid interface name %q", name)
	}
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	defer syscall.Close(fd)
	var ifr ifreqFlags
	copy(ifr.Name[:], name)
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(siocGIFFlags), uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		return 0, errno
	}
	return ifr.Flags, nil
}

func setInterfaceFlags(name string, flags uint16) error {
	if len(name) == 0 || len(name) >= ifNameSize {
		return fmt.Errorf("canbus: invalid interface name %q", name)
	}
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_DGRAM, 0)
	if err != nil {
		return err
	}
	defer syscall.Close(fd)
	var ifr ifreqFlags
	copy(ifr.Name[:], name)
	ifr.Flags = flags
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(siocSIFFlags), uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		return errno
	}
	return nil
}

// setBitrate applies the arbitration bit-rate through iproute2, the
// same path a deployment's own setup scripts would take.
func setBitrate(name string, bitrate uint32) error {
	cmd := exec.Command("ip", "link", "set", "dev", name, "type", "can", "bitrate", fmt.Sprintf("%d", bitrate))
	if out, err := cmd.CombinedOutput(); err != nil {
		return permissionHint(fmt.Errorf("canbus: ip link set %s bitrate: %w; output: %s", name, err, string(out)))
	}
	return nil
}

// permissionHint maps EPERM to an error naming the missing capability.
func permissionHint(err error) error {
	if errors.Is(err, syscall.EPERM) {
		return fmt.Errorf("operation requires CAP_NET_ADMIN (or root): %w", err)
	}
	return err
}
