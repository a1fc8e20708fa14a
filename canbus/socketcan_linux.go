//go:build linux

package canbus

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/vectaiot/edgeagent/fault"
)

// TimestampMode selects which kernel timestamp source Receive should request.
type TimestampMode uint8

const (
	// TimestampModePolling takes time.Now() on receipt; no kernel cooperation needed.
	TimestampModePolling TimestampMode = iota
	// TimestampModeKernelSoftware requests SO_TIMESTAMP control messages.
	TimestampModeKernelSoftware
	// TimestampModeKernelHardware requests SO_TIMESTAMPING and prefers the
	// hardware timestamp field, falling back to the software field in the
	// same control message when the adapter does not support it.
	TimestampModeKernelHardware
)

// socketCAN implements Bus over Linux SocketCAN using raw syscalls only.
type socketCAN struct {
	fd     int
	file   *os.File
	closed chan struct{}
	tsMode TimestampMode
	fd64   bool // CAN-FD frames requested via CAN_RAW_FD_FRAMES
}

// DialSocketCANOptions configures DialSocketCAN.
type DialSocketCANOptions struct {
	EnableFD  bool
	Timestamp TimestampMode
}

// DialSocketCAN opens a raw CAN socket bound to the given interface name (e.g., "can0").
func DialSocketCAN(iface string, opts DialSocketCANOptions) (Bus, error) {
	const AF_CAN = 29
	const CAN_RAW = 1
	fd, err := syscall.Socket(AF_CAN, syscall.SOCK_RAW, CAN_RAW)
	if err != nil {
		return nil, err
	}

	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}

	type sockaddrCAN struct {
		Family  uint16
		_pad    uint16
		Ifindex int32
		Addr    [8]byte
	}
	sa := sockaddrCAN{Family: AF_CAN, Ifindex: int32(netIf.Index)}
	_, _, e := syscall.Syscall(syscall.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa))
	if e != 0 {
		syscall.Close(fd)
		return nil, e
	}

	fd64 := false
	if opts.EnableFD {
		const SOL_CAN_RAW = 101
		const CAN_RAW_FD_FRAMES = 5
		if err := syscall.SetsockoptInt(fd, SOL_CAN_RAW, CAN_RAW_FD_FRAMES, 1); err == nil {
			fd64 = true
		}
		// Fall back silently to classical CAN if the driver rejects FD mode;
		// the reader still interprets 16-byte frames correctly.
	}

	switch opts.Timestamp {
	case TimestampModeKernelSoftware:
		_ = syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_TIMESTAMP, 1)
	case TimestampModeKernelHardware:
		const SO_TIMESTAMPING = 37
		_ = syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, SO_TIMESTAMPING, 1)
	}

	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), "socketcan")
	return &socketCAN{fd: fd, file: f, closed: make(chan struct{}), tsMode: opts.Timestamp, fd64: fd64}, nil
}

func (s *socketCAN) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	return s.file.Close()
}

// Send writes one frame using the Linux can_frame/canfd_frame binary layout.
func (s *socketCAN) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	buf, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	for {
		n, werr := syscall.Write(s.fd, buf)
		if werr == nil {
			if n != len(buf) {
				return errors.New("canbus: short write")
			}
			return nil
		}
		if werr == syscall.EAGAIN || werr == syscall.EWOULDBLOCK {
			if err := s.waitWritable(ctx); err != nil {
				return err
			}
			continue
		}
		return werr
	}
}

// Receive reads one frame, blocking respecting context, extracting the
// kernel timestamp when the socket was configured to request one.
func (s *socketCAN) Receive(ctx context.Context) (Frame, error) {
	for {
		f, ok, err := s.tryReceiveOne()
		if err != nil {
			return Frame{}, err
		}
		if ok {
			return f, nil
		}
		if err := s.waitReadable(ctx); err != nil {
			return Frame{}, err
		}
	}
}

// ReceiveBatch drains up to max already-queued frames without
// blocking.
func (s *socketCAN) ReceiveBatch(ctx context.Context, max int) ([]Frame, error) {
	if max <= 0 {
		max = 1
	}
	var out []Frame
	for len(out) < max {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}
		f, ok, err := s.tryReceiveOne()
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *socketCAN) tryReceiveOne() (Frame, bool, error) {
	bufLen := 16
	if s.fd64 {
		bufLen = 72
	}
	buf := make([]byte, bufLen)
	oob := make([]byte, 64)

	n, oobn, _, _, rerr := syscall.Recvmsg(s.fd, buf, oob, 0)
	if rerr == nil {
		if n != bufLen {
			return Frame{}, false, errors.New("canbus: short read")
		}
		var f Frame
		if err := f.UnmarshalBinary(buf); err != nil {
			return Frame{}, false, err
		}
		f.Timestamp, f.Source = s.extractTimestamp(oob[:oobn])
		return f, true, nil
	}
	switch rerr {
	case syscall.EAGAIN:
		return Frame{}, false, nil
	case syscall.ENETDOWN, syscall.ENETUNREACH:
		return Frame{}, false, fault.New(fault.KindBusTransient, rerr)
	case syscall.ENODEV:
		return Frame{}, false, fault.New(fault.KindBusFatal, rerr)
	default:
		return Frame{}, false, rerr
	}
}

// extractTimestamp decodes a SO_TIMESTAMP/SO_TIMESTAMPING control message.
// When absent (mode polling, or the kernel did not attach one) it falls
// back to time.Now() with Source TimestampPolled.
func (s *socketCAN) extractTimestamp(oob []byte) (time.Time, TimestampSource) {
	if len(oob) == 0 || s.tsMode == TimestampModePolling {
		return time.Now(), TimestampPolled
	}
	msgs, err := syscall.ParseSocketControlMessage(oob)
	if err != nil {
		return time.Now(), TimestampPolled
	}
	for _, m := range msgs {
		if m.Header.Level != syscall.SOL_SOCKET {
			continue
		}
		switch {
		case m.Header.Type == syscall.SO_TIMESTAMP && len(m.Data) >= 16:
			sec := int64(hostEndianUint64(m.Data[0:8]))
			usec := int64(hostEndianUint64(m.Data[8:16]))
			return time.Unix(sec, usec*1000), TimestampKernelSoftware
		case m.Header.Type == 37 && len(m.Data) >= 32: // SO_TIMESTAMPING scm_timestamping
			// struct scm_timestamping { struct timespec ts[3]; } — software (ts[0])
			// then a legacy field, then hardware (ts[2]) when the adapter supports it.
			hwSec := int64(hostEndianUint64(m.Data[32:40]))
			if hwSec != 0 && len(m.Data) >= 48 {
				hwNsec := int64(hostEndianUint64(m.Data[40:48]))
				return time.Unix(hwSec, hwNsec), TimestampHardware
			}
			swSec := int64(hostEndianUint64(m.Data[0:8]))
			swNsec := int64(hostEndianUint64(m.Data[8:16]))
			return time.Unix(swSec, swNsec), TimestampKernelSoftware
		}
	}
	return time.Now(), TimestampPolled
}

func hostEndianUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func (s *socketCAN) waitReadable(ctx context.Context) error {
	return s.wait(ctx, true, false)
}

func (s *socketCAN) waitWritable(ctx context.Context) error {
	return s.wait(ctx, false, true)
}

func (s *socketCAN) wait(ctx context.Context, r, w bool) error {
	for {
		var timeout *syscall.Timeval
		if deadline, ok := ctx.Deadline(); ok {
			d := time.Until(deadline)
			if d <= 0 {
				return ctx.Err()
			}
			timeout = &syscall.Timeval{Sec: int64(d / time.Second), Usec: int64((d % time.Second) / time.Microsecond)}
		} else {
			timeout = &syscall.Timeval{Sec: 0, Usec: 50_000}
		}

		var readfds, writefds syscall.FdSet
		if r {
			fdSetAdd(&readfds, s.fd)
		}
		if w {
			fdSetAdd(&writefds, s.fd)
		}
		nfds := s.fd + 1
		_, err := syscall.Select(nfds, &readfds, &writefds, nil, timeout)
		if err == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return nil
			}
		}
		if err == syscall.EINTR {
			continue
		}
		return err
	}
}

func fdSetAdd(set *syscall.FdSet, fd int) {
	set.Bits[fd/64] |= int64(1) << (uint(fd) % 64)
}
