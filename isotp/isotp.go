// Package isotp implements the ISO 15765-2 transport protocol layered over
// CAN, used by the obd package for request/response exchanges with ECUs
// that exceed a single CAN frame's 7-byte payload.
//
// The state machine covers single/first/consecutive/flow-control
// frames, the STmin/block-size flow control parameters, and the
// alternating sequence toggle, built around context.Context
// request/response calls instead of fire-and-forget goroutines, since
// the OBD transactor needs a bounded P2 timeout rather than open-ended
// delivery.
package isotp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vectaiot/edgeagent/canbus"
)

// Protocol control information nibbles (upper nibble of the first data byte).
const (
	pciSingleFrame       = 0x00
	pciFirstFrame        = 0x10
	pciConsecutiveFrame  = 0x20
	pciFlowControl       = 0x30
	fcFlagContinueToSend = 0x0
	fcFlagWait           = 0x1
	fcFlagOverflow       = 0x2
)

// Config holds the flow-control parameters this session advertises to a
// remote sender of multi-frame messages.
type Config struct {
	// BlockSize is the number of consecutive frames a peer may send before
	// waiting for another flow-control frame. 0 means unlimited.
	BlockSize uint8
	// STmin is the minimum separation time (ms, 0..127) a peer must respect
	// between consecutive frames it sends to us.
	STmin uint8
	// P2 bounds how long Request waits for a response (100ms default).
	P2 time.Duration
}

// DefaultConfig matches common OBD-II ISO-TP defaults.
var DefaultConfig = Config{BlockSize: 0, STmin: 0, P2: 100 * time.Millisecond}

var (
	ErrBusy      = errors.New("isotp: session busy")
	ErrTimeout   = errors.New("isotp: timeout waiting for peer")
	ErrOverflow  = errors.New("isotp: peer reported buffer overflow")
	ErrMalformed = errors.New("isotp: malformed frame")
)

// Session is a single-peer ISO-TP conversation: requests are written with
// TxID, responses are read with RxID. One Session serves exactly one ECU;
// the obd package owns one Session per discovered ECU.
type Session struct {
	bus   canbus.Bus
	txID  uint32
	rxID  uint32
	ext   bool
	cfg   Config
	inbox <-chan canbus.Frame
	stop  func()
}

// NewSession creates an ISO-TP session. frames must already be filtered
// (by the owning Mux) to deliver only rxID traffic to this session.
func NewSession(bus canbus.Bus, txID, rxID uint32, extended bool, cfg Config, frames <-chan canbus.Frame, stop func()) *Session {
	if cfg.P2 <= 0 {
		cfg.P2 = DefaultConfig.P2
	}
	return &Session{bus: bus, txID: txID, rxID: rxID, ext: extended, cfg: cfg, inbox: frames, stop: stop}
}

// Close releases the underlying frame subscription.
func (s *Session) Close() {
	if s.stop != nil {
		s.stop()
	}
}

// Flush discards frames queued on the session's inbox, consuming
// anything that arrives before deadline, and returns the number
// discarded. The OBD transactor uses it after a broadcast-answered
// request to drain other ECUs' replies so they are not misread as the
// next request's response.
func (s *Session) Flush(deadline time.Time) int {
	n := 0
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			for {
				select {
				case _, ok := <-s.inbox:
					if !ok {
						return n
					}
					n++
				default:
					return n
				}
			}
		}
		timer := time.NewTimer(remaining)
		select {
		case _, ok := <-s.inbox:
			timer.Stop()
			if !ok {
				return n
			}
			n++
		case <-timer.C:
			return n
		}
	}
}

// Request sends payload to the peer and waits for a complete response,
// honoring flow control in both directions, bounded by ctx and by the
// session's configured P2 timeout for the response phase.
func (s *Session) Request(ctx context.Context, payload []byte) ([]byte, error) {
	if err := s.send(ctx, payload); err != nil {
		return nil, fmt.Errorf("isotp: send: %w", err)
	}
	return s.receive(ctx)
}

func (s *Session) send(ctx context.Context, payload []byte) error {
	if len(payload) <= 7 {
		return s.bus.Send(ctx, s.frame([]byte{byte(pciSingleFrame | len(payload))}, payload))
	}
	return s.sendMultiFrame(ctx, payload)
}

func (s *Session) sendMultiFrame(ctx context.Context, payload []byte) error {
	total := len(payload)
	first := s.frame([]byte{byte(pciFirstFrame) | byte(total>>8), byte(total)}, payload[:6])
	if err := s.bus.Send(ctx, first); err != nil {
		return err
	}
	sent := 6

	fcCtx, cancel := context.WithTimeout(ctx, s.cfg.P2)
	flag, blockSize, stMin, err := s.awaitFlowControl(fcCtx)
	cancel()
	if err != nil {
		return err
	}
	if flag == fcFlagOverflow {
		return ErrOverflow
	}

	sn := byte(1)
	remainingInBlock := int(blockSize)
	if blockSize == 0 {
		remainingInBlock = -1 // unlimited
	}
	for sent < total {
		n := 7
		if total-sent < 7 {
			n = total - sent
		}
		cf := s.frame([]byte{byte(pciConsecutiveFrame) | (sn & 0x0F)}, payload[sent:sent+n])
		if err := s.bus.Send(ctx, cf); err != nil {
			return err
		}
		sent += n
		sn = (sn + 1) & 0x0F
		if remainingInBlock > 0 {
			remainingInBlock--
		}
		if remainingInBlock == 0 && sent < total {
			fcCtx, cancel := context.WithTimeout(ctx, s.cfg.P2)
			flag, blockSize, stMin, err = s.awaitFlowControl(fcCtx)
			cancel()
			if err != nil {
				return err
			}
			if flag == fcFlagOverflow {
				return ErrOverflow
			}
			remainingInBlock = int(blockSize)
			if blockSize == 0 {
				remainingInBlock = -1
			}
		}
		if sent < total && stMin > 0 {
			select {
			case <-time.After(separationDelay(stMin)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func separationDelay(stMin uint8) time.Duration {
	if stMin <= 0x7F {
		return time.Duration(stMin) * time.Millisecond
	}
	if stMin >= 0xF1 && stMin <= 0xF9 {
		return time.Duration(stMin-0xF0) * 100 * time.Microsecond
	}
	return time.Millisecond
}

func (s *Session) awaitFlowControl(ctx context.Context) (flag, blockSize, stMin uint8, err error) {
	for {
		select {
		case f, ok := <-s.inbox:
			if !ok {
				return 0, 0, 0, ErrTimeout
			}
			if f.Len < 1 || f.Data[0]&0xF0 != pciFlowControl {
				continue
			}
			return f.Data[0] & 0x0F, f.Data[1], f.Data[2], nil
		case <-ctx.Done():
			return 0, 0, 0, ErrTimeout
		}
	}
}

// receive reassembles a single- or multi-frame message from the inbox,
// sending flow control frames as needed, bounded by the session's P2.
func (s *Session) receive(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.P2)
	defer cancel()

	var f canbus.Frame
	select {
	case frame, ok := <-s.inbox:
		if !ok {
			return nil, ErrTimeout
		}
		f = frame
	case <-ctx.Done():
		return nil, ErrTimeout
	}
	if f.Len < 1 {
		return nil, ErrMalformed
	}
	switch f.Data[0] & 0xF0 {
	case pciSingleFrame:
		n := int(f.Data[0] & 0x0F)
		if n > int(f.Len)-1 {
			return nil, ErrMalformed
		}
		out := make([]byte, n)
		copy(out, f.Data[1:1+n])
		return out, nil
	case pciFirstFrame:
		return s.receiveMultiFrame(ctx, f)
	default:
		return nil, ErrMalformed
	}
}

func (s *Session) receiveMultiFrame(ctx context.Context, first canbus.Frame) ([]byte, error) {
	total := int(first.Data[0]&0x0F)<<8 | int(first.Data[1])
	out := make([]byte, 0, total)
	out = append(out, first.Data[2:8]...)

	fc := s.frame([]byte{byte(pciFlowControl) | fcFlagContinueToSend, s.cfg.BlockSize, s.cfg.STmin}, nil)
	if err := s.bus.Send(ctx, fc); err != nil {
		return nil, err
	}

	expectedSN := byte(1)
	receivedInBlock := uint8(0)
	for len(out) < total {
		select {
		case f, ok := <-s.inbox:
			if !ok {
				return nil, ErrTimeout
			}
			if f.Len < 1 || f.Data[0]&0xF0 != pciConsecutiveFrame {
				continue
			}
			if f.Data[0]&0x0F != expectedSN {
				return nil, ErrMalformed
			}
			n := int(f.Len) - 1
			if len(out)+n > total {
				n = total - len(out)
			}
			out = append(out, f.Data[1:1+n]...)
			expectedSN = (expectedSN + 1) & 0x0F
			receivedInBlock++
			if s.cfg.BlockSize > 0 && receivedInBlock == s.cfg.BlockSize && len(out) < total {
				receivedInBlock = 0
				fc := s.frame([]byte{byte(pciFlowControl) | fcFlagContinueToSend, s.cfg.BlockSize, s.cfg.STmin}, nil)
				if err := s.bus.Send(ctx, fc); err != nil {
					return nil, err
				}
			}
		case <-ctx.Done():
			return nil, ErrTimeout
		}
	}
	return out[:total], nil
}

func (s *Session) frame(header []byte, payload []byte) canbus.Frame {
	var f canbus.Frame
	f.ID = s.txID
	f.Extended = s.ext
	copy(f.Data[:], header)
	copy(f.Data[len(header):], payload)
	f.Len = uint8(len(header) + len(payload))
	if f.Len > 8 {
		f.Len = 8
	}
	return f
}
