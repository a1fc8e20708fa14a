package sender

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Topics the agent publishes on. The concrete topic scheme belongs to
// the connectivity collaborator; these are the two logical channels the
// core needs.
const (
	TopicTelemetry = "telemetry"
	TopicCheckin   = "checkin"
)

// Transport is the narrow send interface onto the out-of-scope MQTT
// client. Alive reports whether the collaborator currently holds a
// connection, gating the persisted-payload retry tick.
type Transport interface {
	Send(ctx context.Context, topic string, payload []byte) error
	Alive() bool
}

// ErrOffline is returned by LoopbackTransport.Send while the transport
// is marked not alive.
var ErrOffline = errors.New("sender: transport offline")

// Sent records one delivery a LoopbackTransport accepted.
type Sent struct {
	Topic   string
	Payload []byte
}

// LoopbackTransport is an in-process Transport for tests: it records
// every accepted send and can be toggled offline to exercise the
// persistence retry path.
type LoopbackTransport struct {
	mu    sync.Mutex
	alive bool
	sent  []Sent
	fail  error
}

// NewLoopbackTransport returns a LoopbackTransport that starts alive.
func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{alive: true}
}

// Send implements Transport.
func (t *LoopbackTransport) Send(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.alive {
		return ErrOffline
	}
	if t.fail != nil {
		return t.fail
	}
	cp := append([]byte(nil), payload...)
	t.sent = append(t.sent, Sent{Topic: topic, Payload: cp})
	return nil
}

// Alive implements Transport.
func (t *LoopbackTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

// SetAlive toggles the simulated connection state.
func (t *LoopbackTransport) SetAlive(alive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alive = alive
}

// FailWith makes every subsequent Send return err until cleared with
// FailWith(nil).
func (t *LoopbackTransport) FailWith(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = err
}

// SentPayloads returns a copy of everything accepted so far.
func (t *LoopbackTransport) SentPayloads() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}

// LogTransport is the standalone build's stand-in for the connectivity
// collaborator: it logs every send instead of publishing it. Always
// alive.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport returns a LogTransport writing through logger.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

// Send implements Transport.
func (t *LogTransport) Send(ctx context.Context, topic string, payload []byte) error {
	t.logger.Info("sender: outbound payload", "topic", topic, "bytes", len(payload))
	return nil
}

// Alive implements Transport.
func (t *LogTransport) Alive() bool { return true }
