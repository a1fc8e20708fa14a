package canbus

import (
	"context"
	"log/slog"
)

// LogOption is a bitmask for selecting which operations a LoggedBus logs.
type LogOption uint8

const (
	LogNone LogOption = 0
	LogRead LogOption = 1 << iota
	LogWrite
	LogAll = LogRead | LogWrite
)

// NewLoggedBus wraps the given Bus and logs selected operations at the given level.
func NewLoggedBus(inner Bus, logger *slog.Logger, level slog.Level, opts LogOption) Bus {
	return &loggedBus{inner: inner, logger: logger, level: level, opts: opts}
}

type loggedBus struct {
	inner  Bus
	logger *slog.Logger
	level  slog.Level
	opts   LogOption
}

func (l *loggedBus) Send(ctx context.Context, frame Frame) error {
	if l.opts&LogWrite != 0 {
		l.logger.Log(ctx, l.level, "canbus send", "id", frame.ID, "extended", frame.Extended,
			"rtr", frame.RTR, "len", int(frame.Len), "frame", frame.String())
	}
	err := l.inner.Send(ctx, frame)
	if l.opts&LogWrite != 0 && err != nil {
		l.logger.Log(ctx, slog.LevelError, "canbus send error", "id", frame.ID, "error", err)
	}
	return err
}

func (l *loggedBus) Receive(ctx context.Context) (Frame, error) {
	f, err := l.inner.Receive(ctx)
	if l.opts&LogRead != 0 {
		if err != nil {
			l.logger.Log(ctx, slog.LevelError, "canbus receive error", "error", err)
		} else {
			l.logger.Log(ctx, l.level, "canbus receive", "id", f.ID, "extended", f.Extended,
				"rtr", f.RTR, "len", int(f.Len), "frame", f.String())
		}
	}
	return f, err
}

func (l *loggedBus) Close() error {
	return l.inner.Close()
}
