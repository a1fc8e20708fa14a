package sender

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/vectaiot/edgeagent/clock"
	"github.com/vectaiot/edgeagent/fault"
	"github.com/vectaiot/edgeagent/persistence"
	"github.com/vectaiot/edgeagent/telemetry"
)

// PayloadMetadata is the per-payload metadata stored alongside an
// undelivered payload blob.
type PayloadMetadata struct {
	SchemeID     string `json:"scheme_id"`
	CreationTime int64  `json:"creation_time"`
	Size         int    `json:"size"`
	Compressed   bool   `json:"compressed"`
}

// Worker drains outbound queues into the Transport and retries
// persisted payloads on a fixed tick while the transport is alive.
type Worker struct {
	transport Transport
	store     persistence.Store
	clk       clock.Clock
	retry     time.Duration
	logger    *slog.Logger
	counters  *fault.Counters
	queues    []*Queue
}

// NewWorker returns a Worker draining the given queues. store may be
// nil, disabling both persistence of failed sends and the retry tick;
// retry may be 0 to disable only the retry tick.
func NewWorker(transport Transport, store persistence.Store, clk clock.Clock, retry time.Duration, logger *slog.Logger, counters *fault.Counters, queues ...*Queue) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		transport: transport,
		store:     store,
		clk:       clk,
		retry:     retry,
		logger:    logger,
		counters:  counters,
		queues:    queues,
	}
}

// Run drains every queue and runs the retry tick until ctx is
// canceled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, q := range w.queues {
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			w.drain(ctx, q)
		}(q)
	}
	if w.store != nil && w.retry > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(w.retry)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					w.FlushPersisted(ctx)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) drain(ctx context.Context, q *Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-q.C():
			w.Deliver(ctx, o)
		}
	}
}

// Deliver encodes and sends one outbound payload. A failed send is
// persisted when the payload's scheme set persist_flag, else discarded;
// either way the failure only increments a counter and the worker moves
// on; nothing is retried synchronously in the hot path.
func (w *Worker) Deliver(ctx context.Context, o Outbound) {
	data, err := telemetry.EncodePayload(o.Payload, o.Compress)
	if err != nil {
		w.counters.Incr(fault.KindSendFailure)
		w.logger.Error("sender: failed to encode payload", "scheme_id", o.Payload.SchemeID, "error", err)
		return
	}
	if err := w.transport.Send(ctx, TopicTelemetry, data); err != nil {
		w.counters.Incr(fault.KindSendFailure)
		if !o.Persist || w.store == nil {
			w.logger.Warn("sender: send failed, payload discarded", "scheme_id", o.Payload.SchemeID, "error", err)
			return
		}
		meta, _ := json.Marshal(PayloadMetadata{
			SchemeID:     o.Payload.SchemeID,
			CreationTime: w.clk.NowMs(),
			Size:         len(data),
			Compressed:   o.Compress,
		})
		key, perr := w.store.PutPayload(ctx, data, string(meta))
		if perr != nil {
			w.counters.Incr(fault.KindPersistenceIoError)
			w.logger.Error("sender: failed to persist undelivered payload", "scheme_id", o.Payload.SchemeID, "error", perr)
			return
		}
		w.logger.Warn("sender: send failed, payload persisted", "scheme_id", o.Payload.SchemeID, "key", key, "error", err)
	}
}

// FlushPersisted resends every persisted undelivered payload while the
// transport reports alive, erasing each on success. The first failed
// resend stops the pass; the remainder stay for the next tick.
func (w *Worker) FlushPersisted(ctx context.Context) {
	if w.store == nil || !w.transport.Alive() {
		return
	}
	pending, err := w.store.PendingPayloads(ctx)
	if err != nil {
		w.counters.Incr(fault.KindPersistenceIoError)
		w.logger.Error("sender: failed to list persisted payloads", "error", err)
		return
	}
	for _, p := range pending {
		if err := w.transport.Send(ctx, TopicTelemetry, p.Data); err != nil {
			w.counters.Incr(fault.KindSendFailure)
			w.logger.Warn("sender: persisted payload resend failed", "key", p.Key, "error", err)
			return
		}
		if err := w.store.Erase(ctx, p.Key); err != nil {
			w.counters.Incr(fault.KindPersistenceIoError)
			w.logger.Error("sender: failed to erase delivered payload", "key", p.Key, "error", err)
		}
	}
}
