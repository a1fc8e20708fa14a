package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/vectaiot/edgeagent/clock"
	"github.com/vectaiot/edgeagent/fault"
	"github.com/vectaiot/edgeagent/persistence"
	"github.com/vectaiot/edgeagent/telemetry"
)

// memStore is an in-memory persistence.Store for tests.
type memStore struct {
	mu    sync.Mutex
	blobs map[string]persistence.PendingPayload
	seq   int
}

func newMemStore() *memStore {
	return &memStore{blobs: map[string]persistence.PendingPayload{}}
}

func (s *memStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.blobs[key]
	return p.Data, ok, nil
}

func (s *memStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = persistence.PendingPayload{Key: key, Data: data}
	return nil
}

func (s *memStore) Erase(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *memStore) PutPayload(ctx context.Context, data []byte, metadata string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	key := fmt.Sprintf("payload-%d", s.seq)
	s.blobs[key] = persistence.PendingPayload{Key: key, Data: data, Metadata: metadata}
	return key, nil
}

func (s *memStore) PendingPayloads(ctx context.Context) ([]persistence.PendingPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []persistence.PendingPayload
	for i := 1; i <= s.seq; i++ {
		if p, ok := s.blobs[fmt.Sprintf("payload-%d", i)]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestWorker_DeliverSendsTelemetry(t *testing.T) {
	transport := NewLoopbackTransport()
	w := NewWorker(transport, nil, clock.NewFake(0), 0, nil, &fault.Counters{})

	w.Deliver(context.Background(), Outbound{Payload: telemetry.Payload{SchemeID: "s1", EventTime: 42}})

	sent := transport.SentPayloads()
	if len(sent) != 1 || sent[0].Topic != TopicTelemetry {
		t.Fatalf("expected one telemetry send, got %+v", sent)
	}
	p, err := telemetry.DecodePayload(sent[0].Payload, false)
	if err != nil || p.SchemeID != "s1" || p.EventTime != 42 {
		t.Fatalf("unexpected decoded payload %+v err=%v", p, err)
	}
}

func TestWorker_DeliverCompressedRoundTrips(t *testing.T) {
	transport := NewLoopbackTransport()
	w := NewWorker(transport, nil, clock.NewFake(0), 0, nil, &fault.Counters{})

	w.Deliver(context.Background(), Outbound{
		Payload:  telemetry.Payload{SchemeID: "sz", EventTime: 7},
		Compress: true,
	})

	sent := transport.SentPayloads()
	if len(sent) != 1 {
		t.Fatalf("expected one send, got %d", len(sent))
	}
	p, err := telemetry.DecodePayload(sent[0].Payload, true)
	if err != nil || p.SchemeID != "sz" {
		t.Fatalf("unexpected decompressed payload %+v err=%v", p, err)
	}
}

func TestWorker_FailedSendPersistsWhenFlagged(t *testing.T) {
	transport := NewLoopbackTransport()
	transport.FailWith(errors.New("broker down"))
	store := newMemStore()
	clk := clock.NewFake(5000)
	w := NewWorker(transport, store, clk, 0, nil, &fault.Counters{})

	w.Deliver(context.Background(), Outbound{
		Payload: telemetry.Payload{SchemeID: "keep", EventTime: 1},
		Persist: true,
	})
	w.Deliver(context.Background(), Outbound{
		Payload: telemetry.Payload{SchemeID: "drop", EventTime: 2},
	})

	pending, _ := store.PendingPayloads(context.Background())
	if len(pending) != 1 {
		t.Fatalf("expected only the persist-flagged payload stored, got %d", len(pending))
	}
	var meta PayloadMetadata
	if err := json.Unmarshal([]byte(pending[0].Metadata), &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if meta.SchemeID != "keep" || meta.CreationTime != 5000 || meta.Size != len(pending[0].Data) {
		t.Fatalf("unexpected metadata %+v", meta)
	}
}

func TestWorker_FlushPersistedResendsAndErases(t *testing.T) {
	transport := NewLoopbackTransport()
	transport.FailWith(errors.New("broker down"))
	store := newMemStore()
	w := NewWorker(transport, store, clock.NewFake(0), 0, nil, &fault.Counters{})

	ctx := context.Background()
	w.Deliver(ctx, Outbound{Payload: telemetry.Payload{SchemeID: "a"}, Persist: true})
	w.Deliver(ctx, Outbound{Payload: telemetry.Payload{SchemeID: "b"}, Persist: true})

	// Still failing: flush leaves everything in place.
	w.FlushPersisted(ctx)
	if pending, _ := store.PendingPayloads(ctx); len(pending) != 2 {
		t.Fatalf("expected both payloads retained while sends fail, got %d", len(pending))
	}

	transport.FailWith(nil)
	w.FlushPersisted(ctx)
	if pending, _ := store.PendingPayloads(ctx); len(pending) != 0 {
		t.Fatalf("expected all payloads erased after resend, got %d", len(pending))
	}
	if got := len(transport.SentPayloads()); got != 2 {
		t.Fatalf("expected 2 resends, got %d", got)
	}
}

func TestWorker_FlushSkippedWhileOffline(t *testing.T) {
	transport := NewLoopbackTransport()
	transport.FailWith(errors.New("broker down"))
	store := newMemStore()
	w := NewWorker(transport, store, clock.NewFake(0), 0, nil, &fault.Counters{})

	ctx := context.Background()
	w.Deliver(ctx, Outbound{Payload: telemetry.Payload{SchemeID: "a"}, Persist: true})

	transport.SetAlive(false)
	w.FlushPersisted(ctx)
	if pending, _ := store.PendingPayloads(ctx); len(pending) != 1 {
		t.Fatal("expected flush to be a no-op while the transport is offline")
	}
}

func TestQueue_DropNewestOnOverflow(t *testing.T) {
	q := NewQueue(1)
	if !q.Push(Outbound{Payload: telemetry.Payload{SchemeID: "first"}}) {
		t.Fatal("expected first push to succeed")
	}
	if q.Push(Outbound{Payload: telemetry.Payload{SchemeID: "second"}}) {
		t.Fatal("expected second push dropped on a full queue")
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected drop counter 1, got %d", q.Dropped())
	}
	o := <-q.C()
	if o.Payload.SchemeID != "first" {
		t.Fatalf("expected the oldest entry retained, got %s", o.Payload.SchemeID)
	}
}
