package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/vidfeed/services/recs/internal/affinity"
	"github.com/example/vidfeed/services/recs/internal/idempotency"
	"github.com/example/vidfeed/services/recs/internal/store"
)

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		delivered uint64
		want      time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDelay(c.delivered); got != c.want {
			t.Fatalf("delivered=%d: expected %s, got %s", c.delivered, c.want, got)
		}
	}
}

type recorder struct {
	watches  []WatchEvent
	catalogs []CatalogEvent
	err      error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		Watch: func(_ context.Context, ev WatchEvent) error {
			if r.err != nil {
				return r.err
			}
			r.watches = append(r.watches, ev)
			return nil
		},
		Catalog: func(_ context.Context, ev CatalogEvent) error {
			if r.err != nil {
				return r.err
			}
			r.catalogs = append(r.catalogs, ev)
			return nil
		},
	}
}

func newTestWorker(t *testing.T, r *recorder) *Worker {
	t.Helper()
	seen, err := idempotency.NewStore(nil, nil, 0, false)
	if err != nil {
		t.Fatalf("idempotency: %v", err)
	}
	return newWorker(nil, nil, r.handlers(), seen, Options{MaxDeliver: 3})
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestProcess_WatchEvent(t *testing.T) {
	r := &recorder{}
	w := newTestWorker(t, r)
	ctx := context.Background()
	ended := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	data := mustJSON(t, WatchEvent{EventID: "e1", UserID: "u1", ItemID: "v1", WatchProgress: 0.8, EndedAt: ended})

	if act, _ := w.process(ctx, SubjectWatchCompleted, data, 1); act != actionAck {
		t.Fatalf("expected ack, got %v", act)
	}
	if len(r.watches) != 1 {
		t.Fatalf("expected 1 watch handled, got %d", len(r.watches))
	}
	s := r.watches[0].Session()
	if s.UserID != "u1" || s.ItemID != "v1" || s.Progress != 0.8 || !s.EndedAt.Equal(ended) {
		t.Fatalf("unexpected session: %+v", s)
	}

	if act, _ := w.process(ctx, SubjectWatchCompleted, data, 2); act != actionAck {
		t.Fatalf("expected duplicate to be acked, got %v", act)
	}
	if len(r.watches) != 1 {
		t.Fatalf("duplicate must not be handled twice, got %d", len(r.watches))
	}
}

func TestProcess_InvalidPayloadsAreAcked(t *testing.T) {
	r := &recorder{}
	w := newTestWorker(t, r)
	ctx := context.Background()

	cases := []struct {
		subj string
		data []byte
	}{
		{SubjectWatchCompleted, []byte("{not json")},
		{SubjectWatchCompleted, mustJSON(t, WatchEvent{UserID: "u1", ItemID: "v1", WatchProgress: 1})},
		{SubjectWatchCompleted, mustJSON(t, WatchEvent{EventID: "e2", ItemID: "v1", WatchProgress: 1})},
		{SubjectWatchCompleted, mustJSON(t, WatchEvent{EventID: "e3", UserID: "u1", WatchProgress: 1})},
		{SubjectCatalogUpserted, mustJSON(t, CatalogEvent{EventID: "c1"})},
		{SubjectCatalogUpserted, mustJSON(t, CatalogEvent{EventID: "c2", Items: []store.CatalogItem{{Title: "no id"}}})},
		{SubjectCatalogUpserted, mustJSON(t, CatalogEvent{Items: []store.CatalogItem{{ID: "x"}}})},
	}
	for i, c := range cases {
		act, reason := w.process(ctx, c.subj, c.data, 1)
		if act != actionAck || reason == "" {
			t.Fatalf("case %d: expected ack with reason, got %v %q", i, act, reason)
		}
	}
	if len(r.watches)+len(r.catalogs) != 0 {
		t.Fatal("invalid payloads must not reach handlers")
	}
}

func TestProcess_FailureRetriesAndReleases(t *testing.T) {
	r := &recorder{err: errors.New("db down")}
	w := newTestWorker(t, r)
	ctx := context.Background()
	data := mustJSON(t, CatalogEvent{EventID: "c1", Items: []store.CatalogItem{{ID: "x", Tags: []string{"a"}}}})

	if act, _ := w.process(ctx, SubjectCatalogUpserted, data, 1); act != actionRetry {
		t.Fatalf("expected retry, got %v", act)
	}

	r.err = nil
	if act, _ := w.process(ctx, SubjectCatalogUpserted, data, 2); act != actionAck {
		t.Fatalf("expected ack on redelivery, got %v", act)
	}
	if len(r.catalogs) != 1 || r.catalogs[0].Items[0].Tags[0] != "a" {
		t.Fatalf("expected redelivered event handled, got %+v", r.catalogs)
	}
}

// journalStore wraps the memory store and logs every call in order.
type journalStore struct {
	idempotency.Store
	calls *[]string
}

func (j journalStore) Claim(ctx context.Context, id string) (idempotency.ClaimState, error) {
	*j.calls = append(*j.calls, "claim "+id)
	return j.Store.Claim(ctx, id)
}

func (j journalStore) Complete(ctx context.Context, id string) error {
	*j.calls = append(*j.calls, "complete "+id)
	return j.Store.Complete(ctx, id)
}

func (j journalStore) Release(ctx context.Context, id string) error {
	*j.calls = append(*j.calls, "release "+id)
	return j.Store.Release(ctx, id)
}

func TestProcess_MarksDoneOnlyAfterHandler(t *testing.T) {
	mem, _ := idempotency.NewStore(nil, nil, 0, false)
	var calls []string
	fail := true
	w := newWorker(nil, nil, Handlers{
		Watch: func(_ context.Context, ev WatchEvent) error {
			calls = append(calls, "handle "+ev.EventID)
			if fail {
				return errors.New("db down")
			}
			return nil
		},
	}, journalStore{Store: mem, calls: &calls}, Options{MaxDeliver: 3})
	data := mustJSON(t, WatchEvent{EventID: "e1", UserID: "u1", ItemID: "v1", WatchProgress: 1})
	ctx := context.Background()

	if act, _ := w.process(ctx, SubjectWatchCompleted, data, 1); act != actionRetry {
		t.Fatalf("expected retry, got %v", act)
	}
	fail = false
	if act, _ := w.process(ctx, SubjectWatchCompleted, data, 2); act != actionAck {
		t.Fatalf("expected ack, got %v", act)
	}
	want := []string{"claim e1", "handle e1", "release e1", "claim e1", "handle e1", "complete e1"}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d: expected %q, got %q (all %v)", i, want[i], calls[i], calls)
		}
	}
}

func TestProcess_ClaimedEventIsRetriedNotDropped(t *testing.T) {
	r := &recorder{}
	w := newTestWorker(t, r)
	ctx := context.Background()
	data := mustJSON(t, WatchEvent{EventID: "e1", UserID: "u1", ItemID: "v1", WatchProgress: 1})

	// A claim left by a consumer that died before finishing.
	if state, _ := w.Seen.Claim(ctx, "e1"); state != idempotency.Claimed {
		t.Fatalf("expected claimed, got %s", state)
	}
	if act, _ := w.process(ctx, SubjectWatchCompleted, data, 2); act != actionRetry {
		t.Fatalf("expected retry while claim is held, got %v", act)
	}
	if len(r.watches) != 0 {
		t.Fatal("claimed event must not be handled twice")
	}

	_ = w.Seen.Release(ctx, "e1")
	if act, _ := w.process(ctx, SubjectWatchCompleted, data, 3); act != actionAck {
		t.Fatalf("expected ack once claim is gone, got %v", act)
	}
	if len(r.watches) != 1 {
		t.Fatalf("expected redelivered event handled, got %d", len(r.watches))
	}
}

func TestProcess_InvalidSessionIsNotRetried(t *testing.T) {
	r := &recorder{err: fmt.Errorf("%w: bad", affinity.ErrInvalidSession)}
	w := newTestWorker(t, r)
	data := mustJSON(t, WatchEvent{EventID: "e1", UserID: "u1", ItemID: "v1", WatchProgress: 1})
	if act, _ := w.process(context.Background(), SubjectWatchCompleted, data, 1); act != actionAck {
		t.Fatalf("expected ack, got %v", act)
	}
}

func TestProcess_DeadLetterAfterMaxDeliver(t *testing.T) {
	r := &recorder{}
	w := newTestWorker(t, r)
	data := mustJSON(t, WatchEvent{EventID: "e1", UserID: "u1", ItemID: "v1", WatchProgress: 1})

	act, reason := w.process(context.Background(), SubjectWatchCompleted, data, 4)
	if act != actionDeadLetter || reason == "" {
		t.Fatalf("expected dead letter, got %v %q", act, reason)
	}
	if len(r.watches) != 0 {
		t.Fatal("dead-lettered event must not be handled")
	}
}

func TestProcess_UnknownSubjectIsAcked(t *testing.T) {
	w := newTestWorker(t, &recorder{})
	if act, _ := w.process(context.Background(), "recs.other", []byte("{}"), 1); act != actionAck {
		t.Fatalf("expected ack, got %v", act)
	}
}

func TestNewWorker_Defaults(t *testing.T) {
	w := newWorker(nil, nil, Handlers{}, nil, Options{})
	if w.opts.BatchSize != 10 || w.opts.MaxDeliver != 5 || w.opts.MaxWait != 2*time.Second || w.opts.HandlerTimeout != idempotency.DefaultLease {
		t.Fatalf("unexpected defaults: %+v", w.opts)
	}
	if w.Log == nil {
		t.Fatal("expected nop logger")
	}
}

type fakeJS struct {
	nats.JetStreamContext
	err       error
	published []string
}

func (f *fakeJS) Publish(subj string, _ []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, subj)
	return &nats.PubAck{Stream: StreamName}, nil
}

type fakeAcker struct {
	err        error
	acks, naks int
}

func (f *fakeAcker) Ack(...nats.AckOpt) error {
	f.acks++
	return f.err
}

func (f *fakeAcker) NakWithDelay(time.Duration, ...nats.AckOpt) error {
	f.naks++
	return f.err
}

func TestSettle_DeadLetterLogsSettleErrors(t *testing.T) {
	cases := []struct {
		name      string
		pubErr    error
		wantLog   string
		wantAcks  int
		wantNaks  int
		published int
	}{
		{"published then ack fails", nil, "ack failed", 1, 0, 1},
		{"publish fails then nak fails", errors.New("stream gone"), "nak failed", 0, 1, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			js := &fakeJS{err: c.pubErr}
			w := newWorker(zap.New(core), js, Handlers{}, nil, Options{})
			m := &fakeAcker{err: nats.ErrConnectionClosed}

			w.settle(m, SubjectWatchCompleted, []byte(`{"event_id":"e1"}`), actionDeadLetter, "max deliveries exceeded: 6", 6)

			if m.acks != c.wantAcks || m.naks != c.wantNaks {
				t.Fatalf("expected %d acks %d naks, got %d %d", c.wantAcks, c.wantNaks, m.acks, m.naks)
			}
			if len(js.published) != c.published {
				t.Fatalf("expected %d dlq publishes, got %v", c.published, js.published)
			}
			entries := logs.FilterMessage(c.wantLog).All()
			if len(entries) != 1 {
				t.Fatalf("expected one %q log, got %v", c.wantLog, logs.All())
			}
			if err, _ := entries[0].ContextMap()["error"].(string); err != nats.ErrConnectionClosed.Error() {
				t.Fatalf("expected settle error logged, got %v", entries[0].ContextMap())
			}
		})
	}
}
