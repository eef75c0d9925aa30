// Package worker consumes recs events from NATS JetStream.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/vidfeed/internal/platform/logging"
	"github.com/example/vidfeed/internal/platform/natsconn"
	"github.com/example/vidfeed/services/recs/internal/affinity"
	"github.com/example/vidfeed/services/recs/internal/idempotency"
	"github.com/example/vidfeed/services/recs/internal/metrics"
)

type Handlers struct {
	Watch   func(ctx context.Context, ev WatchEvent) error
	Catalog func(ctx context.Context, ev CatalogEvent) error
}

type Options struct {
	BatchSize  int
	MaxDeliver int
	MaxWait    time.Duration
	// HandlerTimeout bounds one handler call. It stays within the claim
	// lease so a slow handler does not overlap a redelivery.
	HandlerTimeout time.Duration
}

type Worker struct {
	Log      *zap.Logger
	JS       nats.JetStreamContext
	Handlers Handlers
	Seen     idempotency.Store

	opts Options
}

func NewWorker(log *zap.Logger, nc *nats.Conn, handlers Handlers, seen idempotency.Store, opts Options) (*Worker, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return newWorker(log, js, handlers, seen, opts), nil
}

func newWorker(log *zap.Logger, js nats.JetStreamContext, handlers Handlers, seen idempotency.Store, opts Options) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = 5
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 2 * time.Second
	}
	if opts.HandlerTimeout <= 0 || opts.HandlerTimeout > idempotency.DefaultLease {
		opts.HandlerTimeout = idempotency.DefaultLease
	}
	return &Worker{Log: logging.OrNop(log), JS: js, Handlers: handlers, Seen: seen, opts: opts}
}

func (w *Worker) EnsureStream() error {
	return natsconn.EnsureStream(w.JS, natsconn.StreamSpec{
		Name:     StreamName,
		Subjects: []string{SubjectAll},
		MaxAge:   7 * 24 * time.Hour,
	})
}

// Run blocks until ctx is done or a consumer fails.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.EnsureStream(); err != nil {
		return err
	}

	watchSub, err := w.JS.PullSubscribe(SubjectWatchCompleted, "recs_watch", nats.ManualAck())
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectWatchCompleted, err)
	}
	catalogSub, err := w.JS.PullSubscribe(SubjectCatalogUpserted, "recs_catalog", nats.ManualAck())
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectCatalogUpserted, err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- w.consumeLoop(ctx, watchSub, SubjectWatchCompleted) }()
	go func() { errCh <- w.consumeLoop(ctx, catalogSub, SubjectCatalogUpserted) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (w *Worker) consumeLoop(ctx context.Context, sub *nats.Subscription, subj string) error {
	w.Log.Info("consumer started", zap.String("subject", subj))
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := sub.Fetch(w.opts.BatchSize, nats.MaxWait(w.opts.MaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return fmt.Errorf("fetch %s: %w", subj, err)
			}
			w.Log.Warn("fetch failed", zap.String("subject", subj), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, m := range msgs {
			w.handleMsg(ctx, m, subj)
		}
	}
}

type action int

const (
	actionAck action = iota
	actionRetry
	actionDeadLetter
)

// acker is the part of *nats.Msg used to settle a delivery.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
}

func (w *Worker) handleMsg(ctx context.Context, m *nats.Msg, subj string) {
	numDelivered := uint64(1)
	if md, err := m.Metadata(); err == nil && md != nil {
		numDelivered = md.NumDelivered
	}

	act, reason := w.process(ctx, subj, m.Data, numDelivered)
	w.settle(m, subj, m.Data, act, reason, numDelivered)
}

func (w *Worker) settle(m acker, subj string, data []byte, act action, reason string, numDelivered uint64) {
	switch act {
	case actionRetry:
		if err := m.NakWithDelay(backoffDelay(numDelivered)); err != nil {
			w.Log.Warn("nak failed", zap.String("subject", subj), zap.Error(err))
		}
	case actionDeadLetter:
		if err := w.publishDLQ(subj, data, reason); err != nil {
			w.Log.Error("dlq publish failed", zap.String("subject", subj), zap.Error(err))
			if err := m.NakWithDelay(backoffDelay(numDelivered)); err != nil {
				w.Log.Warn("nak failed", zap.String("subject", subj), zap.Error(err))
			}
			return
		}
		if err := m.Ack(); err != nil {
			w.Log.Warn("ack failed", zap.String("subject", subj), zap.Error(err))
		}
	default:
		if err := m.Ack(); err != nil {
			w.Log.Warn("ack failed", zap.String("subject", subj), zap.Error(err))
		}
	}
}

// process decides what happens to one delivery.
func (w *Worker) process(ctx context.Context, subj string, data []byte, numDelivered uint64) (action, string) {
	if w.opts.MaxDeliver > 0 && int(numDelivered) > w.opts.MaxDeliver {
		metrics.RecordEvent(subj, "dead_letter")
		return actionDeadLetter, fmt.Sprintf("max deliveries exceeded: %d", numDelivered)
	}

	var (
		eventID string
		run     func(ctx context.Context) error
	)
	switch subj {
	case SubjectWatchCompleted:
		var ev WatchEvent
		if err := decode(data, &ev); err != nil {
			return w.invalid(subj, err)
		}
		if err := ev.validate(); err != nil {
			return w.invalid(subj, err)
		}
		eventID = ev.EventID
		run = func(ctx context.Context) error { return w.Handlers.Watch(ctx, ev) }
	case SubjectCatalogUpserted:
		var ev CatalogEvent
		if err := decode(data, &ev); err != nil {
			return w.invalid(subj, err)
		}
		if err := ev.validate(); err != nil {
			return w.invalid(subj, err)
		}
		eventID = ev.EventID
		run = func(ctx context.Context) error { return w.Handlers.Catalog(ctx, ev) }
	default:
		metrics.RecordEvent(subj, "ignored")
		return actionAck, ""
	}

	if w.Seen != nil {
		state, err := w.Seen.Claim(ctx, eventID)
		if err != nil {
			w.Log.Warn("idempotency claim failed", zap.String("event_id", eventID), zap.Error(err))
			metrics.RecordEvent(subj, "retry")
			return actionRetry, err.Error()
		}
		switch state {
		case idempotency.Done:
			metrics.RecordEvent(subj, "duplicate")
			return actionAck, ""
		case idempotency.InFlight:
			metrics.RecordEvent(subj, "in_flight")
			return actionRetry, "event claimed by another delivery"
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, w.opts.HandlerTimeout)
	err := run(runCtx)
	cancel()
	if err != nil {
		if errors.Is(err, affinity.ErrInvalidSession) {
			w.complete(ctx, eventID)
			return w.invalid(subj, err)
		}
		if w.Seen != nil {
			if rerr := w.Seen.Release(ctx, eventID); rerr != nil {
				w.Log.Warn("idempotency release failed", zap.String("event_id", eventID), zap.Error(rerr))
			}
		}
		w.Log.Warn("event handling failed",
			zap.String("subject", subj),
			zap.String("event_id", eventID),
			zap.Uint64("attempt", numDelivered),
			zap.Error(err))
		metrics.RecordEvent(subj, "retry")
		return actionRetry, err.Error()
	}
	w.complete(ctx, eventID)
	metrics.RecordEvent(subj, "ok")
	return actionAck, ""
}

// complete marks a handled event. A failure leaves the claim to expire, so
// a later duplicate may run again.
func (w *Worker) complete(ctx context.Context, eventID string) {
	if w.Seen == nil {
		return
	}
	if err := w.Seen.Complete(ctx, eventID); err != nil {
		w.Log.Warn("idempotency complete failed", zap.String("event_id", eventID), zap.Error(err))
	}
}

func (w *Worker) invalid(subj string, err error) (action, string) {
	w.Log.Warn("bad payload", zap.String("subject", subj), zap.Error(err))
	metrics.RecordEvent(subj, "invalid")
	return actionAck, err.Error()
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errBadEvent, err)
	}
	return nil
}

func (w *Worker) publishDLQ(subject string, data []byte, reason string) error {
	var payload any = json.RawMessage(data)
	if !json.Valid(data) {
		payload = string(data)
	}
	msg := map[string]any{"subject": subject, "reason": reason, "payload": payload}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.JS.Publish(SubjectDLQ, b)
	return err
}
