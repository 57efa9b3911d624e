package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"EqualisLedger/internal/event"
	"EqualisLedger/internal/ingestion"
	"EqualisLedger/internal/observability"

	"github.com/rs/zerolog"
)

var ErrRunnerStopped = errors.New("core: runner stopped")

type snapshotRequest struct {
	reply chan *SnapshotState
}

// Runner owns the core's goroutine. NATS commands, gRPC submissions and
// snapshot requests all funnel through Run, so ProcessEvent is never
// called concurrently.
type Runner struct {
	core    *DeterministicCore
	raw     <-chan ingestion.RawEvent
	submits <-chan ingestion.Submission
	snaps   chan snapshotRequest
	done    chan struct{}

	lastSeq atomic.Int64
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewRunner wires the input channels. Either may be nil.
func NewRunner(c *DeterministicCore, raw <-chan ingestion.RawEvent, submits <-chan ingestion.Submission, metrics *observability.Metrics) *Runner {
	r := &Runner{
		core:    c,
		raw:     raw,
		submits: submits,
		snaps:   make(chan snapshotRequest),
		done:    make(chan struct{}),
		metrics: metrics,
		logger:  observability.NewLogger("core-loop"),
	}
	r.lastSeq.Store(c.GetSequence() - 1)
	return r
}

// LastSequence is the last sequence the core logged, or -1. Safe to call
// from any goroutine.
func (r *Runner) LastSequence() int64 {
	return r.lastSeq.Load()
}

// Run processes inputs until ctx is cancelled or both inputs close.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)
	raw, submits := r.raw, r.submits
	for raw != nil || submits != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-raw:
			if !ok {
				raw = nil
				continue
			}
			r.handleRaw(msg)

		case sub, ok := <-submits:
			if !ok {
				submits = nil
				continue
			}
			sub.Reply <- r.apply(sub.Received, sub.Event)

		case req := <-r.snaps:
			req.reply <- r.core.CreateSnapshotState()
		}
	}
	return nil
}

func (r *Runner) handleRaw(msg ingestion.RawEvent) {
	evt, err := ingestion.ParseRawEvent(msg)
	if err != nil {
		r.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping unparseable command")
		msg.Term()
		return
	}
	res := r.apply(msg.Timestamp, evt)
	if res.Err != nil && res.Sequence < 0 {
		r.logger.Warn().Err(res.Err).
			Str("subject", msg.Subject).
			Str("idempotency_key", evt.IdempotencyKey()).
			Msg("command not logged")
	}
	// Rejected and out-of-order commands are final; redelivery cannot help.
	msg.Ack()
}

func (r *Runner) apply(received time.Time, evt event.Event) ingestion.SubmitResult {
	out := r.core.Apply(evt)
	if out.Logged() {
		r.lastSeq.Store(out.Sequence)
	}
	if r.metrics != nil && !received.IsZero() {
		r.metrics.IngestToApply.WithLabelValues(evt.EventType().String()).Observe(time.Since(received).Seconds())
	}

	res := ingestion.SubmitResult{Sequence: out.Sequence, StateHash: out.StateHash, Duplicate: out.Duplicate}
	switch {
	case out.Rejected:
		res.Rejection = out.Err.Error()
	case out.Err != nil:
		res.Err = out.Err
	}
	return res
}

// Snapshot captures state on the core goroutine.
func (r *Runner) Snapshot(ctx context.Context) (*SnapshotState, error) {
	req := snapshotRequest{reply: make(chan *SnapshotState, 1)}
	select {
	case r.snaps <- req:
	case <-r.done:
		return nil, ErrRunnerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
