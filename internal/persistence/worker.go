package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"EqualisLedger/internal/observability"

	"github.com/rs/zerolog"
)

// CoreOutput is the storage form of one core output.
type CoreOutput struct {
	EventRow    EventRow
	JournalRows []JournalRow
}

// pending accumulates rows until the next commit.
type pending struct {
	events   []EventRow
	journals []JournalRow
}

func (p *pending) add(out CoreOutput) {
	p.events = append(p.events, out.EventRow)
	p.journals = append(p.journals, out.JournalRows...)
}

func (p *pending) empty() bool { return len(p.events) == 0 }

func (p *pending) reset() {
	p.events = p.events[:0]
	p.journals = p.journals[:0]
}

// PersistenceWorker writes core outputs to the event log in batches. The
// send side blocks, so a slow database stalls the core instead of losing
// envelopes.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	committed atomic.Int64
	mu        sync.Mutex
	advanced  chan struct{}
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	pw := &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
		advanced:     make(chan struct{}),
	}
	pw.committed.Store(-1)
	return pw
}

// LastCommitted is the highest sequence known to be durable, or -1.
func (pw *PersistenceWorker) LastCommitted() int64 {
	return pw.committed.Load()
}

// WaitCommitted blocks until seq is durable or ctx ends.
func (pw *PersistenceWorker) WaitCommitted(ctx context.Context, seq int64) error {
	for {
		pw.mu.Lock()
		ch := pw.advanced
		pw.mu.Unlock()
		if pw.committed.Load() >= seq {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("sequence %d not committed (at %d): %w", seq, pw.committed.Load(), ctx.Err())
		case <-ch:
		}
	}
}

func (pw *PersistenceWorker) markCommitted(seq int64) {
	pw.committed.Store(seq)
	pw.mu.Lock()
	close(pw.advanced)
	pw.advanced = make(chan struct{})
	pw.mu.Unlock()
}

// Run commits when a batch fills up or flushTimeout passes without one.
// It returns nil once the input closes and everything received is durable.
// On ctx cancellation it drains what is already buffered and returns.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pending{
		events:   make([]EventRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*4),
	}
	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case out, ok := <-pw.inputChan:
			if !ok {
				pw.commit(context.Background(), batch, "closed")
				return nil
			}
			batch.add(out)
			if pw.metrics != nil {
				pw.metrics.ChannelSize.WithLabelValues("persist").Set(float64(len(pw.inputChan)))
			}
			if len(batch.events) >= pw.batchSize {
				pw.commit(ctx, batch, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			pw.commit(ctx, batch, "timeout")
			timer.Reset(pw.flushTimeout)

		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case out, ok := <-pw.inputChan:
					if !ok {
						drained = true
						break
					}
					batch.add(out)
				default:
					drained = true
				}
			}
			pw.commit(context.Background(), batch, "shutdown")
			return ctx.Err()
		}
	}
}

// commit writes batch, retrying with backoff until it lands. A batch is
// never dropped; on cancellation one last attempt runs detached.
func (pw *PersistenceWorker) commit(ctx context.Context, batch *pending, reason string) {
	if batch.empty() {
		return
	}
	defer batch.reset()

	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		err := pw.write(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence recovered")
			}
			pw.markCommitted(batch.events[len(batch.events)-1].Sequence)
			return
		}
		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
		pw.logger.Warn().Err(err).
			Str("reason", reason).
			Int("attempt", attempt+1).
			Int("events", len(batch.events)).
			Dur("backoff", backoff).
			Msg("persistence write failed")

		select {
		case <-ctx.Done():
			if err := pw.write(context.Background(), batch); err != nil {
				pw.logger.Error().Err(err).Int("events", len(batch.events)).Msg("final write on shutdown failed")
				return
			}
			pw.markCommitted(batch.events[len(batch.events)-1].Sequence)
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// write commits the events and their journals in one transaction.
func (pw *PersistenceWorker) write(ctx context.Context, batch *pending) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, batch.events, tx); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, batch.journals, tx); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if m := pw.metrics; m != nil {
		m.PersistBatchDur.Observe(time.Since(start).Seconds())
		m.PersistBatchSize.Observe(float64(len(batch.events)))
		m.PersistEventsWritten.Add(float64(len(batch.events)))
		m.PersistJournalsWritten.Add(float64(len(batch.journals)))
		m.PersistLastSequence.Set(float64(batch.events[len(batch.events)-1].Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
