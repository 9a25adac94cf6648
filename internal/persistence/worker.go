package persistence

import (
	"ConfidentialPerp/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes records to
// the event log. The engine's send on that channel blocks, so a slow
// worker stalls the engine instead of losing envelopes.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan Record
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan Record,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming records and flushes when the batch is full or the
// flush timeout expires. Returns when ctx is cancelled or the input
// channel is closed, after flushing what it holds.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, pw.batchSize)
	journals := make([]JournalRow, 0, pw.batchSize*3)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	reset := func() {
		events = events[:0]
		journals = journals[:0]
	}

	for {
		select {
		case <-ctx.Done():
			if len(events) > 0 {
				if err := pw.flush(context.Background(), events, journals); err != nil {
					pw.logger.Error().Err(err).Int("events", len(events)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case rec, ok := <-pw.inputChan:
			if !ok {
				if len(events) > 0 {
					if err := pw.flush(context.Background(), events, journals); err != nil {
						pw.logger.Error().Err(err).Int("events", len(events)).Msg("final flush failed")
						return err
					}
				}
				return nil
			}

			events = append(events, rec.Event)
			journals = append(journals, rec.Journals...)

			if len(events) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, events, journals); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(events) > 0 {
				if err := pw.flushWithRetry(ctx, events, journals); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled; on cancellation it makes one last attempt. Batches
// are never dropped while the service runs.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}

			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), events, journals); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Debug().Err(err).Msg("flush attempt failed")
	}
}

// flush writes events and journals in one transaction
func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
