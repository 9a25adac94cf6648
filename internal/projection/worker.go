package projection

import (
	"ConfidentialPerp/internal/event"
	"ConfidentialPerp/internal/observability"
	"ConfidentialPerp/internal/persistence"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// EventSource is the persisted log the projection catches up from.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// ProjectionWorker keeps the keeper-facing read model current. The engine
// feeds it through a dropping channel, so the model may fall behind; it is
// rebuilt from the event log with CatchUp.
type ProjectionWorker struct {
	store     Store
	inputChan <-chan *event.EventEnvelope
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(
	store Store,
	inputChan <-chan *event.EventEnvelope,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		store:     store,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run applies envelopes until ctx is cancelled or the channel closes.
// Failed updates are logged and skipped.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	wm, err := pw.store.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("load projection watermark: %w", err)
	}
	pw.lastSeq = wm

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.apply(ctx, env); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("projection update failed")
			}
		}
	}
}

// StartEpoch discards the read model from earlier runs. The engine starts
// every process with empty confidential state at startSequence, so
// positions and orders recorded before it no longer exist in the ledger.
// Call it before CatchUp and Run.
func (pw *ProjectionWorker) StartEpoch(ctx context.Context, startSequence int64) error {
	wm, err := pw.store.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("load projection watermark: %w", err)
	}
	if err := pw.store.Reset(ctx, startSequence-1); err != nil {
		return fmt.Errorf("reset projection: %w", err)
	}
	pw.lastSeq = startSequence - 1

	if pw.metrics != nil {
		pw.metrics.ProjectionWatermark.Set(float64(pw.lastSeq))
	}
	pw.logger.Info().Int64("previous_watermark", wm).Int64("start_sequence", startSequence).Msg("projection epoch started")
	return nil
}

// CatchUp replays persisted envelopes after the store's watermark. It
// returns how many were applied.
func (pw *ProjectionWorker) CatchUp(ctx context.Context, source EventSource, pageSize int) (int, error) {
	wm, err := pw.store.Watermark(ctx)
	if err != nil {
		return 0, fmt.Errorf("load projection watermark: %w", err)
	}
	pw.lastSeq = wm

	applied := 0
	for {
		rows, err := source.LoadEventsFrom(ctx, pw.lastSeq+1, pageSize)
		if err != nil {
			return applied, fmt.Errorf("load events from %d: %w", pw.lastSeq+1, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return applied, err
			}
			if err := pw.apply(ctx, env); err != nil {
				return applied, err
			}
			applied++
		}
	}

	if applied > 0 {
		pw.logger.Info().Int("applied", applied).Int64("watermark", pw.lastSeq).Msg("projection caught up")
	}
	return applied, nil
}

// LastSequence returns the last sequence applied.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) apply(ctx context.Context, env *event.EventEnvelope) error {
	if env.Sequence <= pw.lastSeq {
		return nil
	}

	start := time.Now()
	ops, err := opsFor(env)
	if err != nil {
		return err
	}
	if err := pw.store.Apply(ctx, env.Sequence, ops); err != nil {
		return fmt.Errorf("apply %s: %w", env.EventType, err)
	}
	pw.lastSeq = env.Sequence

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(env.EventType.String()).Observe(time.Since(start).Seconds())
		pw.metrics.ProjectionWatermark.Set(float64(env.Sequence))
	}
	return nil
}

// opsFor maps one envelope to read-model mutations. Events the model does
// not track yield no ops; the watermark still advances.
func opsFor(env *event.EventEnvelope) ([]Op, error) {
	seq := strconv.FormatInt(env.Sequence, 10)

	switch p := env.Payload.(type) {
	case *event.PositionOpened:
		id := p.PositionID.Hex()
		isLong := "0"
		if p.IsLong {
			isLong = "1"
		}
		return []Op{
			{Kind: OpSetAdd, Key: KeyOpenPositions, Member: id},
			{Kind: OpSetAdd, Key: AccountPositionsKey(p.Owner), Member: id},
			{Kind: OpHashSet, Key: PositionKey(p.PositionID), Fields: map[string]interface{}{
				"owner":      p.Owner.Hex(),
				"is_long":    isLong,
				"leverage":   strconv.FormatUint(p.Leverage, 10),
				"status":     "Open",
				"opened_seq": seq,
			}},
		}, nil

	case *event.PositionClosed:
		return closeOps(p.PositionID.Hex(), PositionKey(p.PositionID), map[string]interface{}{
			"status":     "Closed",
			"closed_seq": seq,
		}), nil

	case *event.BracketExecuted:
		// The PositionClosed in the same operation already removed it from
		// the open set.
		return []Op{
			{Kind: OpHashSet, Key: PositionKey(p.PositionID), Fields: map[string]interface{}{
				"status":  "BracketExecuted",
				"keeper":  p.Keeper.Hex(),
				"trigger": p.Trigger,
			}},
		}, nil

	case *event.LiquidationExecuted:
		return closeOps(p.PositionID.Hex(), PositionKey(p.PositionID), map[string]interface{}{
			"status":     "Liquidated",
			"closed_seq": seq,
			"keeper":     p.Keeper.Hex(),
		}), nil

	case *event.OrderPlaced:
		return []Op{{Kind: OpIncr, Key: KeyOrderBookSize}}, nil

	case *event.FundingApplied:
		entry, err := FundingHistoryEntry{
			Round:     p.Round,
			Positions: p.Positions,
			Sequence:  env.Sequence,
			AppliedAt: p.AppliedAt,
		}.encode()
		if err != nil {
			return nil, err
		}
		return []Op{{Kind: OpListPush, Key: KeyFundingRounds, Member: entry}}, nil

	case nil:
		return nil, fmt.Errorf("envelope %d has no payload", env.Sequence)

	default:
		return nil, nil
	}
}

func closeOps(member, key string, fields map[string]interface{}) []Op {
	return []Op{
		{Kind: OpSetRemove, Key: KeyOpenPositions, Member: member},
		{Kind: OpHashSet, Key: key, Fields: fields},
	}
}
