package query

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/core"
	"ConfidentialPerp/internal/ledger"
	"ConfidentialPerp/internal/observability"
	"ConfidentialPerp/internal/oracle"
	"ConfidentialPerp/internal/persistence"
	"ConfidentialPerp/internal/projection"
	"ConfidentialPerp/internal/state"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnavailable is returned by queries whose backing store is not
// configured.
var ErrUnavailable = errors.New("query backend unavailable")

// Ledger is the read surface of the engine. Each query runs inside one
// View so the data and its AsOfSequence agree.
type Ledger interface {
	View(fn func(v *core.View) error) error
}

// EventLog is the persisted side used for history and audits.
type EventLog interface {
	VerifyChain(ctx context.Context, fromSequence int64, pageSize int) (int64, error)
	LoadAccountJournals(ctx context.Context, account string, limit int, beforeSequence *int64) ([]persistence.JournalRow, error)
}

// QueryService answers reads for the gRPC and HTTP surfaces. Point reads
// go to the live ledger; scans go to the projection; history and audits go
// to the event log. Every response carries the sequence it reflects.
type QueryService struct {
	ledger     Ledger
	projection projection.Reader
	eventLog   EventLog
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewQueryService wires the read paths. projection and eventLog may be nil;
// the queries that need them then return ErrUnavailable.
func NewQueryService(reader Ledger, proj projection.Reader, eventLog EventLog, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		ledger:     reader,
		projection: proj,
		eventLog:   eventLog,
		metrics:    metrics,
		now:        time.Now,
	}
}

// observe is deferred with the start time and the named error result
func (qs *QueryService) observe(endpoint string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *err != nil {
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (qs *QueryService) GetPosition(ctx context.Context, id common.Hash) (resp *PositionResponse, err error) {
	defer qs.observe("get_position", qs.now(), &err)

	err = qs.ledger.View(func(v *core.View) error {
		pos, err := v.Position(id)
		if err != nil {
			return err
		}
		resp = positionResponse(pos, v.AsOf())
		if c, ok := v.Closure(id); ok {
			closedAt := c.ClosedAt
			resp.ClosedAt = &closedAt
			if c.Keeper != (common.Address{}) {
				keeper := c.Keeper
				resp.Keeper = &keeper
			}
			resp.Trigger = c.Trigger
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func positionResponse(pos *state.Position, asOf int64) *PositionResponse {
	return &PositionResponse{
		ID:           pos.ID,
		Owner:        pos.Owner,
		IsLong:       pos.IsLong,
		Leverage:     pos.Leverage,
		Status:       pos.Status.String(),
		Size:         pos.Size.Handle(),
		EntryPrice:   pos.EntryPrice.Handle(),
		Collateral:   pos.Collateral.Handle(),
		StopLoss:     pos.StopLoss.Handle(),
		TakeProfit:   pos.TakeProfit.Handle(),
		OpenedAt:     pos.OpenedAt,
		AsOfSequence: asOf,
	}
}

// GetUserPositions lists every position the account opened, in opening
// order.
func (qs *QueryService) GetUserPositions(ctx context.Context, account common.Address) (ids []common.Hash, err error) {
	defer qs.observe("get_user_positions", qs.now(), &err)
	qs.ledger.View(func(v *core.View) error {
		ids = v.UserPositions(account)
		return nil
	})
	if ids == nil {
		ids = []common.Hash{}
	}
	return ids, nil
}

func (qs *QueryService) GetOraclePrice(ctx context.Context) (resp *OraclePriceResponse, err error) {
	defer qs.observe("get_oracle_price", qs.now(), &err)

	qs.ledger.View(func(v *core.View) error {
		p := v.OraclePrice()
		resp = &OraclePriceResponse{
			Price:        p.Price.Handle(),
			Version:      p.Version,
			UpdatedAt:    p.UpdatedAt,
			AsOfSequence: v.AsOf(),
		}
		return nil
	})
	return resp, nil
}

func (qs *QueryService) OrderBookSize(ctx context.Context) (resp *OrderBookResponse, err error) {
	defer qs.observe("orderbook_size", qs.now(), &err)
	qs.ledger.View(func(v *core.View) error {
		resp = &OrderBookResponse{Size: v.OrderBookSize(), AsOfSequence: v.AsOf()}
		return nil
	})
	return resp, nil
}

func (qs *QueryService) CalculatePnL(ctx context.Context, id common.Hash) (resp *PnLResponse, err error) {
	defer qs.observe("calculate_pnl", qs.now(), &err)

	err = qs.ledger.View(func(v *core.View) error {
		pnl, err := v.PnL(id)
		if err != nil {
			return err
		}
		resp = &PnLResponse{PositionID: id, PnL: pnl.Handle(), AsOfSequence: v.AsOf()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (qs *QueryService) EvaluateBrackets(ctx context.Context, id common.Hash) (resp *BracketsResponse, err error) {
	defer qs.observe("evaluate_brackets", qs.now(), &err)

	err = qs.ledger.View(func(v *core.View) error {
		sl, tp, err := v.Brackets(id)
		if err != nil {
			return err
		}
		resp = &BracketsResponse{
			PositionID:   id,
			StopLoss:     sl.Handle(),
			TakeProfit:   tp.Handle(),
			AsOfSequence: v.AsOf(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (qs *QueryService) CheckLiquidatable(ctx context.Context, id common.Hash) (resp *PredicateResponse, err error) {
	defer qs.observe("check_liquidatable", qs.now(), &err)

	err = qs.ledger.View(func(v *core.View) error {
		pred, err := v.Liquidatable(id)
		if err != nil {
			return err
		}
		resp = predicate(oracle.KindLiquidation, id, pred, v.AsOf())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// MatchPredicate returns the crossing predicate of a proposal for the
// oracle to attest.
func (qs *QueryService) MatchPredicate(ctx context.Context, matchID uint64) (resp *PredicateResponse, err error) {
	defer qs.observe("match_predicate", qs.now(), &err)

	err = qs.ledger.View(func(v *core.View) error {
		mp, err := v.MatchProposal(matchID)
		if err != nil {
			return err
		}
		if mp.Status != state.MatchStatusProposed {
			return fmt.Errorf("%w: match %d is %s", core.ErrInvalidState, matchID, mp.Status)
		}
		resp = predicate(oracle.KindMatch, oracle.SequenceSubject(matchID), mp.Crossing, v.AsOf())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (qs *QueryService) WithdrawalPredicate(ctx context.Context, withdrawalID uint64) (resp *PredicateResponse, err error) {
	defer qs.observe("withdrawal_predicate", qs.now(), &err)

	err = qs.ledger.View(func(v *core.View) error {
		pred, err := v.WithdrawalPredicate(withdrawalID)
		if err != nil {
			return err
		}
		resp = predicate(oracle.KindWithdrawal, oracle.SequenceSubject(withdrawalID), pred, v.AsOf())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func predicate(kind oracle.Kind, subject common.Hash, pred confidential.Bool, asOf int64) *PredicateResponse {
	return &PredicateResponse{
		Kind:         kind.String(),
		Subject:      subject,
		Handle:       pred.Handle(),
		AsOfSequence: asOf,
	}
}

// --- Projection reads ---

// ListOpenPositions is the keeper scan. It reads the projection so that
// scanning does not contend for the engine lock.
func (qs *QueryService) ListOpenPositions(ctx context.Context) (resp *PositionListResponse, err error) {
	defer qs.observe("list_open_positions", qs.now(), &err)

	if qs.projection == nil {
		return nil, ErrUnavailable
	}
	wm, err := qs.projection.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := qs.projection.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	resp = &PositionListResponse{Positions: make([]projection.PositionView, 0, len(ids)), AsOfSequence: wm}
	for _, id := range ids {
		view, ok, err := qs.projection.Position(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			resp.Positions = append(resp.Positions, view)
		}
	}
	return resp, nil
}

func (qs *QueryService) GetFundingHistory(ctx context.Context, limit int) (resp *FundingHistoryResponse, err error) {
	defer qs.observe("funding_history", qs.now(), &err)

	if qs.projection == nil {
		return nil, ErrUnavailable
	}
	wm, err := qs.projection.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	rounds, err := qs.projection.FundingHistory(ctx, limit)
	if err != nil {
		return nil, err
	}
	return &FundingHistoryResponse{Rounds: rounds, AsOfSequence: wm}, nil
}

// --- Event log reads ---

// GetJournalHistory returns the account's movements, newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, account common.Address, limit int, beforeSequence *int64) (entries []JournalHistoryEntry, err error) {
	defer qs.observe("journal_history", qs.now(), &err)

	if qs.eventLog == nil {
		return nil, ErrUnavailable
	}
	rows, err := qs.eventLog.LoadAccountJournals(ctx, account.Hex(), limit, beforeSequence)
	if err != nil {
		return nil, err
	}

	entries = make([]JournalHistoryEntry, 0, len(rows))
	for _, r := range rows {
		var amount confidential.Handle
		copy(amount[:], r.AmountHandle)
		entries = append(entries, JournalHistoryEntry{
			JournalID:     r.JournalID,
			BatchID:       r.BatchID,
			RequestID:     r.RequestID,
			Sequence:      r.Sequence,
			DebitAccount:  r.DebitAccount,
			CreditAccount: r.CreditAccount,
			Amount:        amount,
			JournalType:   ledger.JournalType(r.JournalType).String(),
			Timestamp:     r.Timestamp,
		})
	}
	return entries, nil
}

// --- Admin APIs ---

// VerifyIntegrity walks the persisted hash chain and reports the ledger
// sum handle. The sum is confidential; the oracle attests it is zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", qs.now(), &err)

	if qs.eventLog == nil {
		return nil, ErrUnavailable
	}

	qs.ledger.View(func(v *core.View) error {
		tip := v.StateHash()
		report = &IntegrityReport{
			StateHash:      hex.EncodeToString(tip[:]),
			LedgerSum:      v.LedgerSum().Handle(),
			LedgerSequence: v.AsOf(),
		}
		return nil
	})
	checked, chainErr := qs.eventLog.VerifyChain(ctx, 0, 1000)
	report.EventsChecked = checked
	if chainErr != nil {
		report.ChainError = chainErr.Error()
	}
	report.IsHealthy = chainErr == nil
	return report, nil
}
