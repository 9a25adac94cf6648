package core

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/event"
	"ConfidentialPerp/internal/ledger"
	"ConfidentialPerp/internal/observability"
	"ConfidentialPerp/internal/oracle"
	"ConfidentialPerp/internal/state"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// CoreOutput is one emitted envelope. Batch is set on the first envelope of
// an operation that moved funds.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
}

// EngineConfig holds the public, construction-time settings of a ledger
// instance.
type EngineConfig struct {
	Admin         common.Address
	Params        state.Params
	StartSequence int64
	PrevHash      *[32]byte // chain tip to continue from; genesis when nil
	Clock         func() time.Time
}

// Engine is the confidential ledger state machine. One mutex serializes
// every operation; each operation validates all structural preconditions
// before its first mutation, so a failed call changes nothing.
//
// The engine never decrypts. Conditional transitions (liquidation,
// brackets, matching, withdrawals) take an oracle attestation bound to the
// handle the engine recomputes from current state.
type Engine struct {
	mu sync.Mutex

	sequence int64
	clock    func() time.Time
	admin    common.Address
	params   state.Params

	arith    confidential.Arithmetic
	verifier *oracle.Verifier

	ledger     *ledger.AccountLedger
	journalGen *ledger.JournalGenerator
	validator  *ledger.InvariantValidator

	positions   *state.PositionBook
	orders      *state.OrderBook
	price       *state.OraclePrice
	closures    *state.ClosureLog
	funding     *state.FundingTracker
	withdrawals *state.WithdrawalQueue

	hasher  *StateHasher
	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// NewEngine wires a ledger instance. Either channel may be nil, in which
// case outputs for it are discarded.
func NewEngine(
	cfg EngineConfig,
	arith confidential.Arithmetic,
	verifier *oracle.Verifier,
	persistChan, projectionChan chan<- CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*Engine, error) {
	if err := state.ValidateParams(cfg.Params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if cfg.Admin == (common.Address{}) {
		return nil, fmt.Errorf("admin address is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("oracle verifier is required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	hasher := NewStateHasher()
	if cfg.PrevHash != nil {
		hasher = NewStateHasherFrom(*cfg.PrevHash)
	}

	return &Engine{
		sequence:       cfg.StartSequence,
		clock:          clock,
		admin:          cfg.Admin,
		params:         cfg.Params,
		arith:          arith,
		verifier:       verifier,
		ledger:         ledger.NewAccountLedger(arith),
		journalGen:     ledger.NewJournalGenerator(arith),
		validator:      ledger.NewInvariantValidator(),
		positions:      state.NewPositionBook(),
		orders:         state.NewOrderBook(),
		price:          state.NewOraclePrice(arith.Trivial(0), clock()),
		closures:       state.NewClosureLog(),
		funding:        state.NewFundingTracker(),
		withdrawals:    state.NewWithdrawalQueue(),
		hasher:         hasher,
		metrics:        metrics,
		logger:         logger,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}, nil
}

// reject records a failed operation. Nothing has been mutated.
func (e *Engine) reject(op string, err error) error {
	reason := rejectReason(err)
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, reason).Inc()
	}
	e.logger.Debug().Str("op", op).Str("reason", reason).Err(err).Msg("operation rejected")
	return err
}

// attestationRejected is reject for the trigger protocol; it also counts the
// attestation failure by kind.
func (e *Engine) attestationRejected(op string, kind oracle.Kind, err error) error {
	if e.metrics != nil {
		e.metrics.AttestationErrors.WithLabelValues(kind.String(), rejectReason(err)).Inc()
	}
	return e.reject(op, err)
}

// newBatch opens a journal batch at the current sequence
func (e *Engine) newBatch(ctx context.Context, now time.Time) *ledger.Batch {
	return ledger.NewBatch(RequestIDFromContext(ctx), e.sequence, now)
}

// commit applies batch (may be nil), seals one envelope per event and
// emits them. Called with the lock held, after every precondition passed;
// a failure here is an invariant breach.
func (e *Engine) commit(ctx context.Context, op string, start, now time.Time, batch *ledger.Batch, digest []byte, events ...event.Event) {
	if batch != nil && len(batch.Journals) > 0 {
		if err := e.validator.ValidateBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: %s produced invalid batch: %v", op, err))
		}
		if err := e.ledger.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: %s batch apply failed: %v", op, err))
		}
		e.validator.Commit(batch)
		if e.metrics != nil {
			for _, j := range batch.Journals {
				e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	} else {
		batch = nil
	}

	stateDigest := e.computeStateDigest(batch, digest)
	requestID := RequestIDFromContext(ctx)

	outputs := make([]CoreOutput, 0, len(events))
	for i, evt := range events {
		prev := e.hasher.GetPrevHash()
		envelope := &event.EventEnvelope{
			Sequence:  e.sequence,
			RequestID: requestID,
			EventType: evt.EventType(),
			Timestamp: now,
			Payload:   evt,
			StateHash: e.hasher.ComputeHash(e.sequence, stateDigest),
			PrevHash:  prev,
		}
		out := CoreOutput{Envelope: envelope}
		if i == 0 {
			out.Batch = batch
		}
		outputs = append(outputs, out)
		e.sequence++
	}

	e.emit(outputs)

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.metrics.OpenPositions.Set(float64(e.positions.OpenCount()))
		e.metrics.OrderBookSize.Set(float64(e.orders.Size()))
		e.metrics.PendingMatches.Set(float64(len(e.orders.PendingProposals())))
		e.metrics.PendingWithdrawals.Set(float64(e.withdrawals.Len()))
	}
}

// emit hands outputs to the workers. The persist send blocks so that no
// envelope is lost; the projection send drops when the channel is full,
// since the read model can be rebuilt.
func (e *Engine) emit(outputs []CoreOutput) {
	for _, output := range outputs {
		if e.persistChan != nil {
			e.persistChan <- output
		}

		if e.projectionChan != nil {
			select {
			case e.projectionChan <- output:
			default:
				if e.metrics != nil {
					e.metrics.ProjectionDrops.WithLabelValues("redis").Inc()
				}
			}
		}
	}
}

// computeStateDigest creates canonical bytes for the state hash: every
// account touched by the batch with its new balance handle, followed by
// the operation's own state bytes.
func (e *Engine) computeStateDigest(batch *ledger.Batch, extra []byte) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+len(extra))
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)

		balance, _ := e.ledger.GetBalance(key)
		h := balance.Handle()
		digest = append(digest, h[:]...)
	}

	return append(digest, extra...)
}

// decodeOptional admits an optional confidential input. An omitted input
// becomes the trivial zero, which disables brackets.
func (e *Engine) decodeOptional(ct confidential.Ciphertext, owner common.Address) (confidential.Value, error) {
	if ct.Empty() {
		return e.arith.Trivial(0), nil
	}
	return e.arith.Decode(ct, owner)
}

func uint64Bytes(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// ============================================================================
// Reads
// ============================================================================

// GetBalance returns the spendable balance handle of an account
func (e *Engine) GetBalance(account common.Address) (confidential.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return (&View{e: e}).Balance(account)
}

// GetPosition returns a copy of a position, open or not
func (e *Engine) GetPosition(id common.Hash) (*state.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return (&View{e: e}).Position(id)
}

// GetUserPositions returns the ids of every position the account opened
func (e *Engine) GetUserPositions(account common.Address) []common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.UserPositions(account)
}

// OpenPositionIDs lists open positions in opening order, for keepers
func (e *Engine) OpenPositionIDs() []common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()

	open := e.positions.OpenPositions()
	ids := make([]common.Hash, len(open))
	for i, pos := range open {
		ids[i] = pos.ID
	}
	return ids
}

func (e *Engine) GetOraclePrice() state.OraclePrice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.price
}

func (e *Engine) GetClosure(id common.Hash) (state.Closure, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return (&View{e: e}).Closure(id)
}

// LedgerSum returns the handle of the sum of all accounts. Double entry
// keeps it at zero; the oracle can attest that during reconciliation.
func (e *Engine) LedgerSum() confidential.Value {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.GlobalSum()
}

func (e *Engine) Params() state.Params {
	return e.params
}

func (e *Engine) Admin() common.Address {
	return e.admin
}

// GetSequence returns the next sequence to be assigned
func (e *Engine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

func (e *Engine) GetStateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// Stats is a point-in-time summary for health and query endpoints
type Stats struct {
	Sequence           int64
	OpenPositions      int
	TotalPositions     int
	Orders             int
	PendingMatches     int
	PendingWithdrawals int
	FundingRounds      uint64
	Liquidations       int
	BracketExecutions  int
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		Sequence:           e.sequence,
		OpenPositions:      e.positions.OpenCount(),
		TotalPositions:     e.positions.Len(),
		Orders:             e.orders.Size(),
		PendingMatches:     len(e.orders.PendingProposals()),
		PendingWithdrawals: e.withdrawals.Len(),
		FundingRounds:      e.funding.NextRound() - 1,
		Liquidations:       e.closures.Count(state.PositionStatusLiquidated),
		BracketExecutions:  e.closures.Count(state.PositionStatusBracketExecuted),
	}
}
