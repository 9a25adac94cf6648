package core

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/observability"
	"ConfidentialPerp/internal/oracle"
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// CommandType names a ledger mutation arriving over a transport
type CommandType string

const (
	CommandDeposit                CommandType = "deposit"
	CommandOpenPosition           CommandType = "open_position"
	CommandClosePosition          CommandType = "close_position"
	CommandUpdateBrackets         CommandType = "update_brackets"
	CommandPlaceOrder             CommandType = "place_order"
	CommandSettleMatch            CommandType = "settle_match"
	CommandAttemptLiquidate       CommandType = "attempt_liquidate"
	CommandAttemptExecuteBrackets CommandType = "attempt_execute_brackets"
	CommandSetOraclePrice         CommandType = "set_oracle_price"
	CommandApplyFunding           CommandType = "apply_funding"
	CommandRequestWithdrawal      CommandType = "request_withdrawal"
	CommandConfirmWithdrawal      CommandType = "confirm_withdrawal"
)

var commandTypes = map[CommandType]bool{
	CommandDeposit:                true,
	CommandOpenPosition:           true,
	CommandClosePosition:          true,
	CommandUpdateBrackets:         true,
	CommandPlaceOrder:             true,
	CommandSettleMatch:            true,
	CommandAttemptLiquidate:       true,
	CommandAttemptExecuteBrackets: true,
	CommandSetOraclePrice:         true,
	CommandApplyFunding:           true,
	CommandRequestWithdrawal:      true,
	CommandConfirmWithdrawal:      true,
}

// ParseCommandType validates a transport-supplied command name
func ParseCommandType(s string) (CommandType, error) {
	ct := CommandType(s)
	if !commandTypes[ct] {
		return "", fmt.Errorf("unknown command %q", s)
	}
	return ct, nil
}

// Command is a transport-neutral ledger mutation. Only the fields the
// command type needs are read.
type Command struct {
	Type      CommandType
	RequestID string
	Caller    common.Address

	Amount     confidential.Ciphertext
	Size       confidential.Ciphertext
	Price      confidential.Ciphertext
	StopLoss   confidential.Ciphertext
	TakeProfit confidential.Ciphertext
	Leverage   uint64
	IsLong     bool

	PositionID   common.Hash
	MatchID      uint64
	WithdrawalID uint64
	Attestation  *oracle.Attestation

	// Source sequence of an oracle price update. Zero marks an unsequenced
	// admin update, which always replaces the price.
	PriceSequence int64
}

// Result carries whatever id the command produced
type Result struct {
	PositionID   common.Hash
	OrderID      uint64
	WithdrawalID uint64
	FundingRound uint64

	// Duplicate: the request id was already applied; nothing was done.
	Duplicate bool
	// Stale: a price update older than the last applied one; dropped.
	Stale bool
}

// Dispatcher is the single entry point transports use to mutate the
// ledger. It drops duplicate request ids and stale price updates before
// calling the engine.
type Dispatcher struct {
	mu          sync.Mutex
	engine      *Engine
	idempotency *IdempotencyChecker
	sequences   *SequenceValidator
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

func NewDispatcher(engine *Engine, idempotency *IdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		engine:      engine,
		idempotency: idempotency,
		sequences:   NewSequenceValidator(),
		metrics:     metrics,
		logger:      logger,
	}
}

func (d *Dispatcher) Engine() *Engine {
	return d.engine
}

// Dispatch applies cmd once. Commands without a request id are never
// deduplicated.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cmd.RequestID != "" {
		if d.idempotency.IsDuplicate(ctx, cmd.Type, cmd.RequestID) {
			d.logger.Debug().Str("request_id", cmd.RequestID).Str("command", string(cmd.Type)).Msg("duplicate command dropped")
			return Result{Duplicate: true}, nil
		}
		ctx = WithRequestID(ctx, cmd.RequestID)
	}

	sequenced := cmd.Type == CommandSetOraclePrice && cmd.PriceSequence != 0
	if sequenced && !d.sequences.ValidatePriceSequence(cmd.PriceSequence) {
		if d.metrics != nil {
			d.metrics.StalePriceUpdates.Inc()
		}
		d.logger.Debug().Int64("price_sequence", cmd.PriceSequence).Msg("stale price update dropped")
		return Result{Stale: true}, nil
	}

	res, err := d.apply(ctx, cmd)
	if err != nil {
		return Result{}, err
	}

	if sequenced {
		d.sequences.RecordPriceSequence(cmd.PriceSequence)
	}
	if cmd.RequestID != "" {
		d.idempotency.MarkProcessed(cmd.RequestID)
	}
	return res, nil
}

func (d *Dispatcher) apply(ctx context.Context, cmd Command) (Result, error) {
	e := d.engine

	switch cmd.Type {
	case CommandDeposit:
		return Result{}, e.Deposit(ctx, cmd.Caller, cmd.Amount)

	case CommandOpenPosition:
		id, err := e.OpenPosition(ctx, cmd.Caller, cmd.Size, cmd.Leverage, cmd.IsLong, cmd.StopLoss, cmd.TakeProfit)
		return Result{PositionID: id}, err

	case CommandClosePosition:
		return Result{}, e.ClosePosition(ctx, cmd.Caller, cmd.PositionID)

	case CommandUpdateBrackets:
		return Result{}, e.UpdateBrackets(ctx, cmd.Caller, cmd.PositionID, cmd.StopLoss, cmd.TakeProfit)

	case CommandPlaceOrder:
		id, err := e.PlaceOrder(ctx, cmd.Caller, cmd.Price, cmd.Size, cmd.IsLong)
		return Result{OrderID: id}, err

	case CommandSettleMatch:
		return Result{}, e.SettleMatch(ctx, cmd.MatchID, cmd.Attestation)

	case CommandAttemptLiquidate:
		return Result{}, e.AttemptLiquidate(ctx, cmd.Caller, cmd.PositionID, cmd.Attestation)

	case CommandAttemptExecuteBrackets:
		return Result{}, e.AttemptExecuteBrackets(ctx, cmd.Caller, cmd.PositionID, cmd.Attestation)

	case CommandSetOraclePrice:
		return Result{}, e.SetOraclePrice(ctx, cmd.Caller, cmd.Price)

	case CommandApplyFunding:
		round, err := e.ApplyFunding(ctx, cmd.Caller)
		return Result{FundingRound: round}, err

	case CommandRequestWithdrawal:
		id, err := e.RequestWithdrawal(ctx, cmd.Caller, cmd.Amount)
		return Result{WithdrawalID: id}, err

	case CommandConfirmWithdrawal:
		return Result{}, e.ConfirmWithdrawal(ctx, cmd.WithdrawalID, cmd.Attestation)

	default:
		return Result{}, fmt.Errorf("unknown command %q", cmd.Type)
	}
}
