package ingestion

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/core"
	"ConfidentialPerp/internal/oracle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrInvalidCommand marks a payload that can never be applied. The
// consumer terminates such messages instead of redelivering them.
var ErrInvalidCommand = errors.New("invalid command")

// CiphertextJSON is the wire form of a client-sealed amount.
type CiphertextJSON struct {
	Blob  hexutil.Bytes `json:"blob"`
	Proof hexutil.Bytes `json:"proof"`
}

func (c *CiphertextJSON) ciphertext() confidential.Ciphertext {
	if c == nil {
		return confidential.Ciphertext{}
	}
	return confidential.Ciphertext{Blob: c.Blob, Proof: c.Proof}
}

// NewCiphertextJSON wraps a sealed amount for the wire.
func NewCiphertextJSON(ct confidential.Ciphertext) *CiphertextJSON {
	if ct.Empty() {
		return nil
	}
	return &CiphertextJSON{Blob: ct.Blob, Proof: ct.Proof}
}

// CommandRequest is the JSON body of a ledger command, shared by the NATS
// consumer and the gRPC service. Field names use snake_case to match
// upstream producers.
type CommandRequest struct {
	RequestID string `json:"request_id"`

	// Submitting identity. The gRPC surface takes it from metadata instead.
	Caller common.Address `json:"caller"`

	Amount     *CiphertextJSON `json:"amount,omitempty"`
	Size       *CiphertextJSON `json:"size,omitempty"`
	Price      *CiphertextJSON `json:"price,omitempty"`
	StopLoss   *CiphertextJSON `json:"stop_loss,omitempty"`
	TakeProfit *CiphertextJSON `json:"take_profit,omitempty"`
	Leverage   uint64          `json:"leverage,omitempty"`
	IsLong     bool            `json:"is_long,omitempty"`

	PositionID   *common.Hash        `json:"position_id,omitempty"`
	MatchID      *uint64             `json:"match_id,omitempty"`
	WithdrawalID *uint64             `json:"withdrawal_id,omitempty"`
	Attestation  *oracle.Attestation `json:"attestation,omitempty"`

	PriceSequence int64 `json:"price_sequence,omitempty"`
}

// ParseRawCommand decodes a NATS message. The command type is the last
// subject token: cperp.commands.{command}.
func ParseRawCommand(raw RawCommand) (core.Command, error) {
	idx := strings.LastIndex(raw.Subject, ".")
	ct, err := core.ParseCommandType(raw.Subject[idx+1:])
	if err != nil {
		return core.Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	var req CommandRequest
	if err := json.Unmarshal(raw.Data, &req); err != nil {
		return core.Command{}, fmt.Errorf("%w: decode %s: %v", ErrInvalidCommand, ct, err)
	}
	return req.ToCommand(ct)
}

// ToCommand checks that the fields ct needs are present and builds the
// dispatcher command. Ciphertext contents are checked later by the
// coprocessor.
func (r *CommandRequest) ToCommand(ct core.CommandType) (core.Command, error) {
	cmd := core.Command{
		Type:          ct,
		RequestID:     r.RequestID,
		Caller:        r.Caller,
		Amount:        r.Amount.ciphertext(),
		Size:          r.Size.ciphertext(),
		Price:         r.Price.ciphertext(),
		StopLoss:      r.StopLoss.ciphertext(),
		TakeProfit:    r.TakeProfit.ciphertext(),
		Leverage:      r.Leverage,
		IsLong:        r.IsLong,
		Attestation:   r.Attestation,
		PriceSequence: r.PriceSequence,
	}
	if r.PositionID != nil {
		cmd.PositionID = *r.PositionID
	}
	if r.MatchID != nil {
		cmd.MatchID = *r.MatchID
	}
	if r.WithdrawalID != nil {
		cmd.WithdrawalID = *r.WithdrawalID
	}

	var missing []string
	need := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}

	switch ct {
	case core.CommandDeposit, core.CommandRequestWithdrawal:
		need(r.Amount != nil, "amount")
	case core.CommandOpenPosition:
		need(r.Size != nil, "size")
		need(r.Leverage != 0, "leverage")
	case core.CommandClosePosition, core.CommandUpdateBrackets:
		need(r.PositionID != nil, "position_id")
	case core.CommandPlaceOrder:
		need(r.Price != nil, "price")
		need(r.Size != nil, "size")
	case core.CommandSettleMatch:
		need(r.MatchID != nil, "match_id")
		need(r.Attestation != nil, "attestation")
	case core.CommandAttemptLiquidate, core.CommandAttemptExecuteBrackets:
		need(r.PositionID != nil, "position_id")
		need(r.Attestation != nil, "attestation")
	case core.CommandSetOraclePrice:
		need(r.Price != nil, "price")
		need(r.PriceSequence >= 0, "non-negative price_sequence")
	case core.CommandConfirmWithdrawal:
		need(r.WithdrawalID != nil, "withdrawal_id")
		need(r.Attestation != nil, "attestation")
	}
	if ct != core.CommandSettleMatch && ct != core.CommandConfirmWithdrawal {
		need(r.Caller != (common.Address{}), "caller")
	}

	if len(missing) > 0 {
		return core.Command{}, fmt.Errorf("%w: %s missing %s", ErrInvalidCommand, ct, strings.Join(missing, ", "))
	}
	return cmd, nil
}
