package state

import (
	"ConfidentialPerp/internal/confidential"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PositionStatus tracks a position's lifecycle. Every status other than
// Open is terminal.
type PositionStatus int32

const (
	PositionStatusOpen PositionStatus = iota
	PositionStatusClosed
	PositionStatusBracketExecuted
	PositionStatusLiquidated
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusOpen:
		return "Open"
	case PositionStatusClosed:
		return "Closed"
	case PositionStatusBracketExecuted:
		return "BracketExecuted"
	case PositionStatusLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		PositionStatusOpen: {
			PositionStatusClosed,
			PositionStatusBracketExecuted,
			PositionStatusLiquidated,
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Position is a leveraged position. Leverage and direction are public;
// every monetary field is a confidential handle. A zero-valued bracket
// (trivial encryption of 0) disables that bracket.
type Position struct {
	ID         common.Hash
	Owner      common.Address
	Size       confidential.Value
	EntryPrice confidential.Value
	Collateral confidential.Value
	Leverage   uint64
	IsLong     bool
	StopLoss   confidential.Value
	TakeProfit confidential.Value
	Status     PositionStatus
	OpenedAt   time.Time
	ClosedAt   time.Time
}

func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// Transition moves the position to a terminal status.
func (p *Position) Transition(next PositionStatus, at time.Time) error {
	if !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid position transition %s -> %s", p.Status, next)
	}
	p.Status = next
	p.ClosedAt = at
	return nil
}

// Clone returns a copy safe to hand out of the engine lock.
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}

// PositionID derives the content id of a new position. The ledger sequence
// makes it unique even when one owner opens twice in the same instant with
// the same size ciphertext.
func PositionID(owner common.Address, openedAt time.Time, size confidential.Handle, sequence int64) common.Hash {
	var ts, seq [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(openedAt.UnixNano()))
	binary.BigEndian.PutUint64(seq[:], uint64(sequence))
	return crypto.Keccak256Hash(owner.Bytes(), ts[:], size[:], seq[:])
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)

	buf = append(buf, p.ID.Bytes()...)
	buf = append(buf, p.Owner.Bytes()...)

	for _, v := range []confidential.Value{p.Size, p.EntryPrice, p.Collateral, p.StopLoss, p.TakeProfit} {
		h := v.Handle()
		buf = append(buf, h[:]...)
	}

	buf = binary.LittleEndian.AppendUint64(buf, p.Leverage)

	if p.IsLong {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = append(buf, byte(p.Status))

	return buf
}
