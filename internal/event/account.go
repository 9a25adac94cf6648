package event

import (
	"ConfidentialPerp/internal/confidential"

	"github.com/ethereum/go-ethereum/common"
)

type Deposited struct {
	Trader common.Address `json:"account"`
}

func (d *Deposited) EventType() EventType    { return EventTypeDeposited }
func (d *Deposited) Account() common.Address { return d.Trader }

// WithdrawalRequested publishes the sufficiency predicate so the oracle can
// attest it.
type WithdrawalRequested struct {
	Trader       common.Address      `json:"account"`
	WithdrawalID uint64              `json:"withdrawal_id"`
	Sufficient   confidential.Handle `json:"sufficient"`
}

func (w *WithdrawalRequested) EventType() EventType    { return EventTypeWithdrawalRequested }
func (w *WithdrawalRequested) Account() common.Address { return w.Trader }

type WithdrawalConfirmed struct {
	Trader       common.Address `json:"account"`
	WithdrawalID uint64         `json:"withdrawal_id"`
}

func (w *WithdrawalConfirmed) EventType() EventType    { return EventTypeWithdrawalConfirmed }
func (w *WithdrawalConfirmed) Account() common.Address { return w.Trader }

type WithdrawalRejected struct {
	Trader       common.Address `json:"account"`
	WithdrawalID uint64         `json:"withdrawal_id"`
}

func (w *WithdrawalRejected) EventType() EventType    { return EventTypeWithdrawalRejected }
func (w *WithdrawalRejected) Account() common.Address { return w.Trader }
