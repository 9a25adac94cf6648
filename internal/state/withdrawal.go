package state

import (
	"ConfidentialPerp/internal/confidential"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Withdrawal is a requested payout waiting for the oracle to attest that
// the balance covers it.
type Withdrawal struct {
	ID          uint64
	Account     common.Address
	Amount      confidential.Value
	RequestedAt time.Time
}

// WithdrawalQueue holds pending withdrawals. Ids are never reused.
type WithdrawalQueue struct {
	nextID  uint64
	pending map[uint64]*Withdrawal
}

func NewWithdrawalQueue() *WithdrawalQueue {
	return &WithdrawalQueue{
		nextID:  1,
		pending: make(map[uint64]*Withdrawal),
	}
}

func (wq *WithdrawalQueue) Enqueue(account common.Address, amount confidential.Value, at time.Time) *Withdrawal {
	w := &Withdrawal{
		ID:          wq.nextID,
		Account:     account,
		Amount:      amount,
		RequestedAt: at,
	}
	wq.nextID++
	wq.pending[w.ID] = w
	return w
}

func (wq *WithdrawalQueue) Get(id uint64) (*Withdrawal, bool) {
	w, ok := wq.pending[id]
	return w, ok
}

// Remove takes a withdrawal out of the pending set
func (wq *WithdrawalQueue) Remove(id uint64) error {
	if _, ok := wq.pending[id]; !ok {
		return fmt.Errorf("withdrawal %d not pending", id)
	}
	delete(wq.pending, id)
	return nil
}

func (wq *WithdrawalQueue) Len() int {
	return len(wq.pending)
}
