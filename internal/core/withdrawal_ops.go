package core

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/event"
	"ConfidentialPerp/internal/oracle"
	"ConfidentialPerp/internal/state"
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RequestWithdrawal queues a withdrawal and publishes its sufficiency
// predicate balance >= amount. No balance moves until ConfirmWithdrawal.
func (e *Engine) RequestWithdrawal(ctx context.Context, account common.Address, amount confidential.Ciphertext) (uint64, error) {
	const op = "request_withdrawal"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	balance, ok := e.ledger.UserBalance(account)
	if !ok {
		return 0, e.reject(op, fmt.Errorf("%w: no account %s", ErrInvalidState, account.Hex()))
	}
	v, err := e.arith.Decode(amount, account)
	if err != nil {
		return 0, e.reject(op, err)
	}

	now := e.clock()
	w := e.withdrawals.Enqueue(account, v, now)
	sufficient := e.arith.Ge(balance, v)

	e.commit(ctx, op, start, now, nil, uint64Bytes(w.ID), &event.WithdrawalRequested{
		Trader:       account,
		WithdrawalID: w.ID,
		Sufficient:   sufficient.Handle(),
	})
	return w.ID, nil
}

// WithdrawalPredicate recomputes balance >= amount for a pending
// withdrawal against the current balance.
func (e *Engine) WithdrawalPredicate(id uint64) (confidential.Bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return (&View{e: e}).WithdrawalPredicate(id)
}

func (e *Engine) withdrawalPredicate(w *state.Withdrawal) confidential.Bool {
	balance, _ := e.ledger.UserBalance(w.Account)
	return e.arith.Ge(balance, w.Amount)
}

// ConfirmWithdrawal settles a pending withdrawal on an attestation of its
// current sufficiency predicate. True debits the balance; false rejects the
// withdrawal. Either way it leaves the pending set.
func (e *Engine) ConfirmWithdrawal(ctx context.Context, id uint64, att *oracle.Attestation) error {
	const op = "confirm_withdrawal"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.withdrawals.Get(id)
	if !ok {
		return e.reject(op, fmt.Errorf("%w: withdrawal %d not pending", ErrInvalidState, id))
	}
	if err := e.verifier.Verify(att, oracle.SequenceSubject(id), oracle.KindWithdrawal); err != nil {
		return e.attestationRejected(op, oracle.KindWithdrawal, err)
	}
	pred := e.withdrawalPredicate(w)
	if att.Handle != pred.Handle() {
		return e.attestationRejected(op, oracle.KindWithdrawal,
			fmt.Errorf("%w: withdrawal %d attested %s, current %s", ErrStaleAttestation, id, att.Handle, pred.Handle()))
	}

	now := e.clock()
	if err := e.withdrawals.Remove(id); err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}

	if !att.Result {
		e.commit(ctx, op, start, now, nil, uint64Bytes(id), &event.WithdrawalRejected{
			Trader:       w.Account,
			WithdrawalID: id,
		})
		return nil
	}

	batch := e.newBatch(ctx, now)
	e.journalGen.Withdrawal(batch, w.Account, w.Amount)

	e.commit(ctx, op, start, now, batch, uint64Bytes(id), &event.WithdrawalConfirmed{
		Trader:       w.Account,
		WithdrawalID: id,
	})
	return nil
}
