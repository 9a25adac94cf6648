package ledger

import (
	"fmt"
)

// InvariantValidator checks the structural ledger invariants that do not
// need plaintexts: every position's collateral is locked exactly once and
// released exactly once, after the lock.
type InvariantValidator struct {
	locked   map[AccountKey]bool
	released map[AccountKey]bool
}

func NewInvariantValidator() *InvariantValidator {
	return &InvariantValidator{
		locked:   make(map[AccountKey]bool),
		released: make(map[AccountKey]bool),
	}
}

// ValidateBatch checks a batch against the collateral lifecycle without
// recording it.
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}

	seenLock := make(map[AccountKey]bool)
	seenRelease := make(map[AccountKey]bool)

	for _, j := range batch.Journals {
		switch j.JournalType {
		case JournalTypeCollateralLock:
			key := j.DebitAccount
			if key.Scope != AccountScopePosition {
				return fmt.Errorf("collateral lock into non-position account %s", key.AccountPath())
			}
			if v.locked[key] || seenLock[key] {
				return fmt.Errorf("collateral for %s locked twice", key.AccountPath())
			}
			seenLock[key] = true

		case JournalTypeCollateralRelease:
			key := j.CreditAccount
			if key.Scope != AccountScopePosition {
				return fmt.Errorf("collateral release from non-position account %s", key.AccountPath())
			}
			if !v.locked[key] && !seenLock[key] {
				return fmt.Errorf("collateral for %s released before lock", key.AccountPath())
			}
			if v.released[key] || seenRelease[key] {
				return fmt.Errorf("collateral for %s released twice", key.AccountPath())
			}
			seenRelease[key] = true
		}
	}

	return nil
}

// Commit records a validated batch
func (v *InvariantValidator) Commit(batch *Batch) {
	for _, j := range batch.Journals {
		switch j.JournalType {
		case JournalTypeCollateralLock:
			v.locked[j.DebitAccount] = true
		case JournalTypeCollateralRelease:
			v.released[j.CreditAccount] = true
		}
	}
}

// OpenCollateralAccounts returns how many positions hold locked collateral
func (v *InvariantValidator) OpenCollateralAccounts() int {
	return len(v.locked) - len(v.released)
}
