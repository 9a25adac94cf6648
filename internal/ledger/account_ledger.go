package ledger

import (
	"ConfidentialPerp/internal/confidential"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// AccountLedger maintains confidential balances for every account touched
// by a journal: user balances, position collateral, system and external
// boundary accounts. Accounts are created lazily at zero on first touch and
// never deleted.
//
// Not thread-safe; owned by the engine, which serializes access.
type AccountLedger struct {
	arith    confidential.Arithmetic
	balances map[AccountKey]confidential.Value
}

func NewAccountLedger(arith confidential.Arithmetic) *AccountLedger {
	return &AccountLedger{
		arith:    arith,
		balances: make(map[AccountKey]confidential.Value),
	}
}

// GetBalance returns the balance handle for an account
func (l *AccountLedger) GetBalance(key AccountKey) (confidential.Value, bool) {
	v, ok := l.balances[key]
	return v, ok
}

// UserBalance returns the spendable balance of an account
func (l *AccountLedger) UserBalance(account common.Address) (confidential.Value, bool) {
	return l.GetBalance(NewUserAccountKey(account))
}

// HasUser reports whether the account has ever been credited
func (l *AccountLedger) HasUser(account common.Address) bool {
	_, ok := l.balances[NewUserAccountKey(account)]
	return ok
}

// ApplyJournal adds the amount to the debit side and subtracts it from the
// credit side. Subtraction is total; a conceptually negative result is not
// detectable here.
func (l *AccountLedger) ApplyJournal(j Journal) {
	l.balances[j.DebitAccount] = l.arith.Add(l.balanceOrZero(j.DebitAccount), j.Amount)
	l.balances[j.CreditAccount] = l.arith.Sub(l.balanceOrZero(j.CreditAccount), j.Amount)
}

// ApplyBatch applies all journals in a batch
func (l *AccountLedger) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		l.ApplyJournal(j)
	}

	return nil
}

func (l *AccountLedger) balanceOrZero(key AccountKey) confidential.Value {
	if v, ok := l.balances[key]; ok {
		return v
	}
	return l.arith.Trivial(0)
}

// Keys returns all account keys ordered by account path
func (l *AccountLedger) Keys() []AccountKey {
	keys := make([]AccountKey, 0, len(l.balances))
	for k := range l.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys
}

// Users returns every user account, ordered by address
func (l *AccountLedger) Users() []common.Address {
	var users []common.Address
	for k := range l.balances {
		if addr, ok := k.Address(); ok {
			users = append(users, addr)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Cmp(users[j]) < 0
	})
	return users
}

// GlobalSum adds every account balance. Double entry keeps it at zero; the
// oracle can attest Ne(GlobalSum(), Trivial(0)) during reconciliation.
func (l *AccountLedger) GlobalSum() confidential.Value {
	sum := l.arith.Trivial(0)
	for _, k := range l.Keys() {
		sum = l.arith.Add(sum, l.balances[k])
	}
	return sum
}
