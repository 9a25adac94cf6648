package ledger

import (
	"ConfidentialPerp/internal/confidential"

	"github.com/ethereum/go-ethereum/common"
)

// JournalGenerator builds the journal legs for each ledger operation
type JournalGenerator struct {
	arith confidential.Arithmetic
}

func NewJournalGenerator(arith confidential.Arithmetic) *JournalGenerator {
	return &JournalGenerator{arith: arith}
}

// Deposit moves funds: external:deposits -> user:balance
func (jg *JournalGenerator) Deposit(b *Batch, account common.Address, amount confidential.Value) {
	b.Add(NewUserAccountKey(account), NewExternalAccountKey(SubTypeExternalDeposits), amount, JournalTypeDeposit)
}

// CollateralLock moves funds: user:balance -> position:collateral
func (jg *JournalGenerator) CollateralLock(b *Batch, owner common.Address, positionID common.Hash, collateral confidential.Value) {
	b.Add(NewPositionAccountKey(positionID), NewUserAccountKey(owner), collateral, JournalTypeCollateralLock)
}

// Settlement returns collateral and realized PnL to the owner:
// position:collateral -> user:balance and system:pnl -> user:balance
func (jg *JournalGenerator) Settlement(b *Batch, owner common.Address, positionID common.Hash, collateral, pnl confidential.Value) {
	user := NewUserAccountKey(owner)
	b.Add(user, NewPositionAccountKey(positionID), collateral, JournalTypeCollateralRelease)
	b.Add(user, NewSystemAccountKey(SubTypeSystemPnL), pnl, JournalTypeRealizedPnL)
}

// Liquidation pays the keeper reward out of collateral and settles the
// remainder with the owner. Returns the amount released to the owner.
func (jg *JournalGenerator) Liquidation(
	b *Batch,
	owner, keeper common.Address,
	positionID common.Hash,
	collateral, reward, pnl confidential.Value,
) confidential.Value {
	posKey := NewPositionAccountKey(positionID)
	b.Add(NewUserAccountKey(keeper), posKey, reward, JournalTypeLiquidationReward)

	remainder := jg.arith.Sub(collateral, reward)
	jg.Settlement(b, owner, positionID, remainder, pnl)
	return remainder
}

// Funding moves a funding payment between a position and the funding pool.
// Payers: position:collateral -> system:funding; receivers the reverse.
func (jg *JournalGenerator) Funding(b *Batch, positionID common.Hash, payment confidential.Value, pays bool) {
	posKey := NewPositionAccountKey(positionID)
	pool := NewSystemAccountKey(SubTypeSystemFunding)
	if pays {
		b.Add(pool, posKey, payment, JournalTypeFundingPayment)
	} else {
		b.Add(posKey, pool, payment, JournalTypeFundingPayment)
	}
}

// Withdrawal moves funds: user:balance -> external:withdrawals
func (jg *JournalGenerator) Withdrawal(b *Batch, account common.Address, amount confidential.Value) {
	b.Add(NewExternalAccountKey(SubTypeExternalWithdrawals), NewUserAccountKey(account), amount, JournalTypeWithdrawal)
}
