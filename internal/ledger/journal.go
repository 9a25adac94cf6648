package ledger

import (
	"ConfidentialPerp/internal/confidential"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeCollateralLock
	JournalTypeCollateralRelease
	JournalTypeRealizedPnL
	JournalTypeLiquidationReward
	JournalTypeFundingPayment
	JournalTypeWithdrawal
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "Deposit"
	case JournalTypeCollateralLock:
		return "CollateralLock"
	case JournalTypeCollateralRelease:
		return "CollateralRelease"
	case JournalTypeRealizedPnL:
		return "RealizedPnL"
	case JournalTypeLiquidationReward:
		return "LiquidationReward"
	case JournalTypeFundingPayment:
		return "FundingPayment"
	case JournalTypeWithdrawal:
		return "Withdrawal"
	default:
		return "Unknown"
	}
}

// Journal is a single double-entry movement. The amount is a handle; the
// ledger never knows how much moved, only that the same ciphertext was
// added on one side and subtracted on the other.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	RequestID     string
	Sequence      int64
	DebitAccount  AccountKey // balance increases
	CreditAccount AccountKey // balance decreases
	Amount        confidential.Value
	JournalType   JournalType
	Timestamp     int64 // epoch microseconds
}

// Batch groups the movements of one ledger operation
type Batch struct {
	BatchID   uuid.UUID
	RequestID string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

func NewBatch(requestID string, sequence int64, ts time.Time) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		RequestID: requestID,
		Sequence:  sequence,
		Timestamp: ts.UnixMicro(),
	}
}

// Add appends a movement of amount from credit to debit.
func (b *Batch) Add(debit, credit AccountKey, amount confidential.Value, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		RequestID:     b.RequestID,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Validate ensures the batch is well-formed. Each entry moves one handle
// between two accounts, so the batch balances by construction; amounts
// cannot be checked for sign.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if !j.Amount.IsSet() {
			return fmt.Errorf("journal %s has no amount handle", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
