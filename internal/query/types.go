package query

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/projection"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PositionResponse is a position as the API returns it. Monetary fields
// are handles; only the owner's decryption grant can open them.
type PositionResponse struct {
	ID         common.Hash         `json:"id"`
	Owner      common.Address      `json:"owner"`
	IsLong     bool                `json:"is_long"`
	Leverage   uint64              `json:"leverage"`
	Status     string              `json:"status"`
	Size       confidential.Handle `json:"size"`
	EntryPrice confidential.Handle `json:"entry_price"`
	Collateral confidential.Handle `json:"collateral"`
	StopLoss   confidential.Handle `json:"stop_loss"`
	TakeProfit confidential.Handle `json:"take_profit"`
	OpenedAt   time.Time           `json:"opened_at"`

	// Set once the position is terminal
	ClosedAt *time.Time      `json:"closed_at,omitempty"`
	Keeper   *common.Address `json:"keeper,omitempty"`
	Trigger  string          `json:"trigger,omitempty"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// PredicateResponse carries an encrypted boolean for a keeper to take to
// the oracle, with the subject the attestation must name.
type PredicateResponse struct {
	Kind         string              `json:"kind"`
	Subject      common.Hash         `json:"subject"`
	Handle       confidential.Handle `json:"handle"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

type BracketsResponse struct {
	PositionID   common.Hash         `json:"position_id"`
	StopLoss     confidential.Handle `json:"stop_loss"`
	TakeProfit   confidential.Handle `json:"take_profit"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

type PnLResponse struct {
	PositionID   common.Hash         `json:"position_id"`
	PnL          confidential.Handle `json:"pnl"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

type OraclePriceResponse struct {
	Price        confidential.Handle `json:"price"`
	Version      uint64              `json:"version"`
	UpdatedAt    time.Time           `json:"updated_at"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

type OrderBookResponse struct {
	Size         int   `json:"size"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// PositionListResponse answers from the read model, so AsOfSequence is the
// projection watermark and may trail the ledger.
type PositionListResponse struct {
	Positions    []projection.PositionView `json:"positions"`
	AsOfSequence int64                     `json:"as_of_sequence"`
}

type FundingHistoryResponse struct {
	Rounds       []projection.FundingHistoryEntry `json:"rounds"`
	AsOfSequence int64                            `json:"as_of_sequence"`
}

// JournalHistoryEntry is one persisted double-entry movement
type JournalHistoryEntry struct {
	JournalID     string              `json:"journal_id"`
	BatchID       string              `json:"batch_id"`
	RequestID     string              `json:"request_id,omitempty"`
	Sequence      int64               `json:"sequence"`
	DebitAccount  string              `json:"debit_account"`
	CreditAccount string              `json:"credit_account"`
	Amount        confidential.Handle `json:"amount"`
	JournalType   string              `json:"journal_type"`
	Timestamp     int64               `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy      bool                `json:"is_healthy"`
	EventsChecked  int64               `json:"events_checked"`
	ChainError     string              `json:"chain_error,omitempty"`
	StateHash      string              `json:"state_hash"`
	LedgerSum      confidential.Handle `json:"ledger_sum"`
	LedgerSequence int64               `json:"ledger_sequence"`
}
