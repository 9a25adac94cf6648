package persistence

import (
	"ConfidentialPerp/internal/event"
	"ConfidentialPerp/internal/ledger"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence  int64
	EventType string
	RequestID string
	Account   string // hex address, empty for ledger-wide events
	Payload   []byte // JSON-encoded event payload (handles and ids only)
	StateHash []byte
	PrevHash  []byte
	Timestamp time.Time
}

// JournalRow represents a row in event_log.journal. The amount is stored
// as its handle.
type JournalRow struct {
	JournalID     string
	BatchID       string
	RequestID     string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AmountHandle  []byte
	JournalType   int32
	Timestamp     int64
}

// Record is one persisted envelope with the journals of its batch.
type Record struct {
	Event    EventRow
	Journals []JournalRow
}

// NewRecord flattens an engine envelope (and its batch, if any) into rows.
func NewRecord(env *event.EventEnvelope, batch *ledger.Batch) (Record, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s payload: %w", env.EventType, err)
	}

	row := EventRow{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		RequestID: env.RequestID,
		Payload:   payload,
		StateHash: append([]byte(nil), env.StateHash[:]...),
		PrevHash:  append([]byte(nil), env.PrevHash[:]...),
		Timestamp: env.Timestamp,
	}
	if env.Payload != nil {
		if acct := env.Payload.Account(); acct != (common.Address{}) {
			row.Account = acct.Hex()
		}
	}

	rec := Record{Event: row}
	if batch != nil {
		for _, j := range batch.Journals {
			h := j.Amount.Handle()
			rec.Journals = append(rec.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				RequestID:     j.RequestID,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AmountHandle:  h[:],
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return rec, nil
}

// EventLogWriter writes events and journals with multi-row INSERTs inside
// the caller's transaction.
type EventLogWriter struct{}

func NewEventLogWriter() *EventLogWriter {
	return &EventLogWriter{}
}

const eventColumns = 8

// WriteEventBatch inserts events; rows already present (same sequence) are
// skipped so a retried batch is harmless.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, request_id, account, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*eventColumns)

	for i, e := range events {
		values = append(values, placeholders(i*eventColumns, eventColumns))
		args = append(args,
			e.Sequence, e.EventType, nullString(e.RequestID), nullString(e.Account),
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

const journalColumns = 9

// WriteJournalBatch inserts journal movements, skipping known journal ids.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, request_id, sequence, debit_account, credit_account, amount_handle, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*journalColumns)

	for i, j := range journals {
		values = append(values, placeholders(i*journalColumns, journalColumns))
		args = append(args,
			j.JournalID, j.BatchID, nullString(j.RequestID), j.Sequence,
			j.DebitAccount, j.CreditAccount, j.AmountHandle,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)"
func placeholders(base, n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", base+k)
	}
	sb.WriteByte(')')
	return sb.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
