package persistence

import (
	"ConfidentialPerp/internal/event"
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EventLogReader reads the persisted event log. Handles live only in the
// coprocessor, so the log cannot rebuild confidential state; it anchors the
// sequence and hash chain of a restarted instance and serves audits.
type EventLogReader struct {
	db *sql.DB
}

func NewEventLogReader(db *sql.DB) *EventLogReader {
	return &EventLogReader{db: db}
}

// ChainTip is the last persisted envelope's position in the hash chain.
type ChainTip struct {
	Sequence  int64
	StateHash [32]byte
}

// LatestTip returns the last persisted envelope, or nil for an empty log.
func (r *EventLogReader) LatestTip(ctx context.Context) (*ChainTip, error) {
	var (
		seq  int64
		hash []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load chain tip: %w", err)
	}
	if len(hash) != 32 {
		return nil, fmt.Errorf("chain tip at %d has %d-byte state hash", seq, len(hash))
	}

	tip := &ChainTip{Sequence: seq}
	copy(tip.StateHash[:], hash)
	return tip, nil
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (r *EventLogReader) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, event_type, request_id, account, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e                  EventRow
			requestID, account sql.NullString
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &requestID, &account, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.RequestID = requestID.String
		e.Account = account.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// VerifyChain walks the log from fromSequence and checks that each row's
// prev_hash equals its predecessor's state_hash. It returns the number of
// rows checked.
func (r *EventLogReader) VerifyChain(ctx context.Context, fromSequence int64, pageSize int) (int64, error) {
	var (
		checked int64
		prev    []byte
	)
	for {
		page, err := r.LoadEventsFrom(ctx, fromSequence, pageSize)
		if err != nil {
			return checked, err
		}
		if len(page) == 0 {
			return checked, nil
		}
		for _, e := range page {
			if prev != nil && string(prev) != string(e.PrevHash) {
				return checked, fmt.Errorf("hash chain broken at sequence %d", e.Sequence)
			}
			prev = e.StateHash
			checked++
		}
		fromSequence = page[len(page)-1].Sequence + 1
	}
}

// Envelope decodes a persisted row back into an envelope with a typed
// payload.
func (e EventRow) Envelope() (*event.EventEnvelope, error) {
	et, err := event.ParseEventType(e.EventType)
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", e.Sequence, err)
	}
	payload, err := event.DecodePayload(et, e.Payload)
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", e.Sequence, err)
	}

	env := &event.EventEnvelope{
		Sequence:  e.Sequence,
		RequestID: e.RequestID,
		EventType: et,
		Timestamp: e.Timestamp,
		Payload:   payload,
	}
	copy(env.StateHash[:], e.StateHash)
	copy(env.PrevHash[:], e.PrevHash)
	return env, nil
}

// LoadAccountJournals returns the newest journal movements touching any
// ledger account of the given user, before beforeSequence when set.
func (r *EventLogReader) LoadAccountJournals(ctx context.Context, account string, limit int, beforeSequence *int64) ([]JournalRow, error) {
	query := `
		SELECT journal_id, batch_id, request_id, sequence, debit_account,
		       credit_account, amount_handle, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{"user:" + account + ":%"}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var journals []JournalRow
	for rows.Next() {
		var (
			j         JournalRow
			requestID sql.NullString
		)
		if err := rows.Scan(
			&j.JournalID, &j.BatchID, &requestID, &j.Sequence, &j.DebitAccount,
			&j.CreditAccount, &j.AmountHandle, &j.JournalType, &j.Timestamp,
		); err != nil {
			return nil, err
		}
		j.RequestID = requestID.String
		journals = append(journals, j)
	}
	return journals, rows.Err()
}
