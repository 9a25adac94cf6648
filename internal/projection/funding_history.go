package projection

import (
	"encoding/json"
	"fmt"
	"time"
)

// FundingHistoryEntry is one applied funding round. Payments are
// confidential, so the history records which round ran over how many
// positions, not what anyone paid.
type FundingHistoryEntry struct {
	Round     uint64    `json:"round"`
	Positions int       `json:"positions"`
	Sequence  int64     `json:"sequence"`
	AppliedAt time.Time `json:"applied_at"`
}

func (e FundingHistoryEntry) encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode funding round %d: %w", e.Round, err)
	}
	return string(b), nil
}

// decodeFundingHistory returns the stored entries newest first.
func decodeFundingHistory(raw []string) ([]FundingHistoryEntry, error) {
	result := make([]FundingHistoryEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e FundingHistoryEntry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			return nil, fmt.Errorf("decode funding history: %w", err)
		}
		result = append(result, e)
	}
	return result, nil
}
