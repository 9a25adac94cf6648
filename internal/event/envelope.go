package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposited
	EventTypePositionOpened
	EventTypePositionClosed
	EventTypeBracketsUpdated
	EventTypeBracketExecuted
	EventTypeLiquidationExecuted
	EventTypeOrderPlaced
	EventTypeMatchProposed
	EventTypeOrdersMatched
	EventTypeMatchRejected
	EventTypeOraclePriceUpdated
	EventTypeFundingApplied
	EventTypeWithdrawalRequested
	EventTypeWithdrawalConfirmed
	EventTypeWithdrawalRejected
)

// EventEnvelope wraps every event emitted by the engine
type EventEnvelope struct {
	// Ledger-wide monotonic sequence
	Sequence int64

	// Caller-supplied request id, empty for direct calls
	RequestID string

	EventType EventType

	// Engine clock at emission
	Timestamp time.Time

	Payload Event

	// SHA-256 chain over the public state digest
	StateHash [32]byte
	PrevHash  [32]byte
}

// Event is implemented by every payload. Payloads carry public metadata
// and handles only, never plaintext amounts.
type Event interface {
	EventType() EventType

	// Account returns the account the event concerns; the zero address for
	// ledger-wide events.
	Account() common.Address
}

var eventTypeNames = map[EventType]string{
	EventTypeDeposited:           "Deposited",
	EventTypePositionOpened:      "PositionOpened",
	EventTypePositionClosed:      "PositionClosed",
	EventTypeBracketsUpdated:     "BracketsUpdated",
	EventTypeBracketExecuted:     "BracketExecuted",
	EventTypeLiquidationExecuted: "LiquidationExecuted",
	EventTypeOrderPlaced:         "OrderPlaced",
	EventTypeMatchProposed:       "MatchProposed",
	EventTypeOrdersMatched:       "OrdersMatched",
	EventTypeMatchRejected:       "MatchRejected",
	EventTypeOraclePriceUpdated:  "OraclePriceUpdated",
	EventTypeFundingApplied:      "FundingApplied",
	EventTypeWithdrawalRequested: "WithdrawalRequested",
	EventTypeWithdrawalConfirmed: "WithdrawalConfirmed",
	EventTypeWithdrawalRejected:  "WithdrawalRejected",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, error) {
	for et, name := range eventTypeNames {
		if name == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}

var payloadFactories = map[EventType]func() Event{
	EventTypeDeposited:           func() Event { return &Deposited{} },
	EventTypePositionOpened:      func() Event { return &PositionOpened{} },
	EventTypePositionClosed:      func() Event { return &PositionClosed{} },
	EventTypeBracketsUpdated:     func() Event { return &BracketsUpdated{} },
	EventTypeBracketExecuted:     func() Event { return &BracketExecuted{} },
	EventTypeLiquidationExecuted: func() Event { return &LiquidationExecuted{} },
	EventTypeOrderPlaced:         func() Event { return &OrderPlaced{} },
	EventTypeMatchProposed:       func() Event { return &MatchProposed{} },
	EventTypeOrdersMatched:       func() Event { return &OrdersMatched{} },
	EventTypeMatchRejected:       func() Event { return &MatchRejected{} },
	EventTypeOraclePriceUpdated:  func() Event { return &OraclePriceUpdated{} },
	EventTypeFundingApplied:      func() Event { return &FundingApplied{} },
	EventTypeWithdrawalRequested: func() Event { return &WithdrawalRequested{} },
	EventTypeWithdrawalConfirmed: func() Event { return &WithdrawalConfirmed{} },
	EventTypeWithdrawalRejected:  func() Event { return &WithdrawalRejected{} },
}

// DecodePayload rebuilds a typed payload from its persisted JSON.
func DecodePayload(et EventType, data []byte) (Event, error) {
	factory, ok := payloadFactories[et]
	if !ok {
		return nil, fmt.Errorf("unknown event type %d", et)
	}
	evt := factory()
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", et, err)
	}
	return evt, nil
}
