package ingestion

import (
	"ConfidentialPerp/internal/event"
	"ConfidentialPerp/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the slice of jetstream.JetStream the outbound side uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes emitted envelopes to cperp.events.{EventType}
// for downstream consumers such as keepers and the oracle.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan *event.EventEnvelope
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire form of an envelope
type PublishableEvent struct {
	Sequence  int64       `json:"sequence"`
	EventType string      `json:"event_type"`
	RequestID string      `json:"request_id,omitempty"`
	Account   string      `json:"account,omitempty"`
	Payload   event.Event `json:"payload"`
	StateHash string      `json:"state_hash"`
	PrevHash  string      `json:"prev_hash"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewPublishableEvent flattens an envelope for the wire
func NewPublishableEvent(env *event.EventEnvelope) PublishableEvent {
	evt := PublishableEvent{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		RequestID: env.RequestID,
		Payload:   env.Payload,
		StateHash: hex.EncodeToString(env.StateHash[:]),
		PrevHash:  hex.EncodeToString(env.PrevHash[:]),
		Timestamp: env.Timestamp,
	}
	if env.Payload != nil {
		if acct := env.Payload.Account(); acct != (common.Address{}) {
			evt.Account = acct.Hex()
		}
	}
	return evt
}

// EventSubjectFor returns the outbound subject of an event type
func EventSubjectFor(et event.EventType) string {
	return "cperp.events." + et.String()
}

func NewOutboundPublisher(js Publisher, inputChan <-chan *event.EventEnvelope, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or the channel closes. A failed
// publish is logged and skipped; the event log stays authoritative.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, env); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
				continue
			}
			if op.metrics != nil {
				op.metrics.EventsPublished.Inc()
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.EventEnvelope) error {
	data, err := json.Marshal(NewPublishableEvent(env))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// The sequence doubles as the JetStream message id, so a republish
	// after restart is deduplicated by the stream.
	_, err = op.js.Publish(ctx, EventSubjectFor(env.EventType), data,
		jetstream.WithMsgID(fmt.Sprintf("cperp-%d", env.Sequence)))
	return err
}
