package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream  = "CPERP_COMMANDS"
	CommandSubject = "cperp.commands.>"
	EventStream    = "CPERP_EVENTS"
	EventSubject   = "cperp.events.>"
)

// NATSSubscriber consumes ledger commands from JetStream and hands them to
// the command processor through commandChan.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
	logger      zerolog.Logger
}

// RawCommand is an undecoded command message with its acknowledgement
// hooks.
type RawCommand struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed, applied or deterministically rejected
	NakFunc   func() // redeliver
	TermFunc  func() // never redeliver: the payload cannot be decoded
}

// ConsumerConfig names a durable consumer over a filter subject
type ConsumerConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultConsumers is one durable consumer over every command subject, so
// that commands reach the engine in stream order.
func DefaultConsumers() []ConsumerConfig {
	return []ConsumerConfig{
		{Subject: CommandSubject, ConsumerName: "ledger-commands", StreamName: CommandStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
		logger:      logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s, and one
// outstanding message so ordering holds across redeliveries.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, consumers []ConsumerConfig) error {
	for _, cfg := range consumers {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			MaxAckPending: 1,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
				TermFunc:  func() { msg.Term() },
			}

			select {
			case ns.commandChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumeCtx)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command and event streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h. The event stream
// keeps a duplicate window so republished sequences are dropped.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{CommandSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       EventStream,
			Subjects:   []string{EventSubject},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("confidential-perp"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
