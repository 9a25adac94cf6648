package ingestion

import (
	"ConfidentialPerp/internal/core"
	"ConfidentialPerp/internal/observability"
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
)

// Dispatcher applies a decoded command; core.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd core.Command) (core.Result, error)
}

// CommandProcessor drains consumed commands into the dispatcher, one at a
// time, in arrival order.
type CommandProcessor struct {
	dispatcher Dispatcher
	inputChan  <-chan RawCommand
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewCommandProcessor(dispatcher Dispatcher, inputChan <-chan RawCommand, metrics *observability.Metrics, logger zerolog.Logger) *CommandProcessor {
	return &CommandProcessor{
		dispatcher: dispatcher,
		inputChan:  inputChan,
		metrics:    metrics,
		logger:     logger,
	}
}

func (cp *CommandProcessor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-cp.inputChan:
			if !ok {
				return nil
			}
			cp.process(ctx, raw)
		}
	}
}

// process settles one message. Engine rejections are deterministic, so a
// redelivery would be rejected again: they are acked, not nakked.
func (cp *CommandProcessor) process(ctx context.Context, raw RawCommand) {
	cmd, err := ParseRawCommand(raw)
	if err != nil {
		cp.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("undecodable command terminated")
		cp.count(commandLabel(raw.Subject), "invalid")
		settle(raw.TermFunc)
		return
	}

	res, err := cp.dispatcher.Dispatch(ctx, cmd)
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		settle(raw.NakFunc)
		return
	case err != nil:
		cp.logger.Info().Err(err).
			Str("command", string(cmd.Type)).
			Str("request_id", cmd.RequestID).
			Msg("command rejected")
		cp.count(string(cmd.Type), "rejected")
	case res.Duplicate:
		cp.count(string(cmd.Type), "duplicate")
	case res.Stale:
		cp.count(string(cmd.Type), "stale")
	default:
		cp.count(string(cmd.Type), "applied")
	}
	settle(raw.AckFunc)
}

func (cp *CommandProcessor) count(command, outcome string) {
	if cp.metrics != nil {
		cp.metrics.CommandsIngested.WithLabelValues(command, outcome).Inc()
	}
}

func settle(f func()) {
	if f != nil {
		f()
	}
}

// commandLabel bounds the label set for undecodable subjects
func commandLabel(subject string) string {
	name := subject[strings.LastIndex(subject, ".")+1:]
	if _, err := core.ParseCommandType(name); err != nil {
		return "unknown"
	}
	return name
}
