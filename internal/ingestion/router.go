package ingestion

import (
	"CTFLedger/internal/core"
	"CTFLedger/internal/event"
	"CTFLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Applier is the part of the engine the writer loop drives.
type Applier interface {
	ProcessEvent(ctx context.Context, evt event.Event) (core.Result, error)
	Rewind(ctx context.Context, fromBlock uint64) (core.RewindResult, error)
}

// RewindRequest is an admin rewind queued into the writer loop.
type RewindRequest struct {
	FromBlock uint64
	Reply     chan<- RewindReply // buffered, capacity >= 1
}

// RewindReply carries the outcome of a RewindRequest.
type RewindReply struct {
	Result core.RewindResult
	Err    error
}

// Router is the single writer: it serializes inbound messages and admin
// commands onto the engine. A message is acked only after its event
// committed or after it was rejected as invalid; a fatal error stops the
// loop with the message unacked so it is redelivered after restart.
type Router struct {
	engine   Applier
	parser   *Parser
	messages <-chan RawMessage
	commands <-chan RewindRequest
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewRouter(
	engine Applier,
	parser *Parser,
	messages <-chan RawMessage,
	commands <-chan RewindRequest,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Router {
	return &Router{
		engine:   engine,
		parser:   parser,
		messages: messages,
		commands: commands,
		metrics:  metrics,
		logger:   logger.With().Str("component", "ingestion").Logger(),
	}
}

// Run blocks until ctx is cancelled, the message channel is closed or a
// fatal error occurs.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-r.commands:
			r.handleRewind(ctx, req)

		case raw, ok := <-r.messages:
			if !ok {
				return nil
			}
			if err := r.handleMessage(ctx, raw); err != nil {
				return err
			}
		}
	}
}

func (r *Router) handleRewind(ctx context.Context, req RewindRequest) {
	res, err := r.engine.Rewind(ctx, req.FromBlock)
	if err != nil {
		r.logger.Error().Err(err).Uint64("from_block", req.FromBlock).Msg("admin rewind failed")
	}
	if req.Reply != nil {
		req.Reply <- RewindReply{Result: res, Err: err}
	}
}

func (r *Router) handleMessage(ctx context.Context, raw RawMessage) error {
	msg, err := r.parser.Parse(raw.Subject, raw.Data)
	if err != nil {
		r.count("invalid")
		r.logger.Error().Err(err).Str("subject", raw.Subject).Msg("rejected inbound message")
		return r.ack(raw)
	}

	if msg.Reorg != nil {
		res, err := r.engine.Rewind(ctx, msg.Reorg.FromBlock)
		if err != nil {
			r.count("fatal")
			return fmt.Errorf("reorg rewind from block %d: %w", msg.Reorg.FromBlock, err)
		}
		r.count("control")
		r.logger.Warn().
			Uint64("from_block", msg.Reorg.FromBlock).
			Int64("removed", res.Removed).
			Msg("reorg applied")
		return r.ack(raw)
	}

	evt := msg.Event
	result, err := r.engine.ProcessEvent(ctx, evt)
	if err != nil {
		if errors.Is(err, core.ErrInvalidEvent) {
			r.count("invalid")
			r.logger.Error().Err(err).Str("subject", raw.Subject).Msg("rejected invalid event")
			return r.ack(raw)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.count("fatal")
		r.logger.Error().Err(err).
			Str("tx_hash", evt.Source().TxHash).
			Uint32("log_index", evt.Source().LogIndex).
			Uint64("block", evt.Source().BlockNumber).
			Str("event_type", evt.EventType().String()).
			Str("market_id", evt.MarketID()).
			Msg("fatal error applying event, halting ingestion")
		return fmt.Errorf("apply %s: %w", evt.IdempotencyKey(), err)
	}

	r.count(result.String())
	if r.metrics != nil && !raw.ReceivedAt.IsZero() {
		r.metrics.IngestToApply.WithLabelValues(evt.EventType().String()).
			Observe(time.Since(raw.ReceivedAt).Seconds())
	}
	return r.ack(raw)
}

func (r *Router) ack(raw RawMessage) error {
	if raw.Ack == nil {
		return nil
	}
	if err := raw.Ack(); err != nil {
		// The commit stands; a redelivery is deduplicated.
		r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("ack failed")
	}
	return nil
}

func (r *Router) count(result string) {
	if r.metrics != nil {
		r.metrics.IngestMessages.WithLabelValues(result).Inc()
	}
}
