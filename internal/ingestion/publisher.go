package ingestion

import (
	"CTFLedger/internal/core"
	"CTFLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// SubjectStatePrefix is the outbound notice subject prefix:
// ctf.state.<event_type>.<condition_id>.
const SubjectStatePrefix = "ctf.state."

// JetStreamPublisher is the part of jetstream.JetStream used to publish.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes a notice for every committed event.
// Publishing is best effort: readers can always re-query the store.
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan <-chan core.Applied
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// StateNotice is the outbound payload.
type StateNotice struct {
	TxHash      string `json:"tx_hash"`
	LogIndex    uint32 `json:"log_index"`
	BlockNumber uint64 `json:"block_number"`
	EventType   string `json:"event_type"`
	MarketID    string `json:"market_id"`
	Outcome     string `json:"outcome"`
	StateHash   string `json:"state_hash"`
	Timestamp   int64  `json:"timestamp"`
}

// NoticeFrom builds the outbound payload for a committed event.
func NoticeFrom(a core.Applied) StateNotice {
	return StateNotice{
		TxHash:      a.ID.TxHash,
		LogIndex:    a.ID.LogIndex,
		BlockNumber: a.Position.Block,
		EventType:   a.EventType.String(),
		MarketID:    a.MarketID,
		Outcome:     string(a.Outcome),
		StateHash:   core.HashString(a.StateHash),
		Timestamp:   a.Timestamp.Unix(),
	}
}

// NoticeSubject returns ctf.state.<event_type>.<condition_id>.
func NoticeSubject(a core.Applied) string {
	subject := SubjectStatePrefix + SubjectToken(a.EventType)
	if a.MarketID != "" {
		subject += "." + a.MarketID
	}
	return subject
}

func NewOutboundPublisher(js JetStreamPublisher, inputChan <-chan core.Applied, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// Run publishes until ctx is cancelled or the input channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case a, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, a); err != nil {
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
				op.logger.Warn().Err(err).
					Str("tx_hash", a.ID.TxHash).
					Uint32("log_index", a.ID.LogIndex).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, a core.Applied) error {
	data, err := json.Marshal(NoticeFrom(a))
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = op.js.Publish(ctx, NoticeSubject(a), data, jetstream.WithMsgID(a.ID.String()))
	return err
}

// EnsureOutboundStream creates the outbound notice stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "CTF_STATE",
		Subjects:  []string{SubjectStatePrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "CTF_STATE").Msg("ensured outbound stream")
	return nil
}
