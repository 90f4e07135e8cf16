package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes the inbound stream with one durable consumer and
// hands each message to the writer loop. MaxAckPending is 1, so the next
// message is only delivered after the current one is acked: the writer
// sees the stream's total order and never more than one message in flight.
type NATSSubscriber struct {
	js       jetstream.JetStream
	cfg      StreamConfig
	messages chan<- RawMessage
	consumer jetstream.ConsumeContext
	logger   zerolog.Logger
}

// RawMessage is one undecoded inbound message with its ack controls.
type RawMessage struct {
	Subject    string
	Data       []byte
	ReceivedAt time.Time
	Ack        func() error // after commit, or after a logged rejection
	Nak        func() error // redeliver
}

// StreamConfig names the inbound stream and its durable consumer.
type StreamConfig struct {
	StreamName   string
	ConsumerName string
	Subjects     []string
	MaxAge       time.Duration
	AckWait      time.Duration
}

// DefaultStreamConfig returns the standard inbound layout: typed events,
// raw chain logs and the reorg control subject in one stream.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		StreamName:   "CTF_INBOUND",
		ConsumerName: "ctfledger-writer",
		Subjects:     []string{SubjectEventsPrefix + ">", SubjectLogsPrefix + ">", SubjectReorg},
		MaxAge:       7 * 24 * time.Hour,
		AckWait:      5 * time.Minute,
	}
}

func NewNATSSubscriber(js jetstream.JetStream, cfg StreamConfig, messages chan<- RawMessage, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:       js,
		cfg:      cfg,
		messages: messages,
		logger:   logger.With().Str("component", "ingestion").Logger(),
	}
}

// Subscribe creates (or updates) the durable consumer and starts delivery.
// Redelivery is unbounded: dropping a message would break the order.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, ns.cfg.StreamName, jetstream.ConsumerConfig{
		Durable:        ns.cfg.ConsumerName,
		FilterSubjects: ns.cfg.Subjects,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        ns.cfg.AckWait,
		MaxDeliver:     -1,
		MaxAckPending:  1,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", ns.cfg.ConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawMessage{
			Subject:    msg.Subject(),
			Data:       msg.Data(),
			ReceivedAt: time.Now(),
			Ack:        msg.Ack,
			Nak:        msg.Nak,
		}

		select {
		case ns.messages <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", ns.cfg.ConsumerName, err)
	}

	ns.consumer = cc
	ns.logger.Info().
		Strs("subjects", ns.cfg.Subjects).
		Str("consumer", ns.cfg.ConsumerName).
		Msg("subscribed")
	return nil
}

// EnsureStream creates the inbound stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   cfg.Subjects,
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     cfg.MaxAge,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.StreamName, err)
	}
	logger.Info().Str("stream", cfg.StreamName).Msg("ensured stream")
	return nil
}

// Stop stops delivery. A message already handed to the writer is still
// acked or left for redelivery by the writer.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
// The connection name carries a random instance id so operators can tell
// replicas apart in server monitoring.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	name := "ctfledger-" + uuid.NewString()

	nc, err := nats.Connect(url,
		nats.Name(name),
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

	logger.Info().Str("url", url).Str("name", name).Msg("connected to NATS")
	return nc, js, nil
}
