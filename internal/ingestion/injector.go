package ingestion

import (
	"CTFLedger/internal/event"
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrPublish wraps a failure to hand an injected event to JetStream.
var ErrPublish = errors.New("ingestion: publish failed")

// EventInjector publishes operator-supplied events into the inbound stream.
// Injected events take the same path as producer events, so they are
// ordered, deduplicated and acked like any other message. It is for manual
// backfills and repairs, not for throughput.
type EventInjector struct {
	js JetStreamPublisher
}

func NewEventInjector(js JetStreamPublisher) *EventInjector {
	return &EventInjector{js: js}
}

// Inject validates the JSON wire payload of an event type and publishes its
// canonical encoding to ctf.events.<type>. The JetStream message id is the
// event's idempotency key, so a repeated injection within the stream's
// duplicate window is discarded by the server.
func (i *EventInjector) Inject(ctx context.Context, subjectToken string, data []byte) (event.Event, error) {
	et, ok := subjectTokens[subjectToken]
	if !ok {
		return nil, fmt.Errorf("%w: %s%s", ErrUnknownSubject, SubjectEventsPrefix, subjectToken)
	}

	evt, err := ParseEvent(et, data)
	if err != nil {
		return nil, err
	}
	payload, err := event.Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.IdempotencyKey(), err)
	}

	if _, err := i.js.Publish(ctx, SubjectEventsPrefix+subjectToken, payload,
		jetstream.WithMsgID(evt.IdempotencyKey())); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPublish, evt.IdempotencyKey(), err)
	}
	return evt, nil
}
