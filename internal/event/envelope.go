package event

import (
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeConditionPreparation
	EventTypePositionSplit
	EventTypePositionMerge
	EventTypeConditionResolution
	EventTypePayoutRedemption
)

// MaxOutcomeSlots is the conditional-token contract limit.
const MaxOutcomeSlots = 256

// EventID is the stable identity of a chain log.
type EventID struct {
	TxHash   string
	LogIndex uint32
}

func (id EventID) String() string {
	return fmt.Sprintf("%s:%d", id.TxHash, id.LogIndex)
}

// LogPosition orders logs across the chain: by block, then by log index.
type LogPosition struct {
	Block    uint64
	LogIndex uint32
}

// Less reports whether p sorts strictly before o.
func (p LogPosition) Less(o LogPosition) bool {
	if p.Block != o.Block {
		return p.Block < o.Block
	}
	return p.LogIndex < o.LogIndex
}

func (p LogPosition) String() string {
	return fmt.Sprintf("%d/%d", p.Block, p.LogIndex)
}

// Log carries the chain coordinates shared by every event.
type Log struct {
	TxHash      string
	LogIndex    uint32
	BlockNumber uint64
	BlockHash   string
	Timestamp   time.Time // block timestamp, never wall-clock
}

// IdempotencyKey returns the stable dedup key
func (l Log) IdempotencyKey() string {
	return l.ID().String()
}

func (l Log) ID() EventID {
	return EventID{TxHash: l.TxHash, LogIndex: l.LogIndex}
}

func (l Log) Position() LogPosition {
	return LogPosition{Block: l.BlockNumber, LogIndex: l.LogIndex}
}

// Source returns the chain coordinates of the event.
func (l Log) Source() Log {
	return l
}

func (l Log) validate() error {
	if l.TxHash == "" {
		return fmt.Errorf("tx_hash is required")
	}
	if l.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the condition the event belongs to
	MarketID() string

	// Source returns the chain coordinates
	Source() Log

	// Validate checks the typed field set
	Validate() error
}

func (et EventType) String() string {
	switch et {
	case EventTypeConditionPreparation:
		return "ConditionPreparation"
	case EventTypePositionSplit:
		return "PositionSplit"
	case EventTypePositionMerge:
		return "PositionMerge"
	case EventTypeConditionResolution:
		return "ConditionResolution"
	case EventTypePayoutRedemption:
		return "PayoutRedemption"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, bool) {
	for et := EventTypeConditionPreparation; et <= EventTypePayoutRedemption; et++ {
		if et.String() == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}
