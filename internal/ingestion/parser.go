package ingestion

import (
	"CTFLedger/internal/event"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Inbound subjects. Everything lives in one stream so a single consumer
// sees one total order.
const (
	SubjectEventsPrefix = "ctf.events."
	SubjectLogsPrefix   = "ctf.logs."
	SubjectReorg        = "ctf.control.reorg"
)

// ErrUnknownSubject is returned for messages on a subject the router does
// not handle.
var ErrUnknownSubject = errors.New("ingestion: unknown subject")

// subjectTokens maps the last token of ctf.events.<type> to an event type.
var subjectTokens = map[string]event.EventType{
	"condition_preparation": event.EventTypeConditionPreparation,
	"position_split":        event.EventTypePositionSplit,
	"position_merge":        event.EventTypePositionMerge,
	"condition_resolution":  event.EventTypeConditionResolution,
	"payout_redemption":     event.EventTypePayoutRedemption,
}

// SubjectToken returns the subject token of an event type, the inverse of
// the ctf.events.<type> mapping.
func SubjectToken(et event.EventType) string {
	for token, t := range subjectTokens {
		if t == et {
			return token
		}
	}
	return "unknown"
}

// ReorgCommand asks the writer to rewind to FromBlock.
type ReorgCommand struct {
	FromBlock uint64 `json:"from_block"`
}

// Message is a parsed inbound message: exactly one of Event or Reorg is set.
type Message struct {
	Event event.Event
	Reorg *ReorgCommand
}

// Parser turns raw NATS messages into typed, validated messages.
type Parser struct {
	logs *ChainLogDecoder
}

func NewParser(logs *ChainLogDecoder) *Parser {
	return &Parser{logs: logs}
}

// Parse dispatches on the subject. Every returned event has canonical
// lowercase identifiers and has passed Validate.
func (p *Parser) Parse(subject string, data []byte) (Message, error) {
	switch {
	case subject == SubjectReorg:
		var cmd ReorgCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return Message{}, fmt.Errorf("parse reorg command: %w", err)
		}
		return Message{Reorg: &cmd}, nil

	case strings.HasPrefix(subject, SubjectEventsPrefix):
		token := strings.TrimPrefix(subject, SubjectEventsPrefix)
		et, ok := subjectTokens[token]
		if !ok {
			return Message{}, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
		}
		evt, err := ParseEvent(et, data)
		if err != nil {
			return Message{}, err
		}
		return Message{Event: evt}, nil

	case strings.HasPrefix(subject, SubjectLogsPrefix):
		if p.logs == nil {
			return Message{}, fmt.Errorf("%w: %s (raw log decoding disabled)", ErrUnknownSubject, subject)
		}
		evt, err := p.logs.DecodeMessage(data)
		if err != nil {
			return Message{}, err
		}
		if err := Canonicalize(evt); err != nil {
			return Message{}, err
		}
		if err := evt.Validate(); err != nil {
			return Message{}, fmt.Errorf("validate %s: %w", evt.EventType(), err)
		}
		return Message{Event: evt}, nil

	default:
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
}

// ParseEvent decodes the JSON wire format of one event type, canonicalizes
// its identifiers and validates it.
func ParseEvent(et event.EventType, data []byte) (event.Event, error) {
	evt, err := event.Decode(et, data)
	if err != nil {
		return nil, err
	}
	if err := Canonicalize(evt); err != nil {
		return nil, err
	}
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", et, err)
	}
	return evt, nil
}

// Canonicalize checks every hex identifier of evt and rewrites it in
// lowercase 0x form. Hashes must be 32 bytes and addresses 20 bytes.
func Canonicalize(evt event.Event) error {
	var c canonicalizer

	switch e := evt.(type) {
	case *event.ConditionPreparation:
		c.log(&e.Log)
		c.hash("condition_id", &e.ConditionID, true)
		c.address("oracle", &e.Oracle, false)
		c.hash("question_id", &e.QuestionID, false)
	case *event.ConditionResolution:
		c.log(&e.Log)
		c.hash("condition_id", &e.ConditionID, true)
		c.address("oracle", &e.Oracle, false)
		c.hash("question_id", &e.QuestionID, false)
	case *event.PositionSplit:
		c.log(&e.Log)
		c.address("stakeholder", &e.Stakeholder, true)
		c.address("collateral_token", &e.CollateralToken, false)
		c.hash("parent_collection_id", &e.ParentCollectionID, false)
		c.hash("condition_id", &e.ConditionID, true)
	case *event.PositionMerge:
		c.log(&e.Log)
		c.address("stakeholder", &e.Stakeholder, true)
		c.address("collateral_token", &e.CollateralToken, false)
		c.hash("parent_collection_id", &e.ParentCollectionID, false)
		c.hash("condition_id", &e.ConditionID, true)
	case *event.PayoutRedemption:
		c.log(&e.Log)
		c.address("redeemer", &e.Redeemer, true)
		c.address("collateral_token", &e.CollateralToken, false)
		c.hash("parent_collection_id", &e.ParentCollectionID, false)
		c.hash("condition_id", &e.ConditionID, true)
	default:
		return fmt.Errorf("canonicalize: unknown event type %T", evt)
	}

	return c.err
}

// canonicalizer rewrites fields in place and keeps the first error.
type canonicalizer struct {
	err error
}

func (c *canonicalizer) log(l *event.Log) {
	c.hash("tx_hash", &l.TxHash, true)
	c.hash("block_hash", &l.BlockHash, false)
}

func (c *canonicalizer) hash(field string, v *string, required bool) {
	if c.err != nil {
		return
	}
	if *v == "" {
		if required {
			c.err = fmt.Errorf("%s is required", field)
		}
		return
	}
	b, err := hexutil.Decode(*v)
	if err != nil || len(b) != common.HashLength {
		c.err = fmt.Errorf("%s: malformed 32-byte hex %q", field, *v)
		return
	}
	*v = common.BytesToHash(b).Hex()
}

func (c *canonicalizer) address(field string, v *string, required bool) {
	if c.err != nil {
		return
	}
	if *v == "" {
		if required {
			c.err = fmt.Errorf("%s is required", field)
		}
		return
	}
	if !strings.HasPrefix(*v, "0x") && !strings.HasPrefix(*v, "0X") || !common.IsHexAddress(*v) {
		c.err = fmt.Errorf("%s: malformed address %q", field, *v)
		return
	}
	*v = strings.ToLower(common.HexToAddress(*v).Hex())
}
