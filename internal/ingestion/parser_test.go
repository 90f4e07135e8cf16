package ingestion_test

import (
	"CTFLedger/internal/event"
	"CTFLedger/internal/ingestion"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const (
	txHash      = "0xAB00000000000000000000000000000000000000000000000000000000000001"
	conditionID = "0x00000000000000000000000000000000000000000000000000000000000000C1"
	stakeholder = "0x00000000000000000000000000000000000000Aa"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func splitPayload() map[string]interface{} {
	return map[string]interface{}{
		"tx_hash":      txHash,
		"log_index":    3,
		"block_number": 100,
		"timestamp":    1700000000,
		"stakeholder":  stakeholder,
		"condition_id": conditionID,
		"partition":    []string{"1", "2"},
		"amount":       "1000000000000000000000000000000",
	}
}

func TestParsePositionSplit(t *testing.T) {
	p := ingestion.NewParser(nil)
	msg, err := p.Parse("ctf.events.position_split", mustJSON(t, splitPayload()))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	split, ok := msg.Event.(*event.PositionSplit)
	if !ok {
		t.Fatalf("expected *event.PositionSplit, got %T", msg.Event)
	}

	if split.TxHash != strings.ToLower(txHash) {
		t.Errorf("tx_hash: got %s, want lowercase", split.TxHash)
	}
	if split.ConditionID != strings.ToLower(conditionID) {
		t.Errorf("condition_id: got %s, want lowercase", split.ConditionID)
	}
	if split.Stakeholder != strings.ToLower(stakeholder) {
		t.Errorf("stakeholder: got %s, want lowercase", split.Stakeholder)
	}
	if split.Amount.String() != "1000000000000000000000000000000" {
		t.Errorf("amount: got %s, want 10^30", split.Amount)
	}
	if split.LogIndex != 3 || split.BlockNumber != 100 {
		t.Errorf("position: got %d/%d, want 100/3", split.BlockNumber, split.LogIndex)
	}
	if msg.Reorg != nil {
		t.Error("event message should not carry a reorg")
	}
}

func TestParseReorg(t *testing.T) {
	p := ingestion.NewParser(nil)
	msg, err := p.Parse(ingestion.SubjectReorg, []byte(`{"from_block":42}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.Reorg == nil || msg.Reorg.FromBlock != 42 {
		t.Errorf("reorg: got %+v, want from_block 42", msg.Reorg)
	}
}

func TestParseRejects(t *testing.T) {
	mutate := func(f func(m map[string]interface{})) []byte {
		m := splitPayload()
		f(m)
		return mustJSON(t, m)
	}

	tests := []struct {
		name    string
		subject string
		data    []byte
	}{
		{"unknown subject", "ctf.events.trade_fill", mustJSON(t, splitPayload())},
		{"foreign subject", "amm.trades.x", mustJSON(t, splitPayload())},
		{"raw logs disabled", "ctf.logs.polygon", []byte(`{}`)},
		{"malformed condition id", "ctf.events.position_split", mutate(func(m map[string]interface{}) { m["condition_id"] = "0x1234" })},
		{"condition id without prefix", "ctf.events.position_split", mutate(func(m map[string]interface{}) { m["condition_id"] = strings.TrimPrefix(conditionID, "0x") })},
		{"malformed stakeholder", "ctf.events.position_split", mutate(func(m map[string]interface{}) { m["stakeholder"] = "0xzz" })},
		{"malformed tx hash", "ctf.events.position_split", mutate(func(m map[string]interface{}) { m["tx_hash"] = "tx-1" })},
		{"empty partition", "ctf.events.position_split", mutate(func(m map[string]interface{}) { m["partition"] = []string{} })},
		{"zero index set", "ctf.events.position_split", mutate(func(m map[string]interface{}) { m["partition"] = []string{"0", "2"} })},
		{"overlapping partition", "ctf.events.position_split", mutate(func(m map[string]interface{}) { m["partition"] = []string{"3", "1"} })},
		{"negative amount", "ctf.events.position_split", mutate(func(m map[string]interface{}) { m["amount"] = "-5" })},
		{"unknown field", "ctf.events.position_split", mutate(func(m map[string]interface{}) { m["side"] = "long" })},
		{"slot count too small", "ctf.events.condition_preparation", mustJSON(t, map[string]interface{}{
			"tx_hash": txHash, "log_index": 0, "block_number": 1, "timestamp": 1700000000,
			"condition_id": conditionID, "oracle": stakeholder, "question_id": conditionID,
			"outcome_slot_count": 1,
		})},
		{"bad reorg", ingestion.SubjectReorg, []byte(`{"from_block":"soon"}`)},
	}

	p := ingestion.NewParser(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Parse(tt.subject, tt.data); err == nil {
				t.Errorf("expected an error for %s", tt.name)
			}
		})
	}
}

func TestParseUnknownSubjectIsTyped(t *testing.T) {
	p := ingestion.NewParser(nil)
	_, err := p.Parse("ctf.events.nope", []byte(`{}`))
	if !errors.Is(err, ingestion.ErrUnknownSubject) {
		t.Errorf("got %v, want ErrUnknownSubject", err)
	}
}

func TestSubjectTokenRoundTrip(t *testing.T) {
	p := ingestion.NewParser(nil)
	prep := map[string]interface{}{
		"tx_hash": txHash, "log_index": 0, "block_number": 1, "timestamp": 1700000000,
		"condition_id": conditionID, "oracle": stakeholder, "question_id": conditionID,
		"outcome_slot_count": 2,
	}
	msg, err := p.Parse("ctf.events."+ingestion.SubjectToken(event.EventTypeConditionPreparation), mustJSON(t, prep))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.Event.EventType() != event.EventTypeConditionPreparation {
		t.Errorf("event type: got %v", msg.Event.EventType())
	}
}
