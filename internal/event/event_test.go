package event_test

import (
	"CTFLedger/internal/event"
	"math/big"
	"strings"
	"testing"
	"time"
)

func testLog() event.Log {
	return event.Log{
		TxHash:      "0xabc",
		LogIndex:    3,
		BlockNumber: 40_000_001,
		BlockHash:   "0xdef",
		Timestamp:   time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestEncodeDecode_PositionSplit(t *testing.T) {
	huge, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)

	in := &event.PositionSplit{
		Log:             testLog(),
		Stakeholder:     "0xa",
		CollateralToken: "0xusdc",
		ConditionID:     "0x1",
		Partition:       []*big.Int{big.NewInt(1), big.NewInt(2)},
		Amount:          huge,
	}

	data, err := event.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"amount":"115792089237316195423570985008687907853269984665640564039457584007913129639935"`) {
		t.Errorf("amount should travel as a decimal string: %s", data)
	}

	out, err := event.Decode(event.EventTypePositionSplit, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	split, ok := out.(*event.PositionSplit)
	if !ok {
		t.Fatalf("expected *event.PositionSplit, got %T", out)
	}
	if split.Amount.Cmp(huge) != 0 {
		t.Errorf("amount: got %s, want %s", split.Amount, huge)
	}
	if split.Timestamp != in.Timestamp {
		t.Errorf("timestamp: got %v, want %v", split.Timestamp, in.Timestamp)
	}
	if split.IdempotencyKey() != "0xabc:3" {
		t.Errorf("idempotency key: got %s, want 0xabc:3", split.IdempotencyKey())
	}
	if split.Position() != (event.LogPosition{Block: 40_000_001, LogIndex: 3}) {
		t.Errorf("position: got %v", split.Position())
	}
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	data := []byte(`{"tx_hash":"0x1","log_index":0,"block_number":1,"timestamp":1,"condition_id":"0x1","oracle":"0x2","question_id":"0x3","outcome_slot_count":2,"extra":true}`)
	if _, err := event.Decode(event.EventTypeConditionPreparation, data); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestDecode_RejectsNonDecimalAmount(t *testing.T) {
	data := []byte(`{"tx_hash":"0x1","log_index":0,"block_number":1,"timestamp":1,"stakeholder":"0xa","condition_id":"0x1","partition":["1","2"],"amount":"1e3"}`)
	if _, err := event.Decode(event.EventTypePositionMerge, data); err == nil {
		t.Fatal("expected error for non-decimal amount")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		evt     event.Event
		wantErr string
	}{
		{
			name: "preparation ok",
			evt:  &event.ConditionPreparation{Log: testLog(), ConditionID: "0x1", OutcomeSlotCount: 2},
		},
		{
			name:    "preparation single slot",
			evt:     &event.ConditionPreparation{Log: testLog(), ConditionID: "0x1", OutcomeSlotCount: 1},
			wantErr: "outcome_slot_count",
		},
		{
			name:    "missing tx hash",
			evt:     &event.ConditionPreparation{ConditionID: "0x1", OutcomeSlotCount: 2, Log: event.Log{Timestamp: time.Unix(1, 0)}},
			wantErr: "tx_hash",
		},
		{
			name: "split empty partition",
			evt: &event.PositionSplit{
				Log: testLog(), Stakeholder: "0xa", ConditionID: "0x1", Amount: big.NewInt(1),
			},
			wantErr: "partition is empty",
		},
		{
			name: "merge overlapping partition",
			evt: &event.PositionMerge{
				Log: testLog(), Stakeholder: "0xa", ConditionID: "0x1",
				Partition: []*big.Int{big.NewInt(3), big.NewInt(1)}, Amount: big.NewInt(1),
			},
			wantErr: "overlap",
		},
		{
			name: "split multi-outcome entry accepted",
			evt: &event.PositionSplit{
				Log: testLog(), Stakeholder: "0xa", ConditionID: "0x1",
				Partition: []*big.Int{big.NewInt(1), big.NewInt(6)}, Amount: big.NewInt(1),
			},
		},
		{
			name:    "resolution empty numerators",
			evt:     &event.ConditionResolution{Log: testLog(), ConditionID: "0x1"},
			wantErr: "payout_numerators",
		},
		{
			name: "redemption negative payout",
			evt: &event.PayoutRedemption{
				Log: testLog(), Redeemer: "0xa", ConditionID: "0x1", Payout: big.NewInt(-1),
			},
			wantErr: "payout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.evt.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error: got %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseEventType(t *testing.T) {
	et, ok := event.ParseEventType("PayoutRedemption")
	if !ok || et != event.EventTypePayoutRedemption {
		t.Errorf("got %v %v, want PayoutRedemption", et, ok)
	}
	if _, ok := event.ParseEventType("TradeFill"); ok {
		t.Error("TradeFill is not a known event type")
	}
}
