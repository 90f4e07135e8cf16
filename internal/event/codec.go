package event

import (
	fpmath "CTFLedger/internal/math"
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// --- JSON wire formats ---
// The same encoding is used on the inbound NATS subjects and for the
// payload column of the applied-event log, so a stored event decodes back
// into exactly the value that was applied. Integers travel as base-10
// strings to keep full uint256 precision.

type headerJSON struct {
	TxHash      string `json:"tx_hash"`
	LogIndex    uint32 `json:"log_index"`
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash,omitempty"`
	Timestamp   int64  `json:"timestamp"` // unix seconds
}

type conditionPreparationJSON struct {
	headerJSON
	ConditionID      string `json:"condition_id"`
	Oracle           string `json:"oracle"`
	QuestionID       string `json:"question_id"`
	OutcomeSlotCount int    `json:"outcome_slot_count"`
}

type conditionResolutionJSON struct {
	headerJSON
	ConditionID      string   `json:"condition_id"`
	Oracle           string   `json:"oracle,omitempty"`
	QuestionID       string   `json:"question_id,omitempty"`
	OutcomeSlotCount int      `json:"outcome_slot_count,omitempty"`
	PayoutNumerators []string `json:"payout_numerators"`
}

type positionJSON struct {
	headerJSON
	Stakeholder        string   `json:"stakeholder"`
	CollateralToken    string   `json:"collateral_token,omitempty"`
	ParentCollectionID string   `json:"parent_collection_id,omitempty"`
	ConditionID        string   `json:"condition_id"`
	Partition          []string `json:"partition"`
	Amount             string   `json:"amount"`
}

type payoutRedemptionJSON struct {
	headerJSON
	Redeemer           string   `json:"redeemer"`
	CollateralToken    string   `json:"collateral_token,omitempty"`
	ParentCollectionID string   `json:"parent_collection_id,omitempty"`
	ConditionID        string   `json:"condition_id"`
	IndexSets          []string `json:"index_sets"`
	Payout             string   `json:"payout"`
}

func headerFrom(l Log) headerJSON {
	return headerJSON{
		TxHash:      l.TxHash,
		LogIndex:    l.LogIndex,
		BlockNumber: l.BlockNumber,
		BlockHash:   l.BlockHash,
		Timestamp:   l.Timestamp.Unix(),
	}
}

func (h headerJSON) log() Log {
	return Log{
		TxHash:      h.TxHash,
		LogIndex:    h.LogIndex,
		BlockNumber: h.BlockNumber,
		BlockHash:   h.BlockHash,
		Timestamp:   time.Unix(h.Timestamp, 0).UTC(),
	}
}

// Encode renders a typed event in its wire format.
func Encode(evt Event) ([]byte, error) {
	var v interface{}

	switch e := evt.(type) {
	case *ConditionPreparation:
		v = conditionPreparationJSON{
			headerJSON:       headerFrom(e.Log),
			ConditionID:      e.ConditionID,
			Oracle:           e.Oracle,
			QuestionID:       e.QuestionID,
			OutcomeSlotCount: e.OutcomeSlotCount,
		}
	case *ConditionResolution:
		v = conditionResolutionJSON{
			headerJSON:       headerFrom(e.Log),
			ConditionID:      e.ConditionID,
			Oracle:           e.Oracle,
			QuestionID:       e.QuestionID,
			OutcomeSlotCount: e.OutcomeSlotCount,
			PayoutNumerators: fpmath.FormatAmounts(e.PayoutNumerators),
		}
	case *PositionSplit:
		v = positionJSON{
			headerJSON:         headerFrom(e.Log),
			Stakeholder:        e.Stakeholder,
			CollateralToken:    e.CollateralToken,
			ParentCollectionID: e.ParentCollectionID,
			ConditionID:        e.ConditionID,
			Partition:          fpmath.FormatAmounts(e.Partition),
			Amount:             fpmath.Copy(e.Amount).String(),
		}
	case *PositionMerge:
		v = positionJSON{
			headerJSON:         headerFrom(e.Log),
			Stakeholder:        e.Stakeholder,
			CollateralToken:    e.CollateralToken,
			ParentCollectionID: e.ParentCollectionID,
			ConditionID:        e.ConditionID,
			Partition:          fpmath.FormatAmounts(e.Partition),
			Amount:             fpmath.Copy(e.Amount).String(),
		}
	case *PayoutRedemption:
		v = payoutRedemptionJSON{
			headerJSON:         headerFrom(e.Log),
			Redeemer:           e.Redeemer,
			CollateralToken:    e.CollateralToken,
			ParentCollectionID: e.ParentCollectionID,
			ConditionID:        e.ConditionID,
			IndexSets:          fpmath.FormatAmounts(e.IndexSets),
			Payout:             fpmath.Copy(e.Payout).String(),
		}
	default:
		return nil, fmt.Errorf("encode: unknown event type %T", evt)
	}

	return json.Marshal(v)
}

// Decode parses the wire format of the given event type. Unknown fields
// are rejected. The result is not validated; call Validate.
func Decode(eventType EventType, data []byte) (Event, error) {
	switch eventType {
	case EventTypeConditionPreparation:
		var j conditionPreparationJSON
		if err := strictUnmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse ConditionPreparation: %w", err)
		}
		return &ConditionPreparation{
			Log:              j.log(),
			ConditionID:      j.ConditionID,
			Oracle:           j.Oracle,
			QuestionID:       j.QuestionID,
			OutcomeSlotCount: j.OutcomeSlotCount,
		}, nil

	case EventTypeConditionResolution:
		var j conditionResolutionJSON
		if err := strictUnmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse ConditionResolution: %w", err)
		}
		numerators, err := fpmath.ParseAmounts(j.PayoutNumerators)
		if err != nil {
			return nil, fmt.Errorf("parse payout_numerators: %w", err)
		}
		return &ConditionResolution{
			Log:              j.log(),
			ConditionID:      j.ConditionID,
			Oracle:           j.Oracle,
			QuestionID:       j.QuestionID,
			OutcomeSlotCount: j.OutcomeSlotCount,
			PayoutNumerators: numerators,
		}, nil

	case EventTypePositionSplit, EventTypePositionMerge:
		var j positionJSON
		if err := strictUnmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse %s: %w", eventType, err)
		}
		partition, err := fpmath.ParseAmounts(j.Partition)
		if err != nil {
			return nil, fmt.Errorf("parse partition: %w", err)
		}
		amount, err := fpmath.ParseAmount(j.Amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if eventType == EventTypePositionSplit {
			return &PositionSplit{
				Log:                j.log(),
				Stakeholder:        j.Stakeholder,
				CollateralToken:    j.CollateralToken,
				ParentCollectionID: j.ParentCollectionID,
				ConditionID:        j.ConditionID,
				Partition:          partition,
				Amount:             amount,
			}, nil
		}
		return &PositionMerge{
			Log:                j.log(),
			Stakeholder:        j.Stakeholder,
			CollateralToken:    j.CollateralToken,
			ParentCollectionID: j.ParentCollectionID,
			ConditionID:        j.ConditionID,
			Partition:          partition,
			Amount:             amount,
		}, nil

	case EventTypePayoutRedemption:
		var j payoutRedemptionJSON
		if err := strictUnmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse PayoutRedemption: %w", err)
		}
		indexSets, err := fpmath.ParseAmounts(j.IndexSets)
		if err != nil {
			return nil, fmt.Errorf("parse index_sets: %w", err)
		}
		payout, err := fpmath.ParseAmount(j.Payout)
		if err != nil {
			return nil, fmt.Errorf("parse payout: %w", err)
		}
		return &PayoutRedemption{
			Log:                j.log(),
			Redeemer:           j.Redeemer,
			CollateralToken:    j.CollateralToken,
			ParentCollectionID: j.ParentCollectionID,
			ConditionID:        j.ConditionID,
			IndexSets:          indexSets,
			Payout:             payout,
		}, nil

	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

func strictUnmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
