package event

import (
	"fmt"
	"math/big"
)

// ConditionPreparation announces a new condition (market).
// Idempotency key: tx_hash:log_index.
type ConditionPreparation struct {
	Log
	ConditionID      string
	Oracle           string
	QuestionID       string
	OutcomeSlotCount int
}

func (c *ConditionPreparation) EventType() EventType {
	return EventTypeConditionPreparation
}

func (c *ConditionPreparation) MarketID() string {
	return c.ConditionID
}

func (c *ConditionPreparation) Validate() error {
	if err := c.Log.validate(); err != nil {
		return err
	}
	if c.ConditionID == "" {
		return fmt.Errorf("condition_id is required")
	}
	if c.OutcomeSlotCount < 2 || c.OutcomeSlotCount > MaxOutcomeSlots {
		return fmt.Errorf("outcome_slot_count %d out of range [2, %d]", c.OutcomeSlotCount, MaxOutcomeSlots)
	}
	return nil
}

// ConditionResolution reports the oracle's payout numerators, one per slot.
type ConditionResolution struct {
	Log
	ConditionID      string
	Oracle           string
	QuestionID       string
	OutcomeSlotCount int
	PayoutNumerators []*big.Int
}

func (c *ConditionResolution) EventType() EventType {
	return EventTypeConditionResolution
}

func (c *ConditionResolution) MarketID() string {
	return c.ConditionID
}

func (c *ConditionResolution) Validate() error {
	if err := c.Log.validate(); err != nil {
		return err
	}
	if c.ConditionID == "" {
		return fmt.Errorf("condition_id is required")
	}
	if len(c.PayoutNumerators) == 0 {
		return fmt.Errorf("payout_numerators is empty")
	}
	if len(c.PayoutNumerators) > MaxOutcomeSlots {
		return fmt.Errorf("payout_numerators has %d entries", len(c.PayoutNumerators))
	}
	for i, n := range c.PayoutNumerators {
		if n == nil || n.Sign() < 0 {
			return fmt.Errorf("payout_numerators[%d] must be a non-negative integer", i)
		}
	}
	return nil
}
