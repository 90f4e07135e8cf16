package event

import (
	fpmath "CTFLedger/internal/math"
	"fmt"
	"math/big"
)

// PositionSplit converts collateral into a set of outcome positions.
type PositionSplit struct {
	Log
	Stakeholder        string
	CollateralToken    string
	ParentCollectionID string
	ConditionID        string
	Partition          []*big.Int // index sets
	Amount             *big.Int   // collateral units
}

func (p *PositionSplit) EventType() EventType {
	return EventTypePositionSplit
}

func (p *PositionSplit) MarketID() string {
	return p.ConditionID
}

func (p *PositionSplit) Validate() error {
	if err := p.Log.validate(); err != nil {
		return err
	}
	return validatePartitionEvent(p.Stakeholder, p.ConditionID, p.Partition, p.Amount)
}

// PositionMerge burns a set of outcome positions back into collateral.
type PositionMerge struct {
	Log
	Stakeholder        string
	CollateralToken    string
	ParentCollectionID string
	ConditionID        string
	Partition          []*big.Int
	Amount             *big.Int
}

func (p *PositionMerge) EventType() EventType {
	return EventTypePositionMerge
}

func (p *PositionMerge) MarketID() string {
	return p.ConditionID
}

func (p *PositionMerge) Validate() error {
	if err := p.Log.validate(); err != nil {
		return err
	}
	return validatePartitionEvent(p.Stakeholder, p.ConditionID, p.Partition, p.Amount)
}

func validatePartitionEvent(stakeholder, conditionID string, partition []*big.Int, amount *big.Int) error {
	if stakeholder == "" {
		return fmt.Errorf("stakeholder is required")
	}
	if conditionID == "" {
		return fmt.Errorf("condition_id is required")
	}
	if len(partition) == 0 {
		return fmt.Errorf("partition is empty")
	}
	for i, indexSet := range partition {
		if indexSet == nil || indexSet.Sign() <= 0 {
			return fmt.Errorf("partition[%d] must be a positive index set", i)
		}
	}
	if !fpmath.PartitionDisjoint(partition) {
		return fmt.Errorf("partition index sets overlap")
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("amount must be a non-negative integer")
	}
	return nil
}
