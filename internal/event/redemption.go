package event

import (
	"fmt"
	"math/big"
)

// PayoutRedemption cashes out every outcome in IndexSets for one payout.
type PayoutRedemption struct {
	Log
	Redeemer           string
	CollateralToken    string
	ParentCollectionID string
	ConditionID        string
	IndexSets          []*big.Int
	Payout             *big.Int
}

func (p *PayoutRedemption) EventType() EventType {
	return EventTypePayoutRedemption
}

func (p *PayoutRedemption) MarketID() string {
	return p.ConditionID
}

func (p *PayoutRedemption) Validate() error {
	if err := p.Log.validate(); err != nil {
		return err
	}
	if p.Redeemer == "" {
		return fmt.Errorf("redeemer is required")
	}
	if p.ConditionID == "" {
		return fmt.Errorf("condition_id is required")
	}
	for i, indexSet := range p.IndexSets {
		if indexSet == nil || indexSet.Sign() <= 0 {
			return fmt.Errorf("index_sets[%d] must be a positive index set", i)
		}
	}
	if p.Payout == nil || p.Payout.Sign() < 0 {
		return fmt.Errorf("payout must be a non-negative integer")
	}
	return nil
}
