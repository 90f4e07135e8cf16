// Package derived computes the secondary rows written after a market's
// share vector changes: depth snapshots, share-concentration prices,
// liquidity-provider accounting and user-stats helpers. Every function
// writes through the caller's transaction.
package derived

import (
	"CTFLedger/internal/event"
	fpmath "CTFLedger/internal/math"
	"CTFLedger/internal/state"
	"context"
	"fmt"
	"math/big"
)

// RecordDepthAndPrices writes one MarketDepthSnapshot and one
// OutcomePricePoint per outcome slot for the event at src. The vector is
// resized to outcomeSlotCount first.
//
// Price is the outcome's share of all outstanding shares (0 when nothing
// is outstanding). It is a concentration proxy, not an order-book price.
func RecordDepthAndPrices(
	ctx context.Context,
	tx state.Tx,
	src event.Log,
	marketID string,
	outcomeSlotCount int,
	vector []*big.Int,
) error {
	shares := fpmath.ResizeVector(vector, outcomeSlotCount)
	total := fpmath.Sum(shares)

	snapshot := &state.MarketDepthSnapshot{
		TxHash:          src.TxHash,
		LogIndex:        src.LogIndex,
		MarketID:        marketID,
		TotalShares:     total,
		SharesByOutcome: shares,
		Timestamp:       src.Timestamp,
		BlockNumber:     src.BlockNumber,
	}
	if err := tx.InsertDepthSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("insert depth snapshot: %w", err)
	}

	for i, s := range shares {
		point := &state.OutcomePricePoint{
			TxHash:          src.TxHash,
			LogIndex:        src.LogIndex,
			OutcomeIndex:    i,
			MarketID:        marketID,
			Price:           fpmath.Ratio(s, total),
			LiquidityShares: fpmath.Copy(s),
			Timestamp:       src.Timestamp,
			BlockNumber:     src.BlockNumber,
		}
		if err := tx.InsertPricePoint(ctx, point); err != nil {
			return fmt.Errorf("insert price point %d: %w", i, err)
		}
	}

	return nil
}
