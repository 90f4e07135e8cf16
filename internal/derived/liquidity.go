package derived

import (
	fpmath "CTFLedger/internal/math"
	"CTFLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// UpdateLiquidityProvider applies a provided/removed delta to the
// (market, user) row, creating it on first touch.
//
// Provided and Removed are each clamped at zero after the add while
// NetLiquidity takes the raw difference, so the two can disagree only if a
// negative delta is ever passed.
func UpdateLiquidityProvider(
	ctx context.Context,
	tx state.Tx,
	marketID, userID string,
	provided, removed *big.Int,
	at time.Time,
) (*state.LiquidityProvider, error) {
	lp, err := tx.GetLiquidityProvider(ctx, marketID, userID)
	if errors.Is(err, state.ErrNotFound) {
		lp = state.NewLiquidityProvider(marketID, userID)
	} else if err != nil {
		return nil, fmt.Errorf("load liquidity provider: %w", err)
	}

	lp.Provided = fpmath.ClampNonNegative(fpmath.Add(lp.Provided, provided))
	lp.Removed = fpmath.ClampNonNegative(fpmath.Add(lp.Removed, removed))

	net := new(big.Int).Sub(fpmath.Copy(provided), fpmath.Copy(removed))
	lp.NetLiquidity = fpmath.Add(lp.NetLiquidity, net)
	lp.LastUpdatedAt = at

	if err := tx.UpsertLiquidityProvider(ctx, lp); err != nil {
		return nil, fmt.Errorf("upsert liquidity provider: %w", err)
	}
	return lp, nil
}
