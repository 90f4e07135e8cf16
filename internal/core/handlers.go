package core

import (
	"CTFLedger/internal/derived"
	"CTFLedger/internal/event"
	fpmath "CTFLedger/internal/math"
	"CTFLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"math/big"
)

// ============================================================================
// ConditionPreparation
// ============================================================================

func (e *Engine) handleConditionPreparation(ctx context.Context, tx state.Tx, evt *event.ConditionPreparation) (state.ApplyOutcome, error) {
	existing, err := e.loadMarket(ctx, tx, evt.ConditionID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		e.logger.Error().
			Str("market_id", evt.ConditionID).
			Str("tx_hash", evt.TxHash).
			Uint32("log_index", evt.LogIndex).
			Msg("duplicate condition preparation, event dropped")
		return state.OutcomeDropped, nil
	}

	market := state.NewMarket(evt.ConditionID, evt.OutcomeSlotCount, evt.Timestamp)
	market.QuestionID = evt.QuestionID
	market.Oracle = evt.Oracle
	if err := tx.InsertMarket(ctx, market); err != nil {
		return "", fmt.Errorf("insert market: %w", err)
	}

	for i := 0; i < evt.OutcomeSlotCount; i++ {
		outcome := &state.Outcome{
			MarketID:    evt.ConditionID,
			Index:       i,
			Name:        state.OutcomeName(i),
			Probability: 0.5,
		}
		if err := tx.InsertOutcome(ctx, outcome); err != nil {
			return "", fmt.Errorf("insert outcome %d: %w", i, err)
		}
	}

	return state.OutcomeApplied, nil
}

// ============================================================================
// PositionSplit
// ============================================================================

func (e *Engine) handlePositionSplit(ctx context.Context, tx state.Tx, evt *event.PositionSplit) error {
	n := len(evt.Partition)
	perOutcome := fpmath.DivEven(evt.Amount, n)
	decoded := e.decodeIndexSets(evt, evt.Partition)

	market, err := e.loadMarket(ctx, tx, evt.ConditionID)
	if err != nil {
		return err
	}

	// Market side
	if market != nil {
		if market.CollateralToken == "" {
			market.CollateralToken = evt.CollateralToken
		}

		vector := market.OpenInterestVector()
		for _, d := range decoded {
			if d.OutcomeIndex >= market.OutcomeSlotCount {
				e.logOutOfRange(evt, d.OutcomeIndex, market.OutcomeSlotCount)
				continue
			}
			vector[d.OutcomeIndex].Add(vector[d.OutcomeIndex], perOutcome)
		}
		market.SetOpenInterest(vector)
		market.TotalVolume = fpmath.Add(market.TotalVolume, evt.Amount)
		market.TradeCount += int64(n)

		if err := tx.UpdateMarket(ctx, market); err != nil {
			return fmt.Errorf("update market: %w", err)
		}
	} else {
		e.logMissingMarket(evt)
	}

	// Positions and trades
	var price *float64
	if perOutcome.Sign() > 0 {
		p := fpmath.Ratio(evt.Amount, new(big.Int).Mul(perOutcome, big.NewInt(int64(n))))
		price = &p
	}

	for _, d := range decoded {
		key := state.PositionKey{UserID: evt.Stakeholder, MarketID: evt.ConditionID, OutcomeIndex: d.OutcomeIndex}
		pos, err := getOrNewPosition(ctx, tx, key)
		if err != nil {
			return err
		}
		pos.Shares = fpmath.Add(pos.Shares, perOutcome)
		pos.CostBasis = fpmath.Add(pos.CostBasis, perOutcome)
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}

		trade := &state.Trade{
			TxHash:           evt.TxHash,
			LogIndex:         evt.LogIndex,
			OutcomeIndex:     d.OutcomeIndex,
			UserID:           evt.Stakeholder,
			MarketID:         evt.ConditionID,
			Type:             state.TradeTypeSplit,
			Shares:           fpmath.Copy(perOutcome),
			CollateralAmount: fpmath.Copy(perOutcome),
			PricePerShare:    price,
			Timestamp:        evt.Timestamp,
			BlockNumber:      evt.BlockNumber,
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
	}

	// User stats
	user, err := derived.GetOrCreateUserStats(ctx, tx, evt.Stakeholder)
	if err != nil {
		return err
	}
	user.TotalVolume = fpmath.Add(user.TotalVolume, evt.Amount)
	user.TradeCount++
	if err := tx.UpsertUserStats(ctx, user); err != nil {
		return fmt.Errorf("upsert user stats: %w", err)
	}

	if market == nil {
		return nil
	}

	if _, err := derived.UpdateLiquidityProvider(ctx, tx, market.ID, evt.Stakeholder, evt.Amount, fpmath.Zero(), evt.Timestamp); err != nil {
		return err
	}
	return derived.RecordDepthAndPrices(ctx, tx, evt.Log, market.ID, market.OutcomeSlotCount, market.OpenInterestByOutcome)
}

// ============================================================================
// PositionMerge
// ============================================================================

func (e *Engine) handlePositionMerge(ctx context.Context, tx state.Tx, evt *event.PositionMerge) error {
	n := len(evt.Partition)
	perOutcome := fpmath.DivEven(evt.Amount, n)
	decoded := e.decodeIndexSets(evt, evt.Partition)

	market, err := e.loadMarket(ctx, tx, evt.ConditionID)
	if err != nil {
		return err
	}

	if market != nil {
		vector := market.OpenInterestVector()
		for _, d := range decoded {
			if d.OutcomeIndex >= market.OutcomeSlotCount {
				e.logOutOfRange(evt, d.OutcomeIndex, market.OutcomeSlotCount)
				continue
			}
			vector[d.OutcomeIndex] = fpmath.SubClamped(vector[d.OutcomeIndex], perOutcome)
		}
		market.SetOpenInterest(vector)
		market.TotalVolume = fpmath.Add(market.TotalVolume, evt.Amount)
		market.TradeCount += int64(n)

		if err := tx.UpdateMarket(ctx, market); err != nil {
			return fmt.Errorf("update market: %w", err)
		}
	} else {
		e.logMissingMarket(evt)
	}

	mergePrice := 1.0
	for _, d := range decoded {
		key := state.PositionKey{UserID: evt.Stakeholder, MarketID: evt.ConditionID, OutcomeIndex: d.OutcomeIndex}
		pos, err := tx.GetPosition(ctx, key)
		switch {
		case errors.Is(err, state.ErrNotFound):
			e.logger.Debug().
				Str("tx_hash", evt.TxHash).
				Str("market_id", evt.ConditionID).
				Int("outcome_index", d.OutcomeIndex).
				Msg("merge from a position that does not exist")
		case err != nil:
			return fmt.Errorf("load position: %w", err)
		default:
			pos.Shares = fpmath.SubClamped(pos.Shares, perOutcome)
			pos.CostBasis = fpmath.SubClamped(pos.CostBasis, perOutcome)
			if err := tx.UpsertPosition(ctx, pos); err != nil {
				return fmt.Errorf("upsert position: %w", err)
			}
		}

		price := mergePrice
		trade := &state.Trade{
			TxHash:           evt.TxHash,
			LogIndex:         evt.LogIndex,
			OutcomeIndex:     d.OutcomeIndex,
			UserID:           evt.Stakeholder,
			MarketID:         evt.ConditionID,
			Type:             state.TradeTypeMerge,
			Shares:           fpmath.Copy(perOutcome),
			CollateralAmount: fpmath.Copy(perOutcome),
			PricePerShare:    &price,
			Timestamp:        evt.Timestamp,
			BlockNumber:      evt.BlockNumber,
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
	}

	user, err := derived.GetOrCreateUserStats(ctx, tx, evt.Stakeholder)
	if err != nil {
		return err
	}
	user.TradeCount++
	if err := tx.UpsertUserStats(ctx, user); err != nil {
		return fmt.Errorf("upsert user stats: %w", err)
	}

	if market == nil {
		return nil
	}

	if _, err := derived.UpdateLiquidityProvider(ctx, tx, market.ID, evt.Stakeholder, fpmath.Zero(), evt.Amount, evt.Timestamp); err != nil {
		return err
	}
	return derived.RecordDepthAndPrices(ctx, tx, evt.Log, market.ID, market.OutcomeSlotCount, market.OpenInterestByOutcome)
}

// ============================================================================
// ConditionResolution
// ============================================================================

func (e *Engine) handleConditionResolution(ctx context.Context, tx state.Tx, evt *event.ConditionResolution) error {
	market, err := e.loadMarket(ctx, tx, evt.ConditionID)
	if err != nil {
		return err
	}
	if market == nil {
		e.logMissingMarket(evt)
		return nil
	}

	resolvedAt := evt.Timestamp
	market.Resolved = true
	market.ResolvedAt = &resolvedAt
	market.Payouts = fpmath.CopyVector(evt.PayoutNumerators)
	market.WinningOutcomeIndex = nil
	for i, n := range evt.PayoutNumerators {
		if n.Sign() > 0 {
			winner := i
			market.WinningOutcomeIndex = &winner
			break
		}
	}
	if err := tx.UpdateMarket(ctx, market); err != nil {
		return fmt.Errorf("update market: %w", err)
	}

	// Any positive numerator marks its outcome as won; fractional payouts
	// only show in Market.Payouts.
	outcomes, err := tx.ListOutcomes(ctx, market.ID)
	if err != nil {
		return fmt.Errorf("list outcomes: %w", err)
	}
	for _, o := range outcomes {
		o.Probability = 0
		if o.Index < len(evt.PayoutNumerators) && evt.PayoutNumerators[o.Index].Sign() > 0 {
			o.Probability = 1
		}
		if err := tx.UpdateOutcome(ctx, o); err != nil {
			return fmt.Errorf("update outcome %d: %w", o.Index, err)
		}
	}

	return nil
}

// ============================================================================
// PayoutRedemption
// ============================================================================

func (e *Engine) handlePayoutRedemption(ctx context.Context, tx state.Tx, evt *event.PayoutRedemption) error {
	decoded := e.decodeIndexSets(evt, evt.IndexSets)

	totalCostBasis := fpmath.Zero()
	redeemedShares := make(map[int]*big.Int, len(decoded))

	for _, d := range decoded {
		if _, seen := redeemedShares[d.OutcomeIndex]; seen {
			continue
		}
		key := state.PositionKey{UserID: evt.Redeemer, MarketID: evt.ConditionID, OutcomeIndex: d.OutcomeIndex}
		pos, err := tx.GetPosition(ctx, key)
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load position: %w", err)
		}

		totalCostBasis.Add(totalCostBasis, fpmath.Copy(pos.CostBasis))
		redeemedShares[d.OutcomeIndex] = fpmath.Copy(pos.Shares)

		pos.Shares = fpmath.Zero()
		pos.CostBasis = fpmath.Zero()
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}
	}

	market, err := e.loadMarket(ctx, tx, evt.ConditionID)
	if err != nil {
		return err
	}
	if market != nil {
		vector := market.OpenInterestVector()
		for idx, shares := range redeemedShares {
			if idx >= market.OutcomeSlotCount {
				e.logOutOfRange(evt, idx, market.OutcomeSlotCount)
				continue
			}
			vector[idx] = fpmath.SubClamped(vector[idx], shares)
		}
		market.SetOpenInterest(vector)
		if err := tx.UpdateMarket(ctx, market); err != nil {
			return fmt.Errorf("update market: %w", err)
		}
	} else {
		e.logMissingMarket(evt)
	}

	realized := new(big.Int).Sub(fpmath.Copy(evt.Payout), totalCostBasis)

	user, err := derived.GetOrCreateUserStats(ctx, tx, evt.Redeemer)
	if err != nil {
		return err
	}
	if realized.Sign() > 0 {
		user.WinCount++
	} else {
		user.LossCount++
	}
	user.WinRate = derived.WinRate(user.WinCount, user.LossCount)
	user.TotalPnL = fpmath.Add(user.TotalPnL, evt.Payout)
	user.RealizedPnL = fpmath.Add(user.RealizedPnL, realized)
	user.TradeCount++
	if err := tx.UpsertUserStats(ctx, user); err != nil {
		return fmt.Errorf("upsert user stats: %w", err)
	}

	trade := &state.Trade{
		TxHash:           evt.TxHash,
		LogIndex:         evt.LogIndex,
		OutcomeIndex:     state.RedemptionOutcomeIndex,
		UserID:           evt.Redeemer,
		MarketID:         evt.ConditionID,
		Type:             state.TradeTypeRedemption,
		Shares:           fpmath.Zero(),
		CollateralAmount: fpmath.Copy(evt.Payout),
		PnL:              realized,
		Timestamp:        evt.Timestamp,
		BlockNumber:      evt.BlockNumber,
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	if market == nil {
		return nil
	}
	return derived.RecordDepthAndPrices(ctx, tx, evt.Log, market.ID, market.OutcomeSlotCount, market.OpenInterestByOutcome)
}

// ============================================================================
// Helpers
// ============================================================================

// loadMarket returns nil without error when the market does not exist.
func (e *Engine) loadMarket(ctx context.Context, tx state.Tx, id string) (*state.Market, error) {
	m, err := tx.GetMarket(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load market %s: %w", id, err)
	}
	return m, nil
}

func getOrNewPosition(ctx context.Context, tx state.Tx, key state.PositionKey) (*state.Position, error) {
	pos, err := tx.GetPosition(ctx, key)
	if errors.Is(err, state.ErrNotFound) {
		return state.NewPosition(key), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	return pos, nil
}

// decodeIndexSets keeps the single-outcome entries and logs the rest.
func (e *Engine) decodeIndexSets(evt event.Event, indexSets []*big.Int) []fpmath.DecodedEntry {
	decoded, skipped := fpmath.DecodePartition(indexSets)
	if skipped > 0 {
		src := evt.Source()
		e.logger.Debug().
			Str("event_type", evt.EventType().String()).
			Str("tx_hash", src.TxHash).
			Uint32("log_index", src.LogIndex).
			Int("skipped", skipped).
			Msg("index sets that do not name a single outcome were skipped")
		if e.metrics != nil {
			e.metrics.CoreDecodeSkips.WithLabelValues(evt.EventType().String()).Add(float64(skipped))
		}
	}
	return decoded
}

func (e *Engine) logMissingMarket(evt event.Event) {
	src := evt.Source()
	e.logger.Warn().
		Str("event_type", evt.EventType().String()).
		Str("market_id", evt.MarketID()).
		Str("tx_hash", src.TxHash).
		Uint32("log_index", src.LogIndex).
		Msg("market not found, market-side updates skipped")
}

func (e *Engine) logOutOfRange(evt event.Event, index, slots int) {
	e.logger.Debug().
		Str("market_id", evt.MarketID()).
		Str("tx_hash", evt.Source().TxHash).
		Int("outcome_index", index).
		Int("outcome_slot_count", slots).
		Msg("outcome index beyond slot count, market vector unchanged")
}
