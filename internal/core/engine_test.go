package core_test

import (
	"CTFLedger/internal/core"
	"CTFLedger/internal/event"
	"CTFLedger/internal/observability"
	"CTFLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"
)

// --- Test helpers ---

const (
	market1 = "0x1"
	userA   = "0xa"
	userB   = "0xb"
)

func testConfig() core.Config {
	cfg := core.DefaultConfig()
	cfg.RetryInitialBackoff = time.Millisecond
	cfg.RetryMaxBackoff = 4 * time.Millisecond
	cfg.RebuildBatchSize = 2
	return cfg
}

// newTestEngine creates an Engine over a fresh MemoryStore with a buffered
// notice channel.
func newTestEngine(t *testing.T) (*core.Engine, *state.MemoryStore, chan core.Applied) {
	t.Helper()
	store := state.NewMemoryStore()
	out := make(chan core.Applied, 1024)
	e := core.NewEngine(store, testConfig(), out, nil, observability.NewNopLogger())
	if err := e.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	return e, store, out
}

func mkLog(block uint64, logIndex uint32) event.Log {
	return event.Log{
		TxHash:      fmt.Sprintf("0xtx%d_%d", block, logIndex),
		LogIndex:    logIndex,
		BlockNumber: block,
		BlockHash:   fmt.Sprintf("0xblock%d", block),
		Timestamp:   time.Unix(1_700_000_000+int64(block)*12, 0).UTC(),
	}
}

func bigs(vals ...int64) []*big.Int {
	out := make([]*big.Int, len(vals))
	for i, v := range vals {
		out[i] = big.NewInt(v)
	}
	return out
}

func mustPrepare(block uint64, idx uint32, conditionID string, slots int) *event.ConditionPreparation {
	return &event.ConditionPreparation{
		Log:              mkLog(block, idx),
		ConditionID:      conditionID,
		Oracle:           "0xoracle",
		QuestionID:       "0xq",
		OutcomeSlotCount: slots,
	}
}

func mustSplit(block uint64, idx uint32, user, conditionID string, partition []*big.Int, amount int64) *event.PositionSplit {
	return &event.PositionSplit{
		Log:             mkLog(block, idx),
		Stakeholder:     user,
		CollateralToken: "0xusdc",
		ConditionID:     conditionID,
		Partition:       partition,
		Amount:          big.NewInt(amount),
	}
}

func mustMerge(block uint64, idx uint32, user, conditionID string, partition []*big.Int, amount int64) *event.PositionMerge {
	return &event.PositionMerge{
		Log:             mkLog(block, idx),
		Stakeholder:     user,
		CollateralToken: "0xusdc",
		ConditionID:     conditionID,
		Partition:       partition,
		Amount:          big.NewInt(amount),
	}
}

func mustResolve(block uint64, idx uint32, conditionID string, numerators []*big.Int) *event.ConditionResolution {
	return &event.ConditionResolution{
		Log:              mkLog(block, idx),
		ConditionID:      conditionID,
		Oracle:           "0xoracle",
		QuestionID:       "0xq",
		OutcomeSlotCount: len(numerators),
		PayoutNumerators: numerators,
	}
}

func mustRedeem(block uint64, idx uint32, user, conditionID string, indexSets []*big.Int, payout int64) *event.PayoutRedemption {
	return &event.PayoutRedemption{
		Log:             mkLog(block, idx),
		Redeemer:        user,
		CollateralToken: "0xusdc",
		ConditionID:     conditionID,
		IndexSets:       indexSets,
		Payout:          big.NewInt(payout),
	}
}

func mustApply(t *testing.T, e *core.Engine, evts ...event.Event) {
	t.Helper()
	for _, evt := range evts {
		res, err := e.ProcessEvent(context.Background(), evt)
		if err != nil {
			t.Fatalf("process %s %s: %v", evt.EventType(), evt.IdempotencyKey(), err)
		}
		if res != core.ResultApplied {
			t.Fatalf("process %s %s: got %v, want applied", evt.EventType(), evt.IdempotencyKey(), res)
		}
	}
}

func mustMarket(t *testing.T, s state.Reader, id string) *state.Market {
	t.Helper()
	m, err := s.GetMarket(context.Background(), id)
	if err != nil {
		t.Fatalf("get market %s: %v", id, err)
	}
	return m
}

func mustPosition(t *testing.T, s state.Reader, user, market string, outcome int) *state.Position {
	t.Helper()
	p, err := s.GetPosition(context.Background(), state.PositionKey{UserID: user, MarketID: market, OutcomeIndex: outcome})
	if err != nil {
		t.Fatalf("get position %s/%s/%d: %v", user, market, outcome, err)
	}
	return p
}

func mustUser(t *testing.T, s state.Reader, user string) *state.UserStats {
	t.Helper()
	u, err := s.GetUserStats(context.Background(), user)
	if err != nil {
		t.Fatalf("get user stats %s: %v", user, err)
	}
	return u
}

func assertBig(t *testing.T, name string, got *big.Int, want int64) {
	t.Helper()
	if got == nil || got.Cmp(big.NewInt(want)) != 0 {
		t.Errorf("%s: got %v, want %d", name, got, want)
	}
}

func assertVector(t *testing.T, name string, got []*big.Int, want ...int64) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("%s: got %d entries, want %d", name, len(got), len(want))
		return
	}
	for i := range want {
		assertBig(t, fmt.Sprintf("%s[%d]", name, i), got[i], want[i])
	}
}

// assertOpenInterestInvariant checks sum(vector) == total and all >= 0.
func assertOpenInterestInvariant(t *testing.T, m *state.Market) {
	t.Helper()
	sum := new(big.Int)
	for i, v := range m.OpenInterestByOutcome {
		if v.Sign() < 0 {
			t.Errorf("market %s: open interest[%d] negative: %s", m.ID, i, v)
		}
		sum.Add(sum, v)
	}
	if sum.Cmp(m.OpenInterest) != 0 {
		t.Errorf("market %s: sum(vector)=%s, open interest=%s", m.ID, sum, m.OpenInterest)
	}
	if m.OpenInterest.Sign() < 0 {
		t.Errorf("market %s: open interest negative: %s", m.ID, m.OpenInterest)
	}
}

func drainOutputs(ch chan core.Applied) []core.Applied {
	var out []core.Applied
	for {
		select {
		case a := <-ch:
			out = append(out, a)
		default:
			return out
		}
	}
}

// ============================================================================
// ConditionPreparation
// ============================================================================

func TestConditionPreparation_CreatesMarketAndOutcomes(t *testing.T) {
	e, s, _ := newTestEngine(t)
	mustApply(t, e, mustPrepare(1, 0, market1, 2))

	m := mustMarket(t, s, market1)
	assertBig(t, "open interest", m.OpenInterest, 0)
	assertVector(t, "open interest by outcome", m.OpenInterestByOutcome, 0, 0)
	if m.Resolved || m.WinningOutcomeIndex != nil || m.ResolvedAt != nil {
		t.Errorf("new market should be unresolved: %+v", m)
	}
	if m.Oracle != "0xoracle" || m.QuestionID != "0xq" {
		t.Errorf("oracle/question: got %s/%s", m.Oracle, m.QuestionID)
	}

	outcomes, _ := s.ListOutcomes(context.Background(), market1)
	if len(outcomes) != 2 {
		t.Fatalf("outcomes: got %d, want 2", len(outcomes))
	}
	for i, o := range outcomes {
		if o.Probability != 0.5 {
			t.Errorf("outcome %d probability: got %v, want 0.5", i, o.Probability)
		}
	}
	if outcomes[0].Name != "No" || outcomes[1].Name != "Yes" {
		t.Errorf("names: got %q/%q, want No/Yes", outcomes[0].Name, outcomes[1].Name)
	}
}

func TestConditionPreparation_DuplicateIsDropped(t *testing.T) {
	e, s, out := newTestEngine(t)
	mustApply(t, e, mustPrepare(1, 0, market1, 2))
	drainOutputs(out)

	res, err := e.ProcessEvent(context.Background(), mustPrepare(2, 0, market1, 3))
	if err != nil {
		t.Fatalf("duplicate preparation must not fail: %v", err)
	}
	if res != core.ResultDropped {
		t.Fatalf("result: got %v, want dropped", res)
	}

	m := mustMarket(t, s, market1)
	if m.OutcomeSlotCount != 2 {
		t.Errorf("existing market was overwritten: slots=%d", m.OutcomeSlotCount)
	}

	last, err := s.LastApplied(context.Background())
	if err != nil {
		t.Fatalf("last applied: %v", err)
	}
	if last.Outcome != state.OutcomeDropped || last.BlockNumber != 2 {
		t.Errorf("log row: got %s at block %d, want dropped at block 2", last.Outcome, last.BlockNumber)
	}

	notices := drainOutputs(out)
	if len(notices) != 1 || notices[0].Outcome != state.OutcomeDropped {
		t.Errorf("notices: got %+v", notices)
	}
}

// ============================================================================
// PositionSplit
// ============================================================================

func TestPositionSplit_BinaryMarket(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	mustApply(t, e,
		mustPrepare(1, 0, market1, 2),
		mustSplit(2, 0, userA, market1, bigs(1, 2), 100),
	)

	assertBig(t, "position 0 shares", mustPosition(t, s, userA, market1, 0).Shares, 50)
	assertBig(t, "position 1 shares", mustPosition(t, s, userA, market1, 1).Shares, 50)
	assertBig(t, "position 1 cost basis", mustPosition(t, s, userA, market1, 1).CostBasis, 50)

	m := mustMarket(t, s, market1)
	assertBig(t, "open interest", m.OpenInterest, 100)
	assertVector(t, "open interest by outcome", m.OpenInterestByOutcome, 50, 50)
	assertBig(t, "total volume", m.TotalVolume, 100)
	if m.TradeCount != 2 {
		t.Errorf("market trade count: got %d, want 2", m.TradeCount)
	}
	if m.CollateralToken != "0xusdc" {
		t.Errorf("collateral token should be backfilled, got %q", m.CollateralToken)
	}
	assertOpenInterestInvariant(t, m)

	trades, _ := s.ListTrades(ctx, market1, 0)
	if len(trades) != 2 {
		t.Fatalf("trades: got %d, want 2", len(trades))
	}
	for _, tr := range trades {
		if tr.Type != state.TradeTypeSplit {
			t.Errorf("trade type: got %s, want SPLIT", tr.Type)
		}
		if tr.PricePerShare == nil || *tr.PricePerShare != 1.0 {
			t.Errorf("price per share: got %v, want 1.0", tr.PricePerShare)
		}
		assertBig(t, "trade shares", tr.Shares, 50)
	}

	points, _ := s.ListPricePoints(ctx, market1, 0)
	if len(points) != 2 {
		t.Fatalf("price points: got %d, want 2", len(points))
	}
	for _, p := range points {
		if p.Price != 0.5 {
			t.Errorf("price outcome %d: got %v, want 0.5", p.OutcomeIndex, p.Price)
		}
	}

	snaps, _ := s.ListDepthSnapshots(ctx, market1, 0)
	if len(snaps) != 1 {
		t.Fatalf("depth snapshots: got %d, want 1", len(snaps))
	}
	assertBig(t, "depth total", snaps[0].TotalShares, 100)

	u := mustUser(t, s, userA)
	assertBig(t, "user volume", u.TotalVolume, 100)
	if u.TradeCount != 1 {
		t.Errorf("user trade count: got %d, want 1 per event", u.TradeCount)
	}

	lp, err := s.GetLiquidityProvider(ctx, market1, userA)
	if err != nil {
		t.Fatalf("liquidity provider: %v", err)
	}
	assertBig(t, "lp provided", lp.Provided, 100)
	assertBig(t, "lp net", lp.NetLiquidity, 100)
}

func TestPositionSplit_UnevenAmountDropsRemainder(t *testing.T) {
	e, s, _ := newTestEngine(t)
	mustApply(t, e,
		mustPrepare(1, 0, market1, 3),
		mustSplit(2, 0, userA, market1, bigs(1, 2, 4), 100),
	)

	m := mustMarket(t, s, market1)
	assertVector(t, "open interest by outcome", m.OpenInterestByOutcome, 33, 33, 33)
	assertBig(t, "open interest", m.OpenInterest, 99)
	assertBig(t, "total volume", m.TotalVolume, 100)
}

func TestPositionSplit_MultiOutcomeMaskSkipped(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	mustApply(t, e,
		mustPrepare(1, 0, market1, 3),
		// 6 = outcomes {1,2}: not decomposed
		mustSplit(2, 0, userA, market1, bigs(1, 6), 100),
	)

	m := mustMarket(t, s, market1)
	assertVector(t, "open interest by outcome", m.OpenInterestByOutcome, 50, 0, 0)
	if m.TradeCount != 2 {
		t.Errorf("trade count counts every partition entry: got %d, want 2", m.TradeCount)
	}

	trades, _ := s.ListTrades(ctx, market1, 0)
	if len(trades) != 1 || trades[0].OutcomeIndex != 0 {
		t.Errorf("trades: got %+v, want one trade for outcome 0", trades)
	}
	if _, err := s.GetPosition(ctx, state.PositionKey{UserID: userA, MarketID: market1, OutcomeIndex: 1}); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("outcome 1 position should not exist: %v", err)
	}
}

func TestPositionSplit_MissingMarketKeepsUserBookkeeping(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	mustApply(t, e, mustSplit(1, 0, userA, market1, bigs(1, 2), 100))

	if _, err := s.GetMarket(ctx, market1); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("market should not be created: %v", err)
	}
	assertBig(t, "position shares", mustPosition(t, s, userA, market1, 0).Shares, 50)
	assertBig(t, "user volume", mustUser(t, s, userA).TotalVolume, 100)

	trades, _ := s.ListTrades(ctx, market1, 0)
	if len(trades) != 2 {
		t.Errorf("trades: got %d, want 2", len(trades))
	}
	if _, err := s.GetLiquidityProvider(ctx, market1, userA); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("liquidity provider needs the market: %v", err)
	}
	if snaps, _ := s.ListDepthSnapshots(ctx, market1, 0); len(snaps) != 0 {
		t.Errorf("depth snapshots need the market, got %d", len(snaps))
	}
}

func TestPositionSplit_ZeroPerOutcomeHasNoPrice(t *testing.T) {
	e, s, _ := newTestEngine(t)
	mustApply(t, e,
		mustPrepare(1, 0, market1, 2),
		mustSplit(2, 0, userA, market1, bigs(1, 2), 1),
	)

	trades, _ := s.ListTrades(context.Background(), market1, 0)
	for _, tr := range trades {
		if tr.PricePerShare != nil {
			t.Errorf("price per share with zero shares: got %v, want nil", *tr.PricePerShare)
		}
	}
}

// ============================================================================
// PositionMerge
// ============================================================================

func TestSplitMergeRoundTrip(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	mustApply(t, e,
		mustPrepare(1, 0, market1, 2),
		mustSplit(2, 0, userB, market1, bigs(1, 2), 40),
	)
	before := mustMarket(t, s, market1)

	mustApply(t, e,
		mustSplit(3, 0, userA, market1, bigs(1, 2), 100),
		mustMerge(4, 0, userA, market1, bigs(1, 2), 100),
	)
	after := mustMarket(t, s, market1)

	assertVector(t, "open interest after round trip", after.OpenInterestByOutcome, 20, 20)
	assertBig(t, "open interest", after.OpenInterest, before.OpenInterest.Int64())
	assertOpenInterestInvariant(t, after)

	for outcome := 0; outcome < 2; outcome++ {
		p := mustPosition(t, s, userA, market1, outcome)
		assertBig(t, fmt.Sprintf("shares[%d]", outcome), p.Shares, 0)
		assertBig(t, fmt.Sprintf("cost basis[%d]", outcome), p.CostBasis, 0)
	}

	lp, _ := s.GetLiquidityProvider(ctx, market1, userA)
	assertBig(t, "lp provided", lp.Provided, 100)
	assertBig(t, "lp removed", lp.Removed, 100)
	assertBig(t, "lp net", lp.NetLiquidity, 0)

	trades, _ := s.ListTrades(ctx, market1, 2)
	for _, tr := range trades {
		if tr.Type != state.TradeTypeMerge || tr.PricePerShare == nil || *tr.PricePerShare != 1.0 {
			t.Errorf("merge trade: got type %s price %v", tr.Type, tr.PricePerShare)
		}
	}

	u := mustUser(t, s, userA)
	if u.TradeCount != 2 {
		t.Errorf("user trade count: got %d, want 2", u.TradeCount)
	}
	assertBig(t, "user volume counts splits only", u.TotalVolume, 100)
}

func TestPositionMerge_ClampsAtZero(t *testing.T) {
	e, s, _ := newTestEngine(t)
	mustApply(t, e,
		mustPrepare(1, 0, market1, 2),
		mustSplit(2, 0, userA, market1, bigs(1, 2), 20),
		mustMerge(3, 0, userA, market1, bigs(1, 2), 100),
	)

	m := mustMarket(t, s, market1)
	assertVector(t, "open interest by outcome", m.OpenInterestByOutcome, 0, 0)
	assertOpenInterestInvariant(t, m)

	p := mustPosition(t, s, userA, market1, 0)
	assertBig(t, "shares", p.Shares, 0)
	assertBig(t, "cost basis", p.CostBasis, 0)

	lp, _ := s.GetLiquidityProvider(context.Background(), market1, userA)
	diff := new(big.Int).Sub(lp.Provided, lp.Removed)
	if lp.NetLiquidity.Cmp(diff) != 0 {
		t.Errorf("net liquidity: got %s, want provided-removed=%s", lp.NetLiquidity, diff)
	}
}

func TestPositionMerge_WithoutPositionDoesNotCreateOne(t *testing.T) {
	e, s, _ := newTestEngine(t)
	mustApply(t, e,
		mustPrepare(1, 0, market1, 2),
		mustMerge(2, 0, userA, market1, bigs(1, 2), 10),
	)

	_, err := s.GetPosition(context.Background(), state.PositionKey{UserID: userA, MarketID: market1, OutcomeIndex: 0})
	if !errors.Is(err, state.ErrNotFound) {
		t.Errorf("position: got %v, want ErrNotFound", err)
	}
}

func TestPositionMerge_MissingMarketKeepsUserBookkeeping(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	const unknown = "0x9"
	mustApply(t, e,
		mustSplit(1, 0, userA, unknown, bigs(1, 2), 100),
		mustMerge(2, 0, userA, unknown, bigs(1, 2), 40),
	)

	if _, err := s.GetMarket(ctx, unknown); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("market should not be created: %v", err)
	}
	for outcome := 0; outcome < 2; outcome++ {
		p := mustPosition(t, s, userA, unknown, outcome)
		assertBig(t, fmt.Sprintf("shares[%d]", outcome), p.Shares, 30)
		assertBig(t, fmt.Sprintf("cost basis[%d]", outcome), p.CostBasis, 30)
	}

	u := mustUser(t, s, userA)
	if u.TradeCount != 2 {
		t.Errorf("user trade count: got %d, want 2", u.TradeCount)
	}
	assertBig(t, "user volume counts splits only", u.TotalVolume, 100)

	trades, _ := s.ListTrades(ctx, unknown, 0)
	merges := 0
	for _, tr := range trades {
		if tr.Type == state.TradeTypeMerge {
			merges++
			assertBig(t, "merge shares", tr.Shares, 20)
		}
	}
	if len(trades) != 4 || merges != 2 {
		t.Errorf("trades: got %d (%d merges), want 4 (2 merges)", len(trades), merges)
	}

	if lps, _ := s.ListLiquidityProviders(ctx, unknown); len(lps) != 0 {
		t.Errorf("liquidity providers need the market, got %d", len(lps))
	}
	if points, _ := s.ListPricePoints(ctx, unknown, 0); len(points) != 0 {
		t.Errorf("price points need the market, got %d", len(points))
	}
	if snaps, _ := s.ListDepthSnapshots(ctx, unknown, 0); len(snaps) != 0 {
		t.Errorf("depth snapshots need the market, got %d", len(snaps))
	}
}

// ============================================================================
// ConditionResolution
// ============================================================================

func TestConditionResolution_SetsWinner(t *testing.T) {
	e, s, _ := newTestEngine(t)
	mustApply(t, e,
		mustPrepare(1, 0, market1, 2),
		mustResolve(2, 0, market1, bigs(0, 1)),
	)

	m := mustMarket(t, s, market1)
	if !m.Resolved {
		t.Error("market should be resolved")
	}
	if m.WinningOutcomeIndex == nil || *m.WinningOutcomeIndex != 1 {
		t.Errorf("winning outcome: got %v, want 1", m.WinningOutcomeIndex)
	}
	if m.ResolvedAt == nil || !m.ResolvedAt.Equal(mkLog(2, 0).Timestamp) {
		t.Errorf("resolved at: got %v", m.ResolvedAt)
	}
	assertVector(t, "payouts", m.Payouts, 0, 1)

	outcomes, _ := s.ListOutcomes(context.Background(), market1)
	if outcomes[0].Probability != 0 || outcomes[1].Probability != 1 {
		t.Errorf("probabilities: got %v/%v, want 0/1", outcomes[0].Probability, outcomes[1].Probability)
	}
}

func TestConditionResolution_NoPositiveNumerator(t *testing.T) {
	e, s, _ := newTestEngine(t)
	mustApply(t, e,
		mustPrepare(1, 0, market1, 2),
		mustResolve(2, 0, market1, bigs(0, 0)),
	)

	m := mustMarket(t, s, market1)
	if !m.Resolved || m.WinningOutcomeIndex != nil {
		t.Errorf("got resolved=%v winner=%v, want resolved with no winner", m.Resolved, m.WinningOutcomeIndex)
	}
}

func TestConditionResolution_UnknownMarketWritesNothing(t *testing.T) {
	e, s, _ := newTestEngine(t)
	mustApply(t, e, mustResolve(1, 0, market1, bigs(1, 0)))

	if _, err := s.GetMarket(context.Background(), market1); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("market: got %v, want ErrNotFound", err)
	}
	if _, err := s.LastApplied(context.Background()); err != nil {
		t.Errorf("event should still be logged: %v", err)
	}
}

// ============================================================================
// PayoutRedemption
// ============================================================================

func TestPayoutRedemption_RealizesPnL(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	mustApply(t, e,
		mustPrepare(1, 0, market1, 2),
		mustSplit(2, 0, userA, market1, bigs(1, 2), 100),
		mustResolve(3, 0, market1, bigs(0, 1)),
		mustRedeem(4, 0, userA, market1, bigs(2), 60),
	)

	p := mustPosition(t, s, userA, market1, 1)
	assertBig(t, "redeemed shares", p.Shares, 0)
	assertBig(t, "redeemed cost basis", p.CostBasis, 0)
	assertBig(t, "untouched outcome 0 shares", mustPosition(t, s, userA, market1, 0).Shares, 50)

	u := mustUser(t, s, userA)
	assertBig(t, "realized pnl", u.RealizedPnL, 10)
	assertBig(t, "total pnl", u.TotalPnL, 60)
	if u.WinCount != 1 || u.LossCount != 0 || u.WinRate != 1 {
		t.Errorf("wins/losses/rate: got %d/%d/%v, want 1/0/1", u.WinCount, u.LossCount, u.WinRate)
	}
	if u.TradeCount != 2 {
		t.Errorf("user trade count: got %d, want 2", u.TradeCount)
	}

	m := mustMarket(t, s, market1)
	assertVector(t, "open interest by outcome", m.OpenInterestByOutcome, 50, 0)
	assertOpenInterestInvariant(t, m)

	trades, _ := s.ListTrades(ctx, market1, 1)
	if len(trades) != 1 {
		t.Fatalf("trades: got %d, want 1", len(trades))
	}
	red := trades[0]
	if red.Type != state.TradeTypeRedemption || red.OutcomeIndex != state.RedemptionOutcomeIndex {
		t.Errorf("redemption trade: got %s outcome %d", red.Type, red.OutcomeIndex)
	}
	if red.PricePerShare != nil {
		t.Errorf("redemption price per share: got %v, want nil", *red.PricePerShare)
	}
	assertBig(t, "redemption shares", red.Shares, 0)
	assertBig(t, "redemption collateral", red.CollateralAmount, 60)
	assertBig(t, "redemption pnl", red.PnL, 10)

	points, _ := s.ListPricePoints(ctx, market1, 2)
	if points[0].Price != 1 || points[1].Price != 0 {
		t.Errorf("post-redemption prices: got %v/%v, want 1/0", points[0].Price, points[1].Price)
	}
}

func TestPayoutRedemption_LosingRedemption(t *testing.T) {
	e, s, _ := newTestEngine(t)
	mustApply(t, e,
		mustPrepare(1, 0, market1, 2),
		mustSplit(2, 0, userA, market1, bigs(1, 2), 100),
		mustResolve(3, 0, market1, bigs(0, 1)),
		mustRedeem(4, 0, userA, market1, bigs(1, 2), 50),
	)

	u := mustUser(t, s, userA)
	assertBig(t, "realized pnl", u.RealizedPnL, -50)
	if u.WinCount != 0 || u.LossCount != 1 || u.WinRate != 0 {
		t.Errorf("wins/losses/rate: got %d/%d/%v, want 0/1/0", u.WinCount, u.LossCount, u.WinRate)
	}

	m := mustMarket(t, s, market1)
	assertBig(t, "open interest", m.OpenInterest, 0)
	assertOpenInterestInvariant(t, m)
}

func TestPayoutRedemption_NoPositionStillRecordsTrade(t *testing.T) {
	e, s, _ := newTestEngine(t)
	mustApply(t, e,
		mustPrepare(1, 0, market1, 2),
		mustRedeem(2, 0, userB, market1, bigs(2), 0),
	)

	u := mustUser(t, s, userB)
	if u.LossCount != 1 {
		t.Errorf("zero pnl counts as a loss: got %d losses", u.LossCount)
	}
	trades, _ := s.ListTrades(context.Background(), market1, 0)
	if len(trades) != 1 || trades[0].Type != state.TradeTypeRedemption {
		t.Errorf("trades: got %+v", trades)
	}
}

func TestPayoutRedemption_MissingMarketKeepsUserBookkeeping(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	const unknown = "0x9"
	mustApply(t, e,
		mustSplit(1, 0, userA, unknown, bigs(1, 2), 100),
		mustMerge(2, 0, userA, unknown, bigs(1, 2), 40),
		mustRedeem(3, 0, userA, unknown, bigs(2), 60),
	)

	if _, err := s.GetMarket(ctx, unknown); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("market should not be created: %v", err)
	}
	redeemed := mustPosition(t, s, userA, unknown, 1)
	assertBig(t, "redeemed shares", redeemed.Shares, 0)
	assertBig(t, "redeemed cost basis", redeemed.CostBasis, 0)
	assertBig(t, "untouched outcome 0 shares", mustPosition(t, s, userA, unknown, 0).Shares, 30)

	u := mustUser(t, s, userA)
	if u.TradeCount != 3 {
		t.Errorf("user trade count: got %d, want 3", u.TradeCount)
	}
	assertBig(t, "realized pnl", u.RealizedPnL, 30)
	assertBig(t, "total pnl", u.TotalPnL, 60)
	if u.WinCount != 1 || u.LossCount != 0 {
		t.Errorf("wins/losses: got %d/%d, want 1/0", u.WinCount, u.LossCount)
	}

	trades, _ := s.ListTrades(ctx, unknown, 0)
	if len(trades) != 5 {
		t.Fatalf("trades: got %d, want 5", len(trades))
	}
	red := trades[len(trades)-1]
	if red.Type != state.TradeTypeRedemption {
		t.Fatalf("newest trade: got %s, want redemption", red.Type)
	}
	assertBig(t, "redemption pnl", red.PnL, 30)

	if lps, _ := s.ListLiquidityProviders(ctx, unknown); len(lps) != 0 {
		t.Errorf("liquidity providers need the market, got %d", len(lps))
	}
	if points, _ := s.ListPricePoints(ctx, unknown, 0); len(points) != 0 {
		t.Errorf("price points need the market, got %d", len(points))
	}
	if snaps, _ := s.ListDepthSnapshots(ctx, unknown, 0); len(snaps) != 0 {
		t.Errorf("depth snapshots need the market, got %d", len(snaps))
	}
}

// ============================================================================
// Invariants
// ============================================================================

func scenario() []event.Event {
	return []event.Event{
		mustPrepare(1, 0, market1, 2),
		mustPrepare(1, 1, "0x2", 3),
		mustSplit(2, 0, userA, market1, bigs(1, 2), 100),
		mustSplit(2, 3, userB, market1, bigs(1, 2), 31),
		mustSplit(3, 0, userA, "0x2", bigs(1, 2, 4), 90),
		mustMerge(4, 0, userB, market1, bigs(1, 2), 20),
		mustMerge(4, 1, userA, "0x2", bigs(4), 500),
		mustResolve(5, 0, market1, bigs(0, 1)),
		mustRedeem(6, 0, userA, market1, bigs(1, 2), 50),
		mustRedeem(6, 2, userB, market1, bigs(2), 7),
		mustSplit(7, 0, userB, market1, bigs(1, 2), 10),
	}
}

func TestOpenInterestInvariantHoldsAfterEveryEvent(t *testing.T) {
	e, s, _ := newTestEngine(t)
	for _, evt := range scenario() {
		mustApply(t, e, evt)
		for _, id := range []string{market1, "0x2"} {
			m, err := s.GetMarket(context.Background(), id)
			if errors.Is(err, state.ErrNotFound) {
				continue
			}
			assertOpenInterestInvariant(t, m)
		}
	}
}

func TestLiquidityProviderNetIdentity(t *testing.T) {
	e, s, _ := newTestEngine(t)
	mustApply(t, e, scenario()...)

	for _, id := range []string{market1, "0x2"} {
		lps, _ := s.ListLiquidityProviders(context.Background(), id)
		if len(lps) == 0 {
			t.Fatalf("market %s has no liquidity providers", id)
		}
		for _, lp := range lps {
			diff := new(big.Int).Sub(lp.Provided, lp.Removed)
			if lp.NetLiquidity.Cmp(diff) != 0 {
				t.Errorf("%s/%s: net=%s, provided-removed=%s", id, lp.UserID, lp.NetLiquidity, diff)
			}
		}
	}
}

// dump renders every row reachable from the scenario's keys.
func dump(t *testing.T, s state.Reader) string {
	t.Helper()
	ctx := context.Background()
	var b strings.Builder

	for _, id := range []string{market1, "0x2"} {
		m, err := s.GetMarket(ctx, id)
		if err != nil {
			fmt.Fprintf(&b, "market %s: %v\n", id, err)
			continue
		}
		winner := "nil"
		if m.WinningOutcomeIndex != nil {
			winner = fmt.Sprint(*m.WinningOutcomeIndex)
		}
		fmt.Fprintf(&b, "market %s slots=%d token=%s resolved=%v winner=%s payouts=%v volume=%s trades=%d oi=%s vec=%v\n",
			m.ID, m.OutcomeSlotCount, m.CollateralToken, m.Resolved, winner, m.Payouts,
			m.TotalVolume, m.TradeCount, m.OpenInterest, m.OpenInterestByOutcome)

		outcomes, _ := s.ListOutcomes(ctx, id)
		for _, o := range outcomes {
			fmt.Fprintf(&b, "  outcome %d %s p=%v\n", o.Index, o.Name, o.Probability)
		}
		trades, _ := s.ListTrades(ctx, id, 0)
		for _, tr := range trades {
			price := "nil"
			if tr.PricePerShare != nil {
				price = fmt.Sprint(*tr.PricePerShare)
			}
			fmt.Fprintf(&b, "  trade %s:%d:%d %s %s shares=%s coll=%s price=%s pnl=%v\n",
				tr.TxHash, tr.LogIndex, tr.OutcomeIndex, tr.UserID, tr.Type, tr.Shares, tr.CollateralAmount, price, tr.PnL)
		}
		points, _ := s.ListPricePoints(ctx, id, 0)
		for _, p := range points {
			fmt.Fprintf(&b, "  price %s:%d:%d %v %s\n", p.TxHash, p.LogIndex, p.OutcomeIndex, p.Price, p.LiquidityShares)
		}
		snaps, _ := s.ListDepthSnapshots(ctx, id, 0)
		for _, d := range snaps {
			fmt.Fprintf(&b, "  depth %s:%d %s %v\n", d.TxHash, d.LogIndex, d.TotalShares, d.SharesByOutcome)
		}
		lps, _ := s.ListLiquidityProviders(ctx, id)
		for _, lp := range lps {
			fmt.Fprintf(&b, "  lp %s %s %s %s\n", lp.UserID, lp.Provided, lp.Removed, lp.NetLiquidity)
		}
	}

	for _, user := range []string{userA, userB} {
		u, err := s.GetUserStats(ctx, user)
		if err != nil {
			fmt.Fprintf(&b, "user %s: %v\n", user, err)
			continue
		}
		fmt.Fprintf(&b, "user %s vol=%s trades=%d pnl=%s realized=%s w=%d l=%d rate=%v\n",
			u.ID, u.TotalVolume, u.TradeCount, u.TotalPnL, u.RealizedPnL, u.WinCount, u.LossCount, u.WinRate)
		positions, _ := s.ListUserPositions(ctx, user)
		for _, p := range positions {
			fmt.Fprintf(&b, "  position %s:%d %s %s\n", p.MarketID, p.OutcomeIndex, p.Shares, p.CostBasis)
		}
	}
	return b.String()
}

func TestReplayProducesIdenticalState(t *testing.T) {
	e1, s1, _ := newTestEngine(t)
	e2, s2, _ := newTestEngine(t)

	mustApply(t, e1, scenario()...)
	mustApply(t, e2, scenario()...)

	if d1, d2 := dump(t, s1), dump(t, s2); d1 != d2 {
		t.Errorf("replayed state differs:\n--- first\n%s\n--- second\n%s", d1, d2)
	}
	if e1.GetStateHash() != e2.GetStateHash() {
		t.Errorf("state hash differs: %s vs %s",
			core.HashString(e1.GetStateHash()), core.HashString(e2.GetStateHash()))
	}
}

func TestStateHashChain_DiffersOnDifferentInput(t *testing.T) {
	e1, _, _ := newTestEngine(t)
	e2, _, _ := newTestEngine(t)

	mustApply(t, e1, mustPrepare(1, 0, market1, 2), mustSplit(2, 0, userA, market1, bigs(1, 2), 100))
	mustApply(t, e2, mustPrepare(1, 0, market1, 2), mustSplit(2, 0, userA, market1, bigs(1, 2), 101))

	if e1.GetStateHash() == e2.GetStateHash() {
		t.Error("different amounts should produce different state hashes")
	}
	if e1.GetStateHash() == core.GenesisHash() {
		t.Error("state hash should move off genesis")
	}
}

// ============================================================================
// Idempotency & ordering
// ============================================================================

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	e, s, out := newTestEngine(t)
	split := mustSplit(2, 0, userA, market1, bigs(1, 2), 100)
	mustApply(t, e, mustPrepare(1, 0, market1, 2), split)
	drainOutputs(out)

	before := dump(t, s)
	hash := e.GetStateHash()

	res, err := e.ProcessEvent(context.Background(), split)
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if res != core.ResultDuplicate {
		t.Errorf("result: got %v, want duplicate", res)
	}
	if after := dump(t, s); after != before {
		t.Errorf("duplicate changed state:\n%s\nvs\n%s", before, after)
	}
	if e.GetStateHash() != hash {
		t.Error("duplicate moved the state hash")
	}
	if n := len(drainOutputs(out)); n != 0 {
		t.Errorf("duplicate emitted %d notices", n)
	}
}

func TestDuplicateAfterRestartCaughtByStore(t *testing.T) {
	e, s, _ := newTestEngine(t)
	first := mustSplit(2, 0, userA, market1, bigs(1, 2), 100)
	mustApply(t, e, mustPrepare(1, 0, market1, 2), first, mustSplit(3, 0, userB, market1, bigs(1, 2), 10))

	// New engine over the same store: empty LRU.
	restarted := core.NewEngine(s, testConfig(), nil, nil, observability.NewNopLogger())
	if err := restarted.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if restarted.GetStateHash() != e.GetStateHash() {
		t.Fatal("recovered hash should match the running engine")
	}

	res, err := restarted.ProcessEvent(context.Background(), first)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if res != core.ResultDuplicate {
		t.Errorf("result: got %v, want duplicate", res)
	}
}

func TestOutOfOrderEventIsRejected(t *testing.T) {
	e, s, _ := newTestEngine(t)
	mustApply(t, e, mustPrepare(5, 3, market1, 2))

	_, err := e.ProcessEvent(context.Background(), mustSplit(5, 1, userA, market1, bigs(1, 2), 100))
	if !errors.Is(err, core.ErrOutOfOrder) {
		t.Fatalf("got %v, want ErrOutOfOrder", err)
	}
	if state.IsTransient(err) {
		t.Error("out-of-order must not be retried")
	}
	if _, err := s.GetUserStats(context.Background(), userA); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("rejected event left writes behind: %v", err)
	}
}

func TestInvalidEventIsRejected(t *testing.T) {
	e, _, _ := newTestEngine(t)
	bad := mustSplit(1, 0, userA, market1, bigs(3, 1), 100)

	_, err := e.ProcessEvent(context.Background(), bad)
	if !errors.Is(err, core.ErrInvalidEvent) {
		t.Fatalf("got %v, want ErrInvalidEvent", err)
	}
	if st := e.Status(); st.HasApplied {
		t.Error("invalid event must not move the cursor")
	}
}

func TestNoticesFollowCommits(t *testing.T) {
	e, _, out := newTestEngine(t)
	mustApply(t, e, mustPrepare(1, 0, market1, 2), mustSplit(2, 0, userA, market1, bigs(1, 2), 100))

	notices := drainOutputs(out)
	if len(notices) != 2 {
		t.Fatalf("notices: got %d, want 2", len(notices))
	}
	last := notices[1]
	if last.EventType != event.EventTypePositionSplit || last.MarketID != market1 {
		t.Errorf("notice: got %+v", last)
	}
	if last.StateHash != e.GetStateHash() {
		t.Error("notice should carry the committed state hash")
	}
	if last.Position != (event.LogPosition{Block: 2, LogIndex: 0}) {
		t.Errorf("notice position: got %s", last.Position)
	}
}

// ============================================================================
// Retry & fatal errors
// ============================================================================

// flakyStore fails the next failCommits commits with commitErr. With
// lostAcks set, the next commits succeed but still report commitErr.
type flakyStore struct {
	*state.MemoryStore
	failCommits int
	lostAcks    int
	commitErr   error
	commits     int
}

func (s *flakyStore) Begin(ctx context.Context) (state.Tx, error) {
	tx, err := s.MemoryStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyTx{Tx: tx, store: s}, nil
}

type flakyTx struct {
	state.Tx
	store *flakyStore
}

func (tx *flakyTx) Commit() error {
	if tx.store.failCommits > 0 {
		tx.store.failCommits--
		return tx.store.commitErr
	}
	tx.store.commits++
	if tx.store.lostAcks > 0 {
		tx.store.lostAcks--
		if err := tx.Tx.Commit(); err != nil {
			return err
		}
		return tx.store.commitErr
	}
	return tx.Tx.Commit()
}

func TestTransientCommitFailureIsRetried(t *testing.T) {
	store := &flakyStore{
		MemoryStore: state.NewMemoryStore(),
		failCommits: 3,
		commitErr:   state.Transient(errors.New("could not serialize access")),
	}
	e := core.NewEngine(store, testConfig(), nil, nil, observability.NewNopLogger())

	res, err := e.ProcessEvent(context.Background(), mustPrepare(1, 0, market1, 2))
	if err != nil {
		t.Fatalf("transient failures should be retried: %v", err)
	}
	if res != core.ResultApplied {
		t.Errorf("result: got %v, want applied", res)
	}
	if store.commits != 1 {
		t.Errorf("commits: got %d, want 1", store.commits)
	}
	if _, err := store.GetMarket(context.Background(), market1); err != nil {
		t.Errorf("market after retry: %v", err)
	}
}

func TestCommitWithLostAcknowledgementIsAdopted(t *testing.T) {
	store := &flakyStore{
		MemoryStore: state.NewMemoryStore(),
		lostAcks:    1,
		commitErr:   state.Transient(errors.New("connection reset during commit")),
	}
	out := make(chan core.Applied, 8)
	e := core.NewEngine(store, testConfig(), out, nil, observability.NewNopLogger())
	reference, _, _ := newTestEngine(t)

	evts := []event.Event{
		mustPrepare(1, 0, market1, 2),
		mustSplit(2, 0, userA, market1, bigs(1, 2), 100),
	}
	for _, evt := range evts {
		res, err := e.ProcessEvent(context.Background(), evt)
		if err != nil {
			t.Fatalf("process %s: %v", evt.IdempotencyKey(), err)
		}
		if res != core.ResultApplied {
			t.Errorf("%s: got %v, want applied", evt.IdempotencyKey(), res)
		}
	}
	mustApply(t, reference, evts...)

	if e.GetStateHash() != reference.GetStateHash() {
		t.Error("chain should continue from the adopted commit")
	}
	if n := len(drainOutputs(out)); n != 2 {
		t.Errorf("notices: got %d, want 2", n)
	}
	if st := e.Status(); st.LastPosition != (event.LogPosition{Block: 2, LogIndex: 0}) {
		t.Errorf("cursor: got %+v", st.LastPosition)
	}
}

func TestTransientRetryHonoursMaxAttempts(t *testing.T) {
	store := &flakyStore{
		MemoryStore: state.NewMemoryStore(),
		failCommits: 10,
		commitErr:   state.Transient(errors.New("connection reset")),
	}
	cfg := testConfig()
	cfg.MaxAttempts = 3
	e := core.NewEngine(store, cfg, nil, nil, observability.NewNopLogger())

	_, err := e.ProcessEvent(context.Background(), mustPrepare(1, 0, market1, 2))
	if err == nil {
		t.Fatal("expected error after max attempts")
	}
	if store.failCommits != 7 {
		t.Errorf("attempts: got %d, want 3", 10-store.failCommits)
	}
}

func TestNonTransientFailureIsFatal(t *testing.T) {
	store := &flakyStore{
		MemoryStore: state.NewMemoryStore(),
		failCommits: 1,
		commitErr:   errors.New("column \"open_interest\" does not exist"),
	}
	e := core.NewEngine(store, testConfig(), nil, nil, observability.NewNopLogger())

	_, err := e.ProcessEvent(context.Background(), mustPrepare(1, 0, market1, 2))
	if err == nil {
		t.Fatal("expected fatal error")
	}
	if state.IsTransient(err) {
		t.Error("error should not be transient")
	}
	if _, err := store.GetMarket(context.Background(), market1); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("failed event must not be visible: %v", err)
	}
	if st := e.Status(); st.HasApplied {
		t.Error("failed event must not move the cursor")
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	store := &flakyStore{
		MemoryStore: state.NewMemoryStore(),
		failCommits: 1_000_000,
		commitErr:   state.Transient(errors.New("deadlock detected")),
	}
	e := core.NewEngine(store, testConfig(), nil, nil, observability.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := e.ProcessEvent(ctx, mustPrepare(1, 0, market1, 2))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want context deadline", err)
	}
}

// ============================================================================
// Recovery & rewind
// ============================================================================

func TestRecoverRestoresCursorAndHash(t *testing.T) {
	e, s, _ := newTestEngine(t)
	mustApply(t, e, scenario()...)

	restarted := core.NewEngine(s, testConfig(), nil, nil, observability.NewNopLogger())
	if err := restarted.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	st := restarted.Status()
	if !st.HasApplied || st.LastPosition != (event.LogPosition{Block: 7, LogIndex: 0}) {
		t.Errorf("cursor: got %+v", st)
	}
	if st.StateHash != e.GetStateHash() {
		t.Error("recovered state hash differs")
	}

	// The restarted engine continues the chain from the stored tip.
	mustApply(t, restarted, mustSplit(8, 0, userA, market1, bigs(1, 2), 4))
	last, _ := s.LastApplied(context.Background())
	if last.StateHash != restarted.GetStateHash() {
		t.Error("logged hash should match the engine tip")
	}
}

func TestRewindUndoesBlocksAndRedeliveryConverges(t *testing.T) {
	ctx := context.Background()
	events := scenario()

	full, fullStore, _ := newTestEngine(t)
	mustApply(t, full, events...)
	wantDump := dump(t, fullStore)
	wantHash := full.GetStateHash()

	e, s, _ := newTestEngine(t)
	mustApply(t, e, events...)

	res, err := e.Rewind(ctx, 4)
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if res.Removed != 6 {
		t.Errorf("removed: got %d, want 6", res.Removed)
	}
	if res.Replayed != 5 {
		t.Errorf("replayed: got %d, want 5", res.Replayed)
	}

	// State equals an engine that only saw blocks 1..3.
	partial, partialStore, _ := newTestEngine(t)
	var prefix []event.Event
	for _, evt := range events {
		if evt.Source().BlockNumber < 4 {
			prefix = append(prefix, evt)
		}
	}
	mustApply(t, partial, prefix...)
	if got, want := dump(t, s), dump(t, partialStore); got != want {
		t.Errorf("rewound state differs from prefix state:\n--- rewound\n%s\n--- prefix\n%s", got, want)
	}
	if e.GetStateHash() != partial.GetStateHash() || res.StateHash != partial.GetStateHash() {
		t.Error("rewound hash differs from prefix hash")
	}
	if st := e.Status(); st.LastPosition.Block != 3 || st.Rewinds != 1 {
		t.Errorf("status after rewind: %+v", st)
	}

	// Re-delivery of the rolled-back blocks is not treated as duplicate.
	for _, evt := range events {
		if evt.Source().BlockNumber >= 4 {
			mustApply(t, e, evt)
		}
	}
	if got := dump(t, s); got != wantDump {
		t.Errorf("state after re-delivery differs:\n--- got\n%s\n--- want\n%s", got, wantDump)
	}
	if e.GetStateHash() != wantHash {
		t.Error("state hash after re-delivery differs")
	}
}

func TestRewindPastTipIsRebuild(t *testing.T) {
	e, s, _ := newTestEngine(t)
	mustApply(t, e, scenario()...)
	before := dump(t, s)
	hash := e.GetStateHash()

	res, err := e.Rewind(context.Background(), 1_000)
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if res.Removed != 0 || res.Replayed != len(scenario()) {
		t.Errorf("rewind result: %+v", res)
	}
	if dump(t, s) != before || e.GetStateHash() != hash {
		t.Error("rebuild without removals should reproduce the same state")
	}
}

func TestRewindToGenesis(t *testing.T) {
	e, s, _ := newTestEngine(t)
	mustApply(t, e, scenario()...)

	if _, err := e.Rewind(context.Background(), 0); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if _, err := s.GetMarket(context.Background(), market1); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("market after full rewind: %v", err)
	}
	if st := e.Status(); st.HasApplied || st.StateHash != core.GenesisHash() {
		t.Errorf("status after full rewind: %+v", st)
	}

	// Cursor is clear: block 1 applies again.
	mustApply(t, e, mustPrepare(1, 0, market1, 2))
}

func TestVerifyDoesNotChangeState(t *testing.T) {
	e, s, _ := newTestEngine(t)
	mustApply(t, e, scenario()...)
	before := dump(t, s)

	hash, n, err := e.Verify(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if hash != e.GetStateHash() || n != len(scenario()) {
		t.Errorf("verify: got %s over %d events", core.HashString(hash), n)
	}
	if dump(t, s) != before {
		t.Error("verify changed state")
	}
}

// ============================================================================
// Checkpoints
// ============================================================================

func newCheckpointEngine(t *testing.T, interval, retain int) (*core.Engine, *state.MemoryStore) {
	t.Helper()
	cfg := testConfig()
	cfg.CheckpointInterval = interval
	cfg.CheckpointRetain = retain
	store := state.NewMemoryStore()
	e := core.NewEngine(store, cfg, nil, nil, observability.NewNopLogger())
	if err := e.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	return e, store
}

// splitRun is a preparation at block 1 followed by one split per block up
// to block n, alternating between two users.
func splitRun(n int) []event.Event {
	evts := []event.Event{mustPrepare(1, 0, market1, 2)}
	for b := 2; b <= n; b++ {
		user := userA
		if b%2 == 0 {
			user = userB
		}
		evts = append(evts, mustSplit(uint64(b), 0, user, market1, bigs(1, 2), int64(b)))
	}
	return evts
}

// assertMatchesPrefix checks e and s against a fresh engine that applied
// only the events before fromBlock.
func assertMatchesPrefix(t *testing.T, e *core.Engine, s state.Reader, evts []event.Event, fromBlock uint64) {
	t.Helper()
	prefix, prefixStore, _ := newTestEngine(t)
	for _, evt := range evts {
		if evt.Source().BlockNumber < fromBlock {
			mustApply(t, prefix, evt)
		}
	}
	if got, want := dump(t, s), dump(t, prefixStore); got != want {
		t.Errorf("rewound state differs from prefix state:\n--- rewound\n%s\n--- prefix\n%s", got, want)
	}
	if e.GetStateHash() != prefix.GetStateHash() {
		t.Errorf("rewound hash %s, prefix hash %s",
			core.HashString(e.GetStateHash()), core.HashString(prefix.GetStateHash()))
	}
}

func TestRewindReplaysOnlyEventsAfterNewestCheckpoint(t *testing.T) {
	ctx := context.Background()
	evts := splitRun(30)

	full, _ := newCheckpointEngine(t, 10, 4)
	mustApply(t, full, evts...)
	wantHash := full.GetStateHash()

	// Checkpoints land on blocks 10, 20 and 30.
	e, s := newCheckpointEngine(t, 10, 4)
	mustApply(t, e, evts...)

	res, err := e.Rewind(ctx, 30)
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if res.Removed != 1 {
		t.Errorf("removed: got %d, want 1", res.Removed)
	}
	if res.RestoredFrom == nil || *res.RestoredFrom != (event.LogPosition{Block: 20}) {
		t.Fatalf("restored from: got %v, want 20/0", res.RestoredFrom)
	}
	if res.Replayed != 9 {
		t.Errorf("replayed: got %d, want 9 (blocks 21..29)", res.Replayed)
	}
	assertMatchesPrefix(t, e, s, evts, 30)
	if res.StateHash != e.GetStateHash() {
		t.Error("result hash differs from the engine tip")
	}

	// The checkpoint at block 30 went with its event; the redelivery
	// writes it again and lands on the same chain.
	mustApply(t, e, evts[len(evts)-1])
	if e.GetStateHash() != wantHash {
		t.Error("hash after redelivery differs from the uninterrupted run")
	}

	hash, n, err := e.Verify(ctx)
	if err != nil || hash != wantHash || n != len(evts) {
		t.Errorf("verify after checkpointed rewind: %s over %d events, %v", core.HashString(hash), n, err)
	}
}

func TestRewindBeforeFirstCheckpointReplaysFromGenesis(t *testing.T) {
	evts := splitRun(25)
	e, s := newCheckpointEngine(t, 10, 4)
	mustApply(t, e, evts...)

	res, err := e.Rewind(context.Background(), 6)
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if res.RestoredFrom != nil {
		t.Errorf("restored from %s, want genesis", res.RestoredFrom)
	}
	if res.Removed != 20 || res.Replayed != 5 {
		t.Errorf("removed/replayed: got %d/%d, want 20/5", res.Removed, res.Replayed)
	}
	assertMatchesPrefix(t, e, s, evts, 6)
}

func TestCheckpointsArePrunedToRetainCount(t *testing.T) {
	ctx := context.Background()
	evts := splitRun(10)

	// Interval 2 writes checkpoints on blocks 2, 4, 6, 8 and 10; only 8
	// and 10 are kept.
	e, s := newCheckpointEngine(t, 2, 2)
	mustApply(t, e, evts...)

	res, err := e.Rewind(ctx, 9)
	if err != nil {
		t.Fatalf("rewind to 9: %v", err)
	}
	if res.RestoredFrom == nil || res.RestoredFrom.Block != 8 || res.Replayed != 0 {
		t.Errorf("rewind to 9: restored from %v, replayed %d; want 8/0, 0", res.RestoredFrom, res.Replayed)
	}
	assertMatchesPrefix(t, e, s, evts, 9)

	res, err = e.Rewind(ctx, 7)
	if err != nil {
		t.Fatalf("rewind to 7: %v", err)
	}
	if res.RestoredFrom != nil || res.Replayed != 6 {
		t.Errorf("rewind to 7: restored from %v, replayed %d; want genesis, 6", res.RestoredFrom, res.Replayed)
	}
	assertMatchesPrefix(t, e, s, evts, 7)
}

func TestCheckpointsDisabled(t *testing.T) {
	evts := splitRun(12)
	e, s := newCheckpointEngine(t, -1, 4)
	mustApply(t, e, evts...)

	res, err := e.Rewind(context.Background(), 12)
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if res.RestoredFrom != nil || res.Replayed != 11 {
		t.Errorf("restored from %v, replayed %d; want genesis, 11", res.RestoredFrom, res.Replayed)
	}
	assertMatchesPrefix(t, e, s, evts, 12)
}
