package core

import (
	fpmath "CTFLedger/internal/math"
	"CTFLedger/internal/state"
	"bytes"
	"context"
	"crypto/sha256"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// recordingTx captures a canonical line for every row a handler writes, in
// write order. The digest of those lines feeds the state hash chain, so two
// runs over the same log agree on the hash only if they wrote the same rows.
type recordingTx struct {
	state.Tx
	buf bytes.Buffer
}

func newRecordingTx(tx state.Tx) *recordingTx {
	return &recordingTx{Tx: tx}
}

// digest returns SHA-256 over the recorded rows. An event that wrote
// nothing digests the empty input.
func (r *recordingTx) digest() []byte {
	sum := sha256.Sum256(r.buf.Bytes())
	return sum[:]
}

func (r *recordingTx) record(kind string, fields ...string) {
	r.buf.WriteString(kind)
	for _, f := range fields {
		r.buf.WriteByte('|')
		r.buf.WriteString(f)
	}
	r.buf.WriteByte('\n')
}

func (r *recordingTx) InsertMarket(ctx context.Context, m *state.Market) error {
	if err := r.Tx.InsertMarket(ctx, m); err != nil {
		return err
	}
	r.record("market+", marketFields(m)...)
	return nil
}

func (r *recordingTx) UpdateMarket(ctx context.Context, m *state.Market) error {
	if err := r.Tx.UpdateMarket(ctx, m); err != nil {
		return err
	}
	r.record("market", marketFields(m)...)
	return nil
}

func (r *recordingTx) InsertOutcome(ctx context.Context, o *state.Outcome) error {
	if err := r.Tx.InsertOutcome(ctx, o); err != nil {
		return err
	}
	r.record("outcome+", o.MarketID, strconv.Itoa(o.Index), o.Name, fmtFloat(o.Probability))
	return nil
}

func (r *recordingTx) UpdateOutcome(ctx context.Context, o *state.Outcome) error {
	if err := r.Tx.UpdateOutcome(ctx, o); err != nil {
		return err
	}
	r.record("outcome", o.MarketID, strconv.Itoa(o.Index), o.Name, fmtFloat(o.Probability))
	return nil
}

func (r *recordingTx) UpsertPosition(ctx context.Context, p *state.Position) error {
	if err := r.Tx.UpsertPosition(ctx, p); err != nil {
		return err
	}
	r.record("position", p.UserID, p.MarketID, strconv.Itoa(p.OutcomeIndex),
		fmtBig(p.Shares), fmtBig(p.CostBasis))
	return nil
}

func (r *recordingTx) UpsertUserStats(ctx context.Context, u *state.UserStats) error {
	if err := r.Tx.UpsertUserStats(ctx, u); err != nil {
		return err
	}
	r.record("user", u.ID, fmtBig(u.TotalVolume), strconv.FormatInt(u.TradeCount, 10),
		fmtBig(u.TotalPnL), fmtBig(u.RealizedPnL),
		strconv.FormatInt(u.WinCount, 10), strconv.FormatInt(u.LossCount, 10), fmtFloat(u.WinRate))
	return nil
}

func (r *recordingTx) InsertTrade(ctx context.Context, t *state.Trade) error {
	if err := r.Tx.InsertTrade(ctx, t); err != nil {
		return err
	}
	price := "nil"
	if t.PricePerShare != nil {
		price = fmtFloat(*t.PricePerShare)
	}
	pnl := "nil"
	if t.PnL != nil {
		pnl = t.PnL.String()
	}
	r.record("trade", t.TxHash, strconv.FormatUint(uint64(t.LogIndex), 10), strconv.Itoa(t.OutcomeIndex),
		t.UserID, t.MarketID, string(t.Type), fmtBig(t.Shares), fmtBig(t.CollateralAmount),
		price, pnl, fmtTime(t.Timestamp))
	return nil
}

func (r *recordingTx) InsertPricePoint(ctx context.Context, p *state.OutcomePricePoint) error {
	if err := r.Tx.InsertPricePoint(ctx, p); err != nil {
		return err
	}
	r.record("price", p.MarketID, strconv.Itoa(p.OutcomeIndex), fmtFloat(p.Price), fmtBig(p.LiquidityShares))
	return nil
}

func (r *recordingTx) InsertDepthSnapshot(ctx context.Context, d *state.MarketDepthSnapshot) error {
	if err := r.Tx.InsertDepthSnapshot(ctx, d); err != nil {
		return err
	}
	r.record("depth", d.MarketID, fmtBig(d.TotalShares), fmtVector(d.SharesByOutcome))
	return nil
}

func (r *recordingTx) UpsertLiquidityProvider(ctx context.Context, l *state.LiquidityProvider) error {
	if err := r.Tx.UpsertLiquidityProvider(ctx, l); err != nil {
		return err
	}
	r.record("lp", l.MarketID, l.UserID, fmtBig(l.Provided), fmtBig(l.Removed),
		fmtBig(l.NetLiquidity), fmtTime(l.LastUpdatedAt))
	return nil
}

func marketFields(m *state.Market) []string {
	resolvedAt := "nil"
	if m.ResolvedAt != nil {
		resolvedAt = fmtTime(*m.ResolvedAt)
	}
	winner := "nil"
	if m.WinningOutcomeIndex != nil {
		winner = strconv.Itoa(*m.WinningOutcomeIndex)
	}
	return []string{
		m.ID, m.QuestionID, m.Oracle, strconv.Itoa(m.OutcomeSlotCount), m.CollateralToken,
		fmtTime(m.CreatedAt), strconv.FormatBool(m.Resolved), resolvedAt, winner,
		fmtVector(m.Payouts), fmtBig(m.TotalVolume), strconv.FormatInt(m.TradeCount, 10),
		fmtBig(m.OpenInterest), fmtVector(m.OpenInterestByOutcome),
	}
}

func fmtBig(v *big.Int) string {
	return fpmath.Copy(v).String()
}

func fmtVector(v []*big.Int) string {
	return strings.Join(fpmath.FormatAmounts(v), ",")
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func fmtTime(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
