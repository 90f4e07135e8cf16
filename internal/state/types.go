package state

import (
	"CTFLedger/internal/event"
	fpmath "CTFLedger/internal/math"
	"fmt"
	"math/big"
	"time"
)

// TradeType discriminates the append-only trade rows.
type TradeType string

const (
	TradeTypeSplit      TradeType = "SPLIT"
	TradeTypeMerge      TradeType = "MERGE"
	TradeTypeRedemption TradeType = "REDEMPTION"
)

// RedemptionOutcomeIndex is the outcome index of a redemption trade, which
// spans every redeemed outcome.
const RedemptionOutcomeIndex = -1

// Market is one prepared condition.
// Invariant: OpenInterest == sum(OpenInterestByOutcome), all entries >= 0.
type Market struct {
	ID                    string // condition id
	QuestionID            string
	Oracle                string
	OutcomeSlotCount      int
	CollateralToken       string
	CreatedAt             time.Time
	Resolved              bool
	ResolvedAt            *time.Time
	WinningOutcomeIndex   *int
	Payouts               []*big.Int
	TotalVolume           *big.Int
	TradeCount            int64
	OpenInterest          *big.Int
	OpenInterestByOutcome []*big.Int
}

// NewMarket returns an unresolved market with zeroed accumulators.
func NewMarket(id string, outcomeSlotCount int, createdAt time.Time) *Market {
	return &Market{
		ID:                    id,
		OutcomeSlotCount:      outcomeSlotCount,
		CreatedAt:             createdAt,
		TotalVolume:           fpmath.Zero(),
		OpenInterest:          fpmath.Zero(),
		OpenInterestByOutcome: fpmath.ZeroVector(outcomeSlotCount),
	}
}

// SetOpenInterest replaces the per-outcome vector and recomputes the total.
// Negative entries are clamped to zero.
func (m *Market) SetOpenInterest(vector []*big.Int) {
	out := make([]*big.Int, len(vector))
	for i, v := range vector {
		out[i] = fpmath.ClampNonNegative(v)
	}
	m.OpenInterestByOutcome = out
	m.OpenInterest = fpmath.Sum(out)
}

// OpenInterestVector returns a copy of the per-outcome vector sized to the
// outcome slot count.
func (m *Market) OpenInterestVector() []*big.Int {
	return fpmath.ResizeVector(m.OpenInterestByOutcome, m.OutcomeSlotCount)
}

func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	c := *m
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		c.ResolvedAt = &t
	}
	if m.WinningOutcomeIndex != nil {
		i := *m.WinningOutcomeIndex
		c.WinningOutcomeIndex = &i
	}
	c.Payouts = fpmath.CopyVector(m.Payouts)
	c.TotalVolume = fpmath.Copy(m.TotalVolume)
	c.OpenInterest = fpmath.Copy(m.OpenInterest)
	c.OpenInterestByOutcome = fpmath.CopyVector(m.OpenInterestByOutcome)
	return &c
}

// Outcome is one slot of a market.
type Outcome struct {
	MarketID    string
	Index       int
	Name        string
	Probability float64
}

// OutcomeName is the default display name of a slot.
func OutcomeName(index int) string {
	switch index {
	case 0:
		return "No"
	case 1:
		return "Yes"
	default:
		return fmt.Sprintf("Outcome %d", index)
	}
}

func (o *Outcome) Clone() *Outcome {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

// PositionKey identifies a user's holding of one outcome.
type PositionKey struct {
	UserID       string
	MarketID     string
	OutcomeIndex int
}

// Position is a user's share balance and remaining cost basis in one outcome.
type Position struct {
	UserID       string
	MarketID     string
	OutcomeIndex int
	Shares       *big.Int
	CostBasis    *big.Int
}

// NewPosition returns an empty position for key.
func NewPosition(key PositionKey) *Position {
	return &Position{
		UserID:       key.UserID,
		MarketID:     key.MarketID,
		OutcomeIndex: key.OutcomeIndex,
		Shares:       fpmath.Zero(),
		CostBasis:    fpmath.Zero(),
	}
}

func (p *Position) Key() PositionKey {
	return PositionKey{UserID: p.UserID, MarketID: p.MarketID, OutcomeIndex: p.OutcomeIndex}
}

func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.Shares = fpmath.Copy(p.Shares)
	c.CostBasis = fpmath.Copy(p.CostBasis)
	return &c
}

// UserStats aggregates one wallet's activity. PnL fields are in collateral
// units.
type UserStats struct {
	ID          string
	TotalVolume *big.Int
	TradeCount  int64
	TotalPnL    *big.Int
	RealizedPnL *big.Int
	WinCount    int64
	LossCount   int64
	WinRate     float64
}

// NewUserStats returns a zeroed row for a wallet.
func NewUserStats(id string) *UserStats {
	return &UserStats{
		ID:          id,
		TotalVolume: fpmath.Zero(),
		TotalPnL:    fpmath.Zero(),
		RealizedPnL: fpmath.Zero(),
	}
}

func (u *UserStats) Clone() *UserStats {
	if u == nil {
		return nil
	}
	c := *u
	c.TotalVolume = fpmath.Copy(u.TotalVolume)
	c.TotalPnL = fpmath.Copy(u.TotalPnL)
	c.RealizedPnL = fpmath.Copy(u.RealizedPnL)
	return &c
}

// TradeKey is the natural key of a trade row.
type TradeKey struct {
	TxHash       string
	LogIndex     uint32
	OutcomeIndex int
}

// Trade is an append-only record of one split, merge or redemption leg.
type Trade struct {
	TxHash           string
	LogIndex         uint32
	OutcomeIndex     int
	UserID           string
	MarketID         string
	Type             TradeType
	Shares           *big.Int
	CollateralAmount *big.Int
	PricePerShare    *float64
	PnL              *big.Int
	Timestamp        time.Time
	BlockNumber      uint64
}

func (t *Trade) Key() TradeKey {
	return TradeKey{TxHash: t.TxHash, LogIndex: t.LogIndex, OutcomeIndex: t.OutcomeIndex}
}

func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	c := *t
	c.Shares = fpmath.Copy(t.Shares)
	c.CollateralAmount = fpmath.Copy(t.CollateralAmount)
	if t.PricePerShare != nil {
		p := *t.PricePerShare
		c.PricePerShare = &p
	}
	if t.PnL != nil {
		c.PnL = fpmath.Copy(t.PnL)
	}
	return &c
}

// OutcomePricePoint is the share-concentration price of one outcome after
// an event. It is a proxy for implied probability, not an order-book price.
type OutcomePricePoint struct {
	TxHash          string
	LogIndex        uint32
	OutcomeIndex    int
	MarketID        string
	Price           float64
	LiquidityShares *big.Int
	Timestamp       time.Time
	BlockNumber     uint64
}

func (p *OutcomePricePoint) Key() TradeKey {
	return TradeKey{TxHash: p.TxHash, LogIndex: p.LogIndex, OutcomeIndex: p.OutcomeIndex}
}

func (p *OutcomePricePoint) Clone() *OutcomePricePoint {
	if p == nil {
		return nil
	}
	c := *p
	c.LiquidityShares = fpmath.Copy(p.LiquidityShares)
	return &c
}

// MarketDepthSnapshot records the share distribution after an event.
type MarketDepthSnapshot struct {
	TxHash          string
	LogIndex        uint32
	MarketID        string
	TotalShares     *big.Int
	SharesByOutcome []*big.Int
	Timestamp       time.Time
	BlockNumber     uint64
}

func (d *MarketDepthSnapshot) ID() event.EventID {
	return event.EventID{TxHash: d.TxHash, LogIndex: d.LogIndex}
}

func (d *MarketDepthSnapshot) Clone() *MarketDepthSnapshot {
	if d == nil {
		return nil
	}
	c := *d
	c.TotalShares = fpmath.Copy(d.TotalShares)
	c.SharesByOutcome = fpmath.CopyVector(d.SharesByOutcome)
	return &c
}

// LiquidityProvider tracks a user's collateral contribution to a market.
type LiquidityProvider struct {
	MarketID      string
	UserID        string
	Provided      *big.Int
	Removed       *big.Int
	NetLiquidity  *big.Int
	LastUpdatedAt time.Time
}

// NewLiquidityProvider returns a zeroed row.
func NewLiquidityProvider(marketID, userID string) *LiquidityProvider {
	return &LiquidityProvider{
		MarketID:     marketID,
		UserID:       userID,
		Provided:     fpmath.Zero(),
		Removed:      fpmath.Zero(),
		NetLiquidity: fpmath.Zero(),
	}
}

func (l *LiquidityProvider) Clone() *LiquidityProvider {
	if l == nil {
		return nil
	}
	c := *l
	c.Provided = fpmath.Copy(l.Provided)
	c.Removed = fpmath.Copy(l.Removed)
	c.NetLiquidity = fpmath.Copy(l.NetLiquidity)
	return &c
}

// ApplyOutcome records what the engine did with a logged event.
type ApplyOutcome string

const (
	OutcomeApplied ApplyOutcome = "applied"
	OutcomeDropped ApplyOutcome = "dropped"
)

// AppliedEvent is one row of the engine's event log.
type AppliedEvent struct {
	TxHash      string
	LogIndex    uint32
	BlockNumber uint64
	BlockHash   string
	EventType   event.EventType
	Payload     []byte // event.Encode output
	StateHash   [32]byte
	Outcome     ApplyOutcome
	AppliedAt   time.Time // block timestamp of the event
}

func (a *AppliedEvent) ID() event.EventID {
	return event.EventID{TxHash: a.TxHash, LogIndex: a.LogIndex}
}

func (a *AppliedEvent) Position() event.LogPosition {
	return event.LogPosition{Block: a.BlockNumber, LogIndex: a.LogIndex}
}

// Decode parses the stored payload back into its typed event.
func (a *AppliedEvent) Decode() (event.Event, error) {
	evt, err := event.Decode(a.EventType, a.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode logged event %s: %w", a.ID(), err)
	}
	return evt, nil
}

func (a *AppliedEvent) Clone() *AppliedEvent {
	if a == nil {
		return nil
	}
	c := *a
	c.Payload = append([]byte(nil), a.Payload...)
	return &c
}
