package query

import (
	"CTFLedger/internal/core"
	fpmath "CTFLedger/internal/math"
	"CTFLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ErrInvalidArgument is returned for a missing or malformed identifier.
var ErrInvalidArgument = errors.New("query: invalid argument")

// StatusSource reports the last committed event. *core.Engine satisfies it.
type StatusSource interface {
	Status() core.Status
}

// Service provides read-only access to the aggregate state. Every response
// carries the position and state hash of the last committed event so
// callers can tell how fresh the answer is. Freshness is read before the
// rows, so it never claims more than the rows reflect.
type Service struct {
	reader state.Reader
	status StatusSource
}

func NewService(reader state.Reader, status StatusSource) *Service {
	return &Service{reader: reader, status: status}
}

// GetMarket returns a market and its outcomes.
func (s *Service) GetMarket(ctx context.Context, marketID string) (*MarketResponse, error) {
	id, err := normalizeID("market_id", marketID)
	if err != nil {
		return nil, err
	}
	asOf := s.freshness()

	m, err := s.reader.GetMarket(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	outcomes, err := s.reader.ListOutcomes(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list outcomes %s: %w", id, err)
	}

	resp := &MarketResponse{
		ID:                    m.ID,
		QuestionID:            m.QuestionID,
		Oracle:                m.Oracle,
		OutcomeSlotCount:      m.OutcomeSlotCount,
		CollateralToken:       m.CollateralToken,
		CreatedAt:             m.CreatedAt.Unix(),
		Resolved:              m.Resolved,
		WinningOutcomeIndex:   m.WinningOutcomeIndex,
		TotalVolume:           amount(m.TotalVolume),
		TradeCount:            m.TradeCount,
		OpenInterest:          amount(m.OpenInterest),
		OpenInterestByOutcome: fpmath.FormatAmounts(m.OpenInterestVector()),
		Outcomes:              make([]OutcomeResponse, 0, len(outcomes)),
		AsOf:                  asOf,
	}
	if m.ResolvedAt != nil {
		resp.ResolvedAt = unixPtr(*m.ResolvedAt)
	}
	if len(m.Payouts) > 0 {
		resp.Payouts = fpmath.FormatAmounts(m.Payouts)
	}
	for _, o := range outcomes {
		resp.Outcomes = append(resp.Outcomes, OutcomeResponse{
			Index:       o.Index,
			Name:        o.Name,
			Probability: o.Probability,
		})
	}
	return resp, nil
}

// GetUserPositions returns every position of a wallet, including emptied
// ones.
func (s *Service) GetUserPositions(ctx context.Context, userID string) (*UserPositionsResponse, error) {
	id, err := normalizeID("user_id", userID)
	if err != nil {
		return nil, err
	}
	asOf := s.freshness()

	positions, err := s.reader.ListUserPositions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list positions %s: %w", id, err)
	}

	resp := &UserPositionsResponse{
		UserID:    id,
		Positions: make([]PositionResponse, 0, len(positions)),
		AsOf:      asOf,
	}
	for _, p := range positions {
		pr := PositionResponse{
			MarketID:     p.MarketID,
			OutcomeIndex: p.OutcomeIndex,
			Shares:       amount(p.Shares),
			CostBasis:    amount(p.CostBasis),
		}
		if p.Shares != nil && p.Shares.Sign() > 0 {
			avg := fpmath.Ratio(p.CostBasis, p.Shares)
			pr.AvgPrice = &avg
		}
		resp.Positions = append(resp.Positions, pr)
	}
	return resp, nil
}

// GetUserStats returns a wallet's aggregates, or state.ErrNotFound for a
// wallet that never traded.
func (s *Service) GetUserStats(ctx context.Context, userID string) (*UserStatsResponse, error) {
	id, err := normalizeID("user_id", userID)
	if err != nil {
		return nil, err
	}
	asOf := s.freshness()

	u, err := s.reader.GetUserStats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get user stats %s: %w", id, err)
	}
	return &UserStatsResponse{
		UserID:      u.ID,
		TotalVolume: amount(u.TotalVolume),
		TradeCount:  u.TradeCount,
		TotalPnL:    amount(u.TotalPnL),
		RealizedPnL: amount(u.RealizedPnL),
		WinCount:    u.WinCount,
		LossCount:   u.LossCount,
		WinRate:     u.WinRate,
		AsOf:        asOf,
	}, nil
}

// ListTrades returns the newest trades of a market.
func (s *Service) ListTrades(ctx context.Context, marketID string, limit int) (*MarketHistoryResponse[TradeResponse], error) {
	id, err := normalizeID("market_id", marketID)
	if err != nil {
		return nil, err
	}
	asOf := s.freshness()

	trades, err := s.reader.ListTrades(ctx, id, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list trades %s: %w", id, err)
	}

	items := make([]TradeResponse, 0, len(trades))
	for _, t := range trades {
		tr := TradeResponse{
			TxHash:           t.TxHash,
			LogIndex:         t.LogIndex,
			OutcomeIndex:     t.OutcomeIndex,
			UserID:           t.UserID,
			Type:             string(t.Type),
			Shares:           amount(t.Shares),
			CollateralAmount: amount(t.CollateralAmount),
			PricePerShare:    t.PricePerShare,
			Timestamp:        t.Timestamp.Unix(),
			BlockNumber:      t.BlockNumber,
		}
		if t.PnL != nil {
			pnl := t.PnL.String()
			tr.PnL = &pnl
		}
		items = append(items, tr)
	}
	return &MarketHistoryResponse[TradeResponse]{MarketID: id, Items: items, AsOf: asOf}, nil
}

// ListPriceHistory returns the newest price points of a market.
func (s *Service) ListPriceHistory(ctx context.Context, marketID string, limit int) (*MarketHistoryResponse[PricePointResponse], error) {
	id, err := normalizeID("market_id", marketID)
	if err != nil {
		return nil, err
	}
	asOf := s.freshness()

	points, err := s.reader.ListPricePoints(ctx, id, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list price points %s: %w", id, err)
	}

	items := make([]PricePointResponse, 0, len(points))
	for _, p := range points {
		items = append(items, PricePointResponse{
			TxHash:          p.TxHash,
			LogIndex:        p.LogIndex,
			OutcomeIndex:    p.OutcomeIndex,
			Price:           p.Price,
			LiquidityShares: amount(p.LiquidityShares),
			Timestamp:       p.Timestamp.Unix(),
			BlockNumber:     p.BlockNumber,
		})
	}
	return &MarketHistoryResponse[PricePointResponse]{MarketID: id, Items: items, AsOf: asOf}, nil
}

// ListDepth returns the newest depth snapshots of a market.
func (s *Service) ListDepth(ctx context.Context, marketID string, limit int) (*MarketHistoryResponse[DepthSnapshotResponse], error) {
	id, err := normalizeID("market_id", marketID)
	if err != nil {
		return nil, err
	}
	asOf := s.freshness()

	snaps, err := s.reader.ListDepthSnapshots(ctx, id, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list depth snapshots %s: %w", id, err)
	}

	items := make([]DepthSnapshotResponse, 0, len(snaps))
	for _, d := range snaps {
		items = append(items, DepthSnapshotResponse{
			TxHash:          d.TxHash,
			LogIndex:        d.LogIndex,
			TotalShares:     amount(d.TotalShares),
			SharesByOutcome: fpmath.FormatAmounts(d.SharesByOutcome),
			Timestamp:       d.Timestamp.Unix(),
			BlockNumber:     d.BlockNumber,
		})
	}
	return &MarketHistoryResponse[DepthSnapshotResponse]{MarketID: id, Items: items, AsOf: asOf}, nil
}

// ListLiquidityProviders returns every liquidity provider of a market.
func (s *Service) ListLiquidityProviders(ctx context.Context, marketID string) (*MarketHistoryResponse[LiquidityProviderResponse], error) {
	id, err := normalizeID("market_id", marketID)
	if err != nil {
		return nil, err
	}
	asOf := s.freshness()

	lps, err := s.reader.ListLiquidityProviders(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list liquidity providers %s: %w", id, err)
	}

	items := make([]LiquidityProviderResponse, 0, len(lps))
	for _, l := range lps {
		items = append(items, LiquidityProviderResponse{
			UserID:        l.UserID,
			Provided:      amount(l.Provided),
			Removed:       amount(l.Removed),
			NetLiquidity:  amount(l.NetLiquidity),
			LastUpdatedAt: l.LastUpdatedAt.Unix(),
		})
	}
	return &MarketHistoryResponse[LiquidityProviderResponse]{MarketID: id, Items: items, AsOf: asOf}, nil
}

// --- helpers ---

func (s *Service) freshness() Freshness {
	if s.status == nil {
		return Freshness{}
	}
	st := s.status.Status()
	return Freshness{
		Block:     st.LastPosition.Block,
		LogIndex:  st.LastPosition.LogIndex,
		StateHash: core.HashString(st.StateHash),
	}
}

// normalizeID lowercases an identifier the way the ingestion boundary
// stores it.
func normalizeID(field, id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidArgument, field)
	}
	return id, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func unixPtr(t time.Time) *int64 {
	s := t.Unix()
	return &s
}
