package query

// Quantities are base-10 strings so 256-bit values survive JSON clients.
// Times are unix seconds.

// Freshness tells the caller which committed event the answer reflects.
type Freshness struct {
	Block     uint64 `json:"block"`
	LogIndex  uint32 `json:"log_index"`
	StateHash string `json:"state_hash"`
}

// OutcomeResponse is one slot of a market.
type OutcomeResponse struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
}

// MarketResponse represents a market with its outcomes.
type MarketResponse struct {
	ID                    string            `json:"id"`
	QuestionID            string            `json:"question_id"`
	Oracle                string            `json:"oracle"`
	OutcomeSlotCount      int               `json:"outcome_slot_count"`
	CollateralToken       string            `json:"collateral_token,omitempty"`
	CreatedAt             int64             `json:"created_at"`
	Resolved              bool              `json:"resolved"`
	ResolvedAt            *int64            `json:"resolved_at,omitempty"`
	WinningOutcomeIndex   *int              `json:"winning_outcome_index,omitempty"`
	Payouts               []string          `json:"payouts,omitempty"`
	TotalVolume           string            `json:"total_volume"`
	TradeCount            int64             `json:"trade_count"`
	OpenInterest          string            `json:"open_interest"`
	OpenInterestByOutcome []string          `json:"open_interest_by_outcome"`
	Outcomes              []OutcomeResponse `json:"outcomes"`
	AsOf                  Freshness         `json:"as_of"`
}

// PositionResponse represents a user's holding of one outcome.
type PositionResponse struct {
	MarketID     string `json:"market_id"`
	OutcomeIndex int    `json:"outcome_index"`
	Shares       string `json:"shares"`
	CostBasis    string `json:"cost_basis"`
	// AvgPrice is cost basis per share; omitted for an empty position.
	AvgPrice *float64 `json:"avg_price,omitempty"`
}

// UserPositionsResponse lists every position of a wallet.
type UserPositionsResponse struct {
	UserID    string             `json:"user_id"`
	Positions []PositionResponse `json:"positions"`
	AsOf      Freshness          `json:"as_of"`
}

// UserStatsResponse represents a wallet's aggregate activity.
type UserStatsResponse struct {
	UserID      string    `json:"user_id"`
	TotalVolume string    `json:"total_volume"`
	TradeCount  int64     `json:"trade_count"`
	TotalPnL    string    `json:"total_pnl"`
	RealizedPnL string    `json:"realized_pnl"`
	WinCount    int64     `json:"win_count"`
	LossCount   int64     `json:"loss_count"`
	WinRate     float64   `json:"win_rate"`
	AsOf        Freshness `json:"as_of"`
}

// TradeResponse represents one split, merge or redemption leg.
type TradeResponse struct {
	TxHash           string   `json:"tx_hash"`
	LogIndex         uint32   `json:"log_index"`
	OutcomeIndex     int      `json:"outcome_index"`
	UserID           string   `json:"user_id"`
	Type             string   `json:"type"`
	Shares           string   `json:"shares"`
	CollateralAmount string   `json:"collateral_amount"`
	PricePerShare    *float64 `json:"price_per_share,omitempty"`
	PnL              *string  `json:"pnl,omitempty"`
	Timestamp        int64    `json:"timestamp"`
	BlockNumber      uint64   `json:"block_number"`
}

// PricePointResponse is the share-concentration price of one outcome.
type PricePointResponse struct {
	TxHash          string  `json:"tx_hash"`
	LogIndex        uint32  `json:"log_index"`
	OutcomeIndex    int     `json:"outcome_index"`
	Price           float64 `json:"price"`
	LiquidityShares string  `json:"liquidity_shares"`
	Timestamp       int64   `json:"timestamp"`
	BlockNumber     uint64  `json:"block_number"`
}

// DepthSnapshotResponse is the share distribution after one event.
type DepthSnapshotResponse struct {
	TxHash          string   `json:"tx_hash"`
	LogIndex        uint32   `json:"log_index"`
	TotalShares     string   `json:"total_shares"`
	SharesByOutcome []string `json:"shares_by_outcome"`
	Timestamp       int64    `json:"timestamp"`
	BlockNumber     uint64   `json:"block_number"`
}

// LiquidityProviderResponse is one user's collateral contribution.
type LiquidityProviderResponse struct {
	UserID        string `json:"user_id"`
	Provided      string `json:"provided"`
	Removed       string `json:"removed"`
	NetLiquidity  string `json:"net_liquidity"`
	LastUpdatedAt int64  `json:"last_updated_at"`
}

// MarketHistoryResponse wraps the append-only lists of a market. Rows are
// the newest limit, oldest first.
type MarketHistoryResponse[T any] struct {
	MarketID string    `json:"market_id"`
	Items    []T       `json:"items"`
	AsOf     Freshness `json:"as_of"`
}
