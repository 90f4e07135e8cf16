package persistence

import (
	"CTFLedger/internal/event"
	"CTFLedger/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// querier is the subset of *sql.DB and *sql.Tx the readers need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresStore is the durable state.Store. Every event runs in one
// REPEATABLE READ transaction; readers outside a transaction see only
// committed events.
type PostgresStore struct {
	reader
	db *sql.DB
}

var _ state.Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{reader: reader{q: db}, db: db}
}

// Ping checks connectivity. Used as a readiness probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

func (s *PostgresStore) Begin(ctx context.Context) (state.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, classify("begin", err)
	}
	return &pgTx{reader: reader{q: tx}, tx: tx}, nil
}

// --- Reads ---

type reader struct {
	q querier
}

const marketColumns = `id, question_id, oracle, outcome_slot_count, collateral_token, created_at,
	resolved, resolved_at, winning_outcome_index, payouts, total_volume, trade_count,
	open_interest, open_interest_by_outcome`

func scanMarket(row rowScanner) (*state.Market, error) {
	var (
		m          state.Market
		resolvedAt sql.NullTime
		winning    sql.NullInt64
		payouts    pq.StringArray
		volume     string
		oi         string
		oiVector   pq.StringArray
	)
	if err := row.Scan(&m.ID, &m.QuestionID, &m.Oracle, &m.OutcomeSlotCount, &m.CollateralToken,
		&m.CreatedAt, &m.Resolved, &resolvedAt, &winning, &payouts, &volume, &m.TradeCount,
		&oi, &oiVector); err != nil {
		return nil, err
	}

	m.CreatedAt = utc(m.CreatedAt)
	if resolvedAt.Valid {
		t := utc(resolvedAt.Time)
		m.ResolvedAt = &t
	}
	if winning.Valid {
		i := int(winning.Int64)
		m.WinningOutcomeIndex = &i
	}

	var n numericScanner
	m.Payouts = n.vector(payouts)
	m.TotalVolume = n.num(volume)
	m.OpenInterest = n.num(oi)
	m.OpenInterestByOutcome = n.vector(oiVector)
	if n.err != nil {
		return nil, fmt.Errorf("market %s: %w", m.ID, n.err)
	}
	if len(m.Payouts) == 0 {
		m.Payouts = nil
	}
	return &m, nil
}

func (r reader) GetMarket(ctx context.Context, id string) (*state.Market, error) {
	m, err := scanMarket(r.q.QueryRowContext(ctx,
		`SELECT `+marketColumns+` FROM ctf.markets WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get market", err)
	}
	return m, nil
}

func scanOutcome(row rowScanner) (*state.Outcome, error) {
	var o state.Outcome
	if err := row.Scan(&o.MarketID, &o.Index, &o.Name, &o.Probability); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r reader) ListOutcomes(ctx context.Context, marketID string) ([]*state.Outcome, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT market_id, idx, name, probability FROM ctf.outcomes
		 WHERE market_id = $1 ORDER BY idx`, marketID)
	if err != nil {
		return nil, classify("list outcomes", err)
	}
	return collect(rows, "list outcomes", scanOutcome)
}

func (r reader) getOutcome(ctx context.Context, marketID string, index int) (*state.Outcome, error) {
	o, err := scanOutcome(r.q.QueryRowContext(ctx,
		`SELECT market_id, idx, name, probability FROM ctf.outcomes
		 WHERE market_id = $1 AND idx = $2`, marketID, index))
	if err != nil {
		return nil, classify("get outcome", err)
	}
	return o, nil
}

func scanPosition(row rowScanner) (*state.Position, error) {
	var (
		p            state.Position
		shares, cost string
	)
	if err := row.Scan(&p.UserID, &p.MarketID, &p.OutcomeIndex, &shares, &cost); err != nil {
		return nil, err
	}
	var n numericScanner
	p.Shares = n.num(shares)
	p.CostBasis = n.num(cost)
	if n.err != nil {
		return nil, fmt.Errorf("position %s/%s/%d: %w", p.UserID, p.MarketID, p.OutcomeIndex, n.err)
	}
	return &p, nil
}

func (r reader) GetPosition(ctx context.Context, key state.PositionKey) (*state.Position, error) {
	p, err := scanPosition(r.q.QueryRowContext(ctx,
		`SELECT user_id, market_id, outcome_index, shares, cost_basis FROM ctf.positions
		 WHERE user_id = $1 AND market_id = $2 AND outcome_index = $3`,
		key.UserID, key.MarketID, key.OutcomeIndex))
	if err != nil {
		return nil, classify("get position", err)
	}
	return p, nil
}

func (r reader) ListUserPositions(ctx context.Context, userID string) ([]*state.Position, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT user_id, market_id, outcome_index, shares, cost_basis FROM ctf.positions
		 WHERE user_id = $1 ORDER BY market_id COLLATE "C", outcome_index`, userID)
	if err != nil {
		return nil, classify("list positions", err)
	}
	return collect(rows, "list positions", scanPosition)
}

func (r reader) GetUserStats(ctx context.Context, userID string) (*state.UserStats, error) {
	var (
		u                       state.UserStats
		volume, total, realized string
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT id, total_volume, trade_count, total_pnl, realized_pnl, win_count, loss_count, win_rate
		 FROM ctf.user_stats WHERE id = $1`, userID,
	).Scan(&u.ID, &volume, &u.TradeCount, &total, &realized, &u.WinCount, &u.LossCount, &u.WinRate)
	if err != nil {
		return nil, classify("get user stats", err)
	}

	var n numericScanner
	u.TotalVolume = n.num(volume)
	u.TotalPnL = n.num(total)
	u.RealizedPnL = n.num(realized)
	if n.err != nil {
		return nil, fmt.Errorf("user stats %s: %w", u.ID, n.err)
	}
	return &u, nil
}

func scanTrade(row rowScanner) (*state.Trade, error) {
	var (
		t                  state.Trade
		logIndex, block    int64
		tradeType          string
		shares, collateral string
		price              sql.NullFloat64
		pnl                sql.NullString
	)
	if err := row.Scan(&t.TxHash, &logIndex, &t.OutcomeIndex, &t.UserID, &t.MarketID, &tradeType,
		&shares, &collateral, &price, &pnl, &t.Timestamp, &block); err != nil {
		return nil, err
	}
	t.LogIndex = uint32(logIndex)
	t.BlockNumber = uint64(block)
	t.Type = state.TradeType(tradeType)
	t.Timestamp = utc(t.Timestamp)
	if price.Valid {
		p := price.Float64
		t.PricePerShare = &p
	}

	var n numericScanner
	t.Shares = n.num(shares)
	t.CollateralAmount = n.num(collateral)
	t.PnL = n.nullable(pnl)
	if n.err != nil {
		return nil, fmt.Errorf("trade %s:%d: %w", t.TxHash, t.LogIndex, n.err)
	}
	return &t, nil
}

func (r reader) ListTrades(ctx context.Context, marketID string, limit int) ([]*state.Trade, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT * FROM (
			SELECT tx_hash, log_index, outcome_index, user_id, market_id, trade_type,
			       shares, collateral_amount, price_per_share, pnl, ts, block_number
			FROM ctf.trades WHERE market_id = $1
			ORDER BY block_number DESC, log_index DESC, outcome_index DESC
			LIMIT $2
		) t ORDER BY block_number, log_index, outcome_index`,
		marketID, limitArg(limit))
	if err != nil {
		return nil, classify("list trades", err)
	}
	return collect(rows, "list trades", scanTrade)
}

func scanPricePoint(row rowScanner) (*state.OutcomePricePoint, error) {
	var (
		p               state.OutcomePricePoint
		logIndex, block int64
		liquidity       string
	)
	if err := row.Scan(&p.TxHash, &logIndex, &p.OutcomeIndex, &p.MarketID, &p.Price,
		&liquidity, &p.Timestamp, &block); err != nil {
		return nil, err
	}
	p.LogIndex = uint32(logIndex)
	p.BlockNumber = uint64(block)
	p.Timestamp = utc(p.Timestamp)

	v, err := parseNumeric(liquidity)
	if err != nil {
		return nil, fmt.Errorf("price point %s:%d: %w", p.TxHash, p.LogIndex, err)
	}
	p.LiquidityShares = v
	return &p, nil
}

func (r reader) ListPricePoints(ctx context.Context, marketID string, limit int) ([]*state.OutcomePricePoint, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT * FROM (
			SELECT tx_hash, log_index, outcome_index, market_id, price, liquidity_shares, ts, block_number
			FROM ctf.price_points WHERE market_id = $1
			ORDER BY block_number DESC, log_index DESC, outcome_index DESC
			LIMIT $2
		) p ORDER BY block_number, log_index, outcome_index`,
		marketID, limitArg(limit))
	if err != nil {
		return nil, classify("list price points", err)
	}
	return collect(rows, "list price points", scanPricePoint)
}

func scanDepthSnapshot(row rowScanner) (*state.MarketDepthSnapshot, error) {
	var (
		d               state.MarketDepthSnapshot
		logIndex, block int64
		total           string
		byOutcome       pq.StringArray
	)
	if err := row.Scan(&d.TxHash, &logIndex, &d.MarketID, &total, &byOutcome, &d.Timestamp, &block); err != nil {
		return nil, err
	}
	d.LogIndex = uint32(logIndex)
	d.BlockNumber = uint64(block)
	d.Timestamp = utc(d.Timestamp)

	var n numericScanner
	d.TotalShares = n.num(total)
	d.SharesByOutcome = n.vector(byOutcome)
	if n.err != nil {
		return nil, fmt.Errorf("depth snapshot %s: %w", d.ID(), n.err)
	}
	return &d, nil
}

func (r reader) ListDepthSnapshots(ctx context.Context, marketID string, limit int) ([]*state.MarketDepthSnapshot, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT * FROM (
			SELECT tx_hash, log_index, market_id, total_shares, shares_by_outcome, ts, block_number
			FROM ctf.depth_snapshots WHERE market_id = $1
			ORDER BY block_number DESC, log_index DESC
			LIMIT $2
		) d ORDER BY block_number, log_index`,
		marketID, limitArg(limit))
	if err != nil {
		return nil, classify("list depth snapshots", err)
	}
	return collect(rows, "list depth snapshots", scanDepthSnapshot)
}

func scanLiquidityProvider(row rowScanner) (*state.LiquidityProvider, error) {
	var (
		l                      state.LiquidityProvider
		provided, removed, net string
	)
	if err := row.Scan(&l.MarketID, &l.UserID, &provided, &removed, &net, &l.LastUpdatedAt); err != nil {
		return nil, err
	}
	l.LastUpdatedAt = utc(l.LastUpdatedAt)

	var n numericScanner
	l.Provided = n.num(provided)
	l.Removed = n.num(removed)
	l.NetLiquidity = n.num(net)
	if n.err != nil {
		return nil, fmt.Errorf("liquidity provider %s/%s: %w", l.MarketID, l.UserID, n.err)
	}
	return &l, nil
}

func (r reader) GetLiquidityProvider(ctx context.Context, marketID, userID string) (*state.LiquidityProvider, error) {
	l, err := scanLiquidityProvider(r.q.QueryRowContext(ctx,
		`SELECT market_id, user_id, provided, removed, net_liquidity, last_updated_at
		 FROM ctf.liquidity_providers WHERE market_id = $1 AND user_id = $2`, marketID, userID))
	if err != nil {
		return nil, classify("get liquidity provider", err)
	}
	return l, nil
}

func (r reader) ListLiquidityProviders(ctx context.Context, marketID string) ([]*state.LiquidityProvider, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT market_id, user_id, provided, removed, net_liquidity, last_updated_at
		 FROM ctf.liquidity_providers WHERE market_id = $1 ORDER BY user_id COLLATE "C"`, marketID)
	if err != nil {
		return nil, classify("list liquidity providers", err)
	}
	return collect(rows, "list liquidity providers", scanLiquidityProvider)
}

const appliedColumns = `tx_hash, log_index, block_number, block_hash, event_type, payload,
	state_hash, outcome, applied_at`

func scanApplied(row rowScanner) (*state.AppliedEvent, error) {
	var (
		a               state.AppliedEvent
		logIndex, block int64
		eventType       string
		hash            []byte
		outcome         string
	)
	if err := row.Scan(&a.TxHash, &logIndex, &block, &a.BlockHash, &eventType, &a.Payload,
		&hash, &outcome, &a.AppliedAt); err != nil {
		return nil, err
	}
	a.LogIndex = uint32(logIndex)
	a.BlockNumber = uint64(block)
	a.Outcome = state.ApplyOutcome(outcome)
	a.AppliedAt = utc(a.AppliedAt)

	et, ok := event.ParseEventType(eventType)
	if !ok {
		return nil, fmt.Errorf("logged event %s:%d has unknown type %q", a.TxHash, a.LogIndex, eventType)
	}
	a.EventType = et
	if len(hash) != len(a.StateHash) {
		return nil, fmt.Errorf("logged event %s:%d has a %d-byte state hash", a.TxHash, a.LogIndex, len(hash))
	}
	copy(a.StateHash[:], hash)
	return &a, nil
}

func (r reader) LastApplied(ctx context.Context) (*state.AppliedEvent, error) {
	a, err := scanApplied(r.q.QueryRowContext(ctx,
		`SELECT `+appliedColumns+` FROM ctf.applied_events
		 ORDER BY block_number DESC, log_index DESC LIMIT 1`))
	if err != nil {
		return nil, classify("last applied", err)
	}
	return a, nil
}

func collect[T any](rows *sql.Rows, op string, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// --- Transaction ---

type pgTx struct {
	reader
	tx   *sql.Tx
	done bool
}

func (t *pgTx) Commit() error {
	if t.done {
		return errors.New("persistence: transaction already finished")
	}
	t.done = true
	return classify("commit", t.tx.Commit())
}

func (t *pgTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return classify("rollback", err)
}

func (t *pgTx) exec(ctx context.Context, op string, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(op, err)
	}
	return n, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func (t *pgTx) InsertMarket(ctx context.Context, m *state.Market) error {
	_, err := t.exec(ctx, "insert market", `
		INSERT INTO ctf.markets (`+marketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID, m.QuestionID, m.Oracle, m.OutcomeSlotCount, m.CollateralToken, m.CreatedAt,
		m.Resolved, nullTime(m.ResolvedAt), nullInt(m.WinningOutcomeIndex), numericArray(m.Payouts),
		numeric(m.TotalVolume), m.TradeCount, numeric(m.OpenInterest), numericArray(m.OpenInterestByOutcome))
	return err
}

func (t *pgTx) UpdateMarket(ctx context.Context, m *state.Market) error {
	n, err := t.exec(ctx, "update market", `
		UPDATE ctf.markets SET
			question_id = $2, oracle = $3, outcome_slot_count = $4, collateral_token = $5,
			created_at = $6, resolved = $7, resolved_at = $8, winning_outcome_index = $9,
			payouts = $10, total_volume = $11, trade_count = $12, open_interest = $13,
			open_interest_by_outcome = $14
		WHERE id = $1`,
		m.ID, m.QuestionID, m.Oracle, m.OutcomeSlotCount, m.CollateralToken, m.CreatedAt,
		m.Resolved, nullTime(m.ResolvedAt), nullInt(m.WinningOutcomeIndex), numericArray(m.Payouts),
		numeric(m.TotalVolume), m.TradeCount, numeric(m.OpenInterest), numericArray(m.OpenInterestByOutcome))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update market %s: %w", m.ID, state.ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetOutcome(ctx context.Context, marketID string, index int) (*state.Outcome, error) {
	return t.getOutcome(ctx, marketID, index)
}

func (t *pgTx) InsertOutcome(ctx context.Context, o *state.Outcome) error {
	_, err := t.exec(ctx, "insert outcome",
		`INSERT INTO ctf.outcomes (market_id, idx, name, probability) VALUES ($1, $2, $3, $4)`,
		o.MarketID, o.Index, o.Name, o.Probability)
	return err
}

func (t *pgTx) UpdateOutcome(ctx context.Context, o *state.Outcome) error {
	n, err := t.exec(ctx, "update outcome",
		`UPDATE ctf.outcomes SET name = $3, probability = $4 WHERE market_id = $1 AND idx = $2`,
		o.MarketID, o.Index, o.Name, o.Probability)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update outcome %s/%d: %w", o.MarketID, o.Index, state.ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *state.Position) error {
	_, err := t.exec(ctx, "upsert position", `
		INSERT INTO ctf.positions (user_id, market_id, outcome_index, shares, cost_basis)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, market_id, outcome_index)
		DO UPDATE SET shares = EXCLUDED.shares, cost_basis = EXCLUDED.cost_basis`,
		p.UserID, p.MarketID, p.OutcomeIndex, numeric(p.Shares), numeric(p.CostBasis))
	return err
}

func (t *pgTx) UpsertUserStats(ctx context.Context, u *state.UserStats) error {
	_, err := t.exec(ctx, "upsert user stats", `
		INSERT INTO ctf.user_stats (id, total_volume, trade_count, total_pnl, realized_pnl,
		                            win_count, loss_count, win_rate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			total_volume = EXCLUDED.total_volume,
			trade_count  = EXCLUDED.trade_count,
			total_pnl    = EXCLUDED.total_pnl,
			realized_pnl = EXCLUDED.realized_pnl,
			win_count    = EXCLUDED.win_count,
			loss_count   = EXCLUDED.loss_count,
			win_rate     = EXCLUDED.win_rate`,
		u.ID, numeric(u.TotalVolume), u.TradeCount, numeric(u.TotalPnL), numeric(u.RealizedPnL),
		u.WinCount, u.LossCount, u.WinRate)
	return err
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *state.Trade) error {
	_, err := t.exec(ctx, "insert trade", `
		INSERT INTO ctf.trades (tx_hash, log_index, outcome_index, user_id, market_id, trade_type,
		                        shares, collateral_amount, price_per_share, pnl, ts, block_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tr.TxHash, int64(tr.LogIndex), tr.OutcomeIndex, tr.UserID, tr.MarketID, string(tr.Type),
		numeric(tr.Shares), numeric(tr.CollateralAmount), nullFloat(tr.PricePerShare), nullNumeric(tr.PnL),
		tr.Timestamp, int64(tr.BlockNumber))
	return err
}

func (t *pgTx) InsertPricePoint(ctx context.Context, p *state.OutcomePricePoint) error {
	_, err := t.exec(ctx, "insert price point", `
		INSERT INTO ctf.price_points (tx_hash, log_index, outcome_index, market_id, price,
		                              liquidity_shares, ts, block_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.TxHash, int64(p.LogIndex), p.OutcomeIndex, p.MarketID, p.Price,
		numeric(p.LiquidityShares), p.Timestamp, int64(p.BlockNumber))
	return err
}

func (t *pgTx) InsertDepthSnapshot(ctx context.Context, d *state.MarketDepthSnapshot) error {
	_, err := t.exec(ctx, "insert depth snapshot", `
		INSERT INTO ctf.depth_snapshots (tx_hash, log_index, market_id, total_shares,
		                                 shares_by_outcome, ts, block_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.TxHash, int64(d.LogIndex), d.MarketID, numeric(d.TotalShares),
		numericArray(d.SharesByOutcome), d.Timestamp, int64(d.BlockNumber))
	return err
}

func (t *pgTx) UpsertLiquidityProvider(ctx context.Context, l *state.LiquidityProvider) error {
	_, err := t.exec(ctx, "upsert liquidity provider", `
		INSERT INTO ctf.liquidity_providers (market_id, user_id, provided, removed,
		                                     net_liquidity, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market_id, user_id) DO UPDATE SET
			provided        = EXCLUDED.provided,
			removed         = EXCLUDED.removed,
			net_liquidity   = EXCLUDED.net_liquidity,
			last_updated_at = EXCLUDED.last_updated_at`,
		l.MarketID, l.UserID, numeric(l.Provided), numeric(l.Removed),
		numeric(l.NetLiquidity), l.LastUpdatedAt)
	return err
}

// --- Event log ---

func (t *pgTx) IsApplied(ctx context.Context, id event.EventID) (bool, error) {
	var exists int
	err := t.tx.QueryRowContext(ctx,
		`SELECT 1 FROM ctf.applied_events WHERE tx_hash = $1 AND log_index = $2 LIMIT 1`,
		id.TxHash, int64(id.LogIndex),
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify("check applied", err)
	}
	return true, nil
}

func (t *pgTx) RecordApplied(ctx context.Context, a *state.AppliedEvent) error {
	_, err := t.exec(ctx, "record applied", `
		INSERT INTO ctf.applied_events (`+appliedColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.TxHash, int64(a.LogIndex), int64(a.BlockNumber), a.BlockHash, a.EventType.String(),
		a.Payload, a.StateHash[:], string(a.Outcome), a.AppliedAt)
	return err
}

func (t *pgTx) LoadApplied(ctx context.Context, after *event.LogPosition, limit int) ([]*state.AppliedEvent, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = t.tx.QueryContext(ctx,
			`SELECT `+appliedColumns+` FROM ctf.applied_events
			 ORDER BY block_number, log_index LIMIT $1`, limitArg(limit))
	} else {
		rows, err = t.tx.QueryContext(ctx,
			`SELECT `+appliedColumns+` FROM ctf.applied_events
			 WHERE (block_number, log_index) > ($1::BIGINT, $2::BIGINT)
			 ORDER BY block_number, log_index LIMIT $3`,
			int64(after.Block), int64(after.LogIndex), limitArg(limit))
	}
	if err != nil {
		return nil, classify("load applied", err)
	}
	return collect(rows, "load applied", scanApplied)
}

func (t *pgTx) DeleteAppliedFrom(ctx context.Context, fromBlock uint64) (int64, error) {
	return t.exec(ctx, "delete applied",
		`DELETE FROM ctf.applied_events WHERE block_number >= $1`, int64(fromBlock))
}

func (t *pgTx) ResetDerived(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, `
		TRUNCATE ctf.outcomes, ctf.markets, ctf.positions, ctf.user_stats, ctf.trades,
		         ctf.price_points, ctf.depth_snapshots, ctf.liquidity_providers`)
	return classify("reset derived", err)
}

// --- Checkpoints ---
// The entity tables are copied and restored server-side as JSONB, so a
// checkpoint never round-trips through Go values.

// checkpointTables are the mutable tables a checkpoint holds, parents
// first. Each is stored in the checkpoints column of the same name.
var checkpointTables = []string{"markets", "outcomes", "positions", "user_stats", "liquidity_providers"}

// appendOnlyTables are trimmed back to the checkpoint position on restore.
var appendOnlyTables = []string{"trades", "price_points", "depth_snapshots"}

const checkpointFormat = 1

func (t *pgTx) SaveCheckpoint(ctx context.Context, cp state.Checkpoint) error {
	_, err := t.exec(ctx, "save checkpoint", `
		INSERT INTO ctf.checkpoints (block_number, log_index, checkpoint_id, state_hash, format_version,
		                             markets, outcomes, positions, user_stats, liquidity_providers, size_bytes)
		SELECT $1, $2, $3, $4, $5, m, o, p, u, l,
		       octet_length(m::text)::BIGINT + octet_length(o::text) + octet_length(p::text) +
		       octet_length(u::text) + octet_length(l::text)
		FROM (SELECT
			(SELECT COALESCE(jsonb_agg(to_jsonb(r)), '[]'::jsonb) FROM ctf.markets r)             AS m,
			(SELECT COALESCE(jsonb_agg(to_jsonb(r)), '[]'::jsonb) FROM ctf.outcomes r)            AS o,
			(SELECT COALESCE(jsonb_agg(to_jsonb(r)), '[]'::jsonb) FROM ctf.positions r)           AS p,
			(SELECT COALESCE(jsonb_agg(to_jsonb(r)), '[]'::jsonb) FROM ctf.user_stats r)          AS u,
			(SELECT COALESCE(jsonb_agg(to_jsonb(r)), '[]'::jsonb) FROM ctf.liquidity_providers r) AS l
		) s
		ON CONFLICT (block_number, log_index) DO UPDATE SET
			checkpoint_id       = EXCLUDED.checkpoint_id,
			state_hash          = EXCLUDED.state_hash,
			format_version      = EXCLUDED.format_version,
			markets             = EXCLUDED.markets,
			outcomes            = EXCLUDED.outcomes,
			positions           = EXCLUDED.positions,
			user_stats          = EXCLUDED.user_stats,
			liquidity_providers = EXCLUDED.liquidity_providers,
			size_bytes          = EXCLUDED.size_bytes,
			created_at          = NOW()`,
		int64(cp.Position.Block), int64(cp.Position.LogIndex), uuid.New(), cp.StateHash[:], checkpointFormat)
	return err
}

func (t *pgTx) LatestCheckpoint(ctx context.Context) (*state.Checkpoint, error) {
	var (
		cp              state.Checkpoint
		block, logIndex int64
		hash            []byte
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT block_number, log_index, state_hash FROM ctf.checkpoints
		ORDER BY block_number DESC, log_index DESC LIMIT 1`,
	).Scan(&block, &logIndex, &hash)
	if err != nil {
		return nil, classify("latest checkpoint", err)
	}
	if len(hash) != len(cp.StateHash) {
		return nil, fmt.Errorf("checkpoint %d/%d has a %d-byte state hash", block, logIndex, len(hash))
	}
	cp.Position = event.LogPosition{Block: uint64(block), LogIndex: uint32(logIndex)}
	copy(cp.StateHash[:], hash)
	return &cp, nil
}

func (t *pgTx) RestoreCheckpoint(ctx context.Context, cp state.Checkpoint) error {
	block, logIndex := int64(cp.Position.Block), int64(cp.Position.LogIndex)

	var found int
	err := t.tx.QueryRowContext(ctx, `
		SELECT 1 FROM ctf.checkpoints
		WHERE block_number = $1 AND log_index = $2 AND state_hash = $3`,
		block, logIndex, cp.StateHash[:],
	).Scan(&found)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", cp.Position, classify("find checkpoint", err))
	}

	for i := len(checkpointTables) - 1; i >= 0; i-- {
		if _, err := t.exec(ctx, "clear "+checkpointTables[i],
			`DELETE FROM ctf.`+checkpointTables[i]); err != nil {
			return err
		}
	}
	for _, table := range checkpointTables {
		if _, err := t.exec(ctx, "restore "+table, `
			INSERT INTO ctf.`+table+`
			SELECT * FROM jsonb_populate_recordset(NULL::ctf.`+table+`,
				(SELECT `+table+` FROM ctf.checkpoints WHERE block_number = $1 AND log_index = $2))`,
			block, logIndex); err != nil {
			return err
		}
	}
	for _, table := range appendOnlyTables {
		if _, err := t.exec(ctx, "trim "+table, `
			DELETE FROM ctf.`+table+`
			WHERE (block_number, log_index) > ($1::BIGINT, $2::BIGINT)`,
			block, logIndex); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) DeleteCheckpointsFrom(ctx context.Context, fromBlock uint64) (int64, error) {
	return t.exec(ctx, "delete checkpoints",
		`DELETE FROM ctf.checkpoints WHERE block_number >= $1`, int64(fromBlock))
}

func (t *pgTx) PruneCheckpoints(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	return t.exec(ctx, "prune checkpoints", `
		DELETE FROM ctf.checkpoints
		WHERE (block_number, log_index) < (
			SELECT block_number, log_index FROM ctf.checkpoints
			ORDER BY block_number DESC, log_index DESC
			OFFSET $1 LIMIT 1)`, keep-1)
}
