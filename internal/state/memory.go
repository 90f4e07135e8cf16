package state

import (
	"CTFLedger/internal/event"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

type outcomeKey struct {
	MarketID string
	Index    int
}

type lpKey struct {
	MarketID string
	UserID   string
}

// Committed rows are never modified in place: every write stores a fresh
// clone. Transactions, snapshots and checkpoints may therefore share row
// pointers with the committed maps.

// overlay layers one transaction's writes over a committed map.
type overlay[K comparable, V any] struct {
	base    map[K]V
	writes  map[K]V
	deleted map[K]struct{}
	cleared bool
}

func over[K comparable, V any](base map[K]V) overlay[K, V] {
	return overlay[K, V]{base: base}
}

func (o *overlay[K, V]) get(k K) (V, bool) {
	if v, ok := o.writes[k]; ok {
		return v, true
	}
	var zero V
	if o.cleared {
		return zero, false
	}
	if _, ok := o.deleted[k]; ok {
		return zero, false
	}
	v, ok := o.base[k]
	return v, ok
}

func (o *overlay[K, V]) has(k K) bool {
	_, ok := o.get(k)
	return ok
}

func (o *overlay[K, V]) put(k K, v V) {
	if o.writes == nil {
		o.writes = make(map[K]V)
	}
	o.writes[k] = v
}

func (o *overlay[K, V]) del(k K) {
	delete(o.writes, k)
	if o.cleared {
		return
	}
	if _, ok := o.base[k]; ok {
		if o.deleted == nil {
			o.deleted = make(map[K]struct{})
		}
		o.deleted[k] = struct{}{}
	}
}

// truncate hides every committed row and drops pending writes.
func (o *overlay[K, V]) truncate() {
	o.writes = nil
	o.deleted = nil
	o.cleared = true
}

// each visits every visible row once, in no particular order.
func (o *overlay[K, V]) each(fn func(K, V)) {
	if !o.cleared {
		for k, v := range o.base {
			if _, ok := o.writes[k]; ok {
				continue
			}
			if _, ok := o.deleted[k]; ok {
				continue
			}
			fn(k, v)
		}
	}
	for k, v := range o.writes {
		fn(k, v)
	}
}

// snapshot returns the visible rows as a new map.
func (o *overlay[K, V]) snapshot() map[K]V {
	out := make(map[K]V, len(o.base)+len(o.writes))
	o.each(func(k K, v V) { out[k] = v })
	return out
}

// replace makes saved the visible content.
func (o *overlay[K, V]) replace(saved map[K]V) {
	o.truncate()
	o.writes = make(map[K]V, len(saved))
	for k, v := range saved {
		o.writes[k] = v
	}
}

// dropWhere deletes every visible row matching drop.
func (o *overlay[K, V]) dropWhere(drop func(V) bool) {
	var keys []K
	o.each(func(k K, v V) {
		if drop(v) {
			keys = append(keys, k)
		}
	})
	for _, k := range keys {
		o.del(k)
	}
}

// merge folds the overlay into its base and returns the committed map.
func (o *overlay[K, V]) merge() map[K]V {
	base := o.base
	if o.cleared {
		base = make(map[K]V, len(o.writes))
	}
	for k := range o.deleted {
		delete(base, k)
	}
	for k, v := range o.writes {
		base[k] = v
	}
	return base
}

// eventLog is the committed event log in log order.
type eventLog struct {
	rows []*AppliedEvent
	byID map[event.EventID]*AppliedEvent
}

func searchAfter(rows []*AppliedEvent, pos event.LogPosition) int {
	return sort.Search(len(rows), func(i int) bool { return pos.Less(rows[i].Position()) })
}

// logOverlay layers a transaction's appends and suffix deletions over the
// committed log. Deletions only ever cut a suffix, so the visible part of
// the committed log is rows[:keep].
type logOverlay struct {
	base      *eventLog
	keep      int
	added     []*AppliedEvent
	addedByID map[event.EventID]*AppliedEvent
}

func (l *logOverlay) visible() []*AppliedEvent {
	return l.base.rows[:l.keep]
}

func (l *logOverlay) has(id event.EventID) bool {
	if _, ok := l.addedByID[id]; ok {
		return true
	}
	a, ok := l.base.byID[id]
	if !ok || l.keep == 0 {
		return false
	}
	return !l.base.rows[l.keep-1].Position().Less(a.Position())
}

func (l *logOverlay) record(a *AppliedEvent) error {
	if l.has(a.ID()) {
		return ErrAlreadyExists
	}
	if l.addedByID == nil {
		l.addedByID = make(map[event.EventID]*AppliedEvent)
	}
	row := a.Clone()
	l.addedByID[row.ID()] = row

	i := searchAfter(l.added, row.Position())
	l.added = append(l.added, nil)
	copy(l.added[i+1:], l.added[i:])
	l.added[i] = row
	return nil
}

func (l *logOverlay) deleteFrom(fromBlock uint64) int64 {
	rows := l.visible()
	keep := sort.Search(len(rows), func(i int) bool { return rows[i].BlockNumber >= fromBlock })
	removed := int64(l.keep - keep)
	l.keep = keep

	cut := sort.Search(len(l.added), func(i int) bool { return l.added[i].BlockNumber >= fromBlock })
	for _, a := range l.added[cut:] {
		delete(l.addedByID, a.ID())
	}
	removed += int64(len(l.added) - cut)
	l.added = l.added[:cut]
	return removed
}

func (l *logOverlay) load(after *event.LogPosition, limit int) []*AppliedEvent {
	b := l.visible()
	i, j := 0, 0
	if after != nil {
		i = searchAfter(b, *after)
		j = searchAfter(l.added, *after)
	}

	var out []*AppliedEvent
	for (i < len(b) || j < len(l.added)) && (limit <= 0 || len(out) < limit) {
		if j >= len(l.added) || (i < len(b) && b[i].Position().Less(l.added[j].Position())) {
			out = append(out, b[i].Clone())
			i++
		} else {
			out = append(out, l.added[j].Clone())
			j++
		}
	}
	return out
}

func (l *logOverlay) last() (*AppliedEvent, error) {
	var last *AppliedEvent
	if l.keep > 0 {
		last = l.base.rows[l.keep-1]
	}
	if n := len(l.added); n > 0 && (last == nil || last.Position().Less(l.added[n-1].Position())) {
		last = l.added[n-1]
	}
	if last == nil {
		return nil, ErrNotFound
	}
	return last.Clone(), nil
}

func (l *logOverlay) merge() *eventLog {
	base := l.base
	for i := l.keep; i < len(base.rows); i++ {
		delete(base.byID, base.rows[i].ID())
		base.rows[i] = nil
	}
	base.rows = base.rows[:l.keep]

	for _, a := range l.added {
		base.byID[a.ID()] = a
		n := len(base.rows)
		if n == 0 || base.rows[n-1].Position().Less(a.Position()) {
			base.rows = append(base.rows, a)
			continue
		}
		i := searchAfter(base.rows, a.Position())
		base.rows = append(base.rows, nil)
		copy(base.rows[i+1:], base.rows[i:])
		base.rows[i] = a
	}
	return base
}

// memCheckpoint is a saved copy of the mutable tables.
type memCheckpoint struct {
	Checkpoint
	markets   map[string]*Market
	outcomes  map[outcomeKey]*Outcome
	positions map[PositionKey]*Position
	users     map[string]*UserStats
	lps       map[lpKey]*LiquidityProvider
}

// memData is the committed content of a MemoryStore.
type memData struct {
	markets     map[string]*Market
	outcomes    map[outcomeKey]*Outcome
	positions   map[PositionKey]*Position
	users       map[string]*UserStats
	trades      map[TradeKey]*Trade
	prices      map[TradeKey]*OutcomePricePoint
	depth       map[event.EventID]*MarketDepthSnapshot
	lps         map[lpKey]*LiquidityProvider
	log         *eventLog
	checkpoints []*memCheckpoint // ordered by position
}

func newMemData() *memData {
	return &memData{
		markets:   make(map[string]*Market),
		outcomes:  make(map[outcomeKey]*Outcome),
		positions: make(map[PositionKey]*Position),
		users:     make(map[string]*UserStats),
		trades:    make(map[TradeKey]*Trade),
		prices:    make(map[TradeKey]*OutcomePricePoint),
		depth:     make(map[event.EventID]*MarketDepthSnapshot),
		lps:       make(map[lpKey]*LiquidityProvider),
		log:       &eventLog{byID: make(map[event.EventID]*AppliedEvent)},
	}
}

// view is what one reader or transaction sees: the committed data plus
// the transaction's own writes. A view opened by a store read never
// writes.
type view struct {
	markets   overlay[string, *Market]
	outcomes  overlay[outcomeKey, *Outcome]
	positions overlay[PositionKey, *Position]
	users     overlay[string, *UserStats]
	trades    overlay[TradeKey, *Trade]
	prices    overlay[TradeKey, *OutcomePricePoint]
	depth     overlay[event.EventID, *MarketDepthSnapshot]
	lps       overlay[lpKey, *LiquidityProvider]
	log       logOverlay

	checkpoints        []*memCheckpoint
	checkpointsChanged bool
}

func (d *memData) view() *view {
	return &view{
		markets:     over(d.markets),
		outcomes:    over(d.outcomes),
		positions:   over(d.positions),
		users:       over(d.users),
		trades:      over(d.trades),
		prices:      over(d.prices),
		depth:       over(d.depth),
		lps:         over(d.lps),
		log:         logOverlay{base: d.log, keep: len(d.log.rows)},
		checkpoints: d.checkpoints,
	}
}

// commitTo folds every overlay into d.
func (v *view) commitTo(d *memData) {
	d.markets = v.markets.merge()
	d.outcomes = v.outcomes.merge()
	d.positions = v.positions.merge()
	d.users = v.users.merge()
	d.trades = v.trades.merge()
	d.prices = v.prices.merge()
	d.depth = v.depth.merge()
	d.lps = v.lps.merge()
	d.log = v.log.merge()
	if v.checkpointsChanged {
		d.checkpoints = v.checkpoints
	}
}

// --- reads shared by the store and its transactions ---

func (v *view) getMarket(id string) (*Market, error) {
	m, ok := v.markets.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (v *view) listOutcomes(marketID string) []*Outcome {
	var out []*Outcome
	if m, ok := v.markets.get(marketID); ok {
		for i := 0; i < m.OutcomeSlotCount; i++ {
			if o, ok := v.outcomes.get(outcomeKey{MarketID: marketID, Index: i}); ok {
				out = append(out, o.Clone())
			}
		}
		return out
	}

	v.outcomes.each(func(k outcomeKey, o *Outcome) {
		if k.MarketID == marketID {
			out = append(out, o.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (v *view) getOutcome(marketID string, index int) (*Outcome, error) {
	o, ok := v.outcomes.get(outcomeKey{MarketID: marketID, Index: index})
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (v *view) getPosition(key PositionKey) (*Position, error) {
	p, ok := v.positions.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (v *view) listUserPositions(userID string) []*Position {
	var out []*Position
	v.positions.each(func(k PositionKey, p *Position) {
		if k.UserID == userID {
			out = append(out, p.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].OutcomeIndex < out[j].OutcomeIndex
	})
	return out
}

func (v *view) getUserStats(userID string) (*UserStats, error) {
	u, ok := v.users.get(userID)
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

type logOrdered struct {
	block    uint64
	logIndex uint32
	outcome  int
}

func (a logOrdered) less(b logOrdered) bool {
	if a.block != b.block {
		return a.block < b.block
	}
	if a.logIndex != b.logIndex {
		return a.logIndex < b.logIndex
	}
	return a.outcome < b.outcome
}

// newest keeps the last limit entries of an ascending slice.
func newest[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[len(rows)-limit:]
	}
	return rows
}

func (v *view) listTrades(marketID string, limit int) []*Trade {
	var out []*Trade
	v.trades.each(func(_ TradeKey, t *Trade) {
		if t.MarketID == marketID {
			out = append(out, t.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		return logOrdered{out[i].BlockNumber, out[i].LogIndex, out[i].OutcomeIndex}.
			less(logOrdered{out[j].BlockNumber, out[j].LogIndex, out[j].OutcomeIndex})
	})
	return newest(out, limit)
}

func (v *view) listPricePoints(marketID string, limit int) []*OutcomePricePoint {
	var out []*OutcomePricePoint
	v.prices.each(func(_ TradeKey, p *OutcomePricePoint) {
		if p.MarketID == marketID {
			out = append(out, p.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		return logOrdered{out[i].BlockNumber, out[i].LogIndex, out[i].OutcomeIndex}.
			less(logOrdered{out[j].BlockNumber, out[j].LogIndex, out[j].OutcomeIndex})
	})
	return newest(out, limit)
}

func (v *view) listDepthSnapshots(marketID string, limit int) []*MarketDepthSnapshot {
	var out []*MarketDepthSnapshot
	v.depth.each(func(_ event.EventID, s *MarketDepthSnapshot) {
		if s.MarketID == marketID {
			out = append(out, s.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		return logOrdered{out[i].BlockNumber, out[i].LogIndex, 0}.
			less(logOrdered{out[j].BlockNumber, out[j].LogIndex, 0})
	})
	return newest(out, limit)
}

func (v *view) getLiquidityProvider(marketID, userID string) (*LiquidityProvider, error) {
	l, ok := v.lps.get(lpKey{MarketID: marketID, UserID: userID})
	if !ok {
		return nil, ErrNotFound
	}
	return l.Clone(), nil
}

func (v *view) listLiquidityProviders(marketID string) []*LiquidityProvider {
	var out []*LiquidityProvider
	v.lps.each(func(k lpKey, l *LiquidityProvider) {
		if k.MarketID == marketID {
			out = append(out, l.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// MemoryStore is a transactional in-memory Store. A transaction records
// its writes in an overlay over the committed tables and Commit folds the
// overlay in, so the cost of an event follows the rows it touches rather
// than the size of the state. Transactions are serialized.
type MemoryStore struct {
	mu     sync.RWMutex
	data   *memData
	writer sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.writer.Lock()

	s.mu.RLock()
	v := s.data.view()
	s.mu.RUnlock()

	return &memTx{store: s, v: v}, nil
}

func (s *MemoryStore) read() (*view, func()) {
	s.mu.RLock()
	return s.data.view(), s.mu.RUnlock
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*Market, error) {
	v, unlock := s.read()
	defer unlock()
	return v.getMarket(id)
}

func (s *MemoryStore) ListOutcomes(_ context.Context, marketID string) ([]*Outcome, error) {
	v, unlock := s.read()
	defer unlock()
	return v.listOutcomes(marketID), nil
}

func (s *MemoryStore) GetPosition(_ context.Context, key PositionKey) (*Position, error) {
	v, unlock := s.read()
	defer unlock()
	return v.getPosition(key)
}

func (s *MemoryStore) ListUserPositions(_ context.Context, userID string) ([]*Position, error) {
	v, unlock := s.read()
	defer unlock()
	return v.listUserPositions(userID), nil
}

func (s *MemoryStore) GetUserStats(_ context.Context, userID string) (*UserStats, error) {
	v, unlock := s.read()
	defer unlock()
	return v.getUserStats(userID)
}

func (s *MemoryStore) ListTrades(_ context.Context, marketID string, limit int) ([]*Trade, error) {
	v, unlock := s.read()
	defer unlock()
	return v.listTrades(marketID, limit), nil
}

func (s *MemoryStore) ListPricePoints(_ context.Context, marketID string, limit int) ([]*OutcomePricePoint, error) {
	v, unlock := s.read()
	defer unlock()
	return v.listPricePoints(marketID, limit), nil
}

func (s *MemoryStore) ListDepthSnapshots(_ context.Context, marketID string, limit int) ([]*MarketDepthSnapshot, error) {
	v, unlock := s.read()
	defer unlock()
	return v.listDepthSnapshots(marketID, limit), nil
}

func (s *MemoryStore) GetLiquidityProvider(_ context.Context, marketID, userID string) (*LiquidityProvider, error) {
	v, unlock := s.read()
	defer unlock()
	return v.getLiquidityProvider(marketID, userID)
}

func (s *MemoryStore) ListLiquidityProviders(_ context.Context, marketID string) ([]*LiquidityProvider, error) {
	v, unlock := s.read()
	defer unlock()
	return v.listLiquidityProviders(marketID), nil
}

func (s *MemoryStore) LastApplied(_ context.Context) (*AppliedEvent, error) {
	v, unlock := s.read()
	defer unlock()
	return v.log.last()
}

var errTxDone = errors.New("state: transaction already finished")

// memTx owns an overlay over the committed data until Commit.
type memTx struct {
	store *MemoryStore
	v     *view
	done  bool
}

func (tx *memTx) finish() {
	tx.done = true
	tx.v = nil
	tx.store.writer.Unlock()
}

func (tx *memTx) Commit() error {
	if tx.done {
		return errTxDone
	}
	tx.store.mu.Lock()
	tx.v.commitTo(tx.store.data)
	tx.store.mu.Unlock()
	tx.finish()
	return nil
}

func (tx *memTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.finish()
	return nil
}

func (tx *memTx) GetMarket(_ context.Context, id string) (*Market, error) {
	return tx.v.getMarket(id)
}

func (tx *memTx) ListOutcomes(_ context.Context, marketID string) ([]*Outcome, error) {
	return tx.v.listOutcomes(marketID), nil
}

func (tx *memTx) GetPosition(_ context.Context, key PositionKey) (*Position, error) {
	return tx.v.getPosition(key)
}

func (tx *memTx) ListUserPositions(_ context.Context, userID string) ([]*Position, error) {
	return tx.v.listUserPositions(userID), nil
}

func (tx *memTx) GetUserStats(_ context.Context, userID string) (*UserStats, error) {
	return tx.v.getUserStats(userID)
}

func (tx *memTx) ListTrades(_ context.Context, marketID string, limit int) ([]*Trade, error) {
	return tx.v.listTrades(marketID, limit), nil
}

func (tx *memTx) ListPricePoints(_ context.Context, marketID string, limit int) ([]*OutcomePricePoint, error) {
	return tx.v.listPricePoints(marketID, limit), nil
}

func (tx *memTx) ListDepthSnapshots(_ context.Context, marketID string, limit int) ([]*MarketDepthSnapshot, error) {
	return tx.v.listDepthSnapshots(marketID, limit), nil
}

func (tx *memTx) GetLiquidityProvider(_ context.Context, marketID, userID string) (*LiquidityProvider, error) {
	return tx.v.getLiquidityProvider(marketID, userID)
}

func (tx *memTx) ListLiquidityProviders(_ context.Context, marketID string) ([]*LiquidityProvider, error) {
	return tx.v.listLiquidityProviders(marketID), nil
}

func (tx *memTx) LastApplied(_ context.Context) (*AppliedEvent, error) {
	return tx.v.log.last()
}

func (tx *memTx) InsertMarket(_ context.Context, m *Market) error {
	if tx.v.markets.has(m.ID) {
		return ErrAlreadyExists
	}
	tx.v.markets.put(m.ID, m.Clone())
	return nil
}

func (tx *memTx) UpdateMarket(_ context.Context, m *Market) error {
	if !tx.v.markets.has(m.ID) {
		return ErrNotFound
	}
	tx.v.markets.put(m.ID, m.Clone())
	return nil
}

func (tx *memTx) GetOutcome(_ context.Context, marketID string, index int) (*Outcome, error) {
	return tx.v.getOutcome(marketID, index)
}

func (tx *memTx) InsertOutcome(_ context.Context, o *Outcome) error {
	k := outcomeKey{MarketID: o.MarketID, Index: o.Index}
	if tx.v.outcomes.has(k) {
		return ErrAlreadyExists
	}
	tx.v.outcomes.put(k, o.Clone())
	return nil
}

func (tx *memTx) UpdateOutcome(_ context.Context, o *Outcome) error {
	k := outcomeKey{MarketID: o.MarketID, Index: o.Index}
	if !tx.v.outcomes.has(k) {
		return ErrNotFound
	}
	tx.v.outcomes.put(k, o.Clone())
	return nil
}

func (tx *memTx) UpsertPosition(_ context.Context, p *Position) error {
	tx.v.positions.put(p.Key(), p.Clone())
	return nil
}

func (tx *memTx) UpsertUserStats(_ context.Context, u *UserStats) error {
	tx.v.users.put(u.ID, u.Clone())
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *Trade) error {
	if tx.v.trades.has(t.Key()) {
		return ErrAlreadyExists
	}
	tx.v.trades.put(t.Key(), t.Clone())
	return nil
}

func (tx *memTx) InsertPricePoint(_ context.Context, p *OutcomePricePoint) error {
	if tx.v.prices.has(p.Key()) {
		return ErrAlreadyExists
	}
	tx.v.prices.put(p.Key(), p.Clone())
	return nil
}

func (tx *memTx) InsertDepthSnapshot(_ context.Context, d *MarketDepthSnapshot) error {
	if tx.v.depth.has(d.ID()) {
		return ErrAlreadyExists
	}
	tx.v.depth.put(d.ID(), d.Clone())
	return nil
}

func (tx *memTx) UpsertLiquidityProvider(_ context.Context, l *LiquidityProvider) error {
	tx.v.lps.put(lpKey{MarketID: l.MarketID, UserID: l.UserID}, l.Clone())
	return nil
}

func (tx *memTx) IsApplied(_ context.Context, id event.EventID) (bool, error) {
	return tx.v.log.has(id), nil
}

func (tx *memTx) RecordApplied(_ context.Context, a *AppliedEvent) error {
	return tx.v.log.record(a)
}

func (tx *memTx) LoadApplied(_ context.Context, after *event.LogPosition, limit int) ([]*AppliedEvent, error) {
	return tx.v.log.load(after, limit), nil
}

func (tx *memTx) DeleteAppliedFrom(_ context.Context, fromBlock uint64) (int64, error) {
	return tx.v.log.deleteFrom(fromBlock), nil
}

func (tx *memTx) ResetDerived(_ context.Context) error {
	tx.v.markets.truncate()
	tx.v.outcomes.truncate()
	tx.v.positions.truncate()
	tx.v.users.truncate()
	tx.v.trades.truncate()
	tx.v.prices.truncate()
	tx.v.depth.truncate()
	tx.v.lps.truncate()
	return nil
}

func (tx *memTx) setCheckpoints(cps []*memCheckpoint) {
	tx.v.checkpoints = cps
	tx.v.checkpointsChanged = true
}

func (tx *memTx) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	saved := &memCheckpoint{
		Checkpoint: cp,
		markets:    tx.v.markets.snapshot(),
		outcomes:   tx.v.outcomes.snapshot(),
		positions:  tx.v.positions.snapshot(),
		users:      tx.v.users.snapshot(),
		lps:        tx.v.lps.snapshot(),
	}

	cps := make([]*memCheckpoint, 0, len(tx.v.checkpoints)+1)
	for _, c := range tx.v.checkpoints {
		if c.Position != cp.Position {
			cps = append(cps, c)
		}
	}
	cps = append(cps, saved)
	sort.Slice(cps, func(i, j int) bool { return cps[i].Position.Less(cps[j].Position) })
	tx.setCheckpoints(cps)
	return nil
}

func (tx *memTx) LatestCheckpoint(_ context.Context) (*Checkpoint, error) {
	n := len(tx.v.checkpoints)
	if n == 0 {
		return nil, ErrNotFound
	}
	cp := tx.v.checkpoints[n-1].Checkpoint
	return &cp, nil
}

func (tx *memTx) RestoreCheckpoint(_ context.Context, cp Checkpoint) error {
	var saved *memCheckpoint
	for _, c := range tx.v.checkpoints {
		if c.Checkpoint == cp {
			saved = c
			break
		}
	}
	if saved == nil {
		return fmt.Errorf("checkpoint %s: %w", cp.Position, ErrNotFound)
	}

	tx.v.markets.replace(saved.markets)
	tx.v.outcomes.replace(saved.outcomes)
	tx.v.positions.replace(saved.positions)
	tx.v.users.replace(saved.users)
	tx.v.lps.replace(saved.lps)

	after := func(block uint64, logIndex uint32) bool {
		return cp.Position.Less(event.LogPosition{Block: block, LogIndex: logIndex})
	}
	tx.v.trades.dropWhere(func(t *Trade) bool { return after(t.BlockNumber, t.LogIndex) })
	tx.v.prices.dropWhere(func(p *OutcomePricePoint) bool { return after(p.BlockNumber, p.LogIndex) })
	tx.v.depth.dropWhere(func(d *MarketDepthSnapshot) bool { return after(d.BlockNumber, d.LogIndex) })
	return nil
}

func (tx *memTx) DeleteCheckpointsFrom(_ context.Context, fromBlock uint64) (int64, error) {
	var kept []*memCheckpoint
	for _, c := range tx.v.checkpoints {
		if c.Position.Block < fromBlock {
			kept = append(kept, c)
		}
	}
	removed := int64(len(tx.v.checkpoints) - len(kept))
	if removed > 0 {
		tx.setCheckpoints(kept)
	}
	return removed, nil
}

func (tx *memTx) PruneCheckpoints(_ context.Context, keep int) (int64, error) {
	n := len(tx.v.checkpoints)
	if keep <= 0 || n <= keep {
		return 0, nil
	}
	kept := append([]*memCheckpoint(nil), tx.v.checkpoints[n-keep:]...)
	tx.setCheckpoints(kept)
	return int64(n - keep), nil
}
