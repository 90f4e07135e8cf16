package state

import (
	"CTFLedger/internal/event"
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by single-row lookups that match nothing.
	ErrNotFound = errors.New("state: not found")

	// ErrAlreadyExists is returned when inserting a row whose key is taken.
	ErrAlreadyExists = errors.New("state: already exists")
)

// TransientError marks a store failure that is safe to retry: the
// transaction was rolled back and nothing was applied.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether any error in err's chain is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Reader is read-only access to the derived entities. Append-only lists
// return the newest limit rows (all when limit <= 0) in ascending
// (block, log index, outcome index) order.
type Reader interface {
	GetMarket(ctx context.Context, id string) (*Market, error)
	ListOutcomes(ctx context.Context, marketID string) ([]*Outcome, error)
	GetPosition(ctx context.Context, key PositionKey) (*Position, error)
	ListUserPositions(ctx context.Context, userID string) ([]*Position, error)
	GetUserStats(ctx context.Context, userID string) (*UserStats, error)
	ListTrades(ctx context.Context, marketID string, limit int) ([]*Trade, error)
	ListPricePoints(ctx context.Context, marketID string, limit int) ([]*OutcomePricePoint, error)
	ListDepthSnapshots(ctx context.Context, marketID string, limit int) ([]*MarketDepthSnapshot, error)
	GetLiquidityProvider(ctx context.Context, marketID, userID string) (*LiquidityProvider, error)
	ListLiquidityProviders(ctx context.Context, marketID string) ([]*LiquidityProvider, error)

	// LastApplied returns the newest event-log row, or ErrNotFound.
	LastApplied(ctx context.Context) (*AppliedEvent, error)
}

// Tx is the transactional context of exactly one event (or one rebuild).
// Reads observe the transaction's own writes. Nothing is visible to other
// readers until Commit.
type Tx interface {
	Reader

	InsertMarket(ctx context.Context, m *Market) error
	UpdateMarket(ctx context.Context, m *Market) error
	GetOutcome(ctx context.Context, marketID string, index int) (*Outcome, error)
	InsertOutcome(ctx context.Context, o *Outcome) error
	UpdateOutcome(ctx context.Context, o *Outcome) error
	UpsertPosition(ctx context.Context, p *Position) error
	UpsertUserStats(ctx context.Context, u *UserStats) error
	InsertTrade(ctx context.Context, t *Trade) error
	InsertPricePoint(ctx context.Context, p *OutcomePricePoint) error
	InsertDepthSnapshot(ctx context.Context, d *MarketDepthSnapshot) error
	UpsertLiquidityProvider(ctx context.Context, l *LiquidityProvider) error

	// Event log
	IsApplied(ctx context.Context, id event.EventID) (bool, error)
	RecordApplied(ctx context.Context, a *AppliedEvent) error
	// LoadApplied returns up to limit log rows strictly after the given
	// position (from the start when after is nil), in log order.
	LoadApplied(ctx context.Context, after *event.LogPosition, limit int) ([]*AppliedEvent, error)
	// DeleteAppliedFrom removes log rows with block >= fromBlock.
	DeleteAppliedFrom(ctx context.Context, fromBlock uint64) (int64, error)
	// ResetDerived empties every derived table, leaving the event log and
	// the checkpoints.
	ResetDerived(ctx context.Context) error

	// Checkpoints
	// SaveCheckpoint copies the mutable entities (markets, outcomes,
	// positions, user stats, liquidity providers) as they stand in the
	// transaction, labelled with the log position and hash they reflect.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	// LatestCheckpoint returns the newest checkpoint, or ErrNotFound.
	LatestCheckpoint(ctx context.Context) (*Checkpoint, error)
	// RestoreCheckpoint replaces the mutable entities with the copy saved
	// at cp.Position and deletes append-only rows positioned after it.
	RestoreCheckpoint(ctx context.Context, cp Checkpoint) error
	// DeleteCheckpointsFrom removes checkpoints with block >= fromBlock.
	DeleteCheckpointsFrom(ctx context.Context, fromBlock uint64) (int64, error)
	// PruneCheckpoints keeps the newest keep checkpoints.
	PruneCheckpoints(ctx context.Context, keep int) (int64, error)

	Commit() error
	// Rollback is a no-op after Commit.
	Rollback() error
}

// Checkpoint labels a saved copy of the mutable entities. The copy
// reflects every logged event up to and including Position, and StateHash
// is the chain tip after that event.
type Checkpoint struct {
	Position  event.LogPosition
	StateHash [32]byte
}

// Store is the aggregate state store.
type Store interface {
	Reader
	Begin(ctx context.Context) (Tx, error)
}

