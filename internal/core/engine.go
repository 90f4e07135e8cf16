package core

import (
	"CTFLedger/internal/event"
	"CTFLedger/internal/observability"
	"CTFLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrInvalidEvent wraps a Validate failure. Invalid events are never
// applied or logged.
var ErrInvalidEvent = errors.New("invalid event")

// ErrStateHashMismatch is returned by Rewind when re-applying the log does
// not reproduce the stored state hashes.
var ErrStateHashMismatch = errors.New("state hash mismatch")

// Result says what ProcessEvent did with an event.
type Result int

const (
	ResultApplied Result = iota
	ResultDropped
	ResultDuplicate
)

func (r Result) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultDropped:
		return "dropped"
	case ResultDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Config tunes the engine.
type Config struct {
	LRUCapacity int

	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	// MaxAttempts bounds retries of transient failures; 0 retries until the
	// context is cancelled.
	MaxAttempts int

	// RebuildBatchSize is the number of log rows loaded per page during a
	// rewind.
	RebuildBatchSize int

	// CheckpointInterval is the number of events between checkpoints of
	// the mutable entities. A rewind replays at most this many events plus
	// the reorged ones. Negative disables checkpoints.
	CheckpointInterval int
	// CheckpointRetain is the number of newest checkpoints kept.
	CheckpointRetain int
}

func DefaultConfig() Config {
	return Config{
		LRUCapacity:         100_000,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     30 * time.Second,
		RebuildBatchSize:    500,
		CheckpointInterval:  5_000,
		CheckpointRetain:    4,
	}
}

// Applied is the notice emitted after each commit.
type Applied struct {
	ID        event.EventID
	Position  event.LogPosition
	EventType event.EventType
	MarketID  string
	Outcome   state.ApplyOutcome
	StateHash [32]byte
	Timestamp time.Time
}

// Status is a point-in-time view of the engine for the admin surface.
type Status struct {
	LastPosition  event.LogPosition
	HasApplied    bool
	StateHash     [32]byte
	EventsApplied int64
	Rewinds       int64
}

// Engine applies events to the aggregate state store, one transaction per
// event. ProcessEvent and Rewind must be called from a single goroutine;
// Status may be called from any.
type Engine struct {
	store   state.Store
	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger
	outputs chan<- Applied

	hasher      *StateHasher
	idempotency *IdempotencyChecker
	sequence    *SequenceValidator

	// sinceCheckpoint counts events committed since the last checkpoint
	// this process wrote or restored.
	sinceCheckpoint int

	mu     sync.RWMutex
	status Status
}

// NewEngine creates an engine over store. outputs may be nil; when set,
// notices are sent without blocking and dropped if the channel is full.
func NewEngine(
	store state.Store,
	cfg Config,
	outputs chan<- Applied,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Engine {
	def := DefaultConfig()
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = def.LRUCapacity
	}
	if cfg.RetryInitialBackoff <= 0 {
		cfg.RetryInitialBackoff = def.RetryInitialBackoff
	}
	if cfg.RetryMaxBackoff <= 0 {
		cfg.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if cfg.RebuildBatchSize <= 0 {
		cfg.RebuildBatchSize = def.RebuildBatchSize
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}
	if cfg.CheckpointRetain <= 0 {
		cfg.CheckpointRetain = def.CheckpointRetain
	}

	e := &Engine{
		store:       store,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger,
		outputs:     outputs,
		hasher:      NewStateHasher(),
		idempotency: NewIdempotencyChecker(cfg.LRUCapacity, metrics),
		sequence:    NewSequenceValidator(),
	}
	e.status.StateHash = e.hasher.GetPrevHash()
	return e
}

// Recover restores the cursor and hash chain tip from the newest event-log
// row. Call once before the first ProcessEvent.
func (e *Engine) Recover(ctx context.Context) error {
	last, err := e.store.LastApplied(ctx)
	if errors.Is(err, state.ErrNotFound) {
		e.hasher.Advance(GenesisHash())
		e.sequence.Reset(nil)
		e.publishStatus(0)
		e.logger.Info().Msg("recovered empty event log, starting from genesis")
		return nil
	}
	if err != nil {
		return fmt.Errorf("recover: load last applied: %w", err)
	}

	pos := last.Position()
	e.hasher.Advance(last.StateHash)
	e.sequence.Reset(&pos)
	e.idempotency.MarkProcessed(last.ID().String())
	e.publishStatus(0)

	if e.metrics != nil {
		e.metrics.CoreLastBlock.Set(float64(pos.Block))
	}
	e.logger.Info().
		Uint64("block", pos.Block).
		Uint32("log_index", pos.LogIndex).
		Str("state_hash", HashString(last.StateHash)).
		Msg("recovered from event log")
	return nil
}

// ProcessEvent applies one event atomically. Transient store failures are
// retried with exponential backoff; any other error is returned as fatal
// and nothing from the event is committed.
//
// Pipeline: validate → idempotency (LRU) → begin → idempotency (store) →
// ordering → dispatch → hash → log row → commit → emit.
func (e *Engine) ProcessEvent(ctx context.Context, evt event.Event) (Result, error) {
	eventType := evt.EventType().String()

	if err := evt.Validate(); err != nil {
		e.reject(eventType, "invalid")
		return 0, fmt.Errorf("%w %s: %v", ErrInvalidEvent, evt.IdempotencyKey(), err)
	}

	if e.idempotency.SeenRecently(evt) {
		e.reject(eventType, "duplicate")
		return ResultDuplicate, nil
	}

	start := time.Now()
	var result Result
	err := e.withRetry(ctx, eventType, func() error {
		var applyErr error
		result, applyErr = e.apply(ctx, evt)
		return applyErr
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrOutOfOrder):
			e.reject(eventType, "out_of_order")
		case ctx.Err() != nil:
		default:
			e.reject(eventType, "fatal")
		}
		return 0, err
	}

	if result == ResultDuplicate {
		e.reject(eventType, "duplicate")
		return result, nil
	}

	if e.metrics != nil {
		outcome := string(state.OutcomeApplied)
		if result == ResultDropped {
			outcome = string(state.OutcomeDropped)
		}
		e.metrics.CoreEventsApplied.WithLabelValues(eventType, outcome).Inc()
		e.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}
	return result, nil
}

// apply runs one attempt of an event inside its own transaction.
func (e *Engine) apply(ctx context.Context, evt event.Event) (Result, error) {
	src := evt.Source()

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	isDup, err := e.idempotency.IsDuplicate(ctx, tx, evt)
	if err != nil {
		return 0, err
	}
	if err := e.sequence.ValidateSequence(src.Position(), isDup); err != nil {
		return 0, err
	}
	if isDup {
		return e.adoptCommitted(ctx, tx, evt)
	}

	rec := newRecordingTx(tx)
	outcome, err := e.dispatch(ctx, rec, evt)
	if err != nil {
		return 0, fmt.Errorf("apply %s %s: %w", evt.EventType(), evt.IdempotencyKey(), err)
	}

	payload, err := event.Encode(evt)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", evt.IdempotencyKey(), err)
	}

	hash := e.hasher.Next(src.ID(), rec.digest())
	logRow := &state.AppliedEvent{
		TxHash:      src.TxHash,
		LogIndex:    src.LogIndex,
		BlockNumber: src.BlockNumber,
		BlockHash:   src.BlockHash,
		EventType:   evt.EventType(),
		Payload:     payload,
		StateHash:   hash,
		Outcome:     outcome,
		AppliedAt:   src.Timestamp,
	}
	if err := tx.RecordApplied(ctx, logRow); err != nil {
		return 0, fmt.Errorf("record applied %s: %w", evt.IdempotencyKey(), err)
	}

	checkpoint := e.checkpointDue()
	if checkpoint {
		if err := e.saveCheckpoint(ctx, tx, state.Checkpoint{Position: src.Position(), StateHash: hash}); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit %s: %w", evt.IdempotencyKey(), err)
	}

	// Committed: advance in-memory state only now.
	e.hasher.Advance(hash)
	e.sequence.Advance(src.Position())
	e.idempotency.MarkProcessed(evt.IdempotencyKey())
	e.publishStatus(1)
	if checkpoint {
		e.sinceCheckpoint = 0
		if e.metrics != nil {
			e.metrics.CoreCheckpoints.Inc()
		}
		e.logger.Debug().
			Uint64("block", src.BlockNumber).
			Uint32("log_index", src.LogIndex).
			Msg("checkpoint written")
	} else {
		e.sinceCheckpoint++
	}
	if e.metrics != nil {
		e.metrics.CoreLastBlock.Set(float64(src.BlockNumber))
	}

	e.emit(Applied{
		ID:        src.ID(),
		Position:  src.Position(),
		EventType: evt.EventType(),
		MarketID:  evt.MarketID(),
		Outcome:   outcome,
		StateHash: hash,
		Timestamp: src.Timestamp,
	})

	if outcome == state.OutcomeDropped {
		return ResultDropped, nil
	}
	return ResultApplied, nil
}

// adoptCommitted handles a store-tier duplicate. When the duplicate is the
// newest log row and its hash is not yet the chain tip, an earlier attempt
// committed even though Commit reported an error; the in-memory chain then
// adopts the logged row instead of treating the event as a redelivery.
func (e *Engine) adoptCommitted(ctx context.Context, tx state.Tx, evt event.Event) (Result, error) {
	last, err := tx.LastApplied(ctx)
	if err != nil {
		return 0, fmt.Errorf("load last applied: %w", err)
	}
	src := evt.Source()
	if last.ID() != src.ID() || last.StateHash == e.hasher.GetPrevHash() {
		return ResultDuplicate, nil
	}

	e.hasher.Advance(last.StateHash)
	e.sequence.Advance(last.Position())
	e.idempotency.MarkProcessed(evt.IdempotencyKey())
	e.publishStatus(1)
	e.sinceCheckpoint++
	if e.metrics != nil {
		e.metrics.CoreLastBlock.Set(float64(last.BlockNumber))
	}
	e.logger.Warn().
		Str("tx_hash", src.TxHash).
		Uint32("log_index", src.LogIndex).
		Str("state_hash", HashString(last.StateHash)).
		Msg("adopted event committed by an earlier attempt")

	e.emit(Applied{
		ID:        src.ID(),
		Position:  src.Position(),
		EventType: evt.EventType(),
		MarketID:  evt.MarketID(),
		Outcome:   last.Outcome,
		StateHash: last.StateHash,
		Timestamp: src.Timestamp,
	})

	if last.Outcome == state.OutcomeDropped {
		return ResultDropped, nil
	}
	return ResultApplied, nil
}

func (e *Engine) checkpointDue() bool {
	return e.cfg.CheckpointInterval > 0 && e.sinceCheckpoint+1 >= e.cfg.CheckpointInterval
}

// saveCheckpoint writes a checkpoint inside the event's transaction and
// prunes the oldest ones.
func (e *Engine) saveCheckpoint(ctx context.Context, tx state.Tx, cp state.Checkpoint) error {
	if err := tx.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint at %s: %w", cp.Position, err)
	}
	if _, err := tx.PruneCheckpoints(ctx, e.cfg.CheckpointRetain); err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	return nil
}

// withRetry retries fn while it fails with a transient store error.
func (e *Engine) withRetry(ctx context.Context, eventType string, fn func() error) error {
	backoff := e.cfg.RetryInitialBackoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			e.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Str("event_type", eventType).
				Msg("retrying transaction after transient store error")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > e.cfg.RetryMaxBackoff {
				backoff = e.cfg.RetryMaxBackoff
			}
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				e.logger.Info().Int("retries", attempt).Str("event_type", eventType).Msg("transaction succeeded after retries")
			}
			return nil
		}

		if !state.IsTransient(err) {
			if e.metrics != nil && !errors.Is(err, ErrOutOfOrder) {
				e.metrics.StoreErrors.WithLabelValues("fatal").Inc()
			}
			return err
		}

		if e.metrics != nil {
			e.metrics.StoreErrors.WithLabelValues("transient").Inc()
			e.metrics.CoreTxRetries.WithLabelValues(eventType).Inc()
		}
		if e.cfg.MaxAttempts > 0 && attempt+1 >= e.cfg.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt+1, err)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, tx state.Tx, evt event.Event) (state.ApplyOutcome, error) {
	switch ev := evt.(type) {
	case *event.ConditionPreparation:
		return e.handleConditionPreparation(ctx, tx, ev)
	case *event.PositionSplit:
		return state.OutcomeApplied, e.handlePositionSplit(ctx, tx, ev)
	case *event.PositionMerge:
		return state.OutcomeApplied, e.handlePositionMerge(ctx, tx, ev)
	case *event.ConditionResolution:
		return state.OutcomeApplied, e.handleConditionResolution(ctx, tx, ev)
	case *event.PayoutRedemption:
		return state.OutcomeApplied, e.handlePayoutRedemption(ctx, tx, ev)
	default:
		return "", fmt.Errorf("unknown event type: %T", evt)
	}
}

func (e *Engine) emit(a Applied) {
	if e.outputs == nil {
		return
	}
	select {
	case e.outputs <- a:
	default:
		if e.metrics != nil {
			e.metrics.PublishDrops.Inc()
		}
	}
}

func (e *Engine) reject(eventType, reason string) {
	if e.metrics != nil {
		e.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (e *Engine) publishStatus(appliedDelta int64) {
	pos, has := e.sequence.Last()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.LastPosition = pos
	e.status.HasApplied = has
	e.status.StateHash = e.hasher.GetPrevHash()
	e.status.EventsApplied += appliedDelta
}

// Status returns the engine's cursor and hash. Safe for concurrent use.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// GetStateHash returns the current chain tip.
func (e *Engine) GetStateHash() [32]byte {
	return e.Status().StateHash
}
