package core

import (
	"CTFLedger/internal/event"
	"CTFLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"time"
)

// RewindResult summarizes a rewind.
type RewindResult struct {
	FromBlock uint64
	Removed   int64 // log rows deleted
	Replayed  int   // log rows re-applied
	// RestoredFrom is the checkpoint the replay started from; nil when the
	// log was replayed from genesis.
	RestoredFrom *event.LogPosition
	StateHash    [32]byte
	Duration     time.Duration
}

// Rewind undoes every event at or after fromBlock. In one transaction it
// deletes those rows from the event log along with the checkpoints taken
// at or after fromBlock, restores the newest remaining checkpoint (or
// empties the derived tables when there is none) and re-applies the log
// rows after it. Each re-applied event must reproduce its stored state
// hash, otherwise nothing is committed and ErrStateHashMismatch is
// returned.
//
// Must be called from the engine's writer goroutine.
func (e *Engine) Rewind(ctx context.Context, fromBlock uint64) (RewindResult, error) {
	start := time.Now()
	result := RewindResult{FromBlock: fromBlock}

	var (
		hasher *StateHasher
		last   *event.LogPosition
		keys   []string
	)

	err := e.withRetry(ctx, "Rewind", func() error {
		tx, err := e.store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		removed, err := tx.DeleteAppliedFrom(ctx, fromBlock)
		if err != nil {
			return fmt.Errorf("delete log from block %d: %w", fromBlock, err)
		}
		if _, err := tx.DeleteCheckpointsFrom(ctx, fromBlock); err != nil {
			return fmt.Errorf("delete checkpoints from block %d: %w", fromBlock, err)
		}

		base, err := tx.LatestCheckpoint(ctx)
		switch {
		case errors.Is(err, state.ErrNotFound):
			base = nil
			if err := tx.ResetDerived(ctx); err != nil {
				return fmt.Errorf("reset derived tables: %w", err)
			}
		case err != nil:
			return fmt.Errorf("load checkpoint: %w", err)
		default:
			if err := tx.RestoreCheckpoint(ctx, *base); err != nil {
				return fmt.Errorf("restore checkpoint %s: %w", base.Position, err)
			}
		}

		hasher, last, keys, err = e.rebuild(ctx, tx, base)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rewind: %w", err)
		}

		result.Removed = removed
		result.Replayed = len(keys)
		result.RestoredFrom = nil
		if base != nil {
			pos := base.Position
			result.RestoredFrom = &pos
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	e.hasher = hasher
	e.sequence.Reset(last)
	e.idempotency.Reset(keys)
	e.sinceCheckpoint = len(keys)
	e.publishStatus(0)
	e.mu.Lock()
	e.status.Rewinds++
	e.mu.Unlock()

	result.StateHash = hasher.GetPrevHash()
	result.Duration = time.Since(start)

	if e.metrics != nil {
		e.metrics.CoreRewinds.Inc()
		e.metrics.CoreRewindEvents.Add(float64(result.Replayed))
		if last != nil {
			e.metrics.CoreLastBlock.Set(float64(last.Block))
		} else {
			e.metrics.CoreLastBlock.Set(0)
		}
	}

	logEvt := e.logger.Warn().
		Uint64("from_block", fromBlock).
		Int64("removed", result.Removed).
		Int("replayed", result.Replayed).
		Str("state_hash", HashString(result.StateHash)).
		Dur("duration", result.Duration)
	if result.RestoredFrom != nil {
		logEvt = logEvt.Str("checkpoint", result.RestoredFrom.String())
	}
	logEvt.Msg("rewind complete")

	return result, nil
}

// rebuild re-applies the event log after from (from genesis when from is
// nil) inside tx, page by page, and verifies the hash chain. It returns the
// rebuilt chain, the last position and every replayed idempotency key in
// log order.
func (e *Engine) rebuild(ctx context.Context, tx state.Tx, from *state.Checkpoint) (*StateHasher, *event.LogPosition, []string, error) {
	hasher := NewStateHasher()
	var (
		after *event.LogPosition
		keys  []string
	)
	if from != nil {
		hasher.Advance(from.StateHash)
		pos := from.Position
		after = &pos
	}

	for {
		page, err := tx.LoadApplied(ctx, after, e.cfg.RebuildBatchSize)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load event log: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, row := range page {
			evt, err := row.Decode()
			if err != nil {
				return nil, nil, nil, err
			}

			rec := newRecordingTx(tx)
			outcome, err := e.dispatch(ctx, rec, evt)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("re-apply %s: %w", row.ID(), err)
			}

			hash := hasher.Next(row.ID(), rec.digest())
			if hash != row.StateHash || outcome != row.Outcome {
				return nil, nil, nil, fmt.Errorf("%w at %s: stored %s/%s, rebuilt %s/%s",
					ErrStateHashMismatch, row.ID(),
					HashString(row.StateHash), row.Outcome, HashString(hash), outcome)
			}
			hasher.Advance(hash)
			keys = append(keys, row.ID().String())
		}

		pos := page[len(page)-1].Position()
		after = &pos
	}

	return hasher, after, keys, nil
}

// Verify re-applies the whole log in a transaction that is always rolled
// back, checking that it reproduces the stored hashes. It changes nothing.
func (e *Engine) Verify(ctx context.Context) ([32]byte, int, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return [32]byte{}, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := tx.ResetDerived(ctx); err != nil {
		return [32]byte{}, 0, fmt.Errorf("reset derived tables: %w", err)
	}
	hasher, _, keys, err := e.rebuild(ctx, tx, nil)
	if err != nil {
		return [32]byte{}, 0, err
	}
	return hasher.GetPrevHash(), len(keys), nil
}
