// Command replay rebuilds the aggregate state from the Postgres event log
// into an in-memory store and checks that every re-applied event
// reproduces its stored state hash. With -in-place it re-applies the log
// inside a rolled-back Postgres transaction instead.
package main

import (
	"CTFLedger/internal/config"
	"CTFLedger/internal/core"
	"CTFLedger/internal/event"
	"CTFLedger/internal/observability"
	"CTFLedger/internal/persistence"
	"CTFLedger/internal/state"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("CTF_CONFIG"), "path to a TOML config file")
	inPlace := flag.Bool("in-place", false, "verify inside a rolled-back Postgres transaction")
	batch := flag.Int("batch", 1000, "event log page size")
	flag.Parse()

	logger := observability.NewLogger("replay")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.Postgres.DSN == "" {
		logger.Fatal().Msg("postgres dsn is empty")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}

	source := persistence.NewPostgresStore(db)
	start := time.Now()

	if *inPlace {
		engine := core.NewEngine(source, engineConfig(cfg, *batch), nil, nil, logger)
		hash, n, err := engine.Verify(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("in-place verification failed")
		}
		logger.Info().
			Int("events", n).
			Str("state_hash", core.HashString(hash)).
			Dur("duration", time.Since(start)).
			Msg("event log verified in place")
		return
	}

	n, hash, err := replay(ctx, source, engineConfig(cfg, *batch), *batch, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("replay failed")
	}
	logger.Info().
		Int("events", n).
		Str("state_hash", core.HashString(hash)).
		Dur("duration", time.Since(start)).
		Msg("replay matches the stored event log")
}

func engineConfig(cfg *config.Config, batch int) core.Config {
	return core.Config{
		LRUCapacity:         cfg.Engine.LRUCapacity,
		RetryInitialBackoff: cfg.Engine.RetryInitialBackoff.Duration,
		RetryMaxBackoff:     cfg.Engine.RetryMaxBackoff.Duration,
		MaxAttempts:         cfg.Engine.MaxAttempts,
		RebuildBatchSize:    batch,
		CheckpointInterval:  -1,
	}
}

// replay pages through the stored log in one read transaction, applies
// every event to a fresh engine over a MemoryStore and compares hashes
// and outcomes row by row.
func replay(ctx context.Context, source state.Store, cfg core.Config, batch int, logger zerolog.Logger) (int, [32]byte, error) {
	tx, err := source.Begin(ctx)
	if err != nil {
		return 0, [32]byte{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	tip, err := tx.LastApplied(ctx)
	if errors.Is(err, state.ErrNotFound) {
		logger.Info().Msg("event log is empty")
		return 0, [32]byte{}, nil
	}
	if err != nil {
		return 0, [32]byte{}, fmt.Errorf("load tip: %w", err)
	}

	engine := core.NewEngine(state.NewMemoryStore(), cfg, nil, nil, observability.NewNopLogger())
	if err := engine.Recover(ctx); err != nil {
		return 0, [32]byte{}, fmt.Errorf("recover memory engine: %w", err)
	}

	var (
		after *event.LogPosition
		n     int
	)
	for {
		page, err := tx.LoadApplied(ctx, after, batch)
		if err != nil {
			return n, [32]byte{}, fmt.Errorf("load event log: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, row := range page {
			evt, err := row.Decode()
			if err != nil {
				return n, [32]byte{}, err
			}
			res, err := engine.ProcessEvent(ctx, evt)
			if err != nil {
				return n, [32]byte{}, fmt.Errorf("apply %s: %w", row.ID(), err)
			}

			if res == core.ResultDuplicate {
				return n, [32]byte{}, fmt.Errorf("event log holds %s twice", row.ID())
			}
			outcome := state.OutcomeApplied
			if res == core.ResultDropped {
				outcome = state.OutcomeDropped
			}
			got := engine.GetStateHash()
			if got != row.StateHash || outcome != row.Outcome {
				return n, got, fmt.Errorf("%w at %s: stored %s/%s, replayed %s/%s",
					core.ErrStateHashMismatch, row.ID(),
					core.HashString(row.StateHash), row.Outcome, core.HashString(got), outcome)
			}
			n++
		}

		pos := page[len(page)-1].Position()
		after = &pos
		logger.Info().Int("events", n).Uint64("block", pos.Block).Msg("replay progress")
	}

	final := engine.GetStateHash()
	if final != tip.StateHash {
		return n, final, fmt.Errorf("%w: tip %s stored %s, replayed %s",
			core.ErrStateHashMismatch, tip.ID(), core.HashString(tip.StateHash), core.HashString(final))
	}
	return n, final, nil
}
