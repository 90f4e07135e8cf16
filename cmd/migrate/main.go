package main

import (
	"CTFLedger/internal/config"
	"CTFLedger/internal/observability"
	"CTFLedger/internal/persistence"
	"CTFLedger/migrations"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-config file] [-dir path] <up|down>")
	fmt.Fprintln(os.Stderr, "  up   - apply all pending migrations")
	fmt.Fprintln(os.Stderr, "  down - roll back the last migration")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "The DSN comes from [postgres].dsn or CTF_POSTGRES_DSN.")
	fmt.Fprintln(os.Stderr, "Without -dir the migrations compiled into the binary are used.")
}

func main() {
	configPath := flag.String("config", os.Getenv("CTF_CONFIG"), "path to a TOML config file")
	dir := flag.String("dir", "", "read migrations from this directory instead of the embedded set")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.Postgres.DSN == "" {
		logger.Fatal().Msg("postgres dsn is empty")
	}

	var fsys fs.FS = migrations.FS
	if *dir != "" {
		fsys = os.DirFS(*dir)
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	migrator := persistence.NewMigrator(db, fsys, logger)

	switch flag.Arg(0) {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", flag.Arg(0))
		os.Exit(2)
	}
}
