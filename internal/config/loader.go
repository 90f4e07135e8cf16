package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over
// Defaults(), loads a .env file if present and applies CTF_* environment
// overrides. The result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose CTF_* variable is set and
// non-empty, so deployments can inject secrets without editing the file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "CTF_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "CTF_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "CTF_POSTGRES_MAX_IDLE_CONNS")
	setDuration(&cfg.Postgres.ConnMaxLifetime, "CTF_POSTGRES_CONN_MAX_LIFETIME")
	setBool(&cfg.Postgres.RunMigrations, "CTF_POSTGRES_RUN_MIGRATIONS")

	// ── NATS ──
	setStr(&cfg.NATS.URL, "CTF_NATS_URL")
	setStr(&cfg.NATS.StreamName, "CTF_NATS_STREAM_NAME")
	setStr(&cfg.NATS.ConsumerName, "CTF_NATS_CONSUMER_NAME")
	setDuration(&cfg.NATS.AckWait, "CTF_NATS_ACK_WAIT")
	setDuration(&cfg.NATS.MaxAge, "CTF_NATS_MAX_AGE")
	setBool(&cfg.NATS.Publish, "CTF_NATS_PUBLISH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "CTF_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "CTF_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CTF_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CTF_REDIS_DB")
	setStr(&cfg.Redis.LockKey, "CTF_REDIS_LOCK_KEY")
	setDuration(&cfg.Redis.LockTTL, "CTF_REDIS_LOCK_TTL")

	// ── Engine ──
	setInt(&cfg.Engine.LRUCapacity, "CTF_ENGINE_LRU_CAPACITY")
	setDuration(&cfg.Engine.RetryInitialBackoff, "CTF_ENGINE_RETRY_INITIAL_BACKOFF")
	setDuration(&cfg.Engine.RetryMaxBackoff, "CTF_ENGINE_RETRY_MAX_BACKOFF")
	setInt(&cfg.Engine.MaxAttempts, "CTF_ENGINE_MAX_ATTEMPTS")
	setInt(&cfg.Engine.RebuildBatchSize, "CTF_ENGINE_REBUILD_BATCH_SIZE")
	setInt(&cfg.Engine.InboundBuffer, "CTF_ENGINE_INBOUND_BUFFER")
	setInt(&cfg.Engine.NoticeBuffer, "CTF_ENGINE_NOTICE_BUFFER")
	setInt(&cfg.Engine.CheckpointInterval, "CTF_ENGINE_CHECKPOINT_INTERVAL")
	setInt(&cfg.Engine.CheckpointRetain, "CTF_ENGINE_CHECKPOINT_RETAIN")

	// ── Server ──
	setStr(&cfg.Server.GRPCAddr, "CTF_SERVER_GRPC_ADDR")
	setStr(&cfg.Server.HTTPAddr, "CTF_SERVER_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "CTF_SERVER_METRICS_ADDR")
	setBool(&cfg.Server.EnableInject, "CTF_SERVER_ENABLE_INJECT")

	// ── Chain ──
	setInt(&cfg.Chain.ChainID, "CTF_CHAIN_ID")
	setStr(&cfg.Chain.ContractAddress, "CTF_CHAIN_CONTRACT_ADDRESS")
	setUint64(&cfg.Chain.StartBlock, "CTF_CHAIN_START_BLOCK")

	// ── Top-level ──
	setStr(&cfg.Store, "CTF_STORE")
	setStr(&cfg.LogLevel, "CTF_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
