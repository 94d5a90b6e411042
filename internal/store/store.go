// Package store is the sqlite persistence surface. Everything here is off
// the hot path: callers treat write failures as log-and-continue, so the
// pipeline stays correct when storage is briefly unavailable.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"polywatch/internal/config"
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database, applies pragmas for concurrent
// access, and runs pending migrations.
func Open(cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The sqlite driver serializes writes anyway; one connection avoids
	// SQLITE_BUSY churn under write bursts.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Query runs an ad-hoc read against the database, for diagnostics and the
// status endpoint.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

var migrations = []string{
	// 1: core schema
	`CREATE TABLE IF NOT EXISTS markets (
		id TEXT PRIMARY KEY,
		question TEXT NOT NULL,
		outcomes TEXT NOT NULL,
		outcome_prices TEXT NOT NULL,
		volume REAL NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 0,
		closed INTEGER NOT NULL DEFAULT 0,
		end_date TIMESTAMP,
		category TEXT,
		category_score REAL NOT NULL DEFAULT 0,
		is_blacklisted INTEGER NOT NULL DEFAULT 0,
		tier TEXT,
		tier_reason TEXT,
		tier_priority INTEGER NOT NULL DEFAULT 0,
		tier_updated_at TIMESTAMP,
		opportunity_score REAL NOT NULL DEFAULT 0,
		volume_score REAL NOT NULL DEFAULT 0,
		edge_score REAL NOT NULL DEFAULT 0,
		catalyst_score REAL NOT NULL DEFAULT 0,
		quality_score REAL NOT NULL DEFAULT 0,
		score_updated_at TIMESTAMP,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_markets_tier ON markets(tier);
	CREATE INDEX IF NOT EXISTS idx_markets_category ON markets(category);

	CREATE TABLE IF NOT EXISTS market_prices (
		market_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		outcome_index INTEGER NOT NULL,
		price REAL NOT NULL,
		volume REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_market_prices_market_ts ON market_prices(market_id, timestamp);

	CREATE TABLE IF NOT EXISTS orderbook_snapshots (
		market_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		bids TEXT NOT NULL,
		asks TEXT NOT NULL,
		spread REAL NOT NULL,
		mid_price REAL NOT NULL,
		best_bid REAL NOT NULL,
		best_ask REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orderbook_market_ts ON orderbook_snapshots(market_id, timestamp);

	CREATE TABLE IF NOT EXISTS trade_ticks (
		market_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		price REAL NOT NULL,
		size REAL NOT NULL,
		side TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trade_ticks_market_ts ON trade_ticks(market_id, timestamp);

	CREATE TABLE IF NOT EXISTS signals (
		id TEXT PRIMARY KEY,
		market_id TEXT NOT NULL,
		signal_type TEXT NOT NULL,
		confidence REAL NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		metadata TEXT,
		validated INTEGER,
		validation_time TIMESTAMP,
		outcome TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_signals_market_ts ON signals(market_id, timestamp);

	CREATE TABLE IF NOT EXISTS signal_performance (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signal_id TEXT NOT NULL UNIQUE,
		market_id TEXT NOT NULL,
		signal_type TEXT NOT NULL,
		confidence REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		entry_outcome_index INTEGER NOT NULL DEFAULT 0,
		entry_price REAL NOT NULL,
		entry_direction TEXT NOT NULL,
		market_volume REAL NOT NULL DEFAULT 0,
		price_30min REAL, price_1hr REAL, price_4hr REAL, price_24hr REAL, price_7day REAL,
		pnl_30min REAL, pnl_1hr REAL, pnl_4hr REAL, pnl_24hr REAL, pnl_7day REAL,
		market_resolved INTEGER NOT NULL DEFAULT 0,
		resolution_time TIMESTAMP,
		winning_outcome_index INTEGER,
		final_pnl REAL,
		was_correct INTEGER,
		magnitude REAL NOT NULL DEFAULT 0,
		max_favorable_move REAL NOT NULL DEFAULT 0,
		max_adverse_move REAL NOT NULL DEFAULT 0,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_signal_perf_type_entry ON signal_performance(signal_type, entry_time);

	CREATE TABLE IF NOT EXISTS system_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		component TEXT,
		operation TEXT,
		context TEXT,
		timestamp TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		s.logger.Info("migration applied", "version", version)
	}
	return nil
}
