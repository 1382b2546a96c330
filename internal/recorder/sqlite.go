// Package recorder persists protection activity for audit
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"lending_engine/internal/core"
	"lending_engine/pkg/retry"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRecorder implements core.IProtectionRecorder on a local SQLite
// database. Writes are observational: the controller never reads them back
// for decisions, so a write failure is logged and swallowed upstream.
type SQLiteRecorder struct {
	db     *sql.DB
	logger core.ILogger
	mu     sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the database and runs migrations
func NewSQLiteRecorder(dbPath string, logger core.ILogger) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode so dashboards can read while the engine writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{
		db:     db,
		logger: logger.WithField("component", "recorder"),
	}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r.logger.Info("sqlite recorder opened", "path", dbPath)
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS protection_ticks (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp         INTEGER NOT NULL,
			account           TEXT NOT NULL,
			state_before      TEXT,
			state_after       TEXT,
			health_factor     TEXT,
			infinite_health   INTEGER,
			risk_tier         TEXT,
			intents_submitted INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_account_ts ON protection_ticks(account, timestamp)`,

		`CREATE TABLE IF NOT EXISTS arbitrage_evaluations (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp         INTEGER NOT NULL,
			asset             TEXT NOT NULL,
			flash_loan_amount TEXT,
			net_profit_usd    TEXT,
			profitable        INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_arb_ts ON arbitrage_evaluations(timestamp)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordTick(ctx context.Context, rec *core.TickRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.exec(ctx, `INSERT INTO protection_ticks
		(timestamp, account, state_before, state_after, health_factor, infinite_health, risk_tier, intents_submitted)
		VALUES (?,?,?,?,?,?,?,?)`,
		rec.Timestamp, rec.Account, rec.StateBefore, rec.StateAfter,
		rec.HealthFactor.String(), boolToInt(rec.InfiniteHealth), rec.RiskTier, rec.IntentsSubmitted,
	)
}

func (r *SQLiteRecorder) RecordArbitrage(ctx context.Context, rec *core.ArbitrageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.exec(ctx, `INSERT INTO arbitrage_evaluations
		(timestamp, asset, flash_loan_amount, net_profit_usd, profitable)
		VALUES (?,?,?,?,?)`,
		rec.Timestamp, rec.Asset, rec.FlashLoanAmount.String(),
		rec.NetProfitUSD.String(), boolToInt(rec.Profitable),
	)
}

// exec retries busy-database errors; dashboards holding read transactions
// can briefly lock the file
func (r *SQLiteRecorder) exec(ctx context.Context, query string, args ...interface{}) error {
	return retry.Do(ctx, retry.DefaultPolicy, isBusy, func() error {
		_, err := r.db.ExecContext(ctx, query, args...)
		return err
	})
}

func isBusy(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

// TickCount returns the number of recorded ticks for an account, used by
// the periodic report
func (r *SQLiteRecorder) TickCount(ctx context.Context, account string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM protection_ticks WHERE account = ?`, account).Scan(&n)
	return n, err
}

func (r *SQLiteRecorder) Close() error {
	r.logger.Info("closing sqlite recorder")
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Noop discards all records, used when recording is disabled
type Noop struct{}

func (Noop) RecordTick(context.Context, *core.TickRecord) error           { return nil }
func (Noop) RecordArbitrage(context.Context, *core.ArbitrageRecord) error { return nil }
func (Noop) Close() error                                                 { return nil }
