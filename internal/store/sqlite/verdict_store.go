// Package sqlite implements the verdict store on an embedded SQLite database
// for single-host deployments and local replays.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/circuitbreaker/internal/codec"
	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS verdicts (
	id         TEXT PRIMARY KEY,
	auction_id INTEGER NOT NULL,
	tx_hash    TEXT    NOT NULL,
	solver     TEXT    NOT NULL,
	status     TEXT    NOT NULL,
	reason     TEXT    NOT NULL DEFAULT '',
	payload    TEXT    NOT NULL,
	checked_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verdicts_tx_hash ON verdicts(tx_hash, checked_at);
CREATE INDEX IF NOT EXISTS idx_verdicts_solver ON verdicts(solver, checked_at);
CREATE INDEX IF NOT EXISTS idx_verdicts_checked_at ON verdicts(checked_at);
`

// VerdictStore implements domain.VerdictStore on SQLite. checked_at is kept
// as Unix nanoseconds so ordering is exact.
type VerdictStore struct {
	db *sql.DB
}

// Open opens (creating when needed) the database at path and ensures the
// schema exists.
func Open(ctx context.Context, path string) (*VerdictStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent replays.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return &VerdictStore{db: db}, nil
}

// Ping verifies the database is reachable.
func (s *VerdictStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *VerdictStore) Close() error {
	return s.db.Close()
}

// Save inserts v, replacing an earlier row with the same verdict ID.
func (s *VerdictStore) Save(ctx context.Context, v domain.Verdict) error {
	payload, err := codec.MarshalVerdict(v)
	if err != nil {
		return fmt.Errorf("sqlite: save verdict %s: %w", v.ID, err)
	}
	const query = `
		INSERT OR REPLACE INTO verdicts (id, auction_id, tx_hash, solver, status, reason, payload, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		v.ID, v.AuctionID, strings.ToLower(v.TxHash.Hex()), strings.ToLower(v.Solver.Hex()),
		string(v.Status), v.Reason, string(payload), v.CheckedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save verdict %s: %w", v.ID, err)
	}
	return nil
}

// GetLatest returns the newest verdict for txHash, or domain.ErrNotFound.
func (s *VerdictStore) GetLatest(ctx context.Context, txHash common.Hash) (domain.Verdict, error) {
	const query = `
		SELECT payload FROM verdicts
		WHERE tx_hash = ?
		ORDER BY checked_at DESC, id DESC
		LIMIT 1`
	var payload string
	err := s.db.QueryRowContext(ctx, query, strings.ToLower(txHash.Hex())).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Verdict{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("sqlite: get verdict %s: %w", txHash.Hex(), err)
	}
	v, err := codec.UnmarshalVerdict([]byte(payload))
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("sqlite: get verdict %s: %w", txHash.Hex(), err)
	}
	return v, nil
}

// ListBySolver returns the verdicts of solver, newest first.
func (s *VerdictStore) ListBySolver(ctx context.Context, solver common.Address, opts domain.ListOpts) ([]domain.Verdict, error) {
	return s.list(ctx, "solver = ?", []any{strings.ToLower(solver.Hex())}, opts)
}

// ListRecent returns verdicts of all solvers, newest first.
func (s *VerdictStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Verdict, error) {
	return s.list(ctx, "1=1", nil, opts)
}

func (s *VerdictStore) list(ctx context.Context, where string, args []any, opts domain.ListOpts) ([]domain.Verdict, error) {
	query := `SELECT payload FROM verdicts WHERE ` + where
	if opts.Since != nil {
		query += " AND checked_at >= ?"
		args = append(args, opts.Since.UnixNano())
	}
	if opts.Until != nil {
		query += " AND checked_at <= ?"
		args = append(args, opts.Until.UnixNano())
	}
	query += " ORDER BY checked_at DESC, id DESC"

	// SQLite only accepts OFFSET after a LIMIT; -1 means unbounded.
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list verdicts: %w", err)
	}
	defer rows.Close()

	var verdicts []domain.Verdict
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan verdict: %w", err)
		}
		v, err := codec.UnmarshalVerdict([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("sqlite: decode verdict: %w", err)
		}
		verdicts = append(verdicts, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list verdicts rows: %w", err)
	}
	return verdicts, nil
}

// Compile-time interface check.
var _ domain.VerdictStore = (*VerdictStore)(nil)
