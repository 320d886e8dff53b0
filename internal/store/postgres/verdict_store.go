package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/circuitbreaker/internal/codec"
	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

// VerdictStore implements domain.VerdictStore using PostgreSQL. Every check
// of a settlement is kept, so a transaction that was rechecked has several
// rows; GetLatest returns the newest.
type VerdictStore struct {
	pool *pgxpool.Pool
}

// NewVerdictStore creates a VerdictStore backed by the given connection pool.
func NewVerdictStore(pool *pgxpool.Pool) *VerdictStore {
	return &VerdictStore{pool: pool}
}

// Save inserts v. Saving the same verdict ID again replaces the row.
func (s *VerdictStore) Save(ctx context.Context, v domain.Verdict) error {
	payload, err := codec.MarshalVerdict(v)
	if err != nil {
		return fmt.Errorf("postgres: save verdict %s: %w", v.ID, err)
	}

	const query = `
		INSERT INTO verdicts (id, auction_id, tx_hash, solver, status, reason, payload, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			payload = EXCLUDED.payload,
			checked_at = EXCLUDED.checked_at`
	_, err = s.pool.Exec(ctx, query,
		v.ID, v.AuctionID, hashKey(v.TxHash), addressKey(v.Solver),
		string(v.Status), v.Reason, payload, v.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save verdict %s: %w", v.ID, err)
	}
	return nil
}

// GetLatest returns the newest verdict for txHash, or domain.ErrNotFound.
func (s *VerdictStore) GetLatest(ctx context.Context, txHash common.Hash) (domain.Verdict, error) {
	const query = `
		SELECT payload FROM verdicts
		WHERE tx_hash = $1
		ORDER BY checked_at DESC, id DESC
		LIMIT 1`
	var payload []byte
	err := s.pool.QueryRow(ctx, query, hashKey(txHash)).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Verdict{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("postgres: get verdict %s: %w", txHash.Hex(), err)
	}
	v, err := codec.UnmarshalVerdict(payload)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("postgres: get verdict %s: %w", txHash.Hex(), err)
	}
	return v, nil
}

// ListBySolver returns the verdicts of solver, newest first.
func (s *VerdictStore) ListBySolver(ctx context.Context, solver common.Address, opts domain.ListOpts) ([]domain.Verdict, error) {
	return s.list(ctx, "solver = $1", []any{addressKey(solver)}, opts)
}

// ListRecent returns verdicts of all solvers, newest first.
func (s *VerdictStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Verdict, error) {
	return s.list(ctx, "1=1", nil, opts)
}

func (s *VerdictStore) list(ctx context.Context, where string, args []any, opts domain.ListOpts) ([]domain.Verdict, error) {
	query := `SELECT payload FROM verdicts WHERE ` + where
	argIdx := len(args) + 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND checked_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND checked_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY checked_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list verdicts: %w", err)
	}
	defer rows.Close()

	var verdicts []domain.Verdict
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan verdict: %w", err)
		}
		v, err := codec.UnmarshalVerdict(payload)
		if err != nil {
			return nil, fmt.Errorf("postgres: decode verdict: %w", err)
		}
		verdicts = append(verdicts, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list verdicts rows: %w", err)
	}
	return verdicts, nil
}

func hashKey(h common.Hash) string       { return strings.ToLower(h.Hex()) }
func addressKey(a common.Address) string { return strings.ToLower(a.Hex()) }

// Compile-time interface check.
var _ domain.VerdictStore = (*VerdictStore)(nil)
