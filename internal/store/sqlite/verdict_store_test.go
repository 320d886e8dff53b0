package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

func openStore(t *testing.T) *VerdictStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "db", "verdicts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var (
	solverA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	solverB = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	tx1     = common.HexToHash("0x01")
	tx2     = common.HexToHash("0x02")
	base    = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func verdict(id string, tx common.Hash, solver common.Address, status domain.VerdictStatus, at time.Duration) domain.Verdict {
	v := domain.Verdict{
		ID:        id,
		AuctionID: 7,
		TxHash:    tx,
		Solver:    solver,
		Status:    status,
		CheckedAt: base.Add(at),
	}
	if status == domain.VerdictPassed || status == domain.VerdictInvalid {
		v.Results = &domain.CheckResults{Solver: true, Orders: true, Score: status == domain.VerdictPassed, Hooks: true}
	}
	return v
}

func TestVerdictStoreGetLatest(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.GetLatest(ctx, tx1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	first := verdict("v1", tx1, solverA, domain.VerdictRecheck, 0)
	second := verdict("v2", tx1, solverA, domain.VerdictInvalid, time.Minute)
	require.NoError(t, s.Save(ctx, second))
	require.NoError(t, s.Save(ctx, first))

	got, err := s.GetLatest(ctx, tx1)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestVerdictStoreSaveReplacesSameID(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	v := verdict("v1", tx1, solverA, domain.VerdictRecheck, 0)
	require.NoError(t, s.Save(ctx, v))
	v.Status = domain.VerdictPassed
	v.Results = &domain.CheckResults{Solver: true, Orders: true, Score: true, Hooks: true}
	require.NoError(t, s.Save(ctx, v))

	all, err := s.ListRecent(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, domain.VerdictPassed, all[0].Status)
}

func TestVerdictStoreLists(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	for _, v := range []domain.Verdict{
		verdict("v1", tx1, solverA, domain.VerdictPassed, 0),
		verdict("v2", tx2, solverB, domain.VerdictInvalid, time.Minute),
		verdict("v3", tx2, solverB, domain.VerdictInvalid, 2*time.Minute),
		verdict("v4", common.HexToHash("0x03"), solverA, domain.VerdictSkipped, 3*time.Minute),
	} {
		require.NoError(t, s.Save(ctx, v))
	}

	ids := func(vs []domain.Verdict) []string {
		out := make([]string, 0, len(vs))
		for _, v := range vs {
			out = append(out, v.ID)
		}
		return out
	}

	bySolver, err := s.ListBySolver(ctx, solverA, domain.ListOpts{})
	require.NoError(t, err)
	assert.Equal(t, []string{"v4", "v1"}, ids(bySolver))

	recent, err := s.ListRecent(ctx, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"v4", "v3"}, ids(recent))

	offset, err := s.ListRecent(ctx, domain.ListOpts{Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, ids(offset))

	since := base.Add(time.Minute)
	until := base.Add(2 * time.Minute)
	window, err := s.ListRecent(ctx, domain.ListOpts{Since: &since, Until: &until})
	require.NoError(t, err)
	assert.Equal(t, []string{"v3", "v2"}, ids(window))
}
