package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/circuitbreaker/internal/checker"
	"github.com/alanyoungcy/circuitbreaker/internal/codec"
	"github.com/alanyoungcy/circuitbreaker/internal/domain"
	"github.com/alanyoungcy/circuitbreaker/internal/notify"
)

var (
	winner   = common.HexToAddress("0xaa")
	trusted  = common.HexToAddress("0xfe")
	buyToken = common.HexToAddress("0x02")
	txHash   = common.HexToHash("0xbeef")
	uidA     = domain.OrderUID([]byte{0x0a})
	fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func settlement() domain.SettlementCase {
	on := &domain.OnchainSettlementData{
		AuctionID: 42,
		TxHash:    txHash,
		Solver:    winner,
		Trades: []domain.OnchainTrade{{
			Trade:           domain.Trade{OrderUID: uidA, SellAmount: big.NewInt(100), BuyAmount: big.NewInt(110)},
			Owner:           common.HexToAddress("0x11"),
			SellToken:       common.HexToAddress("0x01"),
			BuyToken:        buyToken,
			LimitSellAmount: big.NewInt(100),
			LimitBuyAmount:  big.NewInt(100),
			Kind:            domain.OrderKindSell,
		}},
	}
	off := &domain.OffchainSettlementData{
		AuctionID: 42,
		Solver:    winner,
		Trades: []domain.OffchainTrade{{
			Trade: domain.Trade{OrderUID: uidA, SellAmount: big.NewInt(100), BuyAmount: big.NewInt(110)},
		}},
		Score:        big.NewInt(10),
		ValidOrders:  map[domain.OrderUID]struct{}{uidA: {}},
		NativePrices: map[common.Address]*big.Int{buyToken: big.NewInt(1_000_000_000_000_000_000)},
	}
	return domain.SettlementCase{Onchain: on, Offchain: off}
}

type fakeStore struct {
	saved []domain.Verdict
}

func (f *fakeStore) Save(_ context.Context, v domain.Verdict) error {
	f.saved = append(f.saved, v)
	return nil
}

func (f *fakeStore) GetLatest(_ context.Context, tx common.Hash) (domain.Verdict, error) {
	for i := len(f.saved) - 1; i >= 0; i-- {
		if f.saved[i].TxHash == tx {
			return f.saved[i], nil
		}
	}
	return domain.Verdict{}, domain.ErrNotFound
}

func (f *fakeStore) ListBySolver(_ context.Context, solver common.Address, _ domain.ListOpts) ([]domain.Verdict, error) {
	var out []domain.Verdict
	for _, v := range f.saved {
		if v.Solver == solver {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeStore) ListRecent(_ context.Context, _ domain.ListOpts) ([]domain.Verdict, error) {
	return f.saved, nil
}

type fakeBlacklist struct {
	reasons map[common.Address]string
}

func (f *fakeBlacklist) Add(_ context.Context, solver common.Address, reason string) error {
	if f.reasons == nil {
		f.reasons = map[common.Address]string{}
	}
	f.reasons[solver] = reason
	return nil
}

func (f *fakeBlacklist) Contains(_ context.Context, solver common.Address) (bool, error) {
	_, ok := f.reasons[solver]
	return ok, nil
}

func (f *fakeBlacklist) Reason(_ context.Context, solver common.Address) (string, error) {
	r, ok := f.reasons[solver]
	if !ok {
		return "", domain.ErrNotFound
	}
	return r, nil
}

type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
	err      error
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.held == nil {
		f.held = map[string]bool{}
	}
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	f.acquired = append(f.acquired, key)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, key)
	}, nil
}

type fakeBus struct {
	published map[string][][]byte
	streamed  map[string][][]byte
}

func (f *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	if f.published == nil {
		f.published = map[string][][]byte{}
	}
	f.published[channel] = append(f.published[channel], payload)
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (f *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	if f.streamed == nil {
		f.streamed = map[string][][]byte{}
	}
	f.streamed[stream] = append(f.streamed[stream], payload)
	return nil
}

func (f *fakeBus) StreamRecent(context.Context, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeArchive struct {
	archived []domain.Verdict
	err      error
}

func (f *fakeArchive) ArchiveVerdict(_ context.Context, v domain.Verdict) error {
	if f.err != nil {
		return f.err
	}
	f.archived = append(f.archived, v)
	return nil
}

type fakeNotifier struct {
	alerts []notify.Alert
}

func (f *fakeNotifier) Notify(_ context.Context, a notify.Alert) error {
	f.alerts = append(f.alerts, a)
	return nil
}

type fakeAttestor struct{}

func (fakeAttestor) Attest(v *domain.Verdict) error {
	v.Attestation = &domain.Attestation{Signer: common.HexToAddress("0x5157"), Signature: []byte{1}}
	return nil
}

type harness struct {
	svc       *CheckService
	store     *fakeStore
	blacklist *fakeBlacklist
	locks     *fakeLocks
	bus       *fakeBus
	archive   *fakeArchive
	notifier  *fakeNotifier
}

func newHarness() *harness {
	h := &harness{
		store:     &fakeStore{},
		blacklist: &fakeBlacklist{},
		locks:     &fakeLocks{},
		bus:       &fakeBus{},
		archive:   &fakeArchive{},
		notifier:  &fakeNotifier{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.svc = NewCheckService(checker.NewInspector(logger), CheckDeps{
		Verdicts:  h.store,
		Blacklist: h.blacklist,
		Locks:     h.locks,
		Bus:       h.bus,
		Archive:   h.archive,
		Notifier:  h.notifier,
		Attestor:  fakeAttestor{},
	}, CheckConfig{
		WhitelistedSolvers: map[common.Address]struct{}{trusted: {}},
		LockTTL:            time.Minute,
	}, logger)
	h.svc.now = func() time.Time { return fixedNow }
	h.svc.newID = func() string { return "verdict-1" }
	return h
}

func TestCheckPassed(t *testing.T) {
	h := newHarness()
	v, err := h.svc.Check(context.Background(), settlement())
	require.NoError(t, err)

	want := domain.Verdict{
		ID:          "verdict-1",
		AuctionID:   42,
		TxHash:      txHash,
		Solver:      winner,
		Status:      domain.VerdictPassed,
		Results:     &domain.CheckResults{Solver: true, Orders: true, Score: true, Hooks: true},
		CheckedAt:   fixedNow,
		Attestation: &domain.Attestation{Signer: common.HexToAddress("0x5157"), Signature: []byte{1}},
	}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Fatalf("verdict mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, h.store.saved, 1)
	assert.Equal(t, v, h.store.saved[0])
	assert.Len(t, h.archive.archived, 1)
	assert.Empty(t, h.notifier.alerts)
	assert.Empty(t, h.blacklist.reasons)
	assert.Equal(t, []string{"settlement:" + txHash.Hex()}, h.locks.acquired)
	assert.Empty(t, h.locks.held, "lock released")

	require.Len(t, h.bus.published[domain.VerdictChannel], 1)
	require.Len(t, h.bus.streamed[domain.VerdictStream], 1)
	decoded, err := codec.UnmarshalVerdict(h.bus.published[domain.VerdictChannel][0])
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPassed, decoded.Status)
}

func TestCheckInvalidBlacklistsSolver(t *testing.T) {
	h := newHarness()
	sc := settlement()
	sc.Offchain.Score = big.NewInt(2_000_000_000_000)

	v, err := h.svc.Check(context.Background(), sc)
	var invalid *domain.InvalidSettlementError
	require.ErrorAs(t, err, &invalid)
	assert.ErrorIs(t, err, domain.ErrInvalidSettlement)
	assert.Equal(t, []string{"score"}, invalid.Results.Failed())

	assert.Equal(t, domain.VerdictInvalid, v.Status)
	require.NotNil(t, v.Results)
	assert.False(t, v.Results.Score)
	assert.True(t, v.Results.Solver)

	listed, reason, err := h.svc.BlacklistStatus(context.Background(), winner)
	require.NoError(t, err)
	assert.True(t, listed)
	assert.Contains(t, reason, "failed=score")

	require.Len(t, h.notifier.alerts, 1)
	assert.Equal(t, notify.EventInvalidSettlement, h.notifier.alerts[0].Event)
	assert.Len(t, h.store.saved, 1)
}

func TestCheckWhitelistedSolverSkipsChecks(t *testing.T) {
	h := newHarness()
	sc := settlement()
	sc.Onchain.Solver = trusted
	sc.Offchain.Score = big.NewInt(9_000_000_000_000)

	v, err := h.svc.Check(context.Background(), sc)
	var wl *domain.WhitelistedSolverError
	require.ErrorAs(t, err, &wl)
	assert.Equal(t, trusted, wl.Solver)
	assert.Equal(t, domain.VerdictSkipped, v.Status)
	assert.Nil(t, v.Results)
	assert.Empty(t, h.locks.acquired)
	assert.Empty(t, h.blacklist.reasons)
	require.Len(t, h.notifier.alerts, 1)
	assert.Equal(t, notify.EventWhitelistedSolver, h.notifier.alerts[0].Event)
}

func TestCheckMissingOnchainData(t *testing.T) {
	h := newHarness()
	sc := settlement()
	sc.Onchain = nil

	v, err := h.svc.Check(context.Background(), sc)
	require.ErrorIs(t, err, domain.ErrMissingOnchainData)
	assert.Equal(t, domain.VerdictRecheck, v.Status)
	assert.Equal(t, winner, v.Solver)
	assert.Equal(t, int64(42), v.AuctionID)
	assert.Len(t, h.store.saved, 1)
	assert.Empty(t, h.archive.archived, "no tx hash to archive under")
}

func TestCheckMissingOffchainData(t *testing.T) {
	h := newHarness()
	_, err := h.svc.Check(context.Background(), domain.SettlementCase{Onchain: settlement().Onchain})
	var nc *domain.NoncriticalDataFetchingError
	require.ErrorAs(t, err, &nc)
	assert.True(t, nc.Recheck)
	assert.Empty(t, h.store.saved)
}

func TestCheckLockHeld(t *testing.T) {
	h := newHarness()
	h.locks.held = map[string]bool{"settlement:" + txHash.Hex(): true}

	v, err := h.svc.Check(context.Background(), settlement())
	require.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Equal(t, domain.VerdictRecheck, v.Status)
	assert.Empty(t, h.store.saved)
	assert.Empty(t, h.bus.published)
}

func TestCheckLockFailure(t *testing.T) {
	h := newHarness()
	h.locks.err = errors.New("connection refused")

	v, err := h.svc.Check(context.Background(), settlement())
	require.Error(t, err)
	assert.Equal(t, domain.VerdictError, v.Status)
	require.Len(t, h.notifier.alerts, 1)
	assert.Equal(t, notify.EventCheckError, h.notifier.alerts[0].Event)
}

func TestCheckInputErrorIsNotInvalid(t *testing.T) {
	h := newHarness()
	sc := settlement()
	sc.Offchain.NativePrices = nil

	v, err := h.svc.Check(context.Background(), sc)
	require.ErrorIs(t, err, domain.ErrMissingNativePrice)
	assert.NotErrorIs(t, err, domain.ErrInvalidSettlement)
	assert.Equal(t, domain.VerdictError, v.Status)
	assert.Nil(t, v.Results)
	assert.Empty(t, h.blacklist.reasons)
	assert.Len(t, h.store.saved, 1)
}

func TestCheckInputErrorKeepsInvalidVerdict(t *testing.T) {
	h := newHarness()
	sc := settlement()
	sc.Onchain.Solver = common.HexToAddress("0xbb")
	sc.Offchain.NativePrices = nil

	v, err := h.svc.Check(context.Background(), sc)
	require.ErrorIs(t, err, domain.ErrInvalidSettlement)
	assert.ErrorIs(t, err, domain.ErrMissingNativePrice)
	assert.Equal(t, domain.VerdictInvalid, v.Status)
	require.NotNil(t, v.Results)
	assert.Equal(t, []string{"solver", "score"}, v.Results.Failed())
	assert.Contains(t, v.Reason, "missing native price")

	listed, _, err := h.svc.BlacklistStatus(context.Background(), common.HexToAddress("0xbb"))
	require.NoError(t, err)
	assert.True(t, listed)
}

func TestCheckBackendFailuresDoNotChangeVerdict(t *testing.T) {
	h := newHarness()
	h.archive.err = errors.New("bucket gone")

	v, err := h.svc.Check(context.Background(), settlement())
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPassed, v.Status)
}

func TestCheckWithoutBackends(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewCheckService(checker.NewInspector(logger), CheckDeps{}, CheckConfig{}, logger)

	v, err := svc.Check(context.Background(), settlement())
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPassed, v.Status)
	assert.NotEmpty(t, v.ID)

	_, err = svc.LatestVerdict(context.Background(), txHash)
	assert.ErrorIs(t, err, domain.ErrNotConfigured)
	_, _, err = svc.BlacklistStatus(context.Background(), winner)
	assert.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestQueries(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.svc.Check(ctx, settlement())
	require.NoError(t, err)

	latest, err := h.svc.LatestVerdict(ctx, txHash)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPassed, latest.Status)

	_, err = h.svc.LatestVerdict(ctx, common.HexToHash("0x01"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	bySolver, err := h.svc.SolverVerdicts(ctx, winner, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, bySolver, 1)

	recent, err := h.svc.RecentVerdicts(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	listed, _, err := h.svc.BlacklistStatus(ctx, winner)
	require.NoError(t, err)
	assert.False(t, listed)
}
