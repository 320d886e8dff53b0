package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alanyoungcy/circuitbreaker/internal/codec"
	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

type fakeChecker struct {
	mu     sync.Mutex
	calls  int
	status domain.VerdictStatus
}

func (f *fakeChecker) Check(_ context.Context, sc domain.SettlementCase) (domain.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return domain.Verdict{ID: "v", AuctionID: sc.Offchain.AuctionID, Status: f.status}, nil
}

func (f *fakeChecker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func validCase(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("../codec/testdata/valid_case.json")
	require.NoError(t, err)
	return data
}

func startInbox(t *testing.T, cfg Config, checker Checker) func() {
	t.Helper()
	in := NewInbox(cfg, checker, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()
	return func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestInboxChecksNewFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	checker := &fakeChecker{status: domain.VerdictPassed}
	stop := startInbox(t, Config{Dir: dir, Settle: 20 * time.Millisecond}, checker)
	defer stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "case.json"), validCase(t), 0o644))

	verdictPath := filepath.Join(dir, "done", "case.verdict.json")
	require.Eventually(t, func() bool {
		return exists(filepath.Join(dir, "done", "case.json")) && exists(verdictPath)
	}, 3*time.Second, 10*time.Millisecond)

	assert.False(t, exists(filepath.Join(dir, "case.json")))
	assert.Equal(t, 1, checker.count())

	data, err := os.ReadFile(verdictPath)
	require.NoError(t, err)
	v, err := codec.UnmarshalVerdict(data)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPassed, v.Status)
	assert.Equal(t, int64(42), v.AuctionID)
}

func TestInboxSweepsExistingFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	done := filepath.Join(t.TempDir(), "processed")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.json"), validCase(t), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))

	checker := &fakeChecker{status: domain.VerdictInvalid}
	stop := startInbox(t, Config{Dir: dir, DoneDir: done, Settle: 10 * time.Millisecond}, checker)
	defer stop()

	require.Eventually(t, func() bool { return exists(filepath.Join(done, "old.verdict.json")) }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, exists(filepath.Join(dir, "notes.txt")))
}

func TestInboxRejectsMalformedCase(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"offchain":`), 0o644))

	checker := &fakeChecker{status: domain.VerdictPassed}
	stop := startInbox(t, Config{Dir: dir, Settle: 10 * time.Millisecond}, checker)
	defer stop()

	require.Eventually(t, func() bool {
		return exists(filepath.Join(dir, "done", "bad.json"+malformedSuffix))
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, checker.count())
}

func TestInboxRechecksUntilAttemptsRunOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.json"), validCase(t), 0o644))

	checker := &fakeChecker{status: domain.VerdictRecheck}
	cfg := Config{Dir: dir, Settle: 10 * time.Millisecond, Recheck: 20 * time.Millisecond, MaxAttempts: 3}
	stop := startInbox(t, cfg, checker)
	defer stop()

	require.Eventually(t, func() bool {
		return exists(filepath.Join(dir, "done", "late.verdict.json"))
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, checker.count())
}

func TestInboxRetriesFailedMove(t *testing.T) {
	dir := t.TempDir()
	done := filepath.Join(t.TempDir(), "done")
	path := filepath.Join(dir, "case.json")
	require.NoError(t, os.WriteFile(path, validCase(t), 0o644))

	checker := &fakeChecker{status: domain.VerdictPassed}
	in := NewInbox(Config{Dir: dir, DoneDir: done, Settle: time.Second, Recheck: time.Minute}, checker,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in.now = func() time.Time { return now }
	ctx := context.Background()

	in.touch(path)
	now = now.Add(2 * time.Second)
	in.processDue(ctx)

	assert.True(t, exists(path), "case stays in the inbox while the done dir is missing")
	require.Contains(t, in.pending, path)
	assert.Equal(t, 1, checker.count())

	require.NoError(t, os.MkdirAll(done, 0o755))
	in.processDue(ctx)
	assert.True(t, exists(path), "move waits for the recheck delay")

	now = now.Add(time.Minute)
	in.processDue(ctx)

	assert.False(t, exists(path))
	assert.True(t, exists(filepath.Join(done, "case.json")))
	assert.True(t, exists(filepath.Join(done, "case.verdict.json")))
	assert.Empty(t, in.pending)
	assert.Equal(t, 1, checker.count(), "the case is not checked again")
}

func TestNeedsRecheck(t *testing.T) {
	nc := &domain.NoncriticalDataFetchingError{Msg: "missing", Recheck: true}

	assert.True(t, needsRecheck(domain.Verdict{ID: "v", Status: domain.VerdictRecheck}, nil))
	assert.True(t, needsRecheck(domain.Verdict{}, nc))
	assert.False(t, needsRecheck(domain.Verdict{ID: "v", Status: domain.VerdictError}, nc))
	assert.False(t, needsRecheck(domain.Verdict{}, &domain.NoncriticalDataFetchingError{Msg: "x"}))
}

func TestIsCase(t *testing.T) {
	assert.True(t, isCase("/in/a.json"))
	assert.False(t, isCase("/in/.a.json"))
	assert.False(t, isCase("/in/a.json.tmp"))
}
