// Package app wires the circuit breaker's backends from configuration and
// runs one of its modes: checking case files, replaying a bucket of cases,
// watching an inbox directory, or serving the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/circuitbreaker/internal/config"
	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

// ErrInvalidSettlements is returned by the batch modes when at least one
// settlement failed its checks.
var ErrInvalidSettlements = errors.New("invalid settlements found")

// ErrArchiveExists is returned by ArchiveMonth when the month was already
// exported and overwriting was not requested.
var ErrArchiveExists = errors.New("archive already exists")

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires the backends and runs the configured mode. paths are the case
// files of mode check and are ignored otherwise.
func (a *App) Run(ctx context.Context, paths []string) error {
	a.logger.InfoContext(ctx, "app: starting",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, err := a.wire(ctx)
	if err != nil {
		return err
	}

	switch strings.ToLower(a.cfg.Mode) {
	case "check":
		_, err := a.CheckFiles(ctx, deps, paths)
		return err
	case "replay":
		_, err := a.Replay(ctx, deps)
		return err
	case "watch":
		return a.Watch(ctx, deps)
	case "serve":
		return a.Serve(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// wire builds the backends once and registers their cleanup.
func (a *App) wire(ctx context.Context) (*Dependencies, error) {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	return deps, nil
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("app: shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Summary counts the outcomes of a batch of cases.
type Summary struct {
	mu        sync.Mutex
	Total     int
	Malformed int
	ByStatus  map[domain.VerdictStatus]int
}

func newSummary() *Summary {
	return &Summary{ByStatus: make(map[domain.VerdictStatus]int)}
}

// Add counts one verdict. A verdict without ID counts as malformed input.
func (s *Summary) Add(v domain.Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Total++
	if v.ID == "" {
		s.Malformed++
		return
	}
	s.ByStatus[v.Status]++
}

// Err returns ErrInvalidSettlements when any verdict is invalid.
func (s *Summary) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.ByStatus[domain.VerdictInvalid]; n > 0 {
		return fmt.Errorf("%w: %d of %d", ErrInvalidSettlements, n, s.Total)
	}
	return nil
}

// attrs renders the summary for a log line, statuses in name order.
func (s *Summary) attrs() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make([]string, 0, len(s.ByStatus))
	for st := range s.ByStatus {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)

	out := []any{slog.Int("total", s.Total), slog.Int("malformed", s.Malformed)}
	for _, st := range statuses {
		out = append(out, slog.Int(st, s.ByStatus[domain.VerdictStatus(st)]))
	}
	return out
}
