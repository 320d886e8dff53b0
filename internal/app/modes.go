package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/circuitbreaker/internal/blob/s3"
	"github.com/alanyoungcy/circuitbreaker/internal/codec"
	"github.com/alanyoungcy/circuitbreaker/internal/domain"
	"github.com/alanyoungcy/circuitbreaker/internal/server"
	"github.com/alanyoungcy/circuitbreaker/internal/server/handler"
	"github.com/alanyoungcy/circuitbreaker/internal/server/ws"
	"github.com/alanyoungcy/circuitbreaker/internal/watch"
)

// Checker judges one settlement case.
type Checker interface {
	Check(ctx context.Context, sc domain.SettlementCase) (domain.Verdict, error)
}

// CheckFiles checks the case files at paths in order. The returned error
// wraps ErrInvalidSettlements when any settlement is invalid and reports
// files that could not be read or decoded.
func (a *App) CheckFiles(ctx context.Context, deps *Dependencies, paths []string) (*Summary, error) {
	if len(paths) == 0 {
		return nil, errors.New("app: check: no case files given")
	}
	svc := deps.CheckService(a.cfg, a.logger)
	summary := newSummary()

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		f, err := os.Open(path)
		if err != nil {
			a.logger.ErrorContext(ctx, "app: open case file", slog.String("file", path), slog.String("error", err.Error()))
			summary.Add(domain.Verdict{})
			continue
		}
		v := a.checkCase(ctx, svc, path, f)
		f.Close()
		summary.Add(v)
	}

	a.logger.InfoContext(ctx, "app: check finished", summary.attrs()...)
	return summary, batchErr(summary)
}

// checkCase decodes and checks one case, logging the outcome. A case that
// cannot be decoded yields an empty verdict.
func (a *App) checkCase(ctx context.Context, svc Checker, name string, r io.Reader) domain.Verdict {
	log := a.logger.With(slog.String("case", name))

	sc, err := codec.DecodeCase(r)
	if err != nil {
		log.ErrorContext(ctx, "app: malformed case", slog.String("error", err.Error()))
		return domain.Verdict{}
	}

	v, err := svc.Check(ctx, sc)
	attrs := []any{
		slog.String("status", string(v.Status)),
		slog.Int64("auction_id", v.AuctionID),
		slog.String("tx_hash", v.TxHash.Hex()),
	}
	switch {
	case err == nil:
		log.InfoContext(ctx, "app: settlement passed", attrs...)
	case v.Status == domain.VerdictInvalid || v.Status == domain.VerdictError:
		log.ErrorContext(ctx, "app: settlement "+string(v.Status), append(attrs, slog.String("error", err.Error()))...)
	default:
		log.WarnContext(ctx, "app: settlement not judged", append(attrs, slog.String("error", err.Error()))...)
	}
	return v
}

func batchErr(s *Summary) error {
	var errs []error
	if err := s.Err(); err != nil {
		errs = append(errs, err)
	}
	if s.Malformed > 0 {
		errs = append(errs, fmt.Errorf("app: %d case(s) could not be read", s.Malformed))
	}
	return errors.Join(errs...)
}

// Replay checks every *.json case under the configured case prefix with at
// most checker.concurrency checks in flight, then uploads a JSONL report of
// the verdicts in case-key order.
func (a *App) Replay(ctx context.Context, deps *Dependencies) (*Summary, error) {
	if deps.BlobReader == nil {
		return nil, fmt.Errorf("app: replay: object storage: %w", domain.ErrNotConfigured)
	}
	started := time.Now().UTC()

	infos, err := deps.BlobReader.List(ctx, a.cfg.Checker.CasePrefix)
	if err != nil {
		return nil, fmt.Errorf("app: replay: list cases: %w", err)
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".json") {
			keys = append(keys, info.Path)
		}
	}
	sort.Strings(keys)
	a.logger.InfoContext(ctx, "app: replay starting",
		slog.String("prefix", a.cfg.Checker.CasePrefix),
		slog.Int("cases", len(keys)),
		slog.Int("concurrency", a.cfg.Checker.Concurrency),
	)

	svc := deps.CheckService(a.cfg, a.logger)
	summary := newSummary()
	verdicts := make([]domain.Verdict, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.cfg.Checker.Concurrency, 1))
	for i, key := range keys {
		g.Go(func() error {
			rc, err := deps.BlobReader.Get(gctx, key)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				a.logger.ErrorContext(gctx, "app: fetch case", slog.String("case", key), slog.String("error", err.Error()))
				summary.Add(domain.Verdict{})
				return nil
			}
			defer rc.Close()
			verdicts[i] = a.checkCase(gctx, svc, key, rc)
			summary.Add(verdicts[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, fmt.Errorf("app: replay: %w", err)
	}

	if deps.Archiver != nil {
		path, err := a.uploadReport(ctx, deps, started, verdicts)
		if err != nil {
			return summary, err
		}
		a.logger.InfoContext(ctx, "app: replay report uploaded", slog.String("path", path))
	}

	a.logger.InfoContext(ctx, "app: replay finished", summary.attrs()...)
	return summary, batchErr(summary)
}

// uploadReport streams the verdicts as JSONL into a multipart upload.
func (a *App) uploadReport(ctx context.Context, deps *Dependencies, started time.Time, verdicts []domain.Verdict) (string, error) {
	pr, pw := io.Pipe()
	go func() {
		var err error
		for _, v := range verdicts {
			if v.ID == "" {
				continue
			}
			if err = codec.EncodeVerdict(pw, v); err != nil {
				break
			}
		}
		pw.CloseWithError(err)
	}()

	path, err := deps.Archiver.UploadReport(ctx, started, pr)
	if err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("app: replay report: %w", err)
	}
	return path, nil
}

// Watch checks case files dropped into the configured inbox until ctx is
// cancelled.
func (a *App) Watch(ctx context.Context, deps *Dependencies) error {
	inbox := watch.NewInbox(watch.Config{
		Dir:     a.cfg.Watch.Dir,
		DoneDir: a.cfg.Watch.DoneDir,
		Settle:  a.cfg.Watch.Settle.Duration,
	}, deps.CheckService(a.cfg, a.logger), a.logger)

	if err := inbox.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app: watch: %w", err)
	}
	return nil
}

// Serve runs the HTTP API and the WebSocket verdict feed until ctx is
// cancelled, then shuts the server down gracefully.
func (a *App) Serve(ctx context.Context, deps *Dependencies) error {
	svc := deps.CheckService(a.cfg, a.logger)

	var hub *ws.Hub
	if deps.Bus != nil {
		hub = ws.NewHub(deps.Bus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: time.Now().UTC(),
			Backlog:   a.cfg.Server.WSBacklog,
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(deps.Health, a.logger),
		Verdicts: handler.NewVerdictHandler(svc, a.logger),
	}, hub, deps.Limiter, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	if hub != nil {
		g.Go(func() error {
			if err := hub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: ws hub: %w", err)
			}
			return nil
		})
	}
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ArchiveMonth exports the stored verdicts of month to object storage and
// returns how many were written. An existing export of the month is only
// replaced when overwrite is set.
func (a *App) ArchiveMonth(ctx context.Context, month time.Time, overwrite bool) (int, error) {
	deps, err := a.wire(ctx)
	if err != nil {
		return 0, err
	}
	return a.archiveMonth(ctx, deps, month, overwrite)
}

func (a *App) archiveMonth(ctx context.Context, deps *Dependencies, month time.Time, overwrite bool) (int, error) {
	if deps.Verdicts == nil || deps.Archiver == nil || deps.BlobReader == nil {
		return 0, fmt.Errorf("app: archive needs a database and object storage: %w", domain.ErrNotConfigured)
	}
	path := s3blob.ArchivePath(month)
	if !overwrite {
		exists, err := deps.BlobReader.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("app: archive: %w", err)
		}
		if exists {
			return 0, fmt.Errorf("app: %s: %w", path, ErrArchiveExists)
		}
	}
	n, err := deps.Archiver.ArchiveMonth(ctx, deps.Verdicts, month)
	if err != nil {
		return 0, fmt.Errorf("app: archive: %w", err)
	}
	a.logger.InfoContext(ctx, "app: archive finished",
		slog.String("month", month.UTC().Format("2006-01")),
		slog.String("path", path),
		slog.Int("verdicts", n),
	)
	return n, nil
}
