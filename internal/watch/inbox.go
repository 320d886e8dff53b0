// Package watch feeds settlement case files dropped into an inbox directory
// to the checker.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alanyoungcy/circuitbreaker/internal/codec"
	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

// Suffixes of files written next to processed cases in the done directory.
const (
	verdictSuffix   = ".verdict.json"
	malformedSuffix = ".malformed"
)

// Checker judges one settlement case.
type Checker interface {
	Check(ctx context.Context, sc domain.SettlementCase) (domain.Verdict, error)
}

// Config configures an Inbox.
type Config struct {
	Dir     string
	DoneDir string        // defaults to Dir/done
	Settle  time.Duration // quiet period before a file is read
	// Recheck is the delay before a case that asked for a recheck is read
	// again. At most MaxAttempts reads are made.
	Recheck     time.Duration
	MaxAttempts int
}

type pendingFile struct {
	due      time.Time
	attempts int

	// outcome is set once the case was judged but could not be moved yet.
	outcome *outcome
}

// outcome is the result a judged case is moved into the done directory with.
type outcome struct {
	suffix  string
	verdict *domain.Verdict
	written bool // verdict file already written
}

// Inbox watches a directory for *.json settlement cases. Each case is
// decoded and checked once its file has been quiet for Settle, then moved
// to DoneDir together with a verdict file.
type Inbox struct {
	cfg     Config
	checker Checker
	logger  *slog.Logger
	pending map[string]*pendingFile
	now     func() time.Time
}

// NewInbox creates an Inbox. Zero durations fall back to defaults.
func NewInbox(cfg Config, checker Checker, logger *slog.Logger) *Inbox {
	if cfg.DoneDir == "" {
		cfg.DoneDir = filepath.Join(cfg.Dir, "done")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	if cfg.Recheck <= 0 {
		cfg.Recheck = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Inbox{
		cfg:     cfg,
		checker: checker,
		logger:  logger.With(slog.String("component", "inbox")),
		pending: make(map[string]*pendingFile),
		now:     time.Now,
	}
}

// Run processes the files already in the inbox and then every file that
// appears, until ctx is cancelled.
func (in *Inbox) Run(ctx context.Context) error {
	for _, dir := range []string{in.cfg.Dir, in.cfg.DoneDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("inbox: create %s: %w", dir, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("inbox: new watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(in.cfg.Dir); err != nil {
		return fmt.Errorf("inbox: watch %s: %w", in.cfg.Dir, err)
	}
	in.logger.Info("inbox: watching", slog.String("dir", in.cfg.Dir), slog.String("done_dir", in.cfg.DoneDir))

	if err := in.sweep(); err != nil {
		return err
	}

	tick := time.NewTicker(max(in.cfg.Settle/5, 10*time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("inbox: event channel closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && isCase(event.Name) {
				in.touch(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("inbox: error channel closed")
			}
			in.logger.Warn("inbox: watcher error", slog.String("error", err.Error()))

		case <-tick.C:
			in.processDue(ctx)
		}
	}
}

// sweep queues the case files present before the watch started.
func (in *Inbox) sweep() error {
	entries, err := os.ReadDir(in.cfg.Dir)
	if err != nil {
		return fmt.Errorf("inbox: read %s: %w", in.cfg.Dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && isCase(e.Name()) {
			in.touch(filepath.Join(in.cfg.Dir, e.Name()))
		}
	}
	return nil
}

func isCase(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}

// touch (re)starts the settle period of path. Retry counts survive.
func (in *Inbox) touch(path string) {
	p, ok := in.pending[path]
	if !ok {
		p = &pendingFile{}
		in.pending[path] = p
	}
	p.due = in.now().Add(in.cfg.Settle)
	p.outcome = nil
}

// processDue handles every pending file whose due time has passed, in name
// order.
func (in *Inbox) processDue(ctx context.Context) {
	now := in.now()
	var due []string
	for path, p := range in.pending {
		if !now.Before(p.due) {
			due = append(due, path)
		}
	}
	sort.Strings(due)
	for _, path := range due {
		if ctx.Err() != nil {
			return
		}
		in.process(ctx, path)
	}
}

func (in *Inbox) process(ctx context.Context, path string) {
	p := in.pending[path]
	log := in.logger.With(slog.String("file", filepath.Base(path)))
	if p.outcome != nil {
		in.move(path, p, log)
		return
	}
	p.attempts++

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		delete(in.pending, path)
		return
	}
	if err != nil {
		log.Error("inbox: open case", slog.String("error", err.Error()), slog.Int("attempt", p.attempts))
		if p.attempts >= in.cfg.MaxAttempts {
			delete(in.pending, path)
			return
		}
		p.due = in.now().Add(in.cfg.Recheck)
		return
	}
	sc, err := codec.DecodeCase(f)
	f.Close()
	if err != nil {
		log.Warn("inbox: rejecting malformed case", slog.String("error", err.Error()))
		in.finish(path, p, malformedSuffix, nil, log)
		return
	}

	v, checkErr := in.checker.Check(ctx, sc)
	if needsRecheck(v, checkErr) && p.attempts < in.cfg.MaxAttempts {
		p.due = in.now().Add(in.cfg.Recheck)
		log.Info("inbox: case queued for recheck",
			slog.Int("attempt", p.attempts),
			slog.Duration("delay", in.cfg.Recheck),
		)
		return
	}
	if v.ID == "" {
		log.Error("inbox: case could not be checked", slog.String("error", errString(checkErr)))
		in.finish(path, p, malformedSuffix, nil, log)
		return
	}

	log.Info("inbox: case checked",
		slog.String("status", string(v.Status)),
		slog.Int64("auction_id", v.AuctionID),
		slog.String("reason", v.Reason),
	)
	in.finish(path, p, "", &v, log)
}

func needsRecheck(v domain.Verdict, err error) bool {
	if v.Status == domain.VerdictRecheck {
		return true
	}
	var nc *domain.NoncriticalDataFetchingError
	return v.ID == "" && errors.As(err, &nc) && nc.Recheck
}

// finish records the outcome of path and moves it into the done directory.
func (in *Inbox) finish(path string, p *pendingFile, suffix string, v *domain.Verdict, log *slog.Logger) {
	p.outcome = &outcome{suffix: suffix, verdict: v}
	in.move(path, p, log)
}

// move writes the verdict file, when there is one, and renames path into the
// done directory. On failure path stays pending and only the move is retried
// after the recheck delay.
func (in *Inbox) move(path string, p *pendingFile, log *slog.Logger) {
	o := p.outcome
	dest := filepath.Join(in.cfg.DoneDir, filepath.Base(path)+o.suffix)

	if o.verdict != nil && !o.written {
		if err := writeVerdict(strings.TrimSuffix(dest, ".json")+verdictSuffix, *o.verdict); err != nil {
			in.retryMove(p, log, err)
			return
		}
		o.written = true
	}
	if err := os.Rename(path, dest); err != nil {
		if errors.Is(err, os.ErrNotExist) && !fileExists(path) {
			delete(in.pending, path)
			return
		}
		in.retryMove(p, log, err)
		return
	}
	delete(in.pending, path)
}

func (in *Inbox) retryMove(p *pendingFile, log *slog.Logger, err error) {
	p.due = in.now().Add(in.cfg.Recheck)
	log.Error("inbox: move case, retrying",
		slog.String("error", err.Error()),
		slog.Duration("delay", in.cfg.Recheck),
	)
}

func writeVerdict(path string, v domain.Verdict) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := codec.EncodeVerdict(out, v); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
