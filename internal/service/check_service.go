// Package service runs settlement checks against the configured backends:
// it turns inspector outcomes into verdicts, blacklists offending solvers,
// and fans verdicts out to storage, the bus and operators.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/circuitbreaker/internal/checker"
	"github.com/alanyoungcy/circuitbreaker/internal/codec"
	"github.com/alanyoungcy/circuitbreaker/internal/domain"
	"github.com/alanyoungcy/circuitbreaker/internal/notify"
)

// VerdictArchiver stores verdict documents in object storage.
type VerdictArchiver interface {
	ArchiveVerdict(ctx context.Context, v domain.Verdict) error
}

// AlertNotifier delivers operator alerts.
type AlertNotifier interface {
	Notify(ctx context.Context, alert notify.Alert) error
}

// VerdictAttestor signs verdicts.
type VerdictAttestor interface {
	Attest(v *domain.Verdict) error
}

// CheckDeps holds the optional backends of a CheckService. A nil field
// disables that step.
type CheckDeps struct {
	Verdicts  domain.VerdictStore
	Blacklist domain.SolverBlacklist
	Locks     domain.LockManager
	Bus       domain.SignalBus
	Archive   VerdictArchiver
	Notifier  AlertNotifier
	Attestor  VerdictAttestor
}

// CheckConfig holds the tunables of a CheckService.
type CheckConfig struct {
	WhitelistedSolvers map[common.Address]struct{}
	LockTTL            time.Duration
}

// CheckService judges settlement cases and records the verdicts.
type CheckService struct {
	inspector *checker.Inspector
	deps      CheckDeps
	cfg       CheckConfig
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewCheckService creates a CheckService.
func NewCheckService(inspector *checker.Inspector, deps CheckDeps, cfg CheckConfig, logger *slog.Logger) *CheckService {
	return &CheckService{
		inspector: inspector,
		deps:      deps,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "check_service")),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Check judges one settlement case and returns its verdict. The returned
// error is nil only for a passed settlement; otherwise it explains the
// verdict status:
//
//	skipped  *domain.WhitelistedSolverError
//	recheck  domain.ErrMissingOnchainData or domain.ErrLockHeld
//	invalid  *domain.InvalidSettlementError
//	error    anything else
//
// A recheck caused by a held lock is not recorded because another checker
// owns the settlement.
func (s *CheckService) Check(ctx context.Context, sc domain.SettlementCase) (domain.Verdict, error) {
	if sc.Offchain == nil {
		return domain.Verdict{}, &domain.NoncriticalDataFetchingError{
			Msg:     "check_service: missing offchain data",
			Recheck: true,
		}
	}
	on, off := sc.Onchain, sc.Offchain
	v := s.newVerdict(on, off)

	if _, ok := s.cfg.WhitelistedSolvers[v.Solver]; ok {
		v.Status = domain.VerdictSkipped
		v.Reason = domain.ErrWhitelistedSolver.Error()
		s.logger.InfoContext(ctx, "check_service: skipping whitelisted solver",
			slog.Int64("auction_id", v.AuctionID),
			slog.String("solver", v.Solver.Hex()),
		)
		s.alert(ctx, notify.WhitelistedSolver(v))
		s.record(ctx, &v)
		return v, &domain.WhitelistedSolverError{Solver: v.Solver}
	}

	if on == nil {
		v.Status = domain.VerdictRecheck
		v.Reason = domain.ErrMissingOnchainData.Error()
		s.logger.WarnContext(ctx, "check_service: onchain data missing, recheck later",
			slog.Int64("auction_id", v.AuctionID),
		)
		s.record(ctx, &v)
		return v, fmt.Errorf("check_service: auction %d: %w", v.AuctionID, domain.ErrMissingOnchainData)
	}

	if s.deps.Locks != nil {
		unlock, err := s.deps.Locks.Acquire(ctx, "settlement:"+on.TxHash.Hex(), s.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			v.Status = domain.VerdictRecheck
			v.Reason = err.Error()
			return v, fmt.Errorf("check_service: tx %s: %w", on.TxHash.Hex(), err)
		}
		if err != nil {
			return s.fail(ctx, v, fmt.Errorf("check_service: lock tx %s: %w", on.TxHash.Hex(), err))
		}
		defer unlock()
	}

	err := s.inspector.Inspect(ctx, on, off)
	var invalid *domain.InvalidSettlementError
	switch {
	case err == nil:
		v.Status = domain.VerdictPassed
		v.Results = &domain.CheckResults{Solver: true, Orders: true, Score: true, Hooks: true}
	case errors.As(err, &invalid):
		results := invalid.Results
		v.Status = domain.VerdictInvalid
		v.Results = &results
		v.Reason = err.Error()
		s.blacklist(ctx, invalid)
		s.alert(ctx, notify.InvalidSettlement(invalid))
	default:
		return s.fail(ctx, v, fmt.Errorf("check_service: inspect tx %s: %w", on.TxHash.Hex(), err))
	}

	s.record(ctx, &v)
	if err != nil {
		return v, fmt.Errorf("check_service: %w", err)
	}
	return v, nil
}

// fail records an error verdict for a settlement that could not be judged.
func (s *CheckService) fail(ctx context.Context, v domain.Verdict, err error) (domain.Verdict, error) {
	v.Status = domain.VerdictError
	v.Reason = err.Error()
	s.logger.ErrorContext(ctx, "check_service: settlement could not be checked",
		slog.Int64("auction_id", v.AuctionID),
		slog.String("tx_hash", v.TxHash.Hex()),
		slog.String("error", err.Error()),
	)
	s.alert(ctx, notify.CheckError(v, err))
	s.record(ctx, &v)
	return v, err
}

func (s *CheckService) newVerdict(on *domain.OnchainSettlementData, off *domain.OffchainSettlementData) domain.Verdict {
	v := domain.Verdict{
		ID:        s.newID(),
		AuctionID: off.AuctionID,
		Solver:    off.Solver,
		CheckedAt: s.now().UTC(),
	}
	if on != nil {
		v.AuctionID = on.AuctionID
		v.TxHash = on.TxHash
		v.Solver = on.Solver
	}
	return v
}

func (s *CheckService) blacklist(ctx context.Context, e *domain.InvalidSettlementError) {
	if s.deps.Blacklist == nil {
		return
	}
	if err := s.deps.Blacklist.Add(ctx, e.Solver, e.Error()); err != nil {
		s.logger.ErrorContext(ctx, "check_service: blacklist solver failed",
			slog.String("solver", e.Solver.Hex()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.WarnContext(ctx, "check_service: solver blacklisted",
		slog.String("solver", e.Solver.Hex()),
		slog.Int64("auction_id", e.AuctionID),
	)
}

func (s *CheckService) alert(ctx context.Context, a notify.Alert) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Notify(ctx, a); err != nil {
		s.logger.WarnContext(ctx, "check_service: notify failed",
			slog.String("event", a.Event),
			slog.String("error", err.Error()),
		)
	}
}

// record signs, stores, archives and publishes v. Backend failures are
// logged and do not change the verdict.
func (s *CheckService) record(ctx context.Context, v *domain.Verdict) {
	if s.deps.Attestor != nil {
		if err := s.deps.Attestor.Attest(v); err != nil {
			s.logger.ErrorContext(ctx, "check_service: attest verdict failed",
				slog.String("verdict_id", v.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.deps.Verdicts != nil {
		if err := s.deps.Verdicts.Save(ctx, *v); err != nil {
			s.logger.ErrorContext(ctx, "check_service: save verdict failed",
				slog.String("verdict_id", v.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.deps.Archive != nil && v.TxHash != (common.Hash{}) {
		if err := s.deps.Archive.ArchiveVerdict(ctx, *v); err != nil {
			s.logger.WarnContext(ctx, "check_service: archive verdict failed",
				slog.String("verdict_id", v.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.deps.Bus != nil {
		payload, err := codec.MarshalVerdict(*v)
		if err != nil {
			s.logger.WarnContext(ctx, "check_service: encode verdict failed", slog.String("error", err.Error()))
			return
		}
		if err := s.deps.Bus.Publish(ctx, domain.VerdictChannel, payload); err != nil {
			s.logger.WarnContext(ctx, "check_service: publish verdict failed", slog.String("error", err.Error()))
		}
		if err := s.deps.Bus.StreamAppend(ctx, domain.VerdictStream, payload); err != nil {
			s.logger.WarnContext(ctx, "check_service: stream verdict failed", slog.String("error", err.Error()))
		}
	}
	s.logger.InfoContext(ctx, "check_service: verdict recorded",
		slog.String("verdict_id", v.ID),
		slog.Int64("auction_id", v.AuctionID),
		slog.String("tx_hash", v.TxHash.Hex()),
		slog.String("status", string(v.Status)),
	)
}

// LatestVerdict returns the newest stored verdict for txHash.
func (s *CheckService) LatestVerdict(ctx context.Context, txHash common.Hash) (domain.Verdict, error) {
	if s.deps.Verdicts == nil {
		return domain.Verdict{}, domain.ErrNotConfigured
	}
	v, err := s.deps.Verdicts.GetLatest(ctx, txHash)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("check_service: latest verdict %s: %w", txHash.Hex(), err)
	}
	return v, nil
}

// SolverVerdicts lists stored verdicts of solver, newest first.
func (s *CheckService) SolverVerdicts(ctx context.Context, solver common.Address, opts domain.ListOpts) ([]domain.Verdict, error) {
	if s.deps.Verdicts == nil {
		return nil, domain.ErrNotConfigured
	}
	vs, err := s.deps.Verdicts.ListBySolver(ctx, solver, opts)
	if err != nil {
		return nil, fmt.Errorf("check_service: verdicts of %s: %w", solver.Hex(), err)
	}
	return vs, nil
}

// RecentVerdicts lists stored verdicts, newest first.
func (s *CheckService) RecentVerdicts(ctx context.Context, opts domain.ListOpts) ([]domain.Verdict, error) {
	if s.deps.Verdicts == nil {
		return nil, domain.ErrNotConfigured
	}
	vs, err := s.deps.Verdicts.ListRecent(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("check_service: recent verdicts: %w", err)
	}
	return vs, nil
}

// BlacklistStatus reports whether solver is blacklisted and why.
func (s *CheckService) BlacklistStatus(ctx context.Context, solver common.Address) (bool, string, error) {
	if s.deps.Blacklist == nil {
		return false, "", domain.ErrNotConfigured
	}
	listed, err := s.deps.Blacklist.Contains(ctx, solver)
	if err != nil {
		return false, "", fmt.Errorf("check_service: blacklist %s: %w", solver.Hex(), err)
	}
	if !listed {
		return false, "", nil
	}
	reason, err := s.deps.Blacklist.Reason(ctx, solver)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return true, "", fmt.Errorf("check_service: blacklist reason %s: %w", solver.Hex(), err)
	}
	return true, reason, nil
}
