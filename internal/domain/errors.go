package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrLockHeld           = errors.New("lock already held")
	ErrInvalidOrderKind   = errors.New("invalid order kind")
	ErrZeroDenominator    = errors.New("zero denominator")
	ErrMissingNativePrice = errors.New("missing native price")
	ErrMissingOnchainData = errors.New("missing onchain data")
	ErrInvalidSettlement  = errors.New("invalid settlement")
	ErrWhitelistedSolver  = errors.New("whitelisted solver")
	ErrNotConfigured      = errors.New("backend not configured")
)

// CheckResults is the outcome vector of the four settlement checks.
type CheckResults struct {
	Solver bool `json:"solver"`
	Orders bool `json:"orders"`
	Score  bool `json:"score"`
	Hooks  bool `json:"hooks"`
}

// Passed reports whether every check succeeded.
func (r CheckResults) Passed() bool {
	return r.Solver && r.Orders && r.Score && r.Hooks
}

// Vector returns the results in check order: solver, orders, score, hooks.
func (r CheckResults) Vector() [4]bool {
	return [4]bool{r.Solver, r.Orders, r.Score, r.Hooks}
}

// Failed returns the names of the checks that did not pass.
func (r CheckResults) Failed() []string {
	var failed []string
	if !r.Solver {
		failed = append(failed, "solver")
	}
	if !r.Orders {
		failed = append(failed, "orders")
	}
	if !r.Score {
		failed = append(failed, "score")
	}
	if !r.Hooks {
		failed = append(failed, "hooks")
	}
	return failed
}

// InvalidSettlementError signals that all data was available and at least one
// check failed. It always results in blacklisting the solver.
type InvalidSettlementError struct {
	AuctionID int64
	TxHash    common.Hash
	Solver    common.Address
	Results   CheckResults
}

func (e *InvalidSettlementError) Error() string {
	return fmt.Sprintf("invalid settlement: id %d\t solver %s test results %v [failed=%s] [solver=%s]",
		e.AuctionID, e.Solver.Hex(), e.Results.Vector(),
		strings.Join(e.Results.Failed(), ","), e.Solver.Hex())
}

func (e *InvalidSettlementError) Unwrap() error { return ErrInvalidSettlement }

// MissingNativePriceError reports a trade whose buy token has no native price,
// which makes the settlement score uncomputable.
type MissingNativePriceError struct {
	Token common.Address
}

func (e *MissingNativePriceError) Error() string {
	return fmt.Sprintf("missing native price for token %s", e.Token.Hex())
}

func (e *MissingNativePriceError) Unwrap() error { return ErrMissingNativePrice }

// NoncriticalDataFetchingError is a data fetching failure that should be
// retried later when Recheck is set.
type NoncriticalDataFetchingError struct {
	Msg     string
	Recheck bool
}

func (e *NoncriticalDataFetchingError) Error() string {
	return fmt.Sprintf("%s [recheck=%t]", e.Msg, e.Recheck)
}

// CriticalDataFetchingError is a data fetching failure that needs immediate
// operator attention.
type CriticalDataFetchingError struct {
	Msg    string
	Solver common.Address
}

func (e *CriticalDataFetchingError) Error() string {
	return fmt.Sprintf("%s [solver=%s]", e.Msg, e.Solver.Hex())
}

// WhitelistedSolverError signals a settlement from a trusted solver; all
// checks are skipped.
type WhitelistedSolverError struct {
	Solver common.Address
}

func (e *WhitelistedSolverError) Error() string {
	return fmt.Sprintf("settlement from whitelisted solver [solver=%s]", e.Solver.Hex())
}

func (e *WhitelistedSolverError) Unwrap() error { return ErrWhitelistedSolver }

func invalidKind(kind OrderKind) error {
	return fmt.Errorf("%w: %q", ErrInvalidOrderKind, string(kind))
}
