// Package checker decides whether an executed settlement honours the solution
// that won the competition.
package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/circuitbreaker/internal/domain"
	"github.com/alanyoungcy/circuitbreaker/internal/score"
)

// ScoreCheckThreshold is the largest shortfall of the computed score against
// the competition score that is still accepted, in native token atoms.
var ScoreCheckThreshold = big.NewInt(1_000_000_000_000)

// Inspector runs the settlement checks. It holds no state besides its logger
// and is safe for concurrent use.
type Inspector struct {
	logger *slog.Logger
}

// NewInspector creates an Inspector logging through logger.
func NewInspector(logger *slog.Logger) *Inspector {
	return &Inspector{
		logger: logger.With(slog.String("component", "checker")),
	}
}

// Inspect runs the solver, orders, score and hooks checks. Every check runs
// even when an earlier one failed or could not be evaluated. It returns nil
// when all pass.
//
// When at least one check failed it returns a *domain.InvalidSettlementError
// carrying the result vector. A check that could not be evaluated because of
// malformed input (an unknown order kind, a zero limit amount or a missing
// native price) is marked failed in that vector and its error is joined to the
// result, so both stay visible to errors.As and errors.Is. Malformed input
// alone, with no other failed check, is returned as a plain wrapped error.
func (i *Inspector) Inspect(ctx context.Context, on *domain.OnchainSettlementData, off *domain.OffchainSettlementData) error {
	i.logger.InfoContext(ctx, "checker: checking auction",
		slog.Int64("auction_id", on.AuctionID),
		slog.String("tx_hash", on.TxHash.Hex()),
	)

	var (
		results  domain.CheckResults
		inputErr error
		failed   bool
		err      error
	)
	results.Solver = i.CheckSolver(ctx, on, off)
	failed = !results.Solver

	if results.Orders, err = i.CheckOrders(ctx, on, off); err != nil {
		inputErr = errors.Join(inputErr, fmt.Errorf("checker: orders of auction %d: %w", on.AuctionID, err))
	} else if !results.Orders {
		failed = true
	}
	if results.Score, err = i.CheckScore(ctx, on, off); err != nil {
		inputErr = errors.Join(inputErr, fmt.Errorf("checker: score of auction %d: %w", on.AuctionID, err))
	} else if !results.Score {
		failed = true
	}
	results.Hooks = i.CheckHooks(ctx, on, off)
	failed = failed || !results.Hooks

	if failed {
		invalid := &domain.InvalidSettlementError{
			AuctionID: on.AuctionID,
			TxHash:    on.TxHash,
			Solver:    on.Solver,
			Results:   results,
		}
		if inputErr != nil {
			return errors.Join(invalid, inputErr)
		}
		return invalid
	}
	if inputErr != nil {
		return inputErr
	}
	i.logger.InfoContext(ctx, "checker: auction passed all checks",
		slog.Int64("auction_id", on.AuctionID),
	)
	return nil
}

// CheckSolver reports whether the settlement was submitted by the winner.
func (i *Inspector) CheckSolver(ctx context.Context, on *domain.OnchainSettlementData, off *domain.OffchainSettlementData) bool {
	if on.Solver != off.Solver {
		i.logger.ErrorContext(ctx, "checker: settlement not executed by winning solver",
			slog.String("tx_hash", on.TxHash.Hex()),
			slog.String("onchain_solver", on.Solver.Hex()),
			slog.String("offchain_solver", off.Solver.Hex()),
		)
		return false
	}
	return true
}

// CheckOrders applies three rules, stopping at the first that fails:
//  1. the executed and the proposed order UIDs are the same set,
//  2. every executed trade moved exactly the proposed amounts,
//  3. every trade with positive surplus belongs to an auction order or to a
//     surplus capturing JIT owner.
func (i *Inspector) CheckOrders(ctx context.Context, on *domain.OnchainSettlementData, off *domain.OffchainSettlementData) (bool, error) {
	onchain := make(map[domain.OrderUID]domain.OnchainTrade, len(on.Trades))
	for _, t := range on.Trades {
		onchain[t.OrderUID] = t
	}
	offchain := make(map[domain.OrderUID]domain.OffchainTrade, len(off.Trades))
	for _, t := range off.Trades {
		offchain[t.OrderUID] = t
	}

	if !sameKeys(onchain, offchain) {
		i.logger.ErrorContext(ctx, "checker: trades mismatch",
			slog.String("tx_hash", on.TxHash.Hex()),
			slog.Int("onchain", len(onchain)),
			slog.Int("offchain", len(offchain)),
		)
		return false, nil
	}

	for _, proposed := range off.Trades {
		executed := onchain[proposed.OrderUID]
		if executed.SellAmount.Cmp(proposed.SellAmount) != 0 || executed.BuyAmount.Cmp(proposed.BuyAmount) != 0 {
			i.logger.ErrorContext(ctx, "checker: executed trade does not match revealed trade",
				slog.String("tx_hash", on.TxHash.Hex()),
				slog.Any("onchain_trade", executed),
				slog.Any("offchain_trade", proposed),
			)
			return false, nil
		}
	}

	for _, executed := range on.Trades {
		surplus, err := executed.Surplus()
		if err != nil {
			return false, fmt.Errorf("order %s: %w", executed.OrderUID, err)
		}
		if surplus.Sign() <= 0 {
			continue
		}
		if !off.IsValidOrder(executed.OrderUID) && !off.IsJITOwner(executed.Owner) {
			i.logger.ErrorContext(ctx, "checker: non-auction order without surplus capturing owner has surplus",
				slog.String("tx_hash", on.TxHash.Hex()),
				slog.String("order_uid", executed.OrderUID.Hex()),
				slog.String("owner", executed.Owner.Hex()),
				slog.String("surplus", surplus.String()),
			)
			return false, nil
		}
	}
	return true, nil
}

// CheckScore reports whether the computed score falls short of the
// competition score by at most ScoreCheckThreshold. A computed score above
// the reported one always passes.
func (i *Inspector) CheckScore(ctx context.Context, on *domain.OnchainSettlementData, off *domain.OffchainSettlementData) (bool, error) {
	computed, err := score.Compute(on, off)
	if err != nil {
		return false, err
	}
	reported := off.Score
	if reported == nil {
		reported = new(big.Int)
	}
	diff := new(big.Int).Sub(reported, computed)

	attrs := []any{
		slog.String("competition_score", reported.String()),
		slog.String("computed_score", computed.String()),
		slog.String("difference", diff.String()),
	}
	i.logger.DebugContext(ctx, "checker: score comparison", attrs...)

	if diff.Cmp(ScoreCheckThreshold) > 0 {
		i.logger.ErrorContext(ctx, "checker: computed score smaller than score reported in competition",
			slog.String("tx_hash", on.TxHash.Hex()),
		)
		i.logger.WarnContext(ctx, "checker: score shortfall", attrs...)
		return false, nil
	}
	return true, nil
}

func sameKeys(a map[domain.OrderUID]domain.OnchainTrade, b map[domain.OrderUID]domain.OffchainTrade) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
