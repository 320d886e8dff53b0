package checker

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

// CheckHooks reports whether every order's hooks were executed:
//   - on the first fill of an order all of its pre-hooks and post-hooks must
//     appear among the hook candidates of the transaction,
//   - on later fills only the post-hooks are required.
//
// A hook matches a candidate when target, calldata and gas limit are all
// equal. Whether a hook call reverted, or whether a call between the
// settlement entry and the hook reverted, cannot be told from the candidates
// and is not checked.
//
// Every missing hook is logged before the check fails.
func (i *Inspector) CheckHooks(ctx context.Context, on *domain.OnchainSettlementData, off *domain.OffchainSettlementData) bool {
	ok := true
	for _, trade := range off.Trades {
		expected := off.HooksFor(trade.OrderUID)
		if expected.Empty() {
			continue
		}
		firstFill := trade.IsFirstFill()

		if firstFill && on.HookCandidates.Empty() {
			i.logger.ErrorContext(ctx, "checker: order requires hooks but none were executed",
				slog.String("tx_hash", on.TxHash.Hex()),
				slog.String("order_uid", trade.OrderUID.Hex()),
			)
			ok = false
			continue
		}

		if firstFill {
			for _, hook := range expected.PreHooks {
				if !domain.ContainsHook(on.HookCandidates.PreHooks, hook) {
					i.logMissingHook(ctx, on, trade.OrderUID, "pre", hook)
					ok = false
				}
			}
		}
		for _, hook := range expected.PostHooks {
			if !domain.ContainsHook(on.HookCandidates.PostHooks, hook) {
				i.logMissingHook(ctx, on, trade.OrderUID, "post", hook)
				ok = false
			}
		}
	}
	return ok
}

func (i *Inspector) logMissingHook(ctx context.Context, on *domain.OnchainSettlementData, uid domain.OrderUID, stage string, hook domain.Hook) {
	i.logger.ErrorContext(ctx, "checker: hook not executed",
		slog.String("tx_hash", on.TxHash.Hex()),
		slog.String("order_uid", uid.Hex()),
		slog.String("stage", stage),
		slog.String("target", hook.Target.Hex()),
		slog.String("calldata", hexutil.Encode(hook.Calldata)),
		slog.Uint64("gas_limit", hook.GasLimit),
	)
}
