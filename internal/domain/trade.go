package domain

import (
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/circuitbreaker/internal/ratmath"
)

// Trade holds the fields shared by executed and proposed trades. Amounts are
// never mutated in place; derived trades get fresh big.Int values.
type Trade struct {
	OrderUID   OrderUID
	SellAmount *big.Int
	BuyAmount  *big.Int
}

// OnchainTrade is a trade as executed by the settlement transaction,
// reconstructed from its calldata.
type OnchainTrade struct {
	Trade
	Owner           common.Address
	SellToken       common.Address
	BuyToken        common.Address
	LimitSellAmount *big.Int
	LimitBuyAmount  *big.Int
	Kind            OrderKind
}

// OffchainTrade is a trade as proposed in the winning competition solution.
type OffchainTrade struct {
	Trade
	// AlreadyExecutedAmount is the cumulative fill of the order before this
	// settlement. Zero (or nil) means this is the first fill.
	AlreadyExecutedAmount *big.Int
}

// IsFirstFill reports whether the order had not been filled before.
func (t OffchainTrade) IsFirstFill() bool {
	return t.AlreadyExecutedAmount == nil || t.AlreadyExecutedAmount.Sign() == 0
}

// Volume is the traded amount in the surplus token: the buy amount of a sell
// order, the sell amount of a buy order.
func (t OnchainTrade) Volume() (*big.Int, error) {
	switch t.Kind {
	case OrderKindSell:
		return new(big.Int).Set(t.BuyAmount), nil
	case OrderKindBuy:
		return new(big.Int).Set(t.SellAmount), nil
	default:
		return nil, invalidKind(t.Kind)
	}
}

// Surplus is the benefit of the trade over its limit price, in the surplus
// token. The limit is scaled to the executed fill and rounded to the worst
// price the settlement contract still accepts: up for the buy side of sell
// orders, down for the sell side of buy orders.
func (t OnchainTrade) Surplus() (*big.Int, error) {
	switch t.Kind {
	case OrderKindSell:
		if t.LimitSellAmount.Sign() == 0 {
			return nil, fmt.Errorf("%w: limit sell amount of order %s", ErrZeroDenominator, t.OrderUID)
		}
		currentLimitBuy := ratmath.Ceil(ratmath.MulFrac(t.LimitBuyAmount, t.SellAmount, t.LimitSellAmount))
		return new(big.Int).Sub(t.BuyAmount, currentLimitBuy), nil
	case OrderKindBuy:
		if t.LimitBuyAmount.Sign() == 0 {
			return nil, fmt.Errorf("%w: limit buy amount of order %s", ErrZeroDenominator, t.OrderUID)
		}
		currentLimitSell := ratmath.Floor(ratmath.MulFrac(t.LimitSellAmount, t.BuyAmount, t.LimitBuyAmount))
		return new(big.Int).Sub(currentLimitSell, t.SellAmount), nil
	default:
		return nil, invalidKind(t.Kind)
	}
}

// RawSurplus is the surplus the trade would have had without protocol fees.
// Fee policies are listed in the order they were applied and are reversed
// last to first.
func (t OnchainTrade) RawSurplus(policies []FeePolicy) (*big.Int, error) {
	raw, err := ReverseProtocolFees(policies, t)
	if err != nil {
		return nil, err
	}
	return raw.Surplus()
}

// ProtocolFee is the total protocol fee charged on the trade, in the surplus
// token.
func (t OnchainTrade) ProtocolFee(policies []FeePolicy) (*big.Int, error) {
	raw, err := t.RawSurplus(policies)
	if err != nil {
		return nil, err
	}
	surplus, err := t.Surplus()
	if err != nil {
		return nil, err
	}
	return raw.Sub(raw, surplus), nil
}

// SurplusToken is the token surplus is denominated in.
func (t OnchainTrade) SurplusToken() (common.Address, error) {
	switch t.Kind {
	case OrderKindSell:
		return t.BuyToken, nil
	case OrderKindBuy:
		return t.SellToken, nil
	default:
		return common.Address{}, invalidKind(t.Kind)
	}
}

// PriceImprovement is the smaller of the improvement over the quote and the
// improvement over the limit price. The smaller value yields the smaller fee.
// The quote is scaled to the executed fill with the same rounding as the
// limit price in Surplus.
func (t OnchainTrade) PriceImprovement(q Quote) (*big.Int, error) {
	effSell, err := q.EffectiveSellAmount(t.Kind)
	if err != nil {
		return nil, err
	}
	effBuy, err := q.EffectiveBuyAmount(t.Kind)
	if err != nil {
		return nil, err
	}

	var quoteImprovement *big.Int
	switch t.Kind {
	case OrderKindSell:
		if effSell.Sign() == 0 {
			return nil, fmt.Errorf("%w: effective quote sell amount", ErrZeroDenominator)
		}
		currentQuoteBuy := ratmath.Ceil(ratmath.MulFrac(effBuy, t.SellAmount, effSell))
		quoteImprovement = new(big.Int).Sub(t.BuyAmount, currentQuoteBuy)
	case OrderKindBuy:
		if effBuy.Sign() == 0 {
			return nil, fmt.Errorf("%w: effective quote buy amount", ErrZeroDenominator)
		}
		currentQuoteSell := ratmath.Floor(ratmath.MulFrac(effSell, t.BuyAmount, effBuy))
		quoteImprovement = new(big.Int).Sub(currentQuoteSell, t.SellAmount)
	default:
		return nil, invalidKind(t.Kind)
	}

	surplus, err := t.Surplus()
	if err != nil {
		return nil, err
	}
	return ratmath.Min(quoteImprovement, surplus), nil
}

// withoutFee returns a copy of t with fee added back to the surplus side: the
// buy amount of a sell order grows, the sell amount of a buy order shrinks.
func (t OnchainTrade) withoutFee(fee *big.Int) (OnchainTrade, error) {
	switch t.Kind {
	case OrderKindSell:
		t.BuyAmount = new(big.Int).Add(t.BuyAmount, fee)
	case OrderKindBuy:
		t.SellAmount = new(big.Int).Sub(t.SellAmount, fee)
	default:
		return OnchainTrade{}, invalidKind(t.Kind)
	}
	return t, nil
}

// LogValue implements slog.LogValuer.
func (t OnchainTrade) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("order_uid", t.OrderUID.Hex()),
		slog.String("kind", string(t.Kind)),
		slog.String("owner", t.Owner.Hex()),
		slog.String("sell_token", t.SellToken.Hex()),
		slog.String("buy_token", t.BuyToken.Hex()),
		slog.String("sell_amount", bigString(t.SellAmount)),
		slog.String("buy_amount", bigString(t.BuyAmount)),
		slog.String("limit_sell_amount", bigString(t.LimitSellAmount)),
		slog.String("limit_buy_amount", bigString(t.LimitBuyAmount)),
	)
}

// LogValue implements slog.LogValuer.
func (t OffchainTrade) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("order_uid", t.OrderUID.Hex()),
		slog.String("sell_amount", bigString(t.SellAmount)),
		slog.String("buy_amount", bigString(t.BuyAmount)),
		slog.String("already_executed_amount", bigString(t.AlreadyExecutedAmount)),
	)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "<nil>"
	}
	return v.String()
}
