// Package score computes the score of an executed settlement: the raw surplus
// of its trades expressed in native token atoms.
package score

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/circuitbreaker/internal/domain"
	"github.com/alanyoungcy/circuitbreaker/internal/ratmath"
)

// NativeTokenPrice is the scale of native prices: a price of NativeTokenPrice
// means one atom of the token is worth one native atom.
var NativeTokenPrice = big.NewInt(1_000_000_000_000_000_000)

// Compute sums the raw surplus of every on-chain trade, converted to native
// token atoms. Each trade's surplus is first expressed in its buy token (via
// the limit price when surplus accrues in the sell token), then multiplied by
// the native price of the buy token and rounded half to even.
//
// A trade whose buy token has no native price makes the score uncomputable
// and yields a *domain.MissingNativePriceError. A settlement without trades
// scores zero.
func Compute(on *domain.OnchainSettlementData, off *domain.OffchainSettlementData) (*big.Int, error) {
	total := new(big.Int)
	for _, trade := range on.Trades {
		value, err := tradeValue(trade, off)
		if err != nil {
			return nil, fmt.Errorf("score: order %s: %w", trade.OrderUID, err)
		}
		total.Add(total, value)
	}
	return total, nil
}

func tradeValue(trade domain.OnchainTrade, off *domain.OffchainSettlementData) (*big.Int, error) {
	raw, err := trade.RawSurplus(off.FeePolicies(trade.OrderUID))
	if err != nil {
		return nil, err
	}
	surplusToken, err := trade.SurplusToken()
	if err != nil {
		return nil, err
	}

	inBuyToken := new(big.Rat).SetInt(raw)
	if surplusToken == trade.SellToken {
		if trade.LimitSellAmount.Sign() == 0 {
			return nil, fmt.Errorf("%w: limit sell amount", domain.ErrZeroDenominator)
		}
		inBuyToken.Mul(inBuyToken, new(big.Rat).SetFrac(trade.LimitBuyAmount, trade.LimitSellAmount))
	}

	price, ok := off.NativePrice(trade.BuyToken)
	if !ok || price == nil {
		return nil, &domain.MissingNativePriceError{Token: trade.BuyToken}
	}
	native := inBuyToken.Mul(inBuyToken, new(big.Rat).SetFrac(price, NativeTokenPrice))
	return ratmath.RoundHalfEven(native), nil
}
