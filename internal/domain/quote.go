package domain

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/circuitbreaker/internal/ratmath"
)

// OrderKind indicates whether the sell or the buy amount of an order is fixed.
type OrderKind string

const (
	OrderKindSell OrderKind = "sell"
	OrderKindBuy  OrderKind = "buy"
)

// Valid reports whether k is one of the two known kinds.
func (k OrderKind) Valid() bool {
	return k == OrderKindSell || k == OrderKindBuy
}

// Quote is a price reference for an order, independent of the executed trade.
type Quote struct {
	SellAmount *big.Int
	BuyAmount  *big.Int
	FeeAmount  *big.Int
}

// EffectiveSellAmount is the total amount the trader sends according to the
// quote, including the quoted fee for buy orders.
func (q Quote) EffectiveSellAmount(kind OrderKind) (*big.Int, error) {
	switch kind {
	case OrderKindSell:
		return new(big.Int).Set(q.SellAmount), nil
	case OrderKindBuy:
		return new(big.Int).Add(q.SellAmount, q.FeeAmount), nil
	default:
		return nil, invalidKind(kind)
	}
}

// EffectiveBuyAmount is the amount the trader receives according to the
// quote. For sell orders the quoted fee is taken from the sell side first and
// the remainder is converted at the quoted rate, rounding up.
func (q Quote) EffectiveBuyAmount(kind OrderKind) (*big.Int, error) {
	switch kind {
	case OrderKindSell:
		if q.SellAmount.Sign() == 0 {
			return nil, fmt.Errorf("%w: quote sell amount", ErrZeroDenominator)
		}
		net := new(big.Int).Sub(q.SellAmount, q.FeeAmount)
		return ratmath.Ceil(ratmath.MulFrac(net, q.BuyAmount, q.SellAmount)), nil
	case OrderKindBuy:
		return new(big.Int).Set(q.BuyAmount), nil
	default:
		return nil, invalidKind(kind)
	}
}
