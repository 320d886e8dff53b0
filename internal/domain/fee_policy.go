package domain

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/circuitbreaker/internal/ratmath"
)

// FeePolicyKind tags the protocol fee variants.
type FeePolicyKind string

const (
	FeePolicyVolume           FeePolicyKind = "volume"
	FeePolicySurplus          FeePolicyKind = "surplus"
	FeePolicyPriceImprovement FeePolicyKind = "priceImprovement"
)

// FeePolicy is a protocol fee applied to a trade. The set of variants is
// closed: VolumeFeePolicy, SurplusFeePolicy and PriceImprovementFeePolicy.
type FeePolicy interface {
	Kind() FeePolicyKind
	isFeePolicy()
}

// VolumeFeePolicy charges a fraction of the traded volume.
type VolumeFeePolicy struct {
	Factor *big.Rat
}

// SurplusFeePolicy charges a fraction of the surplus, capped by a fraction of
// the volume.
type SurplusFeePolicy struct {
	Factor          *big.Rat
	MaxVolumeFactor *big.Rat
}

// PriceImprovementFeePolicy charges a fraction of the improvement over a
// reference quote, capped by a fraction of the volume.
type PriceImprovementFeePolicy struct {
	Factor          *big.Rat
	MaxVolumeFactor *big.Rat
	Quote           Quote
}

func (VolumeFeePolicy) Kind() FeePolicyKind           { return FeePolicyVolume }
func (SurplusFeePolicy) Kind() FeePolicyKind          { return FeePolicySurplus }
func (PriceImprovementFeePolicy) Kind() FeePolicyKind { return FeePolicyPriceImprovement }

func (VolumeFeePolicy) isFeePolicy()           {}
func (SurplusFeePolicy) isFeePolicy()          {}
func (PriceImprovementFeePolicy) isFeePolicy() {}

// ReverseProtocolFee returns the trade as it was before policy p was applied.
// The input trade is left untouched.
func ReverseProtocolFee(p FeePolicy, t OnchainTrade) (OnchainTrade, error) {
	var (
		fee *big.Int
		err error
	)
	switch p := p.(type) {
	case VolumeFeePolicy:
		fee, err = volumeFee(t, p.Factor)
	case SurplusFeePolicy:
		fee, err = cappedFee(t, p.Factor, p.MaxVolumeFactor, t.Surplus)
	case PriceImprovementFeePolicy:
		improvement := func() (*big.Int, error) {
			pi, err := t.PriceImprovement(p.Quote)
			if err != nil {
				return nil, err
			}
			// Negative price improvement is not charged.
			return ratmath.Max(pi, new(big.Int)), nil
		}
		fee, err = cappedFee(t, p.Factor, p.MaxVolumeFactor, improvement)
	default:
		return OnchainTrade{}, fmt.Errorf("domain: unsupported fee policy %T", p)
	}
	if err != nil {
		return OnchainTrade{}, err
	}
	return t.withoutFee(fee)
}

// ReverseProtocolFees folds ReverseProtocolFee over policies from the last
// applied to the first.
func ReverseProtocolFees(policies []FeePolicy, t OnchainTrade) (OnchainTrade, error) {
	raw := t
	for i := len(policies) - 1; i >= 0; i-- {
		next, err := ReverseProtocolFee(policies[i], raw)
		if err != nil {
			return OnchainTrade{}, fmt.Errorf("domain: reverse %s fee on order %s: %w",
				policies[i].Kind(), t.OrderUID, err)
		}
		raw = next
	}
	return raw, nil
}

// volumeFee is the fee that was deducted from the volume of t. Sell orders
// were charged on the pre-fee buy amount, buy orders on the pre-fee sell
// amount, hence the different denominators.
func volumeFee(t OnchainTrade, factor *big.Rat) (*big.Int, error) {
	volume, err := t.Volume()
	if err != nil {
		return nil, err
	}
	one := big.NewRat(1, 1)
	denom := new(big.Rat)
	switch t.Kind {
	case OrderKindSell:
		denom.Sub(one, factor)
	case OrderKindBuy:
		denom.Add(one, factor)
	default:
		return nil, invalidKind(t.Kind)
	}
	return scaledFee(volume, factor, denom)
}

// cappedFee is min(base * factor / (1 - factor), volumeFee(maxVolumeFactor)).
func cappedFee(t OnchainTrade, factor, maxVolumeFactor *big.Rat, base func() (*big.Int, error)) (*big.Int, error) {
	amount, err := base()
	if err != nil {
		return nil, err
	}
	denom := new(big.Rat).Sub(big.NewRat(1, 1), factor)
	fee, err := scaledFee(amount, factor, denom)
	if err != nil {
		return nil, err
	}
	volFee, err := volumeFee(t, maxVolumeFactor)
	if err != nil {
		return nil, err
	}
	return ratmath.Min(fee, volFee), nil
}

// scaledFee rounds amount * factor / denom half to even.
func scaledFee(amount *big.Int, factor, denom *big.Rat) (*big.Int, error) {
	if denom.Sign() == 0 {
		return nil, fmt.Errorf("%w: fee factor %s", ErrZeroDenominator, factor.RatString())
	}
	r := new(big.Rat).SetInt(amount)
	r.Mul(r, factor)
	r.Quo(r, denom)
	return ratmath.RoundHalfEven(r), nil
}
