// Package codec reads settlement case files and writes verdicts as JSON.
//
// A case file holds the two records of one settlement:
//
//	{"onchain": {...}, "offchain": {...}}
//
// Integers are decimal strings or JSON numbers, byte strings are 0x-hex and
// fee factors are exact ratios ("0.1" or "1/10"). Amounts must not be negative
// and limit amounts must be positive. Order kinds are passed
// through unchecked; the model rejects unknown kinds when it uses them.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

// ErrMalformedCase reports a case file that cannot be turned into settlement
// records.
var ErrMalformedCase = errors.New("codec: malformed settlement case")

// DecodeCase reads one settlement case. A case without an onchain object
// decodes with a nil Onchain record.
func DecodeCase(r io.Reader) (domain.SettlementCase, error) {
	var raw caseJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return domain.SettlementCase{}, fmt.Errorf("%w: %v", ErrMalformedCase, err)
	}
	if raw.Offchain == nil {
		return domain.SettlementCase{}, fmt.Errorf("%w: missing offchain record", ErrMalformedCase)
	}

	off, err := raw.Offchain.toDomain()
	if err != nil {
		return domain.SettlementCase{}, fmt.Errorf("%w: offchain: %v", ErrMalformedCase, err)
	}
	sc := domain.SettlementCase{Offchain: off}
	if raw.Onchain != nil {
		on, err := raw.Onchain.toDomain()
		if err != nil {
			return domain.SettlementCase{}, fmt.Errorf("%w: onchain: %v", ErrMalformedCase, err)
		}
		sc.Onchain = on
	}
	return sc, nil
}

// EncodeVerdict writes v as a single line of JSON.
func EncodeVerdict(w io.Writer, v domain.Verdict) error {
	if err := json.NewEncoder(w).Encode(verdictToJSON(v)); err != nil {
		return fmt.Errorf("codec: encode verdict: %w", err)
	}
	return nil
}

// MarshalVerdict returns the JSON encoding of v.
func MarshalVerdict(v domain.Verdict) ([]byte, error) {
	data, err := json.Marshal(verdictToJSON(v))
	if err != nil {
		return nil, fmt.Errorf("codec: marshal verdict: %w", err)
	}
	return data, nil
}

// UnmarshalVerdict parses a verdict written by EncodeVerdict or
// MarshalVerdict.
func UnmarshalVerdict(data []byte) (domain.Verdict, error) {
	var raw verdictJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Verdict{}, fmt.Errorf("codec: unmarshal verdict: %w", err)
	}
	v := domain.Verdict{
		ID:        raw.ID,
		AuctionID: raw.AuctionID,
		TxHash:    raw.TxHash,
		Solver:    raw.Solver,
		Status:    domain.VerdictStatus(raw.Status),
		Results:   raw.Results,
		Reason:    raw.Reason,
		CheckedAt: raw.CheckedAt,
	}
	if raw.Attestation != nil {
		v.Attestation = &domain.Attestation{
			Signer:    raw.Attestation.Signer,
			Signature: raw.Attestation.Signature,
		}
	}
	return v, nil
}

func verdictToJSON(v domain.Verdict) verdictJSON {
	out := verdictJSON{
		ID:        v.ID,
		AuctionID: v.AuctionID,
		TxHash:    v.TxHash,
		Solver:    v.Solver,
		Status:    string(v.Status),
		Results:   v.Results,
		Reason:    v.Reason,
		CheckedAt: v.CheckedAt.UTC(),
	}
	if v.Attestation != nil {
		out.Attestation = &attestationJSON{
			Signer:    v.Attestation.Signer,
			Signature: v.Attestation.Signature,
		}
	}
	return out
}

func (o *onchainJSON) toDomain() (*domain.OnchainSettlementData, error) {
	trades := make([]domain.OnchainTrade, 0, len(o.Trades))
	for i, t := range o.Trades {
		if err := required(map[string]*big.Int{
			"sell_amount":       t.SellAmount.Int,
			"buy_amount":        t.BuyAmount.Int,
			"limit_sell_amount": t.LimitSellAmount.Int,
			"limit_buy_amount":  t.LimitBuyAmount.Int,
		}); err != nil {
			return nil, fmt.Errorf("trade %d: %w", i, err)
		}
		if err := positive(map[string]*big.Int{
			"limit_sell_amount": t.LimitSellAmount.Int,
			"limit_buy_amount":  t.LimitBuyAmount.Int,
		}); err != nil {
			return nil, fmt.Errorf("trade %d: %w", i, err)
		}
		trades = append(trades, domain.OnchainTrade{
			Trade: domain.Trade{
				OrderUID:   domain.OrderUIDFromBytes(t.OrderUID),
				SellAmount: t.SellAmount.Int,
				BuyAmount:  t.BuyAmount.Int,
			},
			Owner:           t.Owner,
			SellToken:       t.SellToken,
			BuyToken:        t.BuyToken,
			LimitSellAmount: t.LimitSellAmount.Int,
			LimitBuyAmount:  t.LimitBuyAmount.Int,
			Kind:            domain.OrderKind(t.Kind),
		})
	}
	return &domain.OnchainSettlementData{
		AuctionID:      o.AuctionID,
		TxHash:         o.TxHash,
		Solver:         o.Solver,
		Trades:         trades,
		HookCandidates: o.HookCandidates.toDomain(),
	}, nil
}

func (o *offchainJSON) toDomain() (*domain.OffchainSettlementData, error) {
	trades := make([]domain.OffchainTrade, 0, len(o.Trades))
	for i, t := range o.Trades {
		if err := required(map[string]*big.Int{
			"sell_amount": t.SellAmount.Int,
			"buy_amount":  t.BuyAmount.Int,
		}); err != nil {
			return nil, fmt.Errorf("trade %d: %w", i, err)
		}
		trade := domain.OffchainTrade{
			Trade: domain.Trade{
				OrderUID:   domain.OrderUIDFromBytes(t.OrderUID),
				SellAmount: t.SellAmount.Int,
				BuyAmount:  t.BuyAmount.Int,
			},
		}
		if t.AlreadyExecutedAmount != nil && t.AlreadyExecutedAmount.Int != nil {
			if t.AlreadyExecutedAmount.Sign() < 0 {
				return nil, fmt.Errorf("trade %d: negative already_executed_amount", i)
			}
			trade.AlreadyExecutedAmount = t.AlreadyExecutedAmount.Int
		}
		trades = append(trades, trade)
	}

	score := o.Score.Int
	if score == nil {
		score = new(big.Int)
	}

	policies := make(map[domain.OrderUID][]domain.FeePolicy, len(o.TradeFeePolicies))
	for key, chain := range o.TradeFeePolicies {
		uid, err := domain.ParseOrderUID(key)
		if err != nil {
			return nil, err
		}
		converted := make([]domain.FeePolicy, 0, len(chain))
		for i, p := range chain {
			fp, err := p.toDomain()
			if err != nil {
				return nil, fmt.Errorf("fee policy %d of order %s: %w", i, key, err)
			}
			converted = append(converted, fp)
		}
		policies[uid] = converted
	}

	valid := make(map[domain.OrderUID]struct{}, len(o.ValidOrders))
	for _, b := range o.ValidOrders {
		valid[domain.OrderUIDFromBytes(b)] = struct{}{}
	}

	jit := make(map[common.Address]struct{}, len(o.JITOrderAddresses))
	for _, a := range o.JITOrderAddresses {
		jit[a] = struct{}{}
	}

	prices := make(map[common.Address]*big.Int, len(o.NativePrices))
	for token, p := range o.NativePrices {
		if p.Int == nil {
			return nil, fmt.Errorf("native price of %s is null", token.Hex())
		}
		if p.Sign() < 0 {
			return nil, fmt.Errorf("native price of %s is negative", token.Hex())
		}
		prices[token] = p.Int
	}

	hooks := make(map[domain.OrderUID]domain.Hooks, len(o.OrderHooks))
	for key, h := range o.OrderHooks {
		uid, err := domain.ParseOrderUID(key)
		if err != nil {
			return nil, err
		}
		hooks[uid] = h.toDomain()
	}

	return &domain.OffchainSettlementData{
		AuctionID:         o.AuctionID,
		Solver:            o.Solver,
		Trades:            trades,
		Score:             score,
		TradeFeePolicies:  policies,
		ValidOrders:       valid,
		JITOrderAddresses: jit,
		NativePrices:      prices,
		OrderHooks:        hooks,
	}, nil
}

func (p feePolicyJSON) toDomain() (domain.FeePolicy, error) {
	if p.Factor.Rat == nil {
		return nil, errors.New("missing factor")
	}
	switch domain.FeePolicyKind(p.Kind) {
	case domain.FeePolicyVolume:
		return domain.VolumeFeePolicy{Factor: p.Factor.Rat}, nil
	case domain.FeePolicySurplus:
		if p.MaxVolumeFactor == nil || p.MaxVolumeFactor.Rat == nil {
			return nil, errors.New("surplus policy without max_volume_factor")
		}
		return domain.SurplusFeePolicy{Factor: p.Factor.Rat, MaxVolumeFactor: p.MaxVolumeFactor.Rat}, nil
	case domain.FeePolicyPriceImprovement:
		if p.MaxVolumeFactor == nil || p.MaxVolumeFactor.Rat == nil {
			return nil, errors.New("price improvement policy without max_volume_factor")
		}
		if p.Quote == nil {
			return nil, errors.New("price improvement policy without quote")
		}
		if err := required(map[string]*big.Int{
			"quote.sell_amount": p.Quote.SellAmount.Int,
			"quote.buy_amount":  p.Quote.BuyAmount.Int,
			"quote.fee_amount":  p.Quote.FeeAmount.Int,
		}); err != nil {
			return nil, err
		}
		return domain.PriceImprovementFeePolicy{
			Factor:          p.Factor.Rat,
			MaxVolumeFactor: p.MaxVolumeFactor.Rat,
			Quote: domain.Quote{
				SellAmount: p.Quote.SellAmount.Int,
				BuyAmount:  p.Quote.BuyAmount.Int,
				FeeAmount:  p.Quote.FeeAmount.Int,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown fee policy kind %q", p.Kind)
	}
}

func (h hooksJSON) toDomain() domain.Hooks {
	convert := func(in []hookJSON) []domain.Hook {
		out := make([]domain.Hook, 0, len(in))
		for _, x := range in {
			out = append(out, domain.Hook{Target: x.Target, Calldata: x.Calldata, GasLimit: x.GasLimit})
		}
		return out
	}
	return domain.Hooks{PreHooks: convert(h.PreHooks), PostHooks: convert(h.PostHooks)}
}

// required checks that every amount is present and not negative.
func required(fields map[string]*big.Int) error {
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		switch v := fields[name]; {
		case v == nil:
			return fmt.Errorf("missing %s", name)
		case v.Sign() < 0:
			return fmt.Errorf("negative %s", name)
		}
	}
	return nil
}

// positive checks that every limit amount is above zero.
func positive(fields map[string]*big.Int) error {
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		if fields[name].Sign() <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
