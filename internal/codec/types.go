package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

// bigInt decodes a decimal string or a JSON number into a big.Int.
type bigInt struct {
	*big.Int
}

func (b *bigInt) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	s := string(bytes.Trim(data, `"`))
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid integer %s", data)
	}
	b.Int = v
	return nil
}

func (b bigInt) MarshalJSON() ([]byte, error) {
	if b.Int == nil {
		return []byte("null"), nil
	}
	return json.Marshal(b.Int.String())
}

// ratio decodes a decimal ("0.1") or fraction ("1/10") string, or a JSON
// number, into an exact big.Rat.
type ratio struct {
	*big.Rat
}

func (r *ratio) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	s := strings.TrimSpace(string(bytes.Trim(data, `"`)))
	v, ok := new(big.Rat).SetString(s)
	if !ok {
		return fmt.Errorf("invalid ratio %s", data)
	}
	r.Rat = v
	return nil
}

func (r ratio) MarshalJSON() ([]byte, error) {
	if r.Rat == nil {
		return []byte("null"), nil
	}
	return json.Marshal(r.Rat.RatString())
}

type caseJSON struct {
	Onchain  *onchainJSON  `json:"onchain"`
	Offchain *offchainJSON `json:"offchain"`
}

type onchainJSON struct {
	AuctionID      int64              `json:"auction_id"`
	TxHash         common.Hash        `json:"tx_hash"`
	Solver         common.Address     `json:"solver"`
	Trades         []onchainTradeJSON `json:"trades"`
	HookCandidates hooksJSON          `json:"hook_candidates"`
}

type onchainTradeJSON struct {
	OrderUID        hexutil.Bytes  `json:"order_uid"`
	Owner           common.Address `json:"owner"`
	SellToken       common.Address `json:"sell_token"`
	BuyToken        common.Address `json:"buy_token"`
	SellAmount      bigInt         `json:"sell_amount"`
	BuyAmount       bigInt         `json:"buy_amount"`
	LimitSellAmount bigInt         `json:"limit_sell_amount"`
	LimitBuyAmount  bigInt         `json:"limit_buy_amount"`
	Kind            string         `json:"kind"`
}

type offchainJSON struct {
	AuctionID         int64                      `json:"auction_id"`
	Solver            common.Address             `json:"solver"`
	Trades            []offchainTradeJSON        `json:"trades"`
	Score             bigInt                     `json:"score"`
	TradeFeePolicies  map[string][]feePolicyJSON `json:"trade_fee_policies"`
	ValidOrders       []hexutil.Bytes            `json:"valid_orders"`
	JITOrderAddresses []common.Address           `json:"jit_order_addresses"`
	NativePrices      map[common.Address]bigInt  `json:"native_prices"`
	OrderHooks        map[string]hooksJSON       `json:"order_hooks"`
}

type offchainTradeJSON struct {
	OrderUID              hexutil.Bytes `json:"order_uid"`
	SellAmount            bigInt        `json:"sell_amount"`
	BuyAmount             bigInt        `json:"buy_amount"`
	AlreadyExecutedAmount *bigInt       `json:"already_executed_amount"`
}

type feePolicyJSON struct {
	Kind            string     `json:"kind"`
	Factor          ratio      `json:"factor"`
	MaxVolumeFactor *ratio     `json:"max_volume_factor,omitempty"`
	Quote           *quoteJSON `json:"quote,omitempty"`
}

type quoteJSON struct {
	SellAmount bigInt `json:"sell_amount"`
	BuyAmount  bigInt `json:"buy_amount"`
	FeeAmount  bigInt `json:"fee_amount"`
}

type hooksJSON struct {
	PreHooks  []hookJSON `json:"pre_hooks"`
	PostHooks []hookJSON `json:"post_hooks"`
}

type hookJSON struct {
	Target   common.Address `json:"target"`
	Calldata hexutil.Bytes  `json:"calldata"`
	GasLimit uint64         `json:"gas_limit"`
}

type verdictJSON struct {
	ID          string               `json:"id"`
	AuctionID   int64                `json:"auction_id"`
	TxHash      common.Hash          `json:"tx_hash"`
	Solver      common.Address       `json:"solver"`
	Status      string               `json:"status"`
	Results     *domain.CheckResults `json:"results,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	CheckedAt   time.Time            `json:"checked_at"`
	Attestation *attestationJSON     `json:"attestation,omitempty"`
}

type attestationJSON struct {
	Signer    common.Address `json:"signer"`
	Signature hexutil.Bytes  `json:"signature"`
}
