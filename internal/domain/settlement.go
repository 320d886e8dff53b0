package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OnchainSettlementData describes a settlement transaction as observed on
// chain. HookCandidates lists every internal call of the transaction trace
// shaped like a pre- or post-hook, in execution order.
type OnchainSettlementData struct {
	AuctionID      int64
	TxHash         common.Hash
	Solver         common.Address
	Trades         []OnchainTrade
	HookCandidates Hooks
}

// OffchainSettlementData describes the winning solution of the competition
// together with the auction data needed to judge it.
type OffchainSettlementData struct {
	AuctionID int64

	// solution data
	Solver common.Address
	Trades []OffchainTrade
	Score  *big.Int

	// auction data
	TradeFeePolicies  map[OrderUID][]FeePolicy
	ValidOrders       map[OrderUID]struct{}
	JITOrderAddresses map[common.Address]struct{}
	NativePrices      map[common.Address]*big.Int // scaled by 1e18
	OrderHooks        map[OrderUID]Hooks
}

// FeePolicies returns the fee policies applied to an order, in application
// order. Orders without policies get an empty chain.
func (d *OffchainSettlementData) FeePolicies(uid OrderUID) []FeePolicy {
	return d.TradeFeePolicies[uid]
}

// IsValidOrder reports whether uid took part in the auction.
func (d *OffchainSettlementData) IsValidOrder(uid OrderUID) bool {
	_, ok := d.ValidOrders[uid]
	return ok
}

// IsJITOwner reports whether owner may capture surplus with just-in-time
// orders.
func (d *OffchainSettlementData) IsJITOwner(owner common.Address) bool {
	_, ok := d.JITOrderAddresses[owner]
	return ok
}

// HooksFor returns the hooks an order requires; empty when it has none.
func (d *OffchainSettlementData) HooksFor(uid OrderUID) Hooks {
	return d.OrderHooks[uid]
}

// NativePrice returns the price of token in native token atoms, scaled by
// 1e18.
func (d *OffchainSettlementData) NativePrice(token common.Address) (*big.Int, bool) {
	p, ok := d.NativePrices[token]
	return p, ok
}

// SettlementCase pairs the two records of one settlement. Onchain is nil when
// the transaction could not be observed yet.
type SettlementCase struct {
	Onchain  *OnchainSettlementData
	Offchain *OffchainSettlementData
}
