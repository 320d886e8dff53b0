package domain

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
)

// Hook is one external call a settlement must make around an order.
type Hook struct {
	Target   common.Address
	Calldata []byte
	GasLimit uint64
}

// Equal reports structural equality of target, calldata and gas limit.
func (h Hook) Equal(o Hook) bool {
	return h.Target == o.Target &&
		h.GasLimit == o.GasLimit &&
		bytes.Equal(h.Calldata, o.Calldata)
}

// Hooks groups the pre- and post-hooks of one order, or the hook-shaped calls
// observed in a settlement transaction, in execution order.
type Hooks struct {
	PreHooks  []Hook
	PostHooks []Hook
}

// Empty reports whether there are neither pre- nor post-hooks.
func (h Hooks) Empty() bool {
	return len(h.PreHooks) == 0 && len(h.PostHooks) == 0
}

// ContainsHook reports whether want occurs in hooks.
func ContainsHook(hooks []Hook, want Hook) bool {
	for _, h := range hooks {
		if h.Equal(want) {
			return true
		}
	}
	return false
}
