package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// OrderUID is the opaque byte identifier of an order. It is stored as a
// string of raw bytes so it can key maps.
type OrderUID string

// OrderUIDFromBytes copies b into an OrderUID.
func OrderUIDFromBytes(b []byte) OrderUID {
	return OrderUID(b)
}

// ParseOrderUID decodes a 0x-prefixed hex string.
func ParseOrderUID(s string) (OrderUID, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return "", fmt.Errorf("domain: parse order uid %q: %w", s, err)
	}
	return OrderUID(b), nil
}

// Bytes returns a copy of the raw identifier.
func (u OrderUID) Bytes() []byte {
	return []byte(u)
}

// Hex returns the 0x-prefixed hex encoding.
func (u OrderUID) Hex() string {
	return hexutil.Encode([]byte(u))
}

// String implements fmt.Stringer.
func (u OrderUID) String() string {
	return u.Hex()
}
