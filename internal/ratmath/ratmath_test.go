package ratmath

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func rat(num, den int64) *big.Rat {
	return big.NewRat(num, den)
}

func TestFloorCeil(t *testing.T) {
	tests := []struct {
		name  string
		r     *big.Rat
		floor int64
		ceil  int64
	}{
		{"integer", rat(4, 1), 4, 4},
		{"positive fraction", rat(7, 2), 3, 4},
		{"negative fraction", rat(-7, 2), -4, -3},
		{"small positive", rat(1, 3), 0, 1},
		{"small negative", rat(-1, 3), -1, 0},
		{"zero", rat(0, 5), 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, big.NewInt(tc.floor).String(), Floor(tc.r).String())
			assert.Equal(t, big.NewInt(tc.ceil).String(), Ceil(tc.r).String())
		})
	}
}

func TestRoundHalfEven(t *testing.T) {
	tests := []struct {
		r    *big.Rat
		want int64
	}{
		{rat(1, 2), 0},
		{rat(3, 2), 2},
		{rat(5, 2), 2},
		{rat(7, 2), 4},
		{rat(-1, 2), 0},
		{rat(-3, 2), -2},
		{rat(-5, 2), -2},
		{rat(5, 3), 2},
		{rat(4, 3), 1},
		{rat(-4, 3), -1},
		{rat(-5, 3), -2},
		{rat(10, 1), 10},
	}
	for _, tc := range tests {
		t.Run(tc.r.String(), func(t *testing.T) {
			assert.Equal(t, big.NewInt(tc.want).String(), RoundHalfEven(tc.r).String())
		})
	}
}

func TestMulFrac(t *testing.T) {
	got := MulFrac(big.NewInt(10000), big.NewInt(50), big.NewInt(100))
	assert.Equal(t, 0, got.Cmp(rat(5000, 1)))

	got = MulFrac(big.NewInt(10), big.NewInt(1), big.NewInt(3))
	assert.Equal(t, 0, got.Cmp(rat(10, 3)))
}

func TestMinMaxReturnCopies(t *testing.T) {
	a, b := big.NewInt(3), big.NewInt(5)

	lo := Min(a, b)
	hi := Max(a, b)
	assert.Equal(t, "3", lo.String())
	assert.Equal(t, "5", hi.String())

	lo.SetInt64(100)
	assert.Equal(t, "3", a.String(), "Min must not alias its input")
}
