package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the precision of every scaled value produced by this package.
const Decimals = 18

// Scale is 10^18, the fixed output scale of prices and amounts.
var Scale = Pow10(Decimals)

var errZeroDivisor = errors.New("fixedpoint: zero divisor")

// Pow10 returns 10^n as a new big.Int. n must be non-negative.
func Pow10(n int) *big.Int {
	if n < 0 {
		panic(fmt.Sprintf("fixedpoint: negative exponent %d", n))
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// MulDiv returns floor(a*b/d) without intermediate truncation.
func MulDiv(a, b, d *big.Int) (*big.Int, error) {
	if d == nil || d.Sign() == 0 {
		return nil, errZeroDivisor
	}
	x := new(big.Int).Mul(a, b)
	return x.Quo(x, d), nil
}

// Normalize scales the reserve held at the lower precision up to the higher
// one so both reserves are comparable. It returns new values; inputs are not
// modified.
func Normalize(reserveToken, reserveOther *big.Int, decToken, decOther uint8) (token, other *big.Int) {
	token = new(big.Int).Set(reserveToken)
	other = new(big.Int).Set(reserveOther)

	diff := int(decToken) - int(decOther)
	switch {
	case diff > 0:
		other.Mul(other, Pow10(diff))
	case diff < 0:
		token.Mul(token, Pow10(-diff))
	}
	return token, other
}

// Ratio returns the price of one token in units of the other token and its
// inverse, both at 10^18 scale. Reserves are normalized before the single
// division so that large decimal mismatches keep full precision.
func Ratio(reserveToken, reserveOther *big.Int, decToken, decOther uint8) (price, inverse *big.Int, err error) {
	if reserveToken == nil || reserveOther == nil || reserveToken.Sign() <= 0 || reserveOther.Sign() <= 0 {
		return nil, nil, errZeroDivisor
	}
	token, other := Normalize(reserveToken, reserveOther, decToken, decOther)

	price, err = MulDiv(other, Scale, token)
	if err != nil {
		return nil, nil, err
	}
	inverse, err = MulDiv(token, Scale, other)
	if err != nil {
		return nil, nil, err
	}
	return price, inverse, nil
}

// Mul multiplies two 10^18 scaled values.
func Mul(a, b *big.Int) *big.Int {
	x := new(big.Int).Mul(a, b)
	return x.Quo(x, Scale)
}

// Div divides two 10^18 scaled values, keeping the result at 10^18 scale.
func Div(a, b *big.Int) (*big.Int, error) {
	return MulDiv(a, Scale, b)
}

// ApplyBps returns x reduced by bps basis points: x*(10000-bps)/10000.
func ApplyBps(x *big.Int, bps int64) *big.Int {
	if bps < 0 {
		bps = 0
	}
	if bps > 10_000 {
		bps = 10_000
	}
	out := new(big.Int).Mul(x, big.NewInt(10_000-bps))
	return out.Quo(out, big.NewInt(10_000))
}

// Percent returns x*pct/100.
func Percent(x *big.Int, pct int64) *big.Int {
	out := new(big.Int).Mul(x, big.NewInt(pct))
	return out.Quo(out, big.NewInt(100))
}

// FromDecimal converts a decimal value into an integer with the given number
// of decimals, truncating any excess precision.
func FromDecimal(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).Truncate(0).BigInt()
}

// ToDecimal converts an integer carrying the given number of decimals into a
// decimal value.
func ToDecimal(x *big.Int, decimals int32) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x, -decimals)
}
