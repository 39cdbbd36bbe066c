package price

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"floor-oracle/internal/fixedpoint"
)

// Asset is a token the oracle prices against the floor.
type Asset struct {
	Name  string
	Token common.Address
}

type PoolLocator interface {
	Locate(ctx context.Context, token common.Address) (common.Address, error)
}

type FloorSource interface {
	FetchFloor(ctx context.Context) (decimal.Decimal, error)
}

// Set is one cycle's worth of pricing: the floor in native units and, for
// every asset, how many whole tokens the floor is worth.
type Set struct {
	Floor       decimal.Decimal
	FloorScaled *big.Int
	Quotes      map[string]Quote
	// Amounts are fixed-point at 10^18 whole-token units.
	Amounts map[string]*big.Int
}

// DecimalAmounts returns Amounts as decimals in whole-token units.
func (s *Set) DecimalAmounts() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.Amounts))
	for name, v := range s.Amounts {
		out[name] = fixedpoint.ToDecimal(v, fixedpoint.Decimals)
	}
	return out
}

// AmountFor converts a floor into a token amount using the quote's inverse
// price: floorScaled * inverse / 10^18.
func AmountFor(floorScaled *big.Int, q Quote) (*big.Int, error) {
	return fixedpoint.MulDiv(floorScaled, q.Inverse, fixedpoint.Scale)
}

// CrossRate returns amounts[quote] per amounts[base] at 10^18.
func CrossRate(amounts map[string]*big.Int, base, quote string) (*big.Int, error) {
	b, ok := amounts[base]
	if !ok || b == nil {
		return nil, fmt.Errorf("cross rate: missing amount for %q", base)
	}
	q, ok := amounts[quote]
	if !ok || q == nil {
		return nil, fmt.Errorf("cross rate: missing amount for %q", quote)
	}
	if b.Sign() <= 0 {
		return nil, fmt.Errorf("cross rate: non-positive amount for %q", base)
	}
	return fixedpoint.MulDiv(q, fixedpoint.Scale, b)
}

// Builder assembles a Set from the floor source and one pool per asset.
// Assets are priced sequentially in configuration order.
type Builder struct {
	floor    FloorSource
	locator  PoolLocator
	resolver *Resolver
	assets   []Asset
}

func NewBuilder(floor FloorSource, locator PoolLocator, resolver *Resolver, assets []Asset) (*Builder, error) {
	if floor == nil || locator == nil || resolver == nil {
		return nil, errors.New("floor source, locator and resolver required")
	}
	if len(assets) == 0 {
		return nil, errors.New("at least one asset required")
	}
	return &Builder{floor: floor, locator: locator, resolver: resolver, assets: assets}, nil
}

func (b *Builder) Build(ctx context.Context) (*Set, error) {
	floor, err := b.floor.FetchFloor(ctx)
	if err != nil {
		return nil, err
	}
	floorScaled := fixedpoint.FromDecimal(floor, fixedpoint.Decimals)
	if floorScaled.Sign() <= 0 {
		return nil, fmt.Errorf("floor %s is not positive", floor)
	}

	set := &Set{
		Floor:       floor,
		FloorScaled: floorScaled,
		Quotes:      make(map[string]Quote, len(b.assets)),
		Amounts:     make(map[string]*big.Int, len(b.assets)),
	}
	for _, a := range b.assets {
		pool, err := b.locator.Locate(ctx, a.Token)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.Name, err)
		}
		q, err := b.resolver.Quote(ctx, pool, a.Token)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.Name, err)
		}
		amount, err := AmountFor(floorScaled, q)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.Name, err)
		}
		set.Quotes[a.Name] = q
		set.Amounts[a.Name] = amount
	}
	return set, nil
}
