package price

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"floor-oracle/internal/ethutil"
	"floor-oracle/internal/fixedpoint"
)

var (
	ErrTokenNotInPool = errors.New("token not in pool")
	ErrEmptyReserves  = errors.New("empty reserves")
)

const defaultDecimals = 18

// Chain is the read-only surface the resolver needs. *chain.Reader satisfies it.
type Chain interface {
	Token0(ctx context.Context, pair common.Address) (common.Address, error)
	Token1(ctx context.Context, pair common.Address) (common.Address, error)
	Reserves(ctx context.Context, pair common.Address) (*big.Int, *big.Int, error)
	Decimals(ctx context.Context, token common.Address) (uint8, error)
}

// Quote is the price of Token in units of Other as observed in Pool. Price
// and Inverse are fixed-point at 10^18.
type Quote struct {
	Pool  common.Address
	Token common.Address
	Other common.Address

	Price   *big.Int // Other per Token
	Inverse *big.Int // Token per Other

	TokenDecimals uint8
	OtherDecimals uint8
	ReserveToken  *big.Int
	ReserveOther  *big.Int
}

type Resolver struct {
	chain Chain
}

func NewResolver(c Chain) *Resolver {
	return &Resolver{chain: c}
}

// Quote reads pool state and prices token against the pool's other
// constituent. Reserves are brought to equal precision before the single
// integer division.
func (r *Resolver) Quote(ctx context.Context, pool, token common.Address) (Quote, error) {
	t0, err := r.chain.Token0(ctx, pool)
	if err != nil {
		return Quote{}, fmt.Errorf("pool %s token0: %w", ethutil.Lower(pool), err)
	}
	t1, err := r.chain.Token1(ctx, pool)
	if err != nil {
		return Quote{}, fmt.Errorf("pool %s token1: %w", ethutil.Lower(pool), err)
	}
	r0, r1, err := r.chain.Reserves(ctx, pool)
	if err != nil {
		return Quote{}, fmt.Errorf("pool %s reserves: %w", ethutil.Lower(pool), err)
	}

	var other common.Address
	var reserveToken, reserveOther *big.Int
	switch token {
	case t0:
		other, reserveToken, reserveOther = t1, r0, r1
	case t1:
		other, reserveToken, reserveOther = t0, r1, r0
	default:
		return Quote{}, fmt.Errorf("%w: token=%s pool=%s", ErrTokenNotInPool, ethutil.Lower(token), ethutil.Lower(pool))
	}
	if reserveToken == nil || reserveOther == nil || reserveToken.Sign() <= 0 || reserveOther.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%w: pool=%s", ErrEmptyReserves, ethutil.Lower(pool))
	}

	decToken := r.decimals(ctx, token)
	decOther := r.decimals(ctx, other)

	price, inverse, err := fixedpoint.Ratio(reserveToken, reserveOther, decToken, decOther)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrEmptyReserves, err)
	}
	return Quote{
		Pool:          pool,
		Token:         token,
		Other:         other,
		Price:         price,
		Inverse:       inverse,
		TokenDecimals: decToken,
		OtherDecimals: decOther,
		ReserveToken:  new(big.Int).Set(reserveToken),
		ReserveOther:  new(big.Int).Set(reserveOther),
	}, nil
}

func (r *Resolver) decimals(ctx context.Context, token common.Address) uint8 {
	d, err := r.chain.Decimals(ctx, token)
	if err != nil {
		log.Printf("[warn] decimals token=%s: %v (assuming %d)", ethutil.Lower(token), err, defaultDecimals)
		return defaultDecimals
	}
	return d
}
