package pool

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/common"

	"floor-oracle/internal/ethutil"
)

var ErrPoolNotFound = errors.New("pool not found")

// Chain is the read-only surface the locator needs. *chain.Reader satisfies it.
type Chain interface {
	GetPair(ctx context.Context, factory, tokenA, tokenB common.Address) (common.Address, error)
	RouterFactory(ctx context.Context, router common.Address) (common.Address, error)
	HasCode(ctx context.Context, addr common.Address) (bool, error)
	Token0(ctx context.Context, pair common.Address) (common.Address, error)
}

type Config struct {
	// Reference is the token every pool is paired against (wrapped native).
	Reference common.Address
	Factory   common.Address
	// Router, when set, supplies the secondary factory through its factory()
	// accessor. SecondaryFactory is used when Router is unset or unreadable.
	Router           common.Address
	SecondaryFactory common.Address
	Fallbacks        map[common.Address]common.Address
}

// Locator resolves the liquidity pool of a token against the reference token.
type Locator struct {
	chain Chain
	cfg   Config
}

func NewLocator(c Chain, cfg Config) (*Locator, error) {
	if c == nil {
		return nil, errors.New("chain reader required")
	}
	if ethutil.IsZero(cfg.Reference) {
		return nil, errors.New("reference token required")
	}
	if cfg.Fallbacks == nil {
		cfg.Fallbacks = map[common.Address]common.Address{}
	}
	return &Locator{chain: c, cfg: cfg}, nil
}

// Locate tries, in order: the primary factory, the static fallback for token,
// and the secondary factory. Factory results are accepted only after
// validation; the static fallback is trusted as configured.
func (l *Locator) Locate(ctx context.Context, token common.Address) (common.Address, error) {
	if !ethutil.IsZero(l.cfg.Factory) {
		pair, err := l.fromFactory(ctx, l.cfg.Factory, token)
		if err == nil {
			return pair, nil
		}
		if ctx.Err() != nil {
			return common.Address{}, ctx.Err()
		}
		log.Printf("[pool] primary factory token=%s: %v", ethutil.Lower(token), err)
	}

	if pair, ok := l.cfg.Fallbacks[token]; ok && !ethutil.IsZero(pair) {
		log.Printf("[pool] using static fallback token=%s pool=%s", ethutil.Lower(token), ethutil.Lower(pair))
		return pair, nil
	}

	secondary := l.secondaryFactory(ctx)
	if !ethutil.IsZero(secondary) && secondary != l.cfg.Factory {
		pair, err := l.fromFactory(ctx, secondary, token)
		if err == nil {
			return pair, nil
		}
		if ctx.Err() != nil {
			return common.Address{}, ctx.Err()
		}
		log.Printf("[pool] secondary factory token=%s: %v", ethutil.Lower(token), err)
	}

	return common.Address{}, fmt.Errorf("%w: token=%s", ErrPoolNotFound, ethutil.Lower(token))
}

func (l *Locator) secondaryFactory(ctx context.Context) common.Address {
	if !ethutil.IsZero(l.cfg.Router) {
		f, err := l.chain.RouterFactory(ctx, l.cfg.Router)
		if err == nil && !ethutil.IsZero(f) {
			return f
		}
		if err != nil {
			log.Printf("[warn] router factory() router=%s: %v", ethutil.Lower(l.cfg.Router), err)
		}
	}
	return l.cfg.SecondaryFactory
}

func (l *Locator) fromFactory(ctx context.Context, factory, token common.Address) (common.Address, error) {
	pair, err := l.chain.GetPair(ctx, factory, token, l.cfg.Reference)
	if err != nil {
		return common.Address{}, fmt.Errorf("getPair: %w", err)
	}
	if ethutil.IsZero(pair) {
		return common.Address{}, errors.New("factory returned zero address")
	}
	if err := l.validate(ctx, pair); err != nil {
		return common.Address{}, fmt.Errorf("pair %s rejected: %w", ethutil.Lower(pair), err)
	}
	return pair, nil
}

// validate checks that code exists at pair and that it answers token0().
func (l *Locator) validate(ctx context.Context, pair common.Address) error {
	ok, err := l.chain.HasCode(ctx, pair)
	if err != nil {
		return fmt.Errorf("code lookup: %w", err)
	}
	if !ok {
		return errors.New("no contract code")
	}
	if _, err := l.chain.Token0(ctx, pair); err != nil {
		return fmt.Errorf("token0(): %w", err)
	}
	return nil
}
