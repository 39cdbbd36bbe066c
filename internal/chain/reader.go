package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"floor-oracle/internal/retry"
)

// Reader performs read-only contract calls. Every call is paced and retried
// under the configured policy.
type Reader struct {
	backend bind.ContractCaller
	policy  retry.Policy
	pacer   *retry.Pacer
}

func NewReader(backend bind.ContractCaller, policy retry.Policy, pacer *retry.Pacer) *Reader {
	return &Reader{backend: backend, policy: policy, pacer: pacer}
}

func (r *Reader) callABI(ctx context.Context, contractABI abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	label := fmt.Sprintf("%s@%s", method, to.Hex())
	return retry.Do(ctx, r.policy, label, func(ctx context.Context) ([]interface{}, error) {
		if err := r.pacer.Wait(ctx); err != nil {
			return nil, retry.Permanent(err)
		}
		out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		if err != nil {
			return nil, err
		}
		vals, err := contractABI.Unpack(method, out)
		if err != nil {
			// Well-formed but undecodable output will not change on retry.
			return nil, retry.Permanent(fmt.Errorf("unpack %s: %w", method, err))
		}
		return vals, nil
	})
}

func (r *Reader) callAddress(ctx context.Context, contractABI abi.ABI, to common.Address, method string, args ...interface{}) (common.Address, error) {
	vals, err := r.callABI(ctx, contractABI, to, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	if len(vals) != 1 {
		return common.Address{}, fmt.Errorf("%s: unexpected result len %d", method, len(vals))
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: unexpected type %T", method, vals[0])
	}
	return addr, nil
}

func (r *Reader) callUint256(ctx context.Context, contractABI abi.ABI, to common.Address, method string, args ...interface{}) (*big.Int, error) {
	vals, err := r.callABI(ctx, contractABI, to, method, args...)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("%s: unexpected result len %d", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected type %T", method, vals[0])
	}
	return v, nil
}

// Token0 returns the first constituent token of a pair.
func (r *Reader) Token0(ctx context.Context, pair common.Address) (common.Address, error) {
	return r.callAddress(ctx, PairABI, pair, "token0")
}

// Token1 returns the second constituent token of a pair.
func (r *Reader) Token1(ctx context.Context, pair common.Address) (common.Address, error) {
	return r.callAddress(ctx, PairABI, pair, "token1")
}

// Reserves returns both reserves of a pair in token0, token1 order.
func (r *Reader) Reserves(ctx context.Context, pair common.Address) (*big.Int, *big.Int, error) {
	vals, err := r.callABI(ctx, PairABI, pair, "getReserves")
	if err != nil {
		return nil, nil, err
	}
	if len(vals) != 3 {
		return nil, nil, fmt.Errorf("getReserves: unexpected result len %d", len(vals))
	}
	r0, ok0 := vals[0].(*big.Int)
	r1, ok1 := vals[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("getReserves: unexpected types %T, %T", vals[0], vals[1])
	}
	return r0, r1, nil
}

// Decimals returns the ERC-20 precision of token.
func (r *Reader) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	vals, err := r.callABI(ctx, ERC20ABI, token, "decimals")
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("decimals: unexpected result len %d", len(vals))
	}
	d, ok := vals[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected type %T", vals[0])
	}
	return d, nil
}

// Allowance returns the ERC-20 allowance granted by owner to spender.
func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return r.callUint256(ctx, ERC20ABI, token, "allowance", owner, spender)
}

// BalanceOf returns the ERC-20 balance of account.
func (r *Reader) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	return r.callUint256(ctx, ERC20ABI, token, "balanceOf", account)
}

// GetPair asks a factory for the pair of two tokens. A zero address means the
// factory knows no such pair.
func (r *Reader) GetPair(ctx context.Context, factory, tokenA, tokenB common.Address) (common.Address, error) {
	return r.callAddress(ctx, FactoryABI, factory, "getPair", tokenA, tokenB)
}

// RouterFactory returns the factory a router is configured with.
func (r *Reader) RouterFactory(ctx context.Context, router common.Address) (common.Address, error) {
	return r.callAddress(ctx, RouterABI, router, "factory")
}

// AmountsOut quotes a swap of amountIn along path through router.
func (r *Reader) AmountsOut(ctx context.Context, router common.Address, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	vals, err := r.callABI(ctx, RouterABI, router, "getAmountsOut", amountIn, path)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("getAmountsOut: unexpected result len %d", len(vals))
	}
	amounts, ok := vals[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("getAmountsOut: unexpected type %T", vals[0])
	}
	if len(amounts) != len(path) {
		return nil, fmt.Errorf("getAmountsOut: got %d amounts for path of %d", len(amounts), len(path))
	}
	return amounts, nil
}

// HasCode reports whether executable code is deployed at addr.
func (r *Reader) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	label := fmt.Sprintf("code@%s", addr.Hex())
	return retry.Do(ctx, r.policy, label, func(ctx context.Context) (bool, error) {
		if err := r.pacer.Wait(ctx); err != nil {
			return false, retry.Permanent(err)
		}
		code, err := r.backend.CodeAt(ctx, addr, nil)
		if err != nil {
			return false, err
		}
		return len(code) > 0, nil
	})
}
