// Package chaintest provides an in-memory contract backend for tests. Calls
// are decoded with the real ABIs, dispatched to per-address handlers, and the
// results are encoded the same way a node would return them.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"floor-oracle/internal/chain"
)

// Handler answers one contract method. args are the decoded call inputs.
type Handler func(args []interface{}) ([]interface{}, error)

// ErrTransient is returned for injected failures.
var ErrTransient = errors.New("chaintest: injected transient failure")

type Backend struct {
	mu       sync.Mutex
	abis     []abi.ABI
	code     map[common.Address]bool
	handlers map[common.Address]map[string]Handler
	failures map[common.Address]int
	calls    map[string]int
}

func NewBackend() *Backend {
	return &Backend{
		abis:     []abi.ABI{chain.PairABI, chain.ERC20ABI, chain.FactoryABI, chain.RouterABI, chain.ConsumerABI},
		code:     make(map[common.Address]bool),
		handlers: make(map[common.Address]map[string]Handler),
		failures: make(map[common.Address]int),
		calls:    make(map[string]int),
	}
}

// Handle registers h for method on addr and marks addr as a contract.
func (b *Backend) Handle(addr common.Address, method string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.code[addr] = true
	if b.handlers[addr] == nil {
		b.handlers[addr] = make(map[string]Handler)
	}
	b.handlers[addr][method] = h
}

// SetCode marks addr as holding (or not holding) contract code.
func (b *Backend) SetCode(addr common.Address, present bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.code[addr] = present
}

// FailNext makes the next n calls to addr return ErrTransient.
func (b *Backend) FailNext(addr common.Address, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[addr] = n
}

// Calls returns how many times method was invoked on addr, failures included.
func (b *Backend) Calls(addr common.Address, method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[callKey(addr, method)]
}

// Token registers an ERC-20 with the given precision.
func (b *Backend) Token(addr common.Address, decimals uint8) {
	b.Handle(addr, "decimals", func([]interface{}) ([]interface{}, error) {
		return []interface{}{decimals}, nil
	})
}

// Pair registers a constant-product pair with fixed reserves.
func (b *Backend) Pair(pair, token0, token1 common.Address, reserve0, reserve1 *big.Int) {
	b.Handle(pair, "token0", func([]interface{}) ([]interface{}, error) {
		return []interface{}{token0}, nil
	})
	b.Handle(pair, "token1", func([]interface{}) ([]interface{}, error) {
		return []interface{}{token1}, nil
	})
	b.Handle(pair, "getReserves", func([]interface{}) ([]interface{}, error) {
		return []interface{}{new(big.Int).Set(reserve0), new(big.Int).Set(reserve1), uint32(0)}, nil
	})
}

// Factory registers a factory that knows the given pairs. Lookups are
// order-insensitive; unknown pairs yield the zero address.
func (b *Backend) Factory(factory common.Address, pairs map[[2]common.Address]common.Address) {
	b.Handle(factory, "getPair", func(args []interface{}) ([]interface{}, error) {
		a, _ := args[0].(common.Address)
		c, _ := args[1].(common.Address)
		if p, ok := pairs[[2]common.Address{a, c}]; ok {
			return []interface{}{p}, nil
		}
		if p, ok := pairs[[2]common.Address{c, a}]; ok {
			return []interface{}{p}, nil
		}
		return []interface{}{common.Address{}}, nil
	})
}

func (b *Backend) CodeAt(_ context.Context, contract common.Address, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.code[contract] {
		return []byte{0x60, 0x80, 0x60, 0x40}, nil
	}
	return nil, nil
}

func (b *Backend) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if call.To == nil {
		return nil, errors.New("chaintest: call without target")
	}
	if len(call.Data) < 4 {
		return nil, errors.New("chaintest: calldata too short")
	}
	method, err := b.method(call.Data[:4])
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.calls[callKey(*call.To, method.Name)]++
	if n := b.failures[*call.To]; n > 0 {
		b.failures[*call.To] = n - 1
		b.mu.Unlock()
		return nil, ErrTransient
	}
	h := b.handlers[*call.To][method.Name]
	b.mu.Unlock()

	if h == nil {
		// Nodes return empty output for calls into accounts without the method.
		return nil, nil
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, fmt.Errorf("chaintest: unpack %s inputs: %w", method.Name, err)
	}
	out, err := h(args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (b *Backend) method(selector []byte) (*abi.Method, error) {
	for i := range b.abis {
		if m, err := b.abis[i].MethodById(selector); err == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("chaintest: unknown selector %x", selector)
}

func callKey(addr common.Address, method string) string {
	return addr.Hex() + "." + method
}
