package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Call describes one state-changing contract invocation.
type Call struct {
	To       common.Address
	ABI      abi.ABI
	Method   string
	Args     []interface{}
	Value    *big.Int
	GasLimit uint64
}

func (c Call) String() string {
	return fmt.Sprintf("%s@%s", c.Method, c.To.Hex())
}

// Transactor signs and broadcasts calls from a single account. It never picks
// a nonce on its own; the caller passes it explicitly.
type Transactor struct {
	backend bind.ContractBackend
	key     *ecdsa.PrivateKey
	chainID *big.Int
	from    common.Address
}

func NewTransactor(backend bind.ContractBackend, key *ecdsa.PrivateKey, chainID *big.Int) (*Transactor, error) {
	if backend == nil {
		return nil, errors.New("backend required")
	}
	if key == nil {
		return nil, errors.New("private key required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id required")
	}
	return &Transactor{
		backend: backend,
		key:     key,
		chainID: new(big.Int).Set(chainID),
		from:    crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// From is the sending account.
func (t *Transactor) From() common.Address { return t.from }

// Send signs c with the given nonce and broadcasts it.
func (t *Transactor) Send(ctx context.Context, nonce uint64, c Call) (*types.Transaction, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(t.key, t.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.GasLimit = c.GasLimit
	if c.Value != nil {
		opts.Value = new(big.Int).Set(c.Value)
	}

	contract := bind.NewBoundContract(c.To, c.ABI, t.backend, t.backend, t.backend)
	tx, err := contract.Transact(opts, c.Method, c.Args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c, err)
	}
	return tx, nil
}

// Action binds c to Send so it can be queued and executed once a nonce is
// assigned.
func (t *Transactor) Action(c Call) func(ctx context.Context, nonce uint64) (*types.Transaction, error) {
	return func(ctx context.Context, nonce uint64) (*types.Transaction, error) {
		return t.Send(ctx, nonce, c)
	}
}

// Confirmer waits for transactions to be mined.
type Confirmer struct {
	backend bind.DeployBackend
	timeout time.Duration
}

func NewConfirmer(backend bind.DeployBackend, timeout time.Duration) *Confirmer {
	return &Confirmer{backend: backend, timeout: timeout}
}

// Wait blocks until tx is mined or the timeout elapses. A timeout surfaces as
// context.DeadlineExceeded.
func (c *Confirmer) Wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return bind.WaitMined(waitCtx, c.backend, tx)
}
