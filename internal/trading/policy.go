// Package trading issues small randomized buy and sell swaps through a
// router, alternating direction between runs.
package trading

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"math/rand/v2"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"floor-oracle/internal/chain"
	"floor-oracle/internal/fixedpoint"
	"floor-oracle/internal/price"
	"floor-oracle/internal/txqueue"
)

type Side string

const (
	SideNone Side = ""
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TradeState is persisted between runs. NativeBalance is the net native
// amount committed to trading: buys add what was spent, sells subtract what
// was received. Balances are whole-token amounts held per asset.
type TradeState struct {
	NativeBalance decimal.Decimal            `json:"nativeBalance"`
	Balances      map[string]decimal.Decimal `json:"balances"`
	LastAction    Side                       `json:"lastAction,omitempty"`
	LastActionAt  *time.Time                 `json:"lastActionAt,omitempty"`
}

func (s TradeState) empty() bool {
	for _, v := range s.Balances {
		if v.IsPositive() {
			return false
		}
	}
	return true
}

func (s TradeState) clone() TradeState {
	out := s
	out.Balances = make(map[string]decimal.Decimal, len(s.Balances))
	for k, v := range s.Balances {
		out.Balances[k] = v
	}
	return out
}

type Config struct {
	Router        common.Address
	WrappedNative common.Address
	Assets        []price.Asset

	BaseTrade    decimal.Decimal
	BuyVariants  []int
	SellVariants []int
	SlippageBps  int64
	MinSell      decimal.Decimal

	GasLimit        uint64
	ApproveGasLimit uint64
	Deadline        time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseTrade:       decimal.RequireFromString("0.01"),
		BuyVariants:     []int{10, 20, 30, 40, 50, 60, 70},
		SellVariants:    []int{10, 20, 30, 40, 50, 60},
		SlippageBps:     500,
		MinSell:         decimal.RequireFromString("0.001"),
		GasLimit:        500_000,
		ApproveGasLimit: 100_000,
		Deadline:        300 * time.Second,
	}
}

type Chain interface {
	AmountsOut(ctx context.Context, router common.Address, amountIn *big.Int, path []common.Address) ([]*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Decimals(ctx context.Context, token common.Address) (uint8, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, label string, action txqueue.Action) (txqueue.Result, error)
}

type Transactor interface {
	From() common.Address
	Action(c chain.Call) func(ctx context.Context, nonce uint64) (*types.Transaction, error)
}

type Gate interface {
	Check(ctx context.Context) error
	RecordFailure(ctx context.Context) error
	RecordSuccess(ctx context.Context) error
}

// AssetOutcome is the result of one asset's leg of a run.
type AssetOutcome struct {
	Asset   string
	Amount  decimal.Decimal // native spent on a buy, tokens sold on a sell
	Quoted  decimal.Decimal // expected output
	Filled  decimal.Decimal // credited output
	Tx      common.Hash
	Skipped string
	Err     error
}

type Report struct {
	Side     Side
	Pct      int
	Outcomes []AssetOutcome
	Skipped  string
	DryRun   bool
}

func (r Report) Errors() []error {
	var out []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, fmt.Errorf("%s %s: %w", o.Asset, r.Side, o.Err))
		}
	}
	return out
}

type Option func(*Policy)

func WithRand(r *rand.Rand) Option { return func(p *Policy) { p.rng = r } }

func WithClock(now func() time.Time) Option { return func(p *Policy) { p.now = now } }

// DryRun quotes every leg but submits nothing and credits nothing.
func DryRun() Option { return func(p *Policy) { p.dryRun = true } }

type Policy struct {
	cfg    Config
	chain  Chain
	queue  Enqueuer
	tx     Transactor
	gate   Gate
	rng    *rand.Rand
	now    func() time.Time
	dryRun bool
}

func NewPolicy(cfg Config, c Chain, queue Enqueuer, tx Transactor, gate Gate, opts ...Option) (*Policy, error) {
	if c == nil || queue == nil || tx == nil || gate == nil {
		return nil, errors.New("chain, queue, transactor and gate required")
	}
	if len(cfg.Assets) == 0 {
		return nil, errors.New("no assets to trade")
	}
	if len(cfg.BuyVariants) == 0 || len(cfg.SellVariants) == 0 {
		return nil, errors.New("buy and sell variants required")
	}
	if !cfg.BaseTrade.IsPositive() {
		return nil, errors.New("base trade size must be positive")
	}
	p := &Policy{
		cfg:   cfg,
		chain: c,
		queue: queue,
		tx:    tx,
		gate:  gate,
		rng:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Intent picks the direction: buy unless the last run bought and some
// balance remains.
func Intent(st TradeState) Side {
	if st.LastAction != SideBuy || st.empty() {
		return SideBuy
	}
	return SideSell
}

// Run performs one trading round and returns the updated state. Per-asset
// failures do not stop the other assets.
func (p *Policy) Run(ctx context.Context, st TradeState) (Report, TradeState, error) {
	if err := p.gate.Check(ctx); err != nil {
		return Report{Skipped: err.Error()}, st, err
	}
	next := st.clone()
	var rep Report
	switch Intent(st) {
	case SideBuy:
		rep = p.buy(ctx, &next)
	default:
		rep = p.sell(ctx, &next)
	}
	rep.DryRun = p.dryRun
	if rep.Skipped != "" {
		return rep, st, nil
	}

	now := p.now()
	next.LastAction = rep.Side
	next.LastActionAt = &now

	errs := rep.Errors()
	if len(errs) > 0 {
		log.Printf("[trade] %s completed with %d error(s)", rep.Side, len(errs))
		if !queueRecorded(errs) {
			if err := p.gate.RecordFailure(ctx); err != nil {
				log.Printf("[warn] record trade failure: %v", err)
			}
		}
		return rep, next, errors.Join(errs...)
	}
	if !p.dryRun {
		if err := p.gate.RecordSuccess(ctx); err != nil {
			log.Printf("[warn] clear error state: %v", err)
		}
	}
	return rep, next, nil
}

// queueRecorded reports whether any error was already counted by the queue.
func queueRecorded(errs []error) bool {
	for _, err := range errs {
		if errors.Is(err, txqueue.ErrSubmissionFailed) || errors.Is(err, txqueue.ErrReverted) {
			return true
		}
	}
	return false
}

func (p *Policy) pick(variants []int) int {
	return variants[p.rng.IntN(len(variants))]
}

func (p *Policy) deadline() *big.Int {
	return big.NewInt(p.now().Add(p.cfg.Deadline).Unix())
}

func (p *Policy) decimals(ctx context.Context, token common.Address) int32 {
	d, err := p.chain.Decimals(ctx, token)
	if err != nil {
		return fixedpoint.Decimals
	}
	return int32(d)
}

func (p *Policy) buy(ctx context.Context, st *TradeState) Report {
	pct := p.pick(p.cfg.BuyVariants)
	totalWei := fixedpoint.Percent(fixedpoint.FromDecimal(p.cfg.BaseTrade, fixedpoint.Decimals), int64(pct))
	total := fixedpoint.ToDecimal(totalWei, fixedpoint.Decimals)
	perAsset := new(big.Int).Quo(totalWei, big.NewInt(int64(len(p.cfg.Assets))))
	rep := Report{Side: SideBuy, Pct: pct}
	log.Printf("[trade] BUY %d%% of %s = %s native split across %d assets", pct, p.cfg.BaseTrade, total, len(p.cfg.Assets))

	for _, a := range p.cfg.Assets {
		out := p.buyOne(ctx, a, perAsset)
		rep.Outcomes = append(rep.Outcomes, out)
		if out.Err == nil && !p.dryRun {
			st.Balances[a.Name] = st.Balances[a.Name].Add(out.Filled)
		}
	}
	if !p.dryRun {
		st.NativeBalance = st.NativeBalance.Add(total)
	}
	return rep
}

func (p *Policy) buyOne(ctx context.Context, a price.Asset, value *big.Int) AssetOutcome {
	out := AssetOutcome{Asset: a.Name, Amount: fixedpoint.ToDecimal(value, fixedpoint.Decimals)}
	path := []common.Address{p.cfg.WrappedNative, a.Token}
	amounts, err := p.chain.AmountsOut(ctx, p.cfg.Router, value, path)
	if err != nil {
		out.Err = fmt.Errorf("quote: %w", err)
		return out
	}
	dec := p.decimals(ctx, a.Token)
	expected := amounts[len(amounts)-1]
	out.Quoted = fixedpoint.ToDecimal(expected, dec)
	minOut := fixedpoint.ApplyBps(expected, p.cfg.SlippageBps)
	log.Printf("[trade] %s expected %s (min %s)", a.Name, out.Quoted, fixedpoint.ToDecimal(minOut, dec))
	if p.dryRun {
		return out
	}

	call := chain.Call{
		To:       p.cfg.Router,
		ABI:      chain.RouterABI,
		Method:   "swapExactETHForTokens",
		Args:     []interface{}{minOut, path, p.tx.From(), p.deadline()},
		Value:    value,
		GasLimit: p.cfg.GasLimit,
	}
	res, err := p.queue.Enqueue(ctx, "buy "+a.Name, p.tx.Action(call))
	if res.Tx != nil {
		out.Tx = res.Tx.Hash()
	}
	if err != nil && !errors.Is(err, txqueue.ErrConfirmationTimeout) {
		out.Err = err
		return out
	}
	out.Filled = out.Quoted
	if res.Receipt != nil {
		if got := chain.TransferredTo(res.Receipt, a.Token, p.tx.From()); got.Sign() > 0 {
			out.Filled = fixedpoint.ToDecimal(got, dec)
		}
	}
	log.Printf("[trade] %s bought %s tx=%s", a.Name, out.Filled, out.Tx.Hex())
	return out
}

func (p *Policy) sell(ctx context.Context, st *TradeState) Report {
	rep := Report{Side: SideSell}
	if st.empty() {
		rep.Skipped = "nothing to sell"
		return rep
	}
	pct := p.pick(p.cfg.SellVariants)
	rep.Pct = pct
	log.Printf("[trade] SELL %d%% of balances", pct)

	for _, a := range p.cfg.Assets {
		bal := st.Balances[a.Name]
		if !bal.IsPositive() {
			continue
		}
		amount := bal.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100))
		if amount.LessThan(p.cfg.MinSell) {
			rep.Outcomes = append(rep.Outcomes, AssetOutcome{Asset: a.Name, Amount: amount, Skipped: "too small"})
			log.Printf("[trade] %s sell %s too small", a.Name, amount)
			continue
		}
		out := p.sellOne(ctx, a, amount)
		rep.Outcomes = append(rep.Outcomes, out)
		if out.Err == nil && !p.dryRun {
			st.Balances[a.Name] = bal.Sub(amount)
			st.NativeBalance = st.NativeBalance.Sub(out.Filled)
		}
	}
	return rep
}

func (p *Policy) sellOne(ctx context.Context, a price.Asset, amount decimal.Decimal) AssetOutcome {
	out := AssetOutcome{Asset: a.Name, Amount: amount}
	dec := p.decimals(ctx, a.Token)
	units := fixedpoint.FromDecimal(amount, dec)

	if !p.dryRun {
		if err := p.ensureAllowance(ctx, a, units); err != nil {
			out.Err = err
			return out
		}
	}

	path := []common.Address{a.Token, p.cfg.WrappedNative}
	amounts, err := p.chain.AmountsOut(ctx, p.cfg.Router, units, path)
	if err != nil {
		out.Err = fmt.Errorf("quote: %w", err)
		return out
	}
	expected := amounts[len(amounts)-1]
	out.Quoted = fixedpoint.ToDecimal(expected, fixedpoint.Decimals)
	minOut := fixedpoint.ApplyBps(expected, p.cfg.SlippageBps)
	log.Printf("[trade] %s sell %s expected %s native", a.Name, amount, out.Quoted)
	if p.dryRun {
		return out
	}

	call := chain.Call{
		To:       p.cfg.Router,
		ABI:      chain.RouterABI,
		Method:   "swapExactTokensForETH",
		Args:     []interface{}{units, minOut, path, p.tx.From(), p.deadline()},
		GasLimit: p.cfg.GasLimit,
	}
	res, err := p.queue.Enqueue(ctx, "sell "+a.Name, p.tx.Action(call))
	if res.Tx != nil {
		out.Tx = res.Tx.Hash()
	}
	if err != nil && !errors.Is(err, txqueue.ErrConfirmationTimeout) {
		out.Err = err
		return out
	}
	out.Filled = out.Quoted
	log.Printf("[trade] %s sold tx=%s", a.Name, out.Tx.Hex())
	return out
}

// ensureAllowance approves the router for the maximum amount when the current
// allowance does not cover units.
func (p *Policy) ensureAllowance(ctx context.Context, a price.Asset, units *big.Int) error {
	allowance, err := p.chain.Allowance(ctx, a.Token, p.tx.From(), p.cfg.Router)
	if err != nil {
		return fmt.Errorf("allowance: %w", err)
	}
	if allowance.Cmp(units) >= 0 {
		return nil
	}
	log.Printf("[trade] approving %s for router", a.Name)
	call := chain.Call{
		To:       a.Token,
		ABI:      chain.ERC20ABI,
		Method:   "approve",
		Args:     []interface{}{p.cfg.Router, new(big.Int).Set(math.MaxBig256)},
		GasLimit: p.cfg.ApproveGasLimit,
	}
	if _, err := p.queue.Enqueue(ctx, "approve "+a.Name, p.tx.Action(call)); err != nil && !errors.Is(err, txqueue.ErrConfirmationTimeout) {
		return fmt.Errorf("approve: %w", err)
	}
	return nil
}
