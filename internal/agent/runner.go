// Package agent runs one oracle cycle: price the assets against the floor,
// decide whether to publish, publish, journal a snapshot and trade.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"floor-oracle/internal/breaker"
	"floor-oracle/internal/fixedpoint"
	"floor-oracle/internal/metrics"
	"floor-oracle/internal/oracle"
	"floor-oracle/internal/price"
	"floor-oracle/internal/state"
	"floor-oracle/internal/trading"
)

type PriceSource interface {
	Build(ctx context.Context) (*price.Set, error)
}

type Publisher interface {
	Publish(ctx context.Context, amounts oracle.Amounts) (oracle.Publication, error)
}

type Trader interface {
	Run(ctx context.Context, st trading.TradeState) (trading.Report, trading.TradeState, error)
}

type Gate interface {
	Check(ctx context.Context) error
	State() breaker.ErrorState
}

// Cycle results reported in snapshots and metrics.
const (
	ResultPushed     = "pushed"
	ResultHeld       = "held"
	ResultUnchanged  = "unchanged"
	ResultCooldown   = "cooldown"
	ResultPushFailed = "push_failed"
	ResultError      = "error"
)

type Config struct {
	// Live enables publishing. Without it decisions are computed and logged
	// only; callers pair it with a read-only store.
	Live       bool
	FloorAsset string
	RateAsset  string
}

type Deps struct {
	Store     state.Store
	Prices    PriceSource
	Machine   *oracle.Machine
	Gate      Gate
	Publisher Publisher // required when Live
	Trader    Trader    // nil disables trading
	Metrics   *metrics.Metrics
}

type Runner struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if deps.Store == nil || deps.Prices == nil || deps.Machine == nil || deps.Gate == nil {
		return nil, errors.New("store, prices, machine and gate required")
	}
	if cfg.Live && deps.Publisher == nil {
		return nil, errors.New("publisher required in live mode")
	}
	if cfg.FloorAsset == "" || cfg.RateAsset == "" {
		return nil, errors.New("floor and rate assets required")
	}
	return &Runner{cfg: cfg, deps: deps, now: time.Now}, nil
}

// SetClock replaces the time source. Intended for tests.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// RunOnce performs one cycle. The returned error is cycle-level: a failed
// price build, state access or publish. Trade failures are reported in the
// snapshot only.
func (r *Runner) RunOnce(ctx context.Context) (Snapshot, error) {
	started := time.Now()
	snap := Snapshot{
		Cycle: uuid.NewString(),
		At:    r.now().UTC(),
		Mode:  r.mode(),
	}
	snap, err := r.run(ctx, snap)
	if err != nil {
		snap.Error = err.Error()
		if snap.Result == "" {
			snap.Result = ResultError
		}
		log.Printf("[cycle] cycle=%s failed: %v", snap.Cycle, err)
	}
	if snap.Result != ResultCooldown {
		if jerr := r.deps.Store.Append(ctx, state.SnapshotLog, snap); jerr != nil {
			log.Printf("[warn] cycle=%s journal snapshot: %v", snap.Cycle, jerr)
		}
	}
	r.deps.Metrics.SetFailures(r.deps.Gate.State().ConsecutiveFailures)
	r.deps.Metrics.ObserveCycle(snap.Result, started)
	return snap, err
}

func (r *Runner) mode() string {
	if r.cfg.Live {
		return "live"
	}
	return "simulation"
}

func (r *Runner) run(ctx context.Context, snap Snapshot) (Snapshot, error) {
	if err := r.deps.Gate.Check(ctx); err != nil {
		log.Printf("[cycle] cycle=%s %v", snap.Cycle, err)
		snap.Result = ResultCooldown
		snap.Decision = &DecisionRecord{Reason: oracle.ReasonCooldown}
		return snap, nil
	}
	log.Printf("[cycle] cycle=%s mode=%s", snap.Cycle, snap.Mode)

	set, err := r.deps.Prices.Build(ctx)
	if err != nil {
		r.deps.Metrics.ObserveFloor(0, err)
		return snap, fmt.Errorf("build prices: %w", err)
	}
	r.recordPrices(&snap, set)

	st, err := oracle.LoadPushState(ctx, r.deps.Store)
	if err != nil {
		return snap, err
	}
	now := r.now()
	current := oracle.Amounts(set.DecimalAmounts())
	d := r.deps.Machine.Decide(st, current, now)
	snap.Decision = &DecisionRecord{Push: d.Push, Reason: d.Reason, Amounts: d.Amounts}
	r.deps.Metrics.ObserveDecision(string(d.Reason), d.Push, d.StartPending || (st.Pending() && !d.Push))
	log.Printf("[push] cycle=%s decision=%s push=%v current=[%s]", snap.Cycle, d.Reason, d.Push, current)

	switch {
	case d.Push:
		if err := r.push(ctx, &snap, st, d, now); err != nil {
			snap.Result = ResultPushFailed
			return snap, err
		}
		snap.Result = ResultPushed
	case d.StartPending:
		if err := oracle.SavePushState(ctx, r.deps.Store, r.deps.Machine.Next(st, d, now, "")); err != nil {
			return snap, err
		}
		snap.Result = ResultHeld
	case d.Reason == oracle.ReasonPendingFall:
		snap.Result = ResultHeld
	default:
		snap.Result = ResultUnchanged
	}

	if r.deps.Trader != nil {
		snap.Trade = r.trade(ctx)
	}
	return snap, nil
}

func (r *Runner) recordPrices(snap *Snapshot, set *price.Set) {
	floorF, _ := set.Floor.Float64()
	r.deps.Metrics.ObserveFloor(floorF, nil)

	snap.Floor = set.Floor
	snap.FloorWei = set.FloorScaled.String()
	snap.Amounts = make(map[string]decimal.Decimal, len(set.Amounts))
	snap.AmountsWei = make(map[string]string, len(set.Amounts))
	for name, v := range set.Amounts {
		d := fixedpoint.ToDecimal(v, fixedpoint.Decimals)
		snap.Amounts[name] = d
		snap.AmountsWei[name] = v.String()
		f, _ := d.Float64()
		r.deps.Metrics.SetAmount(name, f)
	}
	if rate, err := price.CrossRate(set.Amounts, r.cfg.FloorAsset, r.cfg.RateAsset); err == nil {
		snap.Rate = fixedpoint.ToDecimal(rate, fixedpoint.Decimals)
		snap.RateWei = rate.String()
	}
	log.Printf("[price] floor=%s native %s=%s %s=%s rate=%s",
		set.Floor, r.cfg.FloorAsset, snap.Amounts[r.cfg.FloorAsset].StringFixed(6),
		r.cfg.RateAsset, snap.Amounts[r.cfg.RateAsset].StringFixed(6), snap.Rate.StringFixed(6))
}

// push publishes d and commits the new publish record only on success. In
// simulation nothing is sent and the record goes to the caller's read-only
// store.
func (r *Runner) push(ctx context.Context, snap *Snapshot, st oracle.PushState, d oracle.Decision, now time.Time) error {
	var ref string
	if r.cfg.Live {
		pub, err := r.deps.Publisher.Publish(ctx, d.Amounts)
		if pub.FloorTx != (common.Hash{}) {
			snap.FloorTx = pub.FloorTx.Hex()
			ref = snap.FloorTx
		}
		if pub.RateTx != (common.Hash{}) {
			snap.RateTx = pub.RateTx.Hex()
		}
		for _, w := range pub.Warnings {
			log.Printf("[warn] cycle=%s %v", snap.Cycle, w)
		}
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		log.Printf("[push] cycle=%s pushed reason=%s floor_tx=%s rate_tx=%s", snap.Cycle, d.Reason, snap.FloorTx, snap.RateTx)
	} else {
		log.Printf("[push] cycle=%s simulation: would push [%s] (%s)", snap.Cycle, d.Amounts, d.Reason)
	}
	if err := oracle.SavePushState(ctx, r.deps.Store, r.deps.Machine.Next(st, d, now, ref)); err != nil {
		return err
	}
	snap.Pushed = r.cfg.Live
	r.deps.Metrics.ObservePush(now)
	return nil
}

// trade runs one trading round. Its failures never fail the cycle.
func (r *Runner) trade(ctx context.Context) *TradeRecord {
	st, err := trading.LoadState(ctx, r.deps.Store)
	if err != nil {
		log.Printf("[warn] trade: %v", err)
		return &TradeRecord{Errors: []string{err.Error()}}
	}
	rep, next, err := r.deps.Trader.Run(ctx, st)
	rec := newTradeRecord(rep)
	if errors.Is(err, breaker.ErrCoolingDown) {
		log.Printf("[trade] %v", err)
		return rec
	}
	for _, o := range rep.Outcomes {
		switch {
		case o.Skipped != "":
			r.deps.Metrics.ObserveTrade(string(rep.Side), "skipped")
		case o.Err != nil:
			r.deps.Metrics.ObserveTrade(string(rep.Side), "error")
		default:
			r.deps.Metrics.ObserveTrade(string(rep.Side), "ok")
		}
	}
	if rep.Skipped != "" {
		log.Printf("[trade] %s", rep.Skipped)
		return rec
	}
	if err != nil {
		log.Printf("[warn] trade: %v", err)
	}
	if serr := trading.SaveState(ctx, r.deps.Store, next); serr != nil {
		log.Printf("[warn] %v", serr)
		rec.Errors = append(rec.Errors, serr.Error())
	}
	return rec
}
