package oracle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"floor-oracle/internal/chain"
	"floor-oracle/internal/fixedpoint"
	"floor-oracle/internal/price"
	"floor-oracle/internal/retry"
	"floor-oracle/internal/txqueue"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, label string, action txqueue.Action) (txqueue.Result, error)
}

type ActionFactory interface {
	Action(c chain.Call) func(ctx context.Context, nonce uint64) (*types.Transaction, error)
}

type Gate interface {
	Check(ctx context.Context) error
	RecordSuccess(ctx context.Context) error
}

type PublisherConfig struct {
	Consumer   common.Address
	GasLimit   uint64
	FloorAsset string
	RateAsset  string
	Retry      retry.Policy
	// Pacer spaces the two consumer calls apart.
	Pacer *retry.Pacer
}

// Publication is what one Publish sent.
type Publication struct {
	Floor1e18 *big.Int
	Rate1e18  *big.Int
	FloorTx   common.Hash
	RateTx    common.Hash
	// Warnings carries non-fatal outcomes such as confirmation timeouts.
	Warnings []error
}

// Publisher pushes the floor-asset amount and the cross rate to the consumer
// contract.
type Publisher struct {
	cfg   PublisherConfig
	queue Enqueuer
	tx    ActionFactory
	gate  Gate
}

func NewPublisher(cfg PublisherConfig, queue Enqueuer, tx ActionFactory, gate Gate) (*Publisher, error) {
	if queue == nil || tx == nil || gate == nil {
		return nil, errors.New("queue, transactor and gate required")
	}
	if cfg.FloorAsset == "" || cfg.RateAsset == "" {
		return nil, errors.New("floor and rate assets required")
	}
	if cfg.GasLimit == 0 {
		return nil, errors.New("gas limit required")
	}
	return &Publisher{cfg: cfg, queue: queue, tx: tx, gate: gate}, nil
}

// Values derives the two published integers from amounts: the floor-asset
// amount and amounts[rate] per amounts[floor], both at 10^18.
func (p *Publisher) Values(amounts Amounts) (floor1e18, rate1e18 *big.Int, err error) {
	return PublishValues(amounts, p.cfg.FloorAsset, p.cfg.RateAsset)
}

func PublishValues(amounts Amounts, floorAsset, rateAsset string) (*big.Int, *big.Int, error) {
	scaled := make(map[string]*big.Int, len(amounts))
	for name, v := range amounts {
		scaled[name] = fixedpoint.FromDecimal(v, fixedpoint.Decimals)
	}
	floor, ok := scaled[floorAsset]
	if !ok || floor.Sign() <= 0 {
		return nil, nil, fmt.Errorf("no positive amount for floor asset %q", floorAsset)
	}
	rate, err := price.CrossRate(scaled, floorAsset, rateAsset)
	if err != nil {
		return nil, nil, err
	}
	return floor, rate, nil
}

// Publish sends setManualFloor then setCRARateManual. Both are attempted even
// if the first fails. The gate is cleared only when both were submitted.
func (p *Publisher) Publish(ctx context.Context, amounts Amounts) (Publication, error) {
	floor, rate, err := p.Values(amounts)
	if err != nil {
		return Publication{}, err
	}
	pub := Publication{Floor1e18: floor, Rate1e18: rate}

	floorRes, floorErr := p.send(ctx, "setManualFloor", floor)
	if floorRes.Submitted() {
		pub.FloorTx = floorRes.Tx.Hash()
	}
	if errors.Is(floorRes.Err, txqueue.ErrConfirmationTimeout) {
		pub.Warnings = append(pub.Warnings, floorRes.Err)
	}
	if floorErr != nil {
		log.Printf("[push] floor failed: %v", floorErr)
	}

	if err := p.cfg.Pacer.Wait(ctx); err != nil {
		return pub, err
	}

	rateRes, rateErr := p.send(ctx, "setCRARateManual", rate)
	if rateRes.Submitted() {
		pub.RateTx = rateRes.Tx.Hash()
	}
	if errors.Is(rateRes.Err, txqueue.ErrConfirmationTimeout) {
		pub.Warnings = append(pub.Warnings, rateRes.Err)
	}
	if rateErr != nil {
		log.Printf("[push] rate failed: %v", rateErr)
	}

	if err := errors.Join(floorErr, rateErr); err != nil {
		return pub, err
	}
	if err := p.gate.RecordSuccess(ctx); err != nil {
		log.Printf("[warn] clear error state: %v", err)
	}
	return pub, nil
}

// send enqueues one consumer call, re-enqueueing submission failures under the
// retry policy. The gate is checked before every attempt. A confirmation
// timeout counts as submitted.
func (p *Publisher) send(ctx context.Context, method string, value *big.Int) (txqueue.Result, error) {
	call := chain.Call{
		To:       p.cfg.Consumer,
		ABI:      chain.ConsumerABI,
		Method:   method,
		Args:     []interface{}{value},
		GasLimit: p.cfg.GasLimit,
	}
	label := fmt.Sprintf("%s(%s)", method, value)

	var last txqueue.Result
	_, err := retry.Do(ctx, p.cfg.Retry, label, func(ctx context.Context) (struct{}, error) {
		if err := p.gate.Check(ctx); err != nil {
			return struct{}{}, retry.Permanent(err)
		}
		res, err := p.queue.Enqueue(ctx, label, p.tx.Action(call))
		last = res
		switch {
		case err == nil, errors.Is(err, txqueue.ErrConfirmationTimeout):
			return struct{}{}, nil
		case errors.Is(err, txqueue.ErrSubmissionFailed):
			return struct{}{}, err
		default:
			return struct{}{}, retry.Permanent(err)
		}
	})
	return last, err
}
