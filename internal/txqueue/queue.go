// Package txqueue serialises state-changing transactions of one signing
// account so that nonces are assigned strictly in order.
package txqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"floor-oracle/internal/chain"
)

var (
	ErrSubmissionFailed = errors.New("submission failed")
	// ErrConfirmationTimeout is a warning: the transaction was broadcast and
	// its nonce consumed, but no receipt arrived in time.
	ErrConfirmationTimeout = errors.New("confirmation wait timed out")
	ErrReverted            = errors.New("transaction reverted")
	ErrClosed              = errors.New("queue closed")
)

// Action signs and broadcasts one transaction using the assigned nonce.
type Action func(ctx context.Context, nonce uint64) (*types.Transaction, error)

type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

type Waiter interface {
	Wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

type FailureRecorder interface {
	RecordFailure(ctx context.Context) error
}

// Result is the settled outcome of one queued operation.
type Result struct {
	Label   string
	Nonce   uint64
	Tx      *types.Transaction
	Receipt *types.Receipt
	Err     error
}

// Submitted reports whether the transaction was broadcast, whatever its
// confirmation outcome.
func (r Result) Submitted() bool { return r.Tx != nil }

// Outcome is a short label for logs and metrics.
func (r Result) Outcome() string {
	switch {
	case r.Err == nil:
		return "confirmed"
	case errors.Is(r.Err, ErrConfirmationTimeout):
		return "timeout"
	case errors.Is(r.Err, ErrReverted):
		return "reverted"
	case errors.Is(r.Err, ErrClosed):
		return "closed"
	case errors.Is(r.Err, context.Canceled), errors.Is(r.Err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "submit_failed"
	}
}

type request struct {
	ctx    context.Context
	label  string
	action Action
	reply  chan Result
}

type Option func(*Queue)

// WithObserver registers fn to be called with every settled result from the
// worker goroutine.
func WithObserver(fn func(Result)) Option {
	return func(q *Queue) { q.observe = fn }
}

// WithFailureRecorder reports submission failures and reverts to r.
func WithFailureRecorder(r FailureRecorder) Option {
	return func(q *Queue) { q.failures = r }
}

// Queue owns the nonce cursor of one account. A single worker goroutine
// consumes requests in arrival order; callers receive results on per-request
// channels.
type Queue struct {
	account  common.Address
	nonces   NonceSource
	waiter   Waiter
	failures FailureRecorder
	observe  func(Result)

	requests chan request
	quit     chan struct{}
	done     chan struct{}

	mu     sync.RWMutex
	closed bool

	// Worker-owned.
	cursor    uint64
	hasCursor bool
	suspect   bool
}

func New(account common.Address, nonces NonceSource, waiter Waiter, opts ...Option) *Queue {
	q := &Queue{
		account:  account,
		nonces:   nonces,
		waiter:   waiter,
		requests: make(chan request, 32),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.run()
	return q
}

// Submit queues action and returns a channel that receives exactly one Result.
func (q *Queue) Submit(ctx context.Context, label string, action Action) <-chan Result {
	reply := make(chan Result, 1)
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		reply <- Result{Label: label, Err: ErrClosed}
		return reply
	}
	select {
	case q.requests <- request{ctx: ctx, label: label, action: action, reply: reply}:
	case <-ctx.Done():
		reply <- Result{Label: label, Err: ctx.Err()}
	}
	return reply
}

// Enqueue queues action and waits for its result. The returned error equals
// Result.Err.
func (q *Queue) Enqueue(ctx context.Context, label string, action Action) (Result, error) {
	res := <-q.Submit(ctx, label, action)
	return res, res.Err
}

// Close stops the worker after the item in flight settles. Queued items that
// have not started fail with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.quit)
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.quit:
			q.drain()
			return
		case req := <-q.requests:
			q.settle(req, q.process(req))
		}
	}
}

func (q *Queue) drain() {
	for {
		select {
		case req := <-q.requests:
			q.settle(req, Result{Label: req.label, Err: ErrClosed})
		default:
			return
		}
	}
}

func (q *Queue) settle(req request, res Result) {
	if q.observe != nil {
		q.observe(res)
	}
	req.reply <- res
}

func (q *Queue) process(req request) Result {
	ctx := req.ctx
	res := Result{Label: req.label}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	if err := q.syncCursor(ctx); err != nil {
		q.recordFailure(ctx)
		res.Err = fmt.Errorf("%w: %s: nonce lookup: %v", ErrSubmissionFailed, req.label, err)
		return res
	}

	res.Nonce = q.cursor
	tx, err := req.action(ctx, res.Nonce)
	if err != nil {
		// The nonce slot stays free for the next item.
		q.recordFailure(ctx)
		log.Printf("[queue] %s nonce=%d submit failed: %v", req.label, res.Nonce, err)
		res.Err = fmt.Errorf("%w: %s: %v", ErrSubmissionFailed, req.label, err)
		return res
	}
	q.cursor++
	res.Tx = tx
	log.Printf("[queue] %s nonce=%d tx=%s sent", req.label, res.Nonce, tx.Hash().Hex())

	receipt, err := q.waiter.Wait(ctx, tx)
	if err != nil {
		q.suspect = true
		log.Printf("[warn] %s tx=%s confirmation: %v", req.label, tx.Hash().Hex(), err)
		res.Err = fmt.Errorf("%w: %s: %v", ErrConfirmationTimeout, req.label, err)
		return res
	}
	res.Receipt = receipt
	if !chain.Succeeded(receipt) {
		q.recordFailure(ctx)
		log.Printf("[queue] %s tx=%s reverted in block %s", req.label, tx.Hash().Hex(), receipt.BlockNumber)
		res.Err = fmt.Errorf("%w: %s: tx=%s", ErrReverted, req.label, tx.Hash().Hex())
		return res
	}
	log.Printf("[queue] %s tx=%s confirmed in block %s", req.label, tx.Hash().Hex(), receipt.BlockNumber)
	return res
}

// syncCursor fetches the pending nonce on first use and again after a
// confirmation wait failed, adopting the chain's count when it differs.
func (q *Queue) syncCursor(ctx context.Context) error {
	if q.hasCursor && !q.suspect {
		return nil
	}
	n, err := q.nonces.PendingNonceAt(ctx, q.account)
	if err != nil {
		return err
	}
	if q.hasCursor && n != q.cursor {
		log.Printf("[queue] nonce cursor %d disagrees with chain pending count %d, adopting chain value", q.cursor, n)
	}
	q.cursor = n
	q.hasCursor = true
	q.suspect = false
	return nil
}

func (q *Queue) recordFailure(ctx context.Context) {
	if q.failures == nil {
		return
	}
	if err := q.failures.RecordFailure(ctx); err != nil {
		log.Printf("[warn] record failure: %v", err)
	}
}
