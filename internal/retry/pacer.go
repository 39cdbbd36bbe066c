package retry

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces out calls to a rate limited remote endpoint. Every Wait first
// takes a token from an optional request-rate limiter and then sleeps for a
// random duration in [Min, Max].
type Pacer struct {
	min, max time.Duration
	limiter  *rate.Limiter

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPacer returns a pacer with a random delay in [min, max]. The bounds may
// be given in either order. perSecond <= 0 disables the rate limiter.
func NewPacer(min, max time.Duration, perSecond float64) *Pacer {
	if min > max {
		min, max = max, min
	}
	p := &Pacer{
		min: min,
		max: max,
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(time.Now().UnixNano()>>1))),
	}
	if perSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return p
}

// NoDelay returns a pacer that never waits. Intended for tests and offline
// tooling.
func NoDelay() *Pacer {
	return &Pacer{}
}

// Delay returns the next random delay without sleeping.
func (p *Pacer) Delay() time.Duration {
	if p == nil || p.max <= 0 {
		return 0
	}
	span := p.max - p.min
	if span <= 0 {
		return p.min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.min + time.Duration(p.rng.Int64N(int64(span)+1))
}

// Wait blocks until the caller may issue its next remote call.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return ctx.Err()
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return Sleep(ctx, p.Delay())
}
