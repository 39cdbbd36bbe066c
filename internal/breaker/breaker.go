package breaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"floor-oracle/internal/state"
)

var ErrCoolingDown = errors.New("skipped: cooldown")

const (
	DefaultThreshold = 3
	DefaultCooldown  = time.Hour
)

// ErrorState is the persisted failure record. CooldownUntil is only set once
// ConsecutiveFailures has reached the threshold.
type ErrorState struct {
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastErrorAt         *time.Time `json:"lastErrorAt,omitempty"`
	CooldownUntil       *time.Time `json:"cooldownUntil,omitempty"`
}

type Config struct {
	Threshold int
	Cooldown  time.Duration
	// OnTrip is called with the cooldown expiry whenever the breaker trips.
	OnTrip func(until time.Time)
}

// Breaker counts consecutive failures of state-mutating operations and
// suspends them for a cooldown once the threshold is reached. Every change is
// written through to the store.
type Breaker struct {
	mu    sync.Mutex
	store state.Store
	cfg   Config
	st    ErrorState
	now   func() time.Time
}

// New loads the persisted error state from store.
func New(ctx context.Context, store state.Store, cfg Config) (*Breaker, error) {
	if store == nil {
		return nil, errors.New("state store required")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	b := &Breaker{store: store, cfg: cfg, now: time.Now}
	if _, err := store.Load(ctx, state.ErrorStateDoc, &b.st); err != nil {
		return nil, fmt.Errorf("load error state: %w", err)
	}
	return b, nil
}

// SetClock replaces the time source. Intended for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// State returns a copy of the current error state.
func (b *Breaker) State() ErrorState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

// RecordFailure counts one failure and starts the cooldown when the threshold
// is reached. The lock is held through the save so the persisted document
// never goes backwards.
func (b *Breaker) RecordFailure(ctx context.Context) error {
	b.mu.Lock()
	now := b.now()
	b.st.ConsecutiveFailures++
	b.st.LastErrorAt = &now
	var tripped *time.Time
	if b.st.ConsecutiveFailures >= b.cfg.Threshold {
		until := now.Add(b.cfg.Cooldown)
		b.st.CooldownUntil = &until
		tripped = &until
	}
	failures := b.st.ConsecutiveFailures
	err := b.saveLocked(ctx)
	onTrip := b.cfg.OnTrip
	b.mu.Unlock()

	if tripped != nil {
		log.Printf("[breaker] %d consecutive failures, cooling down until %s", failures, tripped.Format(time.RFC3339))
		if onTrip != nil {
			onTrip(*tripped)
		}
	}
	return err
}

// RecordSuccess clears the failure counter and any cooldown.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st.ConsecutiveFailures == 0 && b.st.CooldownUntil == nil && b.st.LastErrorAt == nil {
		return nil
	}
	b.st = ErrorState{}
	return b.saveLocked(ctx)
}

// CoolingDown reports whether a cooldown is in effect. An expired cooldown is
// cleared and persisted.
func (b *Breaker) CoolingDown(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st.CooldownUntil == nil {
		return false
	}
	if b.now().Before(*b.st.CooldownUntil) {
		return true
	}
	b.st = ErrorState{}
	log.Printf("[breaker] cooldown expired, resetting error state")
	if err := b.saveLocked(ctx); err != nil {
		log.Printf("[warn] persist cleared error state: %v", err)
	}
	return false
}

// Check returns ErrCoolingDown while a cooldown is in effect.
func (b *Breaker) Check(ctx context.Context) error {
	if !b.CoolingDown(ctx) {
		return nil
	}
	st := b.State()
	if st.CooldownUntil == nil {
		return ErrCoolingDown
	}
	return fmt.Errorf("%w until %s", ErrCoolingDown, st.CooldownUntil.Format(time.RFC3339))
}

func (b *Breaker) saveLocked(ctx context.Context) error {
	if err := b.store.Save(ctx, state.ErrorStateDoc, b.st); err != nil {
		return fmt.Errorf("save error state: %w", err)
	}
	return nil
}
