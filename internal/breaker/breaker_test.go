package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"floor-oracle/internal/state"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(t *testing.T, store state.Store) (*Breaker, *clock) {
	t.Helper()
	b, err := New(context.Background(), store, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	b.SetClock(c.now)
	return b, c
}

func fail(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := b.RecordFailure(context.Background()); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
}

func TestTripsAfterThreeFailures(t *testing.T) {
	t.Parallel()

	b, _ := newBreaker(t, state.NewMemory())
	ctx := context.Background()

	fail(t, b, 2)
	if b.CoolingDown(ctx) {
		t.Fatalf("cooling down after 2 failures")
	}
	fail(t, b, 1)
	if !b.CoolingDown(ctx) {
		t.Fatalf("not cooling down after 3 failures")
	}
	if err := b.Check(ctx); !errors.Is(err, ErrCoolingDown) {
		t.Fatalf("Check err=%v, want ErrCoolingDown", err)
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	t.Parallel()

	b, _ := newBreaker(t, state.NewMemory())
	ctx := context.Background()

	fail(t, b, 3)
	if !b.CoolingDown(ctx) {
		t.Fatalf("expected cooldown")
	}
	if err := b.RecordSuccess(ctx); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if b.CoolingDown(ctx) {
		t.Fatalf("cooldown survived success")
	}

	fail(t, b, 2)
	if b.CoolingDown(ctx) {
		t.Fatalf("tripped after only 2 failures following a success")
	}
	fail(t, b, 1)
	if !b.CoolingDown(ctx) {
		t.Fatalf("did not trip after 3 failures following a success")
	}
}

func TestCooldownExpiresAndClears(t *testing.T) {
	t.Parallel()

	store := state.NewMemory()
	b, c := newBreaker(t, store)
	ctx := context.Background()

	fail(t, b, 3)
	c.advance(59 * time.Minute)
	if !b.CoolingDown(ctx) {
		t.Fatalf("cooldown ended early")
	}
	c.advance(time.Minute)
	if b.CoolingDown(ctx) {
		t.Fatalf("cooldown did not expire after one hour")
	}

	var persisted ErrorState
	if _, err := store.Load(ctx, state.ErrorStateDoc, &persisted); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if persisted.ConsecutiveFailures != 0 || persisted.CooldownUntil != nil {
		t.Fatalf("persisted state not cleared: %+v", persisted)
	}
}

func TestStatePersistsAcrossInstances(t *testing.T) {
	t.Parallel()

	store := state.NewMemory()
	b, c := newBreaker(t, store)
	var tripped time.Time
	b.cfg.OnTrip = func(until time.Time) { tripped = until }
	fail(t, b, 3)
	if want := c.t.Add(time.Hour); !tripped.Equal(want) {
		t.Fatalf("OnTrip until=%s, want %s", tripped, want)
	}

	reopened, err := New(context.Background(), store, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reopened.SetClock(c.now)
	st := reopened.State()
	if st.ConsecutiveFailures != 3 || st.CooldownUntil == nil {
		t.Fatalf("got %+v, want 3 failures and a cooldown", st)
	}
	if !reopened.CoolingDown(context.Background()) {
		t.Fatalf("reopened breaker not cooling down")
	}
}

func TestCooldownOnlyAtThreshold(t *testing.T) {
	t.Parallel()

	b, _ := newBreaker(t, state.NewMemory())
	fail(t, b, 2)
	if st := b.State(); st.CooldownUntil != nil {
		t.Fatalf("cooldown set below threshold: %+v", st)
	}
}

// slowStore delays early saves longer than later ones, so unordered saves
// would leave an older document on top.
type slowStore struct {
	*state.Memory
	mu    sync.Mutex
	saves int
}

func (s *slowStore) Save(ctx context.Context, name string, v any) error {
	s.mu.Lock()
	s.saves++
	delay := time.Duration(40-s.saves%40) * 50 * time.Microsecond
	s.mu.Unlock()
	time.Sleep(delay)
	return s.Memory.Save(ctx, name, v)
}

func TestConcurrentFailuresPersistLatestCount(t *testing.T) {
	t.Parallel()

	store := &slowStore{Memory: state.NewMemory()}
	b, err := New(context.Background(), store, Config{Threshold: 1000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.RecordFailure(context.Background()); err != nil {
				t.Errorf("RecordFailure: %v", err)
			}
		}()
	}
	wg.Wait()

	var persisted ErrorState
	if _, err := store.Load(context.Background(), state.ErrorStateDoc, &persisted); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if persisted.ConsecutiveFailures != n {
		t.Fatalf("persisted failures=%d, want %d", persisted.ConsecutiveFailures, n)
	}
}
