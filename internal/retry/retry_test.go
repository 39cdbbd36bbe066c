package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 6, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 16 * time.Second}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 16 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i); got != w {
			t.Fatalf("Backoff(%d)=%s, want %s", i, got, w)
		}
	}
}

func TestBackoffJitterBounded(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Second, Multiplier: 2, Jitter: 500 * time.Millisecond}
	for i := 0; i < 50; i++ {
		got := p.Backoff(0)
		if got < time.Second || got >= 1500*time.Millisecond {
			t.Fatalf("Backoff(0)=%s outside [1s,1.5s)", got)
		}
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	got, err := Do(context.Background(), Policy{MaxAttempts: 3}, "test", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Fatalf("got=%d calls=%d, want 42 and 3", got, calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 4}, "test", func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
	if calls != 4 {
		t.Fatalf("calls=%d, want 4", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	t.Parallel()

	fatal := errors.New("fatal")
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 5}, "test", func(context.Context) (int, error) {
		calls++
		return 0, Permanent(fatal)
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("err=%v, want fatal", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d, want 1", calls)
	}
}

func TestDoHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, Policy{MaxAttempts: 3, BaseDelay: time.Hour}, "test", func(context.Context) (int, error) {
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestPacerDelayRange(t *testing.T) {
	t.Parallel()

	p := NewPacer(1200*time.Millisecond, 500*time.Millisecond, 0)
	for i := 0; i < 100; i++ {
		d := p.Delay()
		if d < 500*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("delay %s outside [500ms,1200ms]", d)
		}
	}
	if d := NoDelay().Delay(); d != 0 {
		t.Fatalf("NoDelay delay=%s, want 0", d)
	}
}
