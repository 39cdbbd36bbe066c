package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"floor-oracle/internal/breaker"
	"floor-oracle/internal/chain"
	"floor-oracle/internal/fixedpoint"
	"floor-oracle/internal/retry"
	"floor-oracle/internal/state"
	"floor-oracle/internal/txqueue"
)

var consumer = common.HexToAddress("0xb8Fee974031de01411656F908E13De4Ad9c74A9B")

type sentCall struct {
	method string
	value  *big.Int
	nonce  uint64
}

type fakeTransactor struct {
	mu       sync.Mutex
	failures map[string]int
	sent     []sentCall
}

func (f *fakeTransactor) Action(c chain.Call) func(ctx context.Context, nonce uint64) (*types.Transaction, error) {
	return func(_ context.Context, nonce uint64) (*types.Transaction, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failures[c.Method] > 0 {
			f.failures[c.Method]--
			return nil, errors.New("Another transaction has higher priority")
		}
		f.sent = append(f.sent, sentCall{method: c.Method, value: c.Args[0].(*big.Int), nonce: nonce})
		return types.NewTx(&types.LegacyTx{Nonce: nonce, To: &c.To, Gas: c.GasLimit, GasPrice: big.NewInt(1)}), nil
	}
}

type fixedNonce uint64

func (n fixedNonce) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(n), nil
}

type okWaiter struct{}

func (okWaiter) Wait(_ context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash(), BlockNumber: big.NewInt(1)}, nil
}

func newPublisher(t *testing.T, ft *fakeTransactor) (*Publisher, *breaker.Breaker) {
	t.Helper()
	ctx := context.Background()
	br, err := breaker.New(ctx, state.NewMemory(), breaker.Config{})
	if err != nil {
		t.Fatalf("breaker.New: %v", err)
	}
	q := txqueue.New(common.Address{1}, fixedNonce(5), okWaiter{}, txqueue.WithFailureRecorder(br))
	t.Cleanup(q.Close)

	p, err := NewPublisher(PublisherConfig{
		Consumer:   consumer,
		GasLimit:   500_000,
		FloorAsset: "OCTA",
		RateAsset:  "CRAA",
		Retry:      retry.Policy{MaxAttempts: 6},
	}, q, ft, br)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	return p, br
}

func TestPublishSendsFloorThenRate(t *testing.T) {
	t.Parallel()

	ft := &fakeTransactor{}
	p, _ := newPublisher(t, ft)

	pub, err := p.Publish(context.Background(), Amounts{"OCTA": dec("52"), "CRAA": dec("26")})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(ft.sent) != 2 {
		t.Fatalf("sent %d calls, want 2", len(ft.sent))
	}
	if ft.sent[0].method != "setManualFloor" || ft.sent[1].method != "setCRARateManual" {
		t.Fatalf("order=%s,%s", ft.sent[0].method, ft.sent[1].method)
	}
	wantFloor := new(big.Int).Mul(big.NewInt(52), fixedpoint.Scale)
	wantRate := new(big.Int).Div(fixedpoint.Scale, big.NewInt(2))
	if ft.sent[0].value.Cmp(wantFloor) != 0 || ft.sent[1].value.Cmp(wantRate) != 0 {
		t.Fatalf("values=%s,%s want %s,%s", ft.sent[0].value, ft.sent[1].value, wantFloor, wantRate)
	}
	if ft.sent[0].nonce != 5 || ft.sent[1].nonce != 6 {
		t.Fatalf("nonces=%d,%d want 5,6", ft.sent[0].nonce, ft.sent[1].nonce)
	}
	if pub.FloorTx == (common.Hash{}) || pub.RateTx == (common.Hash{}) {
		t.Fatalf("missing tx hashes: %+v", pub)
	}
}

func TestPublishPushesForcedAmounts(t *testing.T) {
	t.Parallel()

	m := NewMachine(DefaultThresholds())
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	st := PushState{
		LastAmounts:    Amounts{"OCTA": dec("100"), "CRAA": dec("100")},
		PendingSince:   &since,
		PendingAmounts: Amounts{"OCTA": dec("90"), "CRAA": dec("100")},
	}
	d := m.Decide(st, Amounts{"OCTA": dec("70"), "CRAA": dec("100")}, since.Add(time.Hour))
	if d.Reason != ReasonForcedDown {
		t.Fatalf("reason=%s, want forced_down", d.Reason)
	}

	ft := &fakeTransactor{}
	p, _ := newPublisher(t, ft)
	if _, err := p.Publish(context.Background(), d.Amounts); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := fixedpoint.FromDecimal(dec("76.5"), fixedpoint.Decimals)
	if ft.sent[0].value.Cmp(want) != 0 {
		t.Fatalf("floor pushed=%s, want %s", ft.sent[0].value, want)
	}
}

func TestPublishRetriesAndReusesNonce(t *testing.T) {
	t.Parallel()

	ft := &fakeTransactor{failures: map[string]int{"setManualFloor": 2}}
	p, br := newPublisher(t, ft)

	if _, err := p.Publish(context.Background(), Amounts{"OCTA": dec("1"), "CRAA": dec("2")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ft.sent[0].nonce != 5 || ft.sent[1].nonce != 6 {
		t.Fatalf("nonces=%d,%d want 5,6", ft.sent[0].nonce, ft.sent[1].nonce)
	}
	if st := br.State(); st.ConsecutiveFailures != 0 {
		t.Fatalf("breaker not cleared after success: %+v", st)
	}
}

func TestPublishStopsWhenBreakerTrips(t *testing.T) {
	t.Parallel()

	ft := &fakeTransactor{failures: map[string]int{"setManualFloor": 10, "setCRARateManual": 10}}
	p, br := newPublisher(t, ft)

	_, err := p.Publish(context.Background(), Amounts{"OCTA": dec("1"), "CRAA": dec("2")})
	if !errors.Is(err, breaker.ErrCoolingDown) {
		t.Fatalf("err=%v, want ErrCoolingDown", err)
	}
	if remaining := ft.failures["setManualFloor"]; remaining != 7 {
		t.Fatalf("floor attempts=%d, want 3", 10-remaining)
	}
	if remaining := ft.failures["setCRARateManual"]; remaining != 10 {
		t.Fatalf("rate attempted %d times during cooldown", 10-remaining)
	}
	if !br.CoolingDown(context.Background()) {
		t.Fatalf("breaker should be cooling down")
	}
}

func TestPublishValues(t *testing.T) {
	t.Parallel()

	if _, _, err := PublishValues(Amounts{"CRAA": dec("1")}, "OCTA", "CRAA"); err == nil {
		t.Fatalf("expected error for missing floor asset")
	}
	floor, rate, err := PublishValues(Amounts{"OCTA": dec("4"), "CRAA": dec("1")}, "OCTA", "CRAA")
	if err != nil {
		t.Fatalf("PublishValues: %v", err)
	}
	if floor.Cmp(new(big.Int).Mul(big.NewInt(4), fixedpoint.Scale)) != 0 {
		t.Fatalf("floor=%s", floor)
	}
	if want := new(big.Int).Div(fixedpoint.Scale, big.NewInt(4)); rate.Cmp(want) != 0 {
		t.Fatalf("rate=%s, want %s", rate, want)
	}
}
