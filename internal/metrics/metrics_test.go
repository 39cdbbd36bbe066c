package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsUpdate(t *testing.T) {
	t.Parallel()

	m := New("")
	m.ObserveCycle("pushed", time.Now())
	m.ObserveCycle("pushed", time.Now())
	m.ObserveFloor(0.52, nil)
	m.ObserveFloor(0, io.EOF)
	m.SetAmount("OCTA", 52)
	m.ObserveDecision("pending_fall", false, true)
	m.ObserveTx("setManualFloor(52000000000000000000)", "confirmed")
	m.ObserveTx("buy OCTA", "timeout")
	m.ObserveTrip()
	m.SetFailures(3)

	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("pushed")); got != 2 {
		t.Fatalf("cycles=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Floor); got != 0.52 {
		t.Fatalf("floor=%v, want 0.52", got)
	}
	if got := testutil.ToFloat64(m.FloorFetches.WithLabelValues("error")); got != 1 {
		t.Fatalf("floor errors=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Amounts.WithLabelValues("OCTA")); got != 52 {
		t.Fatalf("OCTA amount=%v, want 52", got)
	}
	if got := testutil.ToFloat64(m.Pending); got != 1 {
		t.Fatalf("pending=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Transactions.WithLabelValues("buy", "timeout")); got != 1 {
		t.Fatalf("buy timeouts=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Transactions.WithLabelValues("setManualFloor", "confirmed")); got != 1 {
		t.Fatalf("floor pushes=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConsecutiveFailure); got != 3 {
		t.Fatalf("failures=%v, want 3", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveCycle("error", time.Now())
	m.ObserveTx("approve OCTA", "confirmed")
	m.ObserveTrade("buy", "ok")
}

func TestHandlerServesOwnRegistry(t *testing.T) {
	t.Parallel()

	m := New("test_oracle")
	m.ObserveTrip()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "test_oracle_breaker_trips_total 1") {
		t.Fatalf("metrics output missing trips counter:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("metrics output missing go collector")
	}
}
