package floor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"floor-oracle/internal/retry"
)

var collection = common.HexToAddress("0x4bcd4aff190d715fa7201cce2e69dd72c0549b07")

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(srv.URL, collection, WithRetry(retry.Policy{MaxAttempts: 3}), WithPacer(retry.NoDelay()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func fetch(t *testing.T, c *Client) (decimal.Decimal, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.FetchFloor(ctx)
}

func TestFetchFloor_StatsPriority(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"market floorAsk", `{"stats":{"market":{"floorAsk":{"value":{"native":0.52}}},"floor":{"native":9}}}`, "0.52"},
		{"stats floorAsk", `{"stats":{"floorAsk":{"value":{"native":1.25}},"floor":{"native":9}}}`, "1.25"},
		{"stats floor", `{"stats":{"floor":{"native":3}}}`, "3"},
		{"skips non-number", `{"stats":{"market":{"floorAsk":{"value":{"native":"0.1"}}},"floor":{"native":0.7}}}`, "0.7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/stats/v2" {
					http.NotFound(w, r)
					return
				}
				if got := r.URL.Query().Get("collection"); got != "0x4bcd4aff190d715fa7201cce2e69dd72c0549b07" {
					http.Error(w, "bad collection", http.StatusBadRequest)
					return
				}
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			got, err := fetch(t, newTestClient(t, srv))
			if err != nil {
				t.Fatalf("FetchFloor: %v", err)
			}
			if !got.Equal(decimal.RequireFromString(tc.want)) {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestFetchFloor_ListingsShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"list", `{"tokens":[
			{"market":{"floorAsk":{"price":{"native":0.9}}}},
			{"market":{"floorAsk":{"value":{"native":0.4}}}},
			{"market":{"floorAsk":{"price":null}}},
			"junk"
		]}`, "0.4"},
		{"number map", `{"tokens":{"1":0.8,"2":0.35,"3":1.1}}`, "0.35"},
		{"record map", `{"tokens":{"1":{"market":{"floorAsk":{"price":{"native":0.6}}}},"2":{"market":{"floorAsk":{"price":{"native":0.45}}}},"3":7}}`, "0.45"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/stats/v2":
					_, _ = w.Write([]byte(`{"stats":{}}`))
				case "/tokens/floor/v1":
					if r.URL.Query().Get("limit") != "100" || r.URL.Query().Get("contract") == "" {
						http.Error(w, "bad query", http.StatusBadRequest)
						return
					}
					_, _ = w.Write([]byte(tc.body))
				default:
					http.NotFound(w, r)
				}
			}))
			defer srv.Close()

			got, err := fetch(t, newTestClient(t, srv))
			if err != nil {
				t.Fatalf("FetchFloor: %v", err)
			}
			if !got.Equal(decimal.RequireFromString(tc.want)) {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestFetchFloor_StatsErrorFallsBack(t *testing.T) {
	var statsCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stats/v2":
			statsCalls.Add(1)
			http.Error(w, "upstream", http.StatusBadGateway)
		case "/tokens/floor/v1":
			_, _ = w.Write([]byte(`{"tokens":{"7":0.25}}`))
		}
	}))
	defer srv.Close()

	got, err := fetch(t, newTestClient(t, srv))
	if err != nil {
		t.Fatalf("FetchFloor: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("got %s, want 0.25", got)
	}
	if n := statsCalls.Load(); n != 3 {
		t.Fatalf("stats calls=%d, want 3 (retried 5xx)", n)
	}
}

func TestFetchFloor_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stats/v2":
			_, _ = w.Write([]byte(`{"stats":{"floor":{"native":0}}}`))
		case "/tokens/floor/v1":
			_, _ = w.Write([]byte(`{"tokens":[]}`))
		}
	}))
	defer srv.Close()

	_, err := fetch(t, newTestClient(t, srv))
	if !errors.Is(err, ErrFloorNotFound) {
		t.Fatalf("err=%v, want ErrFloorNotFound", err)
	}
}

func TestFetchFloor_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := fetch(t, newTestClient(t, srv))
	if !errors.Is(err, ErrFloorNotFound) {
		t.Fatalf("err=%v, want ErrFloorNotFound", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls=%d, want 2 (one per endpoint)", n)
	}
}

func TestListingsShapeClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		body string
		want listingsShape
	}{
		{`null`, shapeEmpty},
		{`[]`, shapeList},
		{`{}`, shapeEmpty},
		{`{"a":1,"b":2}`, shapeNumberMap},
		{`{"a":1,"b":{}}`, shapeRecordMap},
		{`"x"`, shapeEmpty},
	}
	for _, tc := range cases {
		var l listings
		if err := json.Unmarshal([]byte(tc.body), &l); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.body, err)
		}
		if l.shape != tc.want {
			t.Fatalf("shape(%s)=%s, want %s", tc.body, l.shape, tc.want)
		}
	}
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewClient("ftp://x", collection); err == nil {
		t.Fatalf("expected scheme error")
	}
	if _, err := NewClient("", common.Address{}); err == nil {
		t.Fatalf("expected collection error")
	}
	c, err := NewClient("", collection)
	if err != nil {
		t.Fatalf("NewClient default: %v", err)
	}
	if c.host != DefaultURL {
		t.Fatalf("host=%s, want %s", c.host, DefaultURL)
	}
}
