package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"floor-oracle/internal/oracle"
	"floor-oracle/internal/state"
	"floor-oracle/internal/trading"
)

// Snapshot is the journal record written once per cycle.
type Snapshot struct {
	Cycle  string    `json:"cycle"`
	At     time.Time `json:"at"`
	Mode   string    `json:"mode"`
	Result string    `json:"result"`

	Floor      decimal.Decimal            `json:"floor"`
	FloorWei   string                     `json:"floorWei,omitempty"`
	Amounts    map[string]decimal.Decimal `json:"amounts,omitempty"`
	AmountsWei map[string]string          `json:"amountsWei,omitempty"`
	Rate       decimal.Decimal            `json:"rate"`
	RateWei    string                     `json:"rateWei,omitempty"`

	Decision *DecisionRecord `json:"decision,omitempty"`
	Pushed   bool            `json:"pushed"`
	FloorTx  string          `json:"floorTx,omitempty"`
	RateTx   string          `json:"rateTx,omitempty"`

	Trade *TradeRecord `json:"trade,omitempty"`
	Error string       `json:"error,omitempty"`
}

// History returns the last n cycle snapshots, oldest first.
func History(ctx context.Context, store state.Store, n int) ([]Snapshot, error) {
	raw, err := store.Tail(ctx, state.SnapshotLog, n)
	if err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}
	out := make([]Snapshot, 0, len(raw))
	for i, rec := range raw {
		var snap Snapshot
		if err := json.Unmarshal(rec, &snap); err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", i, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

type DecisionRecord struct {
	Push    bool           `json:"push"`
	Reason  oracle.Reason  `json:"reason"`
	Amounts oracle.Amounts `json:"amounts,omitempty"`
}

type TradeRecord struct {
	Side    trading.Side `json:"side,omitempty"`
	Pct     int          `json:"pct,omitempty"`
	DryRun  bool         `json:"dryRun,omitempty"`
	Skipped string       `json:"skipped,omitempty"`
	Legs    []TradeLeg   `json:"legs,omitempty"`
	Errors  []string     `json:"errors,omitempty"`
}

type TradeLeg struct {
	Asset   string          `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
	Quoted  decimal.Decimal `json:"quoted"`
	Filled  decimal.Decimal `json:"filled"`
	Tx      string          `json:"tx,omitempty"`
	Skipped string          `json:"skipped,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func newTradeRecord(rep trading.Report) *TradeRecord {
	rec := &TradeRecord{Side: rep.Side, Pct: rep.Pct, DryRun: rep.DryRun, Skipped: rep.Skipped}
	for _, o := range rep.Outcomes {
		leg := TradeLeg{Asset: o.Asset, Amount: o.Amount, Quoted: o.Quoted, Filled: o.Filled, Skipped: o.Skipped}
		if o.Tx != (common.Hash{}) {
			leg.Tx = o.Tx.Hex()
		}
		if o.Err != nil {
			leg.Error = o.Err.Error()
			rec.Errors = append(rec.Errors, o.Asset+": "+o.Err.Error())
		}
		rec.Legs = append(rec.Legs, leg)
	}
	return rec
}
