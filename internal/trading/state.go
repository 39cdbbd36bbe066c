package trading

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"floor-oracle/internal/state"
)

// LoadState reads the trade state document, returning a zero state when none
// has been saved.
func LoadState(ctx context.Context, store state.Store) (TradeState, error) {
	var st TradeState
	if _, err := store.Load(ctx, state.TradeStateDoc, &st); err != nil {
		return TradeState{}, fmt.Errorf("load trade state: %w", err)
	}
	if st.Balances == nil {
		st.Balances = make(map[string]decimal.Decimal)
	}
	return st, nil
}

func SaveState(ctx context.Context, store state.Store, st TradeState) error {
	if err := store.Save(ctx, state.TradeStateDoc, st); err != nil {
		return fmt.Errorf("save trade state: %w", err)
	}
	return nil
}
