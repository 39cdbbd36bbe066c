package oracle

import (
	"context"
	"fmt"
	"log"

	"floor-oracle/internal/state"
)

// LoadPushState reads the publish record. A half-written pending record is
// dropped with a warning.
func LoadPushState(ctx context.Context, store state.Store) (PushState, error) {
	var st PushState
	if _, err := store.Load(ctx, state.PushStateDoc, &st); err != nil {
		return PushState{}, fmt.Errorf("load push state: %w", err)
	}
	st, repaired := st.Normalize()
	if repaired {
		log.Printf("[warn] push state had an incomplete pending record; discarded")
	}
	return st, nil
}

func SavePushState(ctx context.Context, store state.Store, st PushState) error {
	if err := store.Save(ctx, state.PushStateDoc, st); err != nil {
		return fmt.Errorf("save push state: %w", err)
	}
	return nil
}
