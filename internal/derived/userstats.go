package derived

import (
	"CTFLedger/internal/state"
	"context"
	"errors"
	"fmt"
)

// GetOrCreateUserStats loads a wallet's stats or returns a zeroed row.
// The row is not written; the caller upserts it after mutating.
func GetOrCreateUserStats(ctx context.Context, tx state.Tx, userID string) (*state.UserStats, error) {
	u, err := tx.GetUserStats(ctx, userID)
	if errors.Is(err, state.ErrNotFound) {
		return state.NewUserStats(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user stats: %w", err)
	}
	return u, nil
}

// WinRate is wins / (wins + losses), or 0 before any redemption.
func WinRate(wins, losses int64) float64 {
	if wins+losses == 0 {
		return 0
	}
	return float64(wins) / float64(wins+losses)
}
