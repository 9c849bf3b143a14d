// Package store provides position persistence interfaces and implementations.
package store

import (
	"context"
	"sort"
	"time"

	"autoexit-trader/internal/models"
)

// PositionStore is the durable record of monitored positions.
//
// Implementations must make every status transition an atomic compare-and-swap
// and keep trailing updates monotonic (HighestPrice never decreases, BasePrice
// never increases) so concurrent evaluators cannot violate position invariants.
type PositionStore interface {
	Create(ctx context.Context, p *models.Position) error
	Get(ctx context.Context, id string) (*models.Position, error)

	// ActiveBySymbol returns positions on symbol whose status is exactly ACTIVE.
	// Claimed positions are excluded so an in-flight exit is not re-evaluated.
	ActiveBySymbol(ctx context.Context, symbol string) ([]models.Position, error)
	// ListActive returns ACTIVE and CLAIMED positions, for one owner or for all
	// owners when owner is empty.
	ListActive(ctx context.Context, owner string) ([]models.Position, error)

	UpdateConditions(ctx context.Context, id string, stopLoss *models.StopLossSpec, sell *models.SellSpec) error
	UpdateTrailing(ctx context.Context, id string, highest, base float64) error

	// Claim moves ACTIVE -> CLAIMED. It reports false when the position exists
	// but is not ACTIVE.
	Claim(ctx context.Context, id string) (bool, error)
	// Release moves CLAIMED -> ACTIVE after a failed exit attempt.
	Release(ctx context.Context, id string) error
	// CommitExit moves CLAIMED -> CLOSED and records the fill.
	CommitExit(ctx context.Context, id string, exit ExitRecord) error
	// Cancel moves ACTIVE -> CANCELLED. It is a no-op for positions that are
	// already closed or cancelled and fails with ErrExitInProgress for claimed ones.
	Cancel(ctx context.Context, id string) error

	Close() error
}

// ExitRecord describes a committed exit. A zero Price means the fill is
// unknown; SQL stores persist it as NULL.
type ExitRecord struct {
	Price   float64
	Reason  string
	OrderID string
	At      time.Time
}

// exitPriceValue maps an unknown exit price to NULL.
func exitPriceValue(price float64) any {
	if price <= 0 {
		return nil
	}
	return price
}

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

// sortPositions orders positions by creation time, oldest first.
func sortPositions(positions []models.Position) {
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].CreatedAt.Equal(positions[j].CreatedAt) {
			return positions[i].ID < positions[j].ID
		}
		return positions[i].CreatedAt.Before(positions[j].CreatedAt)
	})
}
