package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/models"
	"autoexit-trader/pkg/id"
)

func newSQLiteForTest(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "positions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// storesUnderTest runs fn against every embedded store implementation.
func storesUnderTest(t *testing.T, fn func(t *testing.T, s PositionStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteForTest(t)) })
}

func testPosition(owner, symbol string, entry float64) *models.Position {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Position{
		ID:           id.New(),
		Owner:        owner,
		Symbol:       symbol,
		Exchange:     models.NSE,
		Side:         models.OrderSideBuy,
		Product:      models.ProductMIS,
		Quantity:     10,
		EntryPrice:   entry,
		StopLoss:     models.StopLossSpec{Kind: models.StopLossPercentage, Value: 5, TrailingAdjustment: -2},
		HighestPrice: entry,
		BasePrice:    entry,
		Status:       models.PositionActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	storesUnderTest(t, func(t *testing.T, s PositionStore) {
		ctx := context.Background()
		p := testPosition("alice", "INFY", 1500)
		p.Sell = &models.SellSpec{Kind: models.SellPercentage, Threshold: 2, ReferenceClose: 1480}
		require.NoError(t, s.Create(ctx, p))

		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.Owner, got.Owner)
		assert.Equal(t, p.StopLoss, got.StopLoss)
		require.NotNil(t, got.Sell)
		assert.Equal(t, *p.Sell, *got.Sell)
		assert.Equal(t, models.PositionActive, got.Status)
		assert.Nil(t, got.ClosedAt)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
	})
}

func TestStore_ActiveBySymbolExcludesClaimedAndClosed(t *testing.T) {
	storesUnderTest(t, func(t *testing.T, s PositionStore) {
		ctx := context.Background()
		a := testPosition("alice", "TCS", 3500)
		b := testPosition("bob", "TCS", 3510)
		c := testPosition("bob", "TCS", 3520)
		other := testPosition("alice", "INFY", 1500)
		for _, p := range []*models.Position{a, b, c, other} {
			require.NoError(t, s.Create(ctx, p))
		}

		ok, err := s.Claim(ctx, b.ID)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.Cancel(ctx, c.ID))

		active, err := s.ActiveBySymbol(ctx, "TCS")
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, a.ID, active[0].ID)

		none, err := s.ActiveBySymbol(ctx, "WIPRO")
		require.NoError(t, err)
		assert.Empty(t, none)

		// Claimed positions are still listed as open.
		open, err := s.ListActive(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, b.ID, open[0].ID)

		all, err := s.ListActive(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestStore_ClaimLifecycle(t *testing.T) {
	storesUnderTest(t, func(t *testing.T, s PositionStore) {
		ctx := context.Background()
		p := testPosition("alice", "SBIN", 800)
		require.NoError(t, s.Create(ctx, p))

		ok, err := s.Claim(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Claim(ctx, p.ID)
		require.NoError(t, err)
		assert.False(t, ok, "second claim must fail")

		require.NoError(t, s.Release(ctx, p.ID))
		ok, err = s.Claim(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, ok, "released position can be claimed again")

		require.NoError(t, s.CommitExit(ctx, p.ID, ExitRecord{Price: 790, Reason: "stop_loss", OrderID: "ord-1"}))

		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PositionClosed, got.Status)
		assert.Equal(t, 790.0, got.ExitPrice)
		assert.Equal(t, "ord-1", got.ExitOrderID)
		assert.NotNil(t, got.ClosedAt)

		ok, err = s.Claim(ctx, p.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.ErrorIs(t, s.Release(ctx, p.ID), apperrors.ErrPositionInactive)
		assert.ErrorIs(t, s.UpdateTrailing(ctx, p.ID, 900, 700), apperrors.ErrPositionInactive)

		_, err = s.Claim(ctx, "missing")
		assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
	})
}

func TestStore_CommitExitWithUnknownPrice(t *testing.T) {
	storesUnderTest(t, func(t *testing.T, s PositionStore) {
		ctx := context.Background()
		p := testPosition("alice", "INFY", 800)
		require.NoError(t, s.Create(ctx, p))

		ok, err := s.Claim(ctx, p.ID)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.CommitExit(ctx, p.ID, ExitRecord{Reason: "manual", OrderID: "ord-2"}))

		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PositionClosed, got.Status)
		assert.False(t, got.ExitPriceKnown())
		assert.Equal(t, "ord-2", got.ExitOrderID)
	})

	s := newSQLiteForTest(t)
	ctx := context.Background()
	p := testPosition("alice", "INFY", 800)
	require.NoError(t, s.Create(ctx, p))
	_, err := s.Claim(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, s.CommitExit(ctx, p.ID, ExitRecord{Reason: "manual", OrderID: "ord-3"}))

	var isNull bool
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT exit_price IS NULL FROM positions WHERE id = ?`, p.ID).Scan(&isNull))
	assert.True(t, isNull, "unknown exit price is stored as NULL")
}

func TestStore_ConcurrentClaimHasSingleWinner(t *testing.T) {
	storesUnderTest(t, func(t *testing.T, s PositionStore) {
		ctx := context.Background()
		p := testPosition("alice", "ITC", 450)
		require.NoError(t, s.Create(ctx, p))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Claim(ctx, p.ID)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestStore_Cancel(t *testing.T) {
	storesUnderTest(t, func(t *testing.T, s PositionStore) {
		ctx := context.Background()
		p := testPosition("alice", "LT", 3600)
		require.NoError(t, s.Create(ctx, p))

		require.NoError(t, s.Cancel(ctx, p.ID))
		require.NoError(t, s.Cancel(ctx, p.ID), "cancelling twice is a no-op")

		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PositionCancelled, got.Status)

		claimed := testPosition("alice", "LT", 3600)
		require.NoError(t, s.Create(ctx, claimed))
		_, err = s.Claim(ctx, claimed.ID)
		require.NoError(t, err)
		assert.ErrorIs(t, s.Cancel(ctx, claimed.ID), apperrors.ErrExitInProgress)

		assert.ErrorIs(t, s.Cancel(ctx, "missing"), apperrors.ErrPositionNotFound)
	})
}

func TestStore_UpdateConditions(t *testing.T) {
	storesUnderTest(t, func(t *testing.T, s PositionStore) {
		ctx := context.Background()
		p := testPosition("alice", "HDFC", 1600)
		require.NoError(t, s.Create(ctx, p))

		sl := models.StopLossSpec{Kind: models.StopLossPoints, Value: 20}
		require.NoError(t, s.UpdateConditions(ctx, p.ID, &sl, nil))

		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, sl, got.StopLoss)
		assert.Nil(t, got.Sell)

		sell := models.SellSpec{Kind: models.SellFixed, Threshold: 1550}
		require.NoError(t, s.UpdateConditions(ctx, p.ID, nil, &sell))

		got, err = s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, sl, got.StopLoss, "stop-loss untouched by sell-only update")
		require.NotNil(t, got.Sell)
		assert.Equal(t, sell, *got.Sell)

		assert.ErrorIs(t, s.UpdateConditions(ctx, "missing", &sl, nil), apperrors.ErrPositionNotFound)
	})
}

func TestStore_UpdateTrailingIsMonotonic(t *testing.T) {
	storesUnderTest(t, func(t *testing.T, s PositionStore) {
		ctx := context.Background()
		p := testPosition("alice", "WIPRO", 100)
		require.NoError(t, s.Create(ctx, p))

		require.NoError(t, s.UpdateTrailing(ctx, p.ID, 120, 95))
		// A stale writer cannot lower highest or raise base.
		require.NoError(t, s.UpdateTrailing(ctx, p.ID, 110, 100))

		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 120.0, got.HighestPrice)
		assert.Equal(t, 95.0, got.BasePrice)
	})
}
