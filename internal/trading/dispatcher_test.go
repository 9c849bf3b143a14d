package trading

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoexit-trader/internal/broker"
	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/lock"
	"autoexit-trader/internal/models"
	"autoexit-trader/internal/notify"
)

func TestDispatcher_TickWithoutPositionsWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.open(t, "alice", "INFY", 100, fixedStop(5), nil)
	before := h.store.writes.Load()

	h.tick("TCS", 10)
	h.dispatcher.WaitExits()

	assert.Equal(t, before, h.store.writes.Load())
	assert.Empty(t, h.paper.Orders())
}

func TestDispatcher_PersistsTrailingOnlyWhenChanged(t *testing.T) {
	h := newHarness(t)
	id := h.open(t, "alice", "INFY", 100, models.StopLossSpec{Kind: models.StopLossPoints, Value: 10}, nil)

	h.tick("INFY", 120)
	assert.Equal(t, 120.0, h.get(t, id).HighestPrice)
	assert.Equal(t, int32(1), h.store.trailing.Load())

	h.tick("INFY", 115)
	assert.Equal(t, int32(1), h.store.trailing.Load(), "no change, no write")
	assert.Equal(t, 120.0, h.get(t, id).HighestPrice)

	h.tick("INFY", 108)
	h.dispatcher.WaitExits()

	p := h.get(t, id)
	assert.Equal(t, models.PositionClosed, p.Status)
	assert.Equal(t, ReasonStopLoss, p.ExitReason)
	assert.Equal(t, 108.0, p.ExitPrice)
	require.Len(t, h.paper.OrderSpecs(), 1)

	order := h.paper.OrderSpecs()[0]
	assert.Equal(t, models.OrderSideSell, order.Side)
	assert.Equal(t, models.OrderTypeMarket, order.Type)
	assert.Equal(t, 10, order.Quantity)
	assert.Equal(t, "autoexit", order.Tag)
}

func TestDispatcher_FansOutAcrossOwners(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "alice", "INFY", 100, fixedStop(5), nil)
	b := h.open(t, "bob", "INFY", 100, fixedStop(2), nil)
	c := h.open(t, "bob", "INFY", 100, fixedStop(20), nil)

	h.tick("INFY", 94)
	h.dispatcher.WaitExits()

	assert.Equal(t, models.PositionClosed, h.get(t, a).Status)
	assert.Equal(t, models.PositionClosed, h.get(t, b).Status)
	assert.Equal(t, models.PositionActive, h.get(t, c).Status)
	assert.Len(t, h.paper.Orders(), 2)
}

func TestDispatcher_SkipsTickRepeatedAcrossOwnerStreams(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "alice", "INFY", 100, models.StopLossSpec{Kind: models.StopLossPoints, Value: 10}, nil)
	b := h.open(t, "bob", "INFY", 100, models.StopLossSpec{Kind: models.StopLossPoints, Value: 10}, nil)
	require.Equal(t, 2, h.paper.Subscriptions())

	// Both owners' streams deliver the same exchange tick.
	at := time.Now()
	h.paper.Push(models.Tick{Symbol: "INFY", LTP: 120, Timestamp: at})
	assert.Equal(t, int32(1), h.store.lookups.Load(), "second delivery is skipped")
	assert.Equal(t, 120.0, h.get(t, a).HighestPrice)
	assert.Equal(t, 120.0, h.get(t, b).HighestPrice)

	// Same price at a new exchange time is evaluated again.
	h.paper.Push(models.Tick{Symbol: "INFY", LTP: 120, Timestamp: at.Add(time.Second)})
	assert.Equal(t, int32(2), h.store.lookups.Load())

	h.paper.Push(models.Tick{Symbol: "INFY", LTP: 125, Timestamp: at.Add(time.Second)})
	assert.Equal(t, int32(3), h.store.lookups.Load())
	assert.Equal(t, 125.0, h.get(t, a).HighestPrice)
}

func TestDispatcher_ConcurrentDuplicateTicksPlaceOneOrder(t *testing.T) {
	h := newHarness(t)
	id := h.open(t, "alice", "INFY", 100, fixedStop(5), nil)
	h.paper.UpdatePrice("INFY", 90)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.dispatcher.HandleTick(models.Tick{Symbol: "INFY", LTP: 90})
		}()
	}
	wg.Wait()
	h.dispatcher.WaitExits()

	assert.Len(t, h.paper.Orders(), 1)
	assert.Equal(t, models.PositionClosed, h.get(t, id).Status)
}

func TestDispatcher_SessionExpiryRetriesOrderOnce(t *testing.T) {
	h := newHarness(t)
	id := h.open(t, "alice", "INFY", 100, fixedStop(5), nil)

	h.paper.ExpireSessions(true)
	h.tick("INFY", 94)
	h.dispatcher.WaitExits()

	assert.Len(t, h.paper.Orders(), 1)
	assert.Equal(t, models.PositionClosed, h.get(t, id).Status)
}

func TestDispatcher_FailedExitReleasesAndRetries(t *testing.T) {
	h := newHarness(t)
	id := h.open(t, "alice", "INFY", 100, fixedStop(5), nil)

	h.paper.FailOrders(apperrors.NewBrokerError("paper", "MarginException", "insufficient funds", apperrors.ErrOrderRejected))
	h.tick("INFY", 94)
	h.dispatcher.WaitExits()

	p := h.get(t, id)
	assert.Equal(t, models.PositionActive, p.Status, "claim released after rejection")
	assert.Empty(t, h.paper.Orders())

	h.paper.FailOrders(nil)
	h.tick("INFY", 93)
	h.dispatcher.WaitExits()

	p = h.get(t, id)
	assert.Equal(t, models.PositionClosed, p.Status)
	assert.Equal(t, 93.0, p.ExitPrice)
}

func TestDispatcher_ExhaustedRecoveryLeavesPositionActive(t *testing.T) {
	h := newHarness(t)
	id := h.open(t, "mallory", "INFY", 100, fixedStop(5), nil)
	h.tick("INFY", 94)
	h.dispatcher.WaitExits()

	// No credentials for mallory, so no session can be obtained.
	assert.Equal(t, models.PositionActive, h.get(t, id).Status)
	assert.Empty(t, h.paper.Orders())
}

func TestExecutor_StaleDecisionDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.open(t, "alice", "INFY", 100, fixedStop(5), nil)
	p := h.get(t, id)

	require.NoError(t, h.monitor.ClosePosition(ctx, id))

	h.paper.UpdatePrice("INFY", 90)
	exited, err := h.executor.Execute(ctx, p, ReasonStopLoss, 95, 90)
	require.NoError(t, err)
	assert.False(t, exited)
	assert.Empty(t, h.paper.Orders())
	assert.Equal(t, models.PositionCancelled, h.get(t, id).Status)
}

func TestExecutor_RespectsHeldLock(t *testing.T) {
	locker := lock.NewLocalLocker()
	h := newHarness(t, withLocker(locker))
	ctx := context.Background()
	id := h.open(t, "alice", "INFY", 100, fixedStop(5), nil)
	h.paper.UpdatePrice("INFY", 90)

	release, err := locker.Acquire(ctx, "exit:"+id, time.Minute)
	require.NoError(t, err)

	exited, err := h.executor.Execute(ctx, h.get(t, id), ReasonStopLoss, 95, 90)
	require.NoError(t, err)
	assert.False(t, exited)
	assert.Equal(t, models.PositionActive, h.get(t, id).Status)

	release()
	exited, err = h.executor.Execute(ctx, h.get(t, id), ReasonStopLoss, 95, 90)
	require.NoError(t, err)
	assert.True(t, exited)
}

func TestExecutor_NotifiesExitsAndFailures(t *testing.T) {
	rec := &recordingNotifier{}
	h := newHarness(t, withNotifier(rec))
	id := h.open(t, "alice", "INFY", 100, fixedStop(5), nil)

	h.paper.FailOrders(apperrors.NewBrokerError("paper", "MarginException", "insufficient funds", apperrors.ErrOrderRejected))
	h.tick("INFY", 94)
	h.dispatcher.WaitExits()

	h.paper.FailOrders(nil)
	h.tick("INFY", 93)
	h.dispatcher.WaitExits()

	events := rec.Events()
	require.Len(t, events, 2)

	assert.Equal(t, notify.EventExitFailed, events[0].Type)
	assert.Equal(t, id, events[0].PositionID)
	assert.Equal(t, 94.0, events[0].Price)
	assert.Contains(t, events[0].Error, "insufficient funds")

	assert.Equal(t, notify.EventExit, events[1].Type)
	assert.Equal(t, ReasonStopLoss, events[1].Reason)
	assert.Equal(t, 93.0, events[1].Price)
	pnl, ok := events[1].PnL()
	require.True(t, ok)
	assert.Equal(t, -70.0, pnl)
	assert.NotEmpty(t, events[1].OrderID)
}

func TestDispatcher_ReconcileTracksOpenInstruments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.open(t, "alice", "INFY", 100, fixedStop(5), nil)
	h.open(t, "alice", "INFY", 101, fixedStop(5), nil)
	h.open(t, "alice", "TCS", 3000, fixedStop(50), nil)
	h.open(t, "bob", "ITC", 400, fixedStop(10), nil)

	subs := h.dispatcher.Subscribed()
	require.Len(t, subs["alice"], 2)
	assert.Equal(t, "INFY", subs["alice"][0].Symbol)
	assert.Equal(t, "TCS", subs["alice"][1].Symbol)
	require.Len(t, subs["bob"], 1)

	// Ticks pushed through the broker stream reach the dispatcher.
	h.paper.Push(models.Tick{Symbol: "INFY", LTP: 94, Timestamp: time.Now()})
	h.dispatcher.WaitExits()
	assert.Equal(t, models.PositionClosed, h.get(t, a).Status)
	assert.Len(t, h.paper.Orders(), 2)

	require.NoError(t, h.dispatcher.Reconcile(ctx))
	subs = h.dispatcher.Subscribed()
	require.Len(t, subs["alice"], 1)
	assert.Equal(t, "TCS", subs["alice"][0].Symbol)
}

func TestDispatcher_ResubscribeAfterReauthentication(t *testing.T) {
	h := newHarness(t)
	id := h.open(t, "alice", "INFY", 100, fixedStop(5), nil)

	h.tick("INFY", 99)

	// Refresh fails too, forcing a full login which resubscribes the stream.
	h.paper.ExpireSessions(false)
	err := h.sessions.Do(context.Background(), "alice", func(ctx context.Context, adapter broker.Adapter, sess *models.Session) error {
		_, err := adapter.GetLastPrice(ctx, sess, models.Instrument{Exchange: models.NSE, Symbol: "INFY"})
		return err
	})
	require.NoError(t, err)
	h.sessions.Wait()

	// The new subscription is bound to the new session and still delivers.
	h.paper.Push(models.Tick{Symbol: "INFY", LTP: 94, Timestamp: time.Now()})
	h.dispatcher.WaitExits()
	assert.Equal(t, models.PositionClosed, h.get(t, id).Status)
	assert.Len(t, h.dispatcher.Subscribed()["alice"], 0)
}

func TestDispatcher_ReopensStoppedSubscription(t *testing.T) {
	h := newHarness(t)
	id := h.open(t, "alice", "INFY", 100, fixedStop(5), nil)
	require.Equal(t, 1, h.paper.Subscriptions())

	h.paper.DropStreams(apperrors.ErrConnectionFailed)

	require.Eventually(t, func() bool {
		return h.paper.Subscriptions() == 1
	}, 5*time.Second, 10*time.Millisecond, "stopped stream is reopened")
	assert.Len(t, h.dispatcher.Subscribed()["alice"], 1)

	h.paper.Push(models.Tick{Symbol: "INFY", LTP: 94, Timestamp: time.Now()})
	h.dispatcher.WaitExits()
	assert.Equal(t, models.PositionClosed, h.get(t, id).Status)
}

func TestKeyedMutex_Cleanup(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("p1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
	assert.Zero(t, k.size())
}
