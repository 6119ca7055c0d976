package mailbox_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/mailbox"
	"github.com/coregx/mailbox/adapters/memory"
	"github.com/coregx/mailbox/model"
)

type subFixture struct {
	store     *memory.Store
	mailboxes *mailbox.MailboxStore
	offline   *mailbox.OfflineHandler
	subs      *mailbox.SubscriptionManager
}

func newSubFixture(t *testing.T) *subFixture {
	t.Helper()
	store := memory.NewStore()
	t.Cleanup(func() { _ = store.Close() })

	logger := &mailbox.NoopLogger{}
	mailboxes, err := mailbox.NewMailboxStore(
		mailbox.WithMailboxStoreBackend(store),
		mailbox.WithMailboxStoreLogger(logger),
	)
	require.NoError(t, err)

	offline, err := mailbox.NewOfflineHandler(
		mailbox.WithOfflineStore(store),
		mailbox.WithOfflineLoader(mailboxes),
		mailbox.WithOfflineLogger(logger),
	)
	require.NoError(t, err)

	subs, err := mailbox.NewSubscriptionManager(
		mailbox.WithSubscriptionStore(store),
		mailbox.WithSubscriptionOfflineQueue(offline),
		mailbox.WithSubscriptionLogger(logger),
	)
	require.NoError(t, err)

	return &subFixture{store: store, mailboxes: mailboxes, offline: offline, subs: subs}
}

func TestSubscriptionManager_Subscribe(t *testing.T) {
	ctx := context.Background()
	f := newSubFixture(t)

	sub, err := f.subs.Subscribe(ctx, mailbox.SubscribeRequest{
		Participant: "agent-b",
		Target:      "agent-b.inbox",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, model.DeliveryRealtime, sub.Mode, "mode defaults to realtime")
	assert.Equal(t, model.SubscriptionCreated, sub.State, "not connected, so not active")

	// Same participant and target again is a duplicate.
	_, err = f.subs.Subscribe(ctx, mailbox.SubscribeRequest{
		Participant: "agent-b",
		Target:      "agent-b.inbox",
	})
	require.Error(t, err)
	var merr *mailbox.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, mailbox.ErrCodeDuplicateSubscription, merr.Code)

	// A different target is fine.
	_, err = f.subs.Subscribe(ctx, mailbox.SubscribeRequest{
		Participant: "agent-b",
		Target:      "reports.**",
	})
	require.NoError(t, err)
}

func TestSubscriptionManager_Subscribe_Validation(t *testing.T) {
	ctx := context.Background()
	f := newSubFixture(t)

	tests := []struct {
		name string
		req  mailbox.SubscribeRequest
	}{
		{"Missing participant", mailbox.SubscribeRequest{Target: "x"}},
		{"Missing target", mailbox.SubscribeRequest{Participant: "agent-b"}},
		{"Invalid pattern", mailbox.SubscribeRequest{Participant: "agent-b", Target: "a..b"}},
		{"Invalid mode", mailbox.SubscribeRequest{Participant: "agent-b", Target: "x", Mode: "TELEPATHY"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.subs.Subscribe(ctx, tt.req)
			assert.Error(t, err)
		})
	}
}

func TestSubscriptionManager_ActivatesWhenConnected(t *testing.T) {
	ctx := context.Background()
	f := newSubFixture(t)

	rec := &recorder{}
	require.NoError(t, f.subs.RegisterDeliveryHandler("agent-b", rec.handle))

	sub, err := f.subs.Subscribe(ctx, mailbox.SubscribeRequest{
		Participant: "agent-b",
		Target:      "agent-b.inbox",
	})
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionActive, sub.State)
	assert.True(t, f.subs.Reachable("agent-b"))
}

func TestSubscriptionManager_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	f := newSubFixture(t)

	sub, err := f.subs.Subscribe(ctx, mailbox.SubscribeRequest{
		Participant: "agent-b",
		Target:      "agent-b.inbox",
	})
	require.NoError(t, err)

	require.NoError(t, f.subs.Unsubscribe(ctx, sub.ID))
	assert.Empty(t, f.subs.ListActive(ctx, "agent-b"))

	// Unknown ids are an error.
	assert.True(t, mailbox.IsNoData(f.subs.Unsubscribe(ctx, "no-such-id")))

	// The target is free for a new subscription.
	_, err = f.subs.Subscribe(ctx, mailbox.SubscribeRequest{
		Participant: "agent-b",
		Target:      "agent-b.inbox",
	})
	assert.NoError(t, err)
}

func TestSubscriptionManager_ConnectionLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newSubFixture(t)

	rec := &recorder{}
	require.NoError(t, f.subs.RegisterDeliveryHandler("agent-b", rec.handle))
	sub, err := f.subs.Subscribe(ctx, mailbox.SubscribeRequest{
		Participant: "agent-b",
		Target:      "agent-b.inbox",
	})
	require.NoError(t, err)
	require.Equal(t, model.SubscriptionActive, sub.State)

	f.subs.OnConnectionLost(ctx, "agent-b")
	assert.False(t, f.subs.Reachable("agent-b"))
	subs := f.subs.ListActive(ctx, "agent-b")
	require.Len(t, subs, 1)
	assert.Equal(t, model.SubscriptionDisconnected, subs[0].State)

	// While disconnected, a queued message waits for the reconnect replay.
	msg := model.NewMessage("agent-a", "agent-b.inbox", model.ModeDirect, []byte("welcome back"))
	require.NoError(t, f.mailboxes.Append(ctx, "agent-b.inbox", msg))
	require.NoError(t, f.offline.Enqueue(ctx, "agent-b", msg, 0))

	require.NoError(t, f.subs.OnConnectionRestored(ctx, "agent-b"))
	assert.True(t, f.subs.Reachable("agent-b"))
	subs = f.subs.ListActive(ctx, "agent-b")
	require.Len(t, subs, 1)
	assert.Equal(t, model.SubscriptionActive, subs[0].State)

	require.Equal(t, 1, rec.count())
	assert.Equal(t, msg.ID, rec.last().ID)
}

func TestSubscriptionManager_Deliver(t *testing.T) {
	ctx := context.Background()
	f := newSubFixture(t)

	// No handler registered yet.
	msg := model.NewMessage("agent-a", "agent-b.inbox", model.ModeDirect, []byte("x"))
	assert.Error(t, f.subs.Deliver(ctx, "agent-b", msg))

	rec := &recorder{}
	require.NoError(t, f.subs.RegisterDeliveryHandler("agent-b", rec.handle))
	require.NoError(t, f.subs.Deliver(ctx, "agent-b", msg))
	assert.Equal(t, 1, rec.count())

	// A nil handler is rejected.
	assert.Error(t, f.subs.RegisterDeliveryHandler("agent-b", nil))
}

func TestSubscriptionManager_LiveSubscriptions(t *testing.T) {
	ctx := context.Background()
	f := newSubFixture(t)

	recB := &recorder{}
	require.NoError(t, f.subs.RegisterDeliveryHandler("agent-b", recB.handle))
	_, err := f.subs.Subscribe(ctx, mailbox.SubscribeRequest{Participant: "agent-b", Target: "agent-b.inbox"})
	require.NoError(t, err)

	// agent-c subscribed but never connected.
	_, err = f.subs.Subscribe(ctx, mailbox.SubscribeRequest{Participant: "agent-c", Target: "agent-c.inbox"})
	require.NoError(t, err)

	// Both subscriptions are live; reachability is a separate question the
	// realtime layer asks per delivery.
	live := f.subs.LiveSubscriptions()
	require.Len(t, live, 2)
	assert.True(t, f.subs.Reachable("agent-b"))
	assert.False(t, f.subs.Reachable("agent-c"))
}

func TestSubscriptionManager_LiveSubscriptionsTrackStateChanges(t *testing.T) {
	ctx := context.Background()
	f := newSubFixture(t)

	rec := &recorder{}
	require.NoError(t, f.subs.RegisterDeliveryHandler("agent-b", rec.handle))
	_, err := f.subs.Subscribe(ctx, mailbox.SubscribeRequest{Participant: "agent-b", Target: "agent-b.inbox"})
	require.NoError(t, err)

	live := f.subs.LiveSubscriptions()
	require.Len(t, live, 1)
	assert.Equal(t, model.SubscriptionActive, live[0].State)

	f.subs.OnConnectionLost(ctx, "agent-b")
	live = f.subs.LiveSubscriptions()
	require.Len(t, live, 1)
	assert.Equal(t, model.SubscriptionDisconnected, live[0].State)

	require.NoError(t, f.subs.OnConnectionRestored(ctx, "agent-b"))
	live = f.subs.LiveSubscriptions()
	require.Len(t, live, 1)
	assert.Equal(t, model.SubscriptionActive, live[0].State)
}

func TestSubscriptionManager_ConcurrentSubscribeAndSweeps(t *testing.T) {
	ctx := context.Background()
	f := newSubFixture(t)

	const participants = 8
	const targetsEach = 10

	var wg sync.WaitGroup
	for i := 0; i < participants; i++ {
		participant := fmt.Sprintf("agent-%d", i)
		rec := &recorder{}
		require.NoError(t, f.subs.RegisterDeliveryHandler(participant, rec.handle))

		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < targetsEach; j++ {
				_, err := f.subs.Subscribe(ctx, mailbox.SubscribeRequest{
					Participant: participant,
					Target:      fmt.Sprintf("%s.topic-%d", participant, j),
				})
				assert.NoError(t, err)
			}
		}()
	}

	// Sweeps iterate all participants while subscriptions are being added.
	done := make(chan struct{})
	var sweeps sync.WaitGroup
	sweeps.Add(1)
	go func() {
		defer sweeps.Done()
		for {
			select {
			case <-done:
				return
			default:
				f.subs.CheckHeartbeats(ctx)
				f.subs.CleanupStale(ctx)
				f.subs.Health(ctx)
				f.subs.LiveSubscriptions()
			}
		}
	}()

	wg.Wait()
	close(done)
	sweeps.Wait()

	assert.Len(t, f.subs.LiveSubscriptions(), participants*targetsEach)
}

func TestSubscriptionManager_ConcurrentConnectionFlaps(t *testing.T) {
	ctx := context.Background()
	f := newSubFixture(t)

	rec := &recorder{}
	require.NoError(t, f.subs.RegisterDeliveryHandler("agent-b", rec.handle))
	_, err := f.subs.Subscribe(ctx, mailbox.SubscribeRequest{Participant: "agent-b", Target: "agent-b.inbox"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			f.subs.OnConnectionLost(ctx, "agent-b")
			_ = f.subs.OnConnectionRestored(ctx, "agent-b")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			for _, sub := range f.subs.LiveSubscriptions() {
				assert.NotEqual(t, model.SubscriptionRemoved, sub.State)
			}
		}
	}()
	wg.Wait()

	live := f.subs.LiveSubscriptions()
	require.Len(t, live, 1)
	assert.Equal(t, model.SubscriptionActive, live[0].State)
}

func TestSubscriptionManager_Restore(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	t.Cleanup(func() { _ = store.Close() })
	logger := &mailbox.NoopLogger{}

	mailboxes, err := mailbox.NewMailboxStore(
		mailbox.WithMailboxStoreBackend(store),
		mailbox.WithMailboxStoreLogger(logger),
	)
	require.NoError(t, err)
	offline, err := mailbox.NewOfflineHandler(
		mailbox.WithOfflineStore(store),
		mailbox.WithOfflineLoader(mailboxes),
		mailbox.WithOfflineLogger(logger),
	)
	require.NoError(t, err)

	newManager := func() *mailbox.SubscriptionManager {
		m, err := mailbox.NewSubscriptionManager(
			mailbox.WithSubscriptionStore(store),
			mailbox.WithSubscriptionOfflineQueue(offline),
			mailbox.WithSubscriptionLogger(logger),
		)
		require.NoError(t, err)
		return m
	}

	first := newManager()
	rec := &recorder{}
	require.NoError(t, first.RegisterDeliveryHandler("agent-b", rec.handle))
	created, err := first.Subscribe(ctx, mailbox.SubscribeRequest{Participant: "agent-b", Target: "agent-b.inbox"})
	require.NoError(t, err)
	require.Equal(t, model.SubscriptionActive, created.State)

	// A fresh manager over the same store comes back with the subscription
	// in DISCONNECTED state; connections do not survive a restart.
	second := newManager()
	restored, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	subs := second.ListActive(ctx, "agent-b")
	require.Len(t, subs, 1)
	assert.Equal(t, created.ID, subs[0].ID)
	assert.Equal(t, model.SubscriptionDisconnected, subs[0].State)
	assert.False(t, second.Reachable("agent-b"))

	// Restoring on an empty store is a no-op.
	empty := memory.NewStore()
	t.Cleanup(func() { _ = empty.Close() })
	third, err := mailbox.NewSubscriptionManager(
		mailbox.WithSubscriptionStore(empty),
		mailbox.WithSubscriptionOfflineQueue(offline),
		mailbox.WithSubscriptionLogger(logger),
	)
	require.NoError(t, err)
	restored, err = third.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, restored)
}

func TestSubscriptionManager_Heartbeat(t *testing.T) {
	f := newSubFixture(t)

	// A heartbeat alone marks the participant connected, but without a
	// registered handler it stays unreachable for delivery.
	f.subs.Heartbeat("agent-b")
	assert.False(t, f.subs.Reachable("agent-b"))

	rec := &recorder{}
	require.NoError(t, f.subs.RegisterDeliveryHandler("agent-b", rec.handle))
	assert.True(t, f.subs.Reachable("agent-b"))
}
