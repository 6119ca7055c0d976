package mailbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/mailbox"
	"github.com/coregx/mailbox/adapters/memory"
	"github.com/coregx/mailbox/model"
	"github.com/coregx/mailbox/retry"
)

// testStack wires the full routing core against the in-memory adapters.
type testStack struct {
	store       *memory.Store
	mailboxes   *mailbox.MailboxStore
	offline     *mailbox.OfflineHandler
	subs        *mailbox.SubscriptionManager
	realtime    *mailbox.RealtimeDelivery
	permissions *mailbox.PermissionManager
	router      *mailbox.Router
}

func newTestStack(t *testing.T) *testStack {
	return newTestStackWith(t, nil, nil)
}

func newTestStackWith(t *testing.T, routerOpts []mailbox.RouterOption, realtimeOpts []mailbox.RealtimeDeliveryOption) *testStack {
	t.Helper()
	ctx := context.Background()
	logger := &mailbox.NoopLogger{}
	store := memory.NewStore()
	t.Cleanup(func() { _ = store.Close() })

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

	realtime, err := mailbox.NewRealtimeDelivery(append([]mailbox.RealtimeDeliveryOption{
		mailbox.WithRealtimeSource(subs),
		mailbox.WithRealtimeStore(store),
		mailbox.WithRealtimeLogger(logger),
	}, realtimeOpts...)...)
	require.NoError(t, err)
	subs.SetChangeListener(realtime.InvalidatePatterns)

	permissions, err := mailbox.NewPermissionManager(
		mailbox.WithPermissionRepositories(memory.NewPermissionRepository(), memory.NewAuditRepository()),
		mailbox.WithPermissionStore(store),
		mailbox.WithPermissionVerifier(mailbox.StaticCredentialVerifier{
			"agent-a": "secret-a",
			"agent-b": "secret-b",
			"agent-c": "secret-c",
		}),
		mailbox.WithPermissionLogger(logger),
	)
	require.NoError(t, err)

	router, err := mailbox.NewRouter(append([]mailbox.RouterOption{
		mailbox.WithRouterComponents(mailboxes, permissions, subs, realtime, offline),
		mailbox.WithRouterLogger(logger),
	}, routerOpts...)...)
	require.NoError(t, err)

	s := &testStack{
		store:       store,
		mailboxes:   mailboxes,
		offline:     offline,
		subs:        subs,
		realtime:    realtime,
		permissions: permissions,
		router:      router,
	}
	for _, p := range []string{"agent-a", "agent-b", "agent-c"} {
		_, err := permissions.AssignRole(ctx, p, model.RoleUser)
		require.NoError(t, err)
	}
	return s
}

// recorder is a delivery handler that collects received messages.
type recorder struct {
	mu   sync.Mutex
	msgs []model.Message
	fail error
}

func (r *recorder) handle(_ context.Context, msg model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) last() model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[len(r.msgs)-1]
}

func TestRouter_DirectDelivery_Connected(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	rec := &recorder{}
	require.NoError(t, s.subs.RegisterDeliveryHandler("agent-b", rec.handle))

	_, err := s.router.Subscribe(ctx, mailbox.SubscribeRequest{
		Participant: "agent-b",
		Target:      "agent-b.inbox",
		Mode:        model.DeliveryRealtime,
	})
	require.NoError(t, err)

	msg := model.NewMessage("agent-a", "agent-b.inbox", model.ModeDirect, []byte("hello"))
	result, err := s.router.Route(ctx, msg)
	require.NoError(t, err)

	assert.Equal(t, model.RouteDelivered, result.Status)
	assert.Equal(t, 1, result.SubscribersReached)
	assert.Equal(t, 1, result.PatternMatches)
	assert.Equal(t, 0, result.Queued)

	// The handler fires exactly once; the store channel pump must not
	// re-deliver the process's own envelope.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, msg.ID, rec.last().ID)

	// The message is also persisted in the mailbox.
	list, err := s.router.QueryMessages(ctx, "agent-b", "agent-b.inbox", model.MessageFilter{}, model.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Filtered)
}

func TestRouter_QueuesForUnsubscribedMailbox_ReplayOnSubscribe(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	msg := model.NewMessage("agent-a", "agent-b.inbox", model.ModeDirect, []byte("while you were out"))
	result, err := s.router.Route(ctx, msg)
	require.NoError(t, err)

	assert.Equal(t, model.RouteQueued, result.Status)
	assert.Equal(t, 0, result.SubscribersReached)
	assert.Equal(t, 1, result.Queued)

	// agent-b connects and subscribes later; the parked message replays.
	rec := &recorder{}
	require.NoError(t, s.subs.RegisterDeliveryHandler("agent-b", rec.handle))
	_, err = s.router.Subscribe(ctx, mailbox.SubscribeRequest{
		Participant: "agent-b",
		Target:      "agent-b.inbox",
	})
	require.NoError(t, err)

	require.Equal(t, 1, rec.count())
	assert.Equal(t, msg.ID, rec.last().ID)

	// Replay delivers but does not mark read.
	unread, err := s.router.UnreadCount(ctx, "agent-b")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	require.NoError(t, s.offline.MarkRead(ctx, "agent-b", "agent-b.inbox", msg.ID))
	unread, err = s.router.UnreadCount(ctx, "agent-b")
	require.NoError(t, err)
	assert.Equal(t, 0, unread)
}

func TestRouter_QueuesForDisconnectedSubscriber_ReplayOnReconnect(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	// Subscribed but never connected: matched deliveries queue offline.
	_, err := s.router.Subscribe(ctx, mailbox.SubscribeRequest{
		Participant: "agent-b",
		Target:      "agent-b.inbox",
	})
	require.NoError(t, err)

	msg := model.NewMessage("agent-a", "agent-b.inbox", model.ModeDirect, []byte("offline"))
	result, err := s.router.Route(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, model.RouteQueued, result.Status)
	assert.Equal(t, 1, result.PatternMatches)
	assert.Equal(t, 1, result.Queued)

	rec := &recorder{}
	require.NoError(t, s.subs.RegisterDeliveryHandler("agent-b", rec.handle))
	require.NoError(t, s.subs.OnConnectionRestored(ctx, "agent-b"))

	assert.Equal(t, 1, rec.count())
	assert.Equal(t, msg.ID, rec.last().ID)
}

func TestRouter_TopicWildcardSubscription(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	rec := &recorder{}
	require.NoError(t, s.subs.RegisterDeliveryHandler("agent-b", rec.handle))
	_, err := s.router.Subscribe(ctx, mailbox.SubscribeRequest{
		Participant: "agent-b",
		Target:      "reports.**",
	})
	require.NoError(t, err)

	deep := model.NewMessage("agent-a", "reports.daily.summary", model.ModeTopic, []byte("q3"))
	result, err := s.router.Route(ctx, deep)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SubscribersReached)

	// "reports.**" requires at least one segment below the prefix.
	flat := model.NewMessage("agent-a", "reports", model.ModeTopic, []byte("bare"))
	result, err = s.router.Route(ctx, flat)
	require.NoError(t, err)
	assert.Equal(t, 0, result.PatternMatches)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, deep.ID, rec.last().ID)
}

func TestRouter_ContentFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	rec := &recorder{}
	require.NoError(t, s.subs.RegisterDeliveryHandler("agent-b", rec.handle))
	_, err := s.router.Subscribe(ctx, mailbox.SubscribeRequest{
		Participant:   "agent-b",
		Target:        "feed",
		ContentFilter: "application/json",
	})
	require.NoError(t, err)

	jsonMsg := model.NewMessage("agent-a", "feed", model.ModeDirect, []byte("{}"))
	jsonMsg.ContentType = "application/json"
	result, err := s.router.Route(ctx, jsonMsg)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SubscribersReached)

	textMsg := model.NewMessage("agent-a", "feed", model.ModeDirect, []byte("plain"))
	textMsg.ContentType = "text/plain"
	result, err = s.router.Route(ctx, textMsg)
	require.NoError(t, err)
	assert.Equal(t, 0, result.PatternMatches, "content filter excludes the subscription from matching")
}

func TestRouter_Broadcast(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	// Seed two mailboxes.
	_, err := s.mailboxes.CreateMailbox(ctx, model.MailboxConfig{Name: "agent-b.inbox", Creator: "agent-b"})
	require.NoError(t, err)
	_, err = s.mailboxes.CreateMailbox(ctx, model.MailboxConfig{Name: "agent-c.inbox", Creator: "agent-c"})
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, s.subs.RegisterDeliveryHandler("agent-b", rec.handle))
	_, err = s.router.Subscribe(ctx, mailbox.SubscribeRequest{
		Participant: "agent-b",
		Target:      "agent-b.inbox",
	})
	require.NoError(t, err)

	msg := model.NewMessage("agent-a", "", model.ModeBroadcast, []byte("all hands"))
	result, err := s.router.Route(ctx, msg)
	require.NoError(t, err)

	assert.Equal(t, model.RouteDelivered, result.Status)
	assert.Len(t, result.Targets, 2)
	assert.Equal(t, 1, result.SubscribersReached)
	assert.GreaterOrEqual(t, result.Queued, 1, "the subscriber-less mailbox parks the message")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestRouter_ValidationErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	tests := []struct {
		name string
		muck func(*model.Message)
		code string
	}{
		{"Missing sender", func(m *model.Message) { m.Sender = "" }, mailbox.ErrCodeValidation},
		{"Missing target", func(m *model.Message) { m.Target = "" }, mailbox.ErrCodeValidation},
		{"Wildcard target", func(m *model.Message) { m.Target = "agents.*" }, mailbox.ErrCodeValidation},
		{"Invalid mode", func(m *model.Message) { m.Mode = "CARRIER_PIGEON" }, mailbox.ErrCodeValidation},
		{"Tampered payload", func(m *model.Message) { m.Payload = []byte("tampered") }, mailbox.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := model.NewMessage("agent-a", "agent-b.inbox", model.ModeDirect, []byte("x"))
			tt.muck(&msg)
			_, err := s.router.Route(ctx, msg)
			require.Error(t, err)
			var merr *mailbox.Error
			require.ErrorAs(t, err, &merr)
			assert.Equal(t, tt.code, merr.Code)
		})
	}
}

func TestRouter_RejectsExpiredMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	msg := model.NewMessage("agent-a", "agent-b.inbox", model.ModeDirect, []byte("stale"))
	msg.CreatedAt = time.Now().Add(-2 * time.Hour)
	msg.TTLSeconds = 60

	_, err := s.router.Route(ctx, msg)
	require.Error(t, err)
	assert.True(t, mailbox.IsExpired(err))
}

func TestRouter_AuthorizationDenied(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	msg := model.NewMessage("intruder", "agent-b.inbox", model.ModeDirect, []byte("x"))
	_, err := s.router.Route(ctx, msg)
	require.Error(t, err)
	assert.True(t, mailbox.IsAuthorization(err))

	// The denial lands in the audit trail.
	trail, err := s.permissions.AuditTrail(ctx, "intruder", 10)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.False(t, trail[0].Allowed)
}

func TestRouter_Confirmation_DeliveredRealtime(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	rec := &recorder{}
	require.NoError(t, s.subs.RegisterDeliveryHandler("agent-b", rec.handle))
	_, err := s.router.Subscribe(ctx, mailbox.SubscribeRequest{Participant: "agent-b", Target: "agent-b.inbox"})
	require.NoError(t, err)

	msg := model.NewMessage("agent-a", "agent-b.inbox", model.ModeDirect, []byte("tracked"))
	msg.ConfirmDelivery = true
	_, err = s.router.Route(ctx, msg)
	require.NoError(t, err)

	conf, err := s.router.GetStatus(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, conf.Status)
	require.Len(t, conf.Attempts, 1)
	assert.True(t, conf.Attempts[0].Success)
}

func TestRouter_Confirmation_QueuedStaysPendingUntilConfirmed(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	msg := model.NewMessage("agent-a", "agent-b.inbox", model.ModeDirect, []byte("tracked"))
	msg.ConfirmDelivery = true
	result, err := s.router.Route(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, model.RouteQueued, result.Status)

	conf, err := s.router.GetStatus(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, conf.Status)

	// A consumer confirms receipt out of band.
	require.NoError(t, s.router.ConfirmDelivery(ctx, msg.ID, true, ""))
	conf, err = s.router.GetStatus(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, conf.Status)

	// Confirming twice is a validation error.
	err = s.router.ConfirmDelivery(ctx, msg.ID, true, "")
	assert.True(t, mailbox.IsValidation(err))
}

func TestRouter_Confirmation_HandlerFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	rec := &recorder{fail: errors.New("handler exploded")}
	require.NoError(t, s.subs.RegisterDeliveryHandler("agent-b", rec.handle))
	_, err := s.router.Subscribe(ctx, mailbox.SubscribeRequest{Participant: "agent-b", Target: "agent-b.inbox"})
	require.NoError(t, err)

	msg := model.NewMessage("agent-a", "agent-b.inbox", model.ModeDirect, []byte("tracked"))
	msg.ConfirmDelivery = true
	result, err := s.router.Route(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, 0, result.SubscribersReached)
	assert.Contains(t, result.Failures, "agent-b")

	conf, err := s.router.GetStatus(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, conf.Status)
	assert.Equal(t, 1, conf.RetryCount)
	assert.False(t, conf.NextRetryAt.IsZero(), "a retry is scheduled")
}

func TestRouter_Confirmation_RetriesExhaustToFailed(t *testing.T) {
	ctx := context.Background()
	strategy := retry.Strategy{
		MaxAttempts:     3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2.0,
	}
	s := newTestStackWith(t, []mailbox.RouterOption{mailbox.WithRouterRetryStrategy(strategy)}, nil)

	rec := &recorder{fail: errors.New("handler keeps exploding")}
	require.NoError(t, s.subs.RegisterDeliveryHandler("agent-b", rec.handle))
	_, err := s.router.Subscribe(ctx, mailbox.SubscribeRequest{Participant: "agent-b", Target: "agent-b.inbox"})
	require.NoError(t, err)

	msg := model.NewMessage("agent-a", "agent-b.inbox", model.ModeDirect, []byte("doomed"))
	msg.ConfirmDelivery = true
	_, err = s.router.Route(ctx, msg)
	require.NoError(t, err)

	conf, err := s.router.GetStatus(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, conf.Status)
	require.Equal(t, 1, conf.RetryCount)

	// Drive the retry loop by hand until the confirmation goes terminal.
	deadline := time.Now().Add(5 * time.Second)
	for conf.Status == model.StatusPending {
		require.True(t, time.Now().Before(deadline), "retries never exhausted")
		time.Sleep(10 * time.Millisecond)
		_, err = s.router.ProcessRetries(ctx)
		require.NoError(t, err)
		conf, err = s.router.GetStatus(ctx, msg.ID)
		require.NoError(t, err)
	}

	assert.Equal(t, model.StatusFailed, conf.Status)
	assert.Equal(t, strategy.MaxAttempts, conf.RetryCount, "attempts stop at the ceiling")
	assert.True(t, conf.NextRetryAt.IsZero(), "no further retry is scheduled")
	require.Len(t, conf.Attempts, strategy.MaxAttempts)
	for i := 1; i < len(conf.Attempts); i++ {
		assert.False(t, conf.Attempts[i].Timestamp.Before(conf.Attempts[i-1].Timestamp),
			"attempt timestamps are non-decreasing")
	}
	for i := 2; i <= strategy.MaxAttempts; i++ {
		assert.GreaterOrEqual(t, strategy.Delay(i), strategy.Delay(i-1), "backoff never shrinks")
	}
}

func TestRouter_Broadcast_PartialFailureReportsPerTarget(t *testing.T) {
	ctx := context.Background()
	s := newTestStackWith(t, nil, []mailbox.RealtimeDeliveryOption{
		mailbox.WithRealtimeHandlerTimeout(30 * time.Millisecond),
	})

	_, err := s.mailboxes.CreateMailbox(ctx, model.MailboxConfig{Name: "agent-b.inbox", Creator: "agent-b"})
	require.NoError(t, err)
	_, err = s.mailboxes.CreateMailbox(ctx, model.MailboxConfig{Name: "agent-c.inbox", Creator: "agent-c"})
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, s.subs.RegisterDeliveryHandler("agent-b", rec.handle))
	_, err = s.router.Subscribe(ctx, mailbox.SubscribeRequest{Participant: "agent-b", Target: "agent-b.inbox"})
	require.NoError(t, err)

	// agent-c's handler hangs until the delivery timeout cuts it off.
	require.NoError(t, s.subs.RegisterDeliveryHandler("agent-c", func(ctx context.Context, _ model.Message) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	_, err = s.router.Subscribe(ctx, mailbox.SubscribeRequest{Participant: "agent-c", Target: "agent-c.inbox"})
	require.NoError(t, err)

	msg := model.NewMessage("agent-a", "", model.ModeBroadcast, []byte("all hands"))
	result, err := s.router.Route(ctx, msg)
	require.NoError(t, err, "one stuck subscriber does not fail the broadcast")

	assert.Equal(t, model.RouteDelivered, result.Status)
	assert.Equal(t, 1, result.SubscribersReached)
	assert.Contains(t, result.Failures, "agent-c")

	outcomes := make(map[string]model.RouteStatus, len(result.Targets))
	for _, target := range result.Targets {
		outcomes[target.Target] = target.Status
	}
	assert.Equal(t, model.RouteDelivered, outcomes["agent-b.inbox"])
	assert.Equal(t, model.RouteQueued, outcomes["agent-c.inbox"], "the timed-out subscriber's copy is queued")

	// The queued copy waits for agent-c's next replay.
	list, err := s.offline.Peek(ctx, "agent-c", model.MessageFilter{}, model.Page{})
	require.NoError(t, err)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, msg.ID, list.Messages[0].ID)
}

func TestRouter_CleanupConfirmations_ExpiresStalePending(t *testing.T) {
	ctx := context.Background()
	s := newTestStackWith(t, []mailbox.RouterOption{
		mailbox.WithRouterConfirmationRetention(time.Hour, 20*time.Millisecond),
	}, nil)

	msg := model.NewMessage("agent-a", "agent-b.inbox", model.ModeDirect, []byte("nobody confirms"))
	msg.ConfirmDelivery = true
	result, err := s.router.Route(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, model.RouteQueued, result.Status)

	// Still inside the retention window.
	assert.Equal(t, 0, s.router.CleanupConfirmations(ctx))
	conf, err := s.router.GetStatus(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, conf.Status)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, s.router.CleanupConfirmations(ctx))
	_, err = s.router.GetStatus(ctx, msg.ID)
	assert.True(t, mailbox.IsNoData(err))
}

func TestRouter_CancelRetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	msg := model.NewMessage("agent-a", "agent-b.inbox", model.ModeDirect, []byte("tracked"))
	msg.ConfirmDelivery = true
	_, err := s.router.Route(ctx, msg)
	require.NoError(t, err)

	require.NoError(t, s.router.CancelRetry(ctx, msg.ID))

	conf, err := s.router.GetStatus(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, conf.Status)

	// Cancelling a terminal confirmation fails.
	assert.Error(t, s.router.CancelRetry(ctx, msg.ID))
}

func TestRouter_GetStatus_Unknown(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	_, err := s.router.GetStatus(ctx, "no-such-message")
	assert.True(t, mailbox.IsNoData(err))
}

func TestRouter_UntrackedMessageHasNoStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	msg := model.NewMessage("agent-a", "agent-b.inbox", model.ModeDirect, []byte("fire and forget"))
	_, err := s.router.Route(ctx, msg)
	require.NoError(t, err)

	_, err = s.router.GetStatus(ctx, msg.ID)
	assert.True(t, mailbox.IsNoData(err))
}
