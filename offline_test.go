package mailbox_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/mailbox"
	"github.com/coregx/mailbox/adapters/memory"
	"github.com/coregx/mailbox/model"
)

type offlineFixture struct {
	mailboxes *mailbox.MailboxStore
	offline   *mailbox.OfflineHandler
}

func newOfflineFixture(t *testing.T, opts ...mailbox.OfflineHandlerOption) *offlineFixture {
	t.Helper()
	store := memory.NewStore()
	t.Cleanup(func() { _ = store.Close() })

	logger := &mailbox.NoopLogger{}
	mailboxes, err := mailbox.NewMailboxStore(
		mailbox.WithMailboxStoreBackend(store),
		mailbox.WithMailboxStoreLogger(logger),
	)
	require.NoError(t, err)

	base := []mailbox.OfflineHandlerOption{
		mailbox.WithOfflineStore(store),
		mailbox.WithOfflineLoader(mailboxes),
		mailbox.WithOfflineLogger(logger),
	}
	offline, err := mailbox.NewOfflineHandler(append(base, opts...)...)
	require.NoError(t, err)

	return &offlineFixture{mailboxes: mailboxes, offline: offline}
}

// seed persists a message into its mailbox and queues it for the participant.
func (f *offlineFixture) seed(t *testing.T, participant, target, payload string) model.Message {
	t.Helper()
	ctx := context.Background()
	msg := model.NewMessage("sender", target, model.ModeDirect, []byte(payload))
	require.NoError(t, f.mailboxes.Append(ctx, target, msg))
	require.NoError(t, f.offline.Enqueue(ctx, participant, msg, 0))
	return msg
}

func TestOfflineHandler_PeekAndDequeue(t *testing.T) {
	ctx := context.Background()
	f := newOfflineFixture(t)

	first := f.seed(t, "agent-b", "agent-b.inbox", "one")
	second := f.seed(t, "agent-b", "agent-b.inbox", "two")

	// Peek does not consume.
	list, err := f.offline.Peek(ctx, "agent-b", model.MessageFilter{}, model.Page{})
	require.NoError(t, err)
	require.Len(t, list.Messages, 2)
	assert.Equal(t, first.ID, list.Messages[0].ID)
	assert.Equal(t, second.ID, list.Messages[1].ID)

	list, err = f.offline.Peek(ctx, "agent-b", model.MessageFilter{}, model.Page{})
	require.NoError(t, err)
	assert.Len(t, list.Messages, 2)

	// Dequeue consumes what it returns.
	list, err = f.offline.Dequeue(ctx, "agent-b", model.MessageFilter{}, model.Page{Limit: 1})
	require.NoError(t, err)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, first.ID, list.Messages[0].ID)

	list, err = f.offline.Peek(ctx, "agent-b", model.MessageFilter{}, model.Page{})
	require.NoError(t, err)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, second.ID, list.Messages[0].ID)
}

func TestOfflineHandler_Enqueue_RejectsExpired(t *testing.T) {
	ctx := context.Background()
	f := newOfflineFixture(t)

	msg := model.NewMessage("sender", "box", model.ModeDirect, []byte("late"))
	msg.CreatedAt = time.Now().Add(-time.Hour)
	msg.TTLSeconds = 60

	err := f.offline.Enqueue(ctx, "agent-b", msg, 0)
	assert.True(t, mailbox.IsExpired(err))
}

func TestOfflineHandler_Enqueue_EvictsOldestAtCeiling(t *testing.T) {
	ctx := context.Background()
	f := newOfflineFixture(t)

	msgs := make([]model.Message, 4)
	for i := range msgs {
		msg := model.NewMessage("sender", "box", model.ModeDirect, []byte(fmt.Sprintf("n-%d", i)))
		require.NoError(t, f.mailboxes.Append(ctx, "box", msg))
		require.NoError(t, f.offline.Enqueue(ctx, "agent-b", msg, 2))
		msgs[i] = msg
	}

	list, err := f.offline.Peek(ctx, "agent-b", model.MessageFilter{}, model.Page{})
	require.NoError(t, err)
	require.Len(t, list.Messages, 2)
	assert.Equal(t, msgs[2].ID, list.Messages[0].ID)
	assert.Equal(t, msgs[3].ID, list.Messages[1].ID)
}

func TestOfflineHandler_MarkRead(t *testing.T) {
	ctx := context.Background()
	f := newOfflineFixture(t)

	msg := f.seed(t, "agent-b", "agent-b.inbox", "read me")

	read, err := f.offline.IsRead(ctx, "agent-b", "agent-b.inbox", msg.ID)
	require.NoError(t, err)
	assert.False(t, read)

	require.NoError(t, f.offline.MarkRead(ctx, "agent-b", "agent-b.inbox", msg.ID))
	read, err = f.offline.IsRead(ctx, "agent-b", "agent-b.inbox", msg.ID)
	require.NoError(t, err)
	assert.True(t, read)

	// Marking twice is idempotent.
	require.NoError(t, f.offline.MarkRead(ctx, "agent-b", "agent-b.inbox", msg.ID))

	// Read status is per participant.
	read, err = f.offline.IsRead(ctx, "agent-c", "agent-b.inbox", msg.ID)
	require.NoError(t, err)
	assert.False(t, read)
}

func TestOfflineHandler_Enqueue_EvictsReadBeforeUnread(t *testing.T) {
	ctx := context.Background()
	f := newOfflineFixture(t)

	first := f.seed(t, "agent-b", "box", "oldest unread")
	second := f.seed(t, "agent-b", "box", "already read")
	require.NoError(t, f.offline.MarkRead(ctx, "agent-b", "box", second.ID))

	// Overflowing a queue that holds a read entry drops that entry, not the
	// oldest unread one.
	third := model.NewMessage("sender", "box", model.ModeDirect, []byte("new"))
	require.NoError(t, f.mailboxes.Append(ctx, "box", third))
	require.NoError(t, f.offline.Enqueue(ctx, "agent-b", third, 2))

	list, err := f.offline.Peek(ctx, "agent-b", model.MessageFilter{}, model.Page{})
	require.NoError(t, err)
	require.Len(t, list.Messages, 2)
	assert.Equal(t, first.ID, list.Messages[0].ID)
	assert.Equal(t, third.ID, list.Messages[1].ID)
}

func TestOfflineHandler_MarkRead_RepeatKeepsLastReadCursor(t *testing.T) {
	ctx := context.Background()
	f := newOfflineFixture(t)

	first := f.seed(t, "agent-b", "agent-b.inbox", "one")
	require.NoError(t, f.offline.MarkRead(ctx, "agent-b", "agent-b.inbox", first.ID))

	time.Sleep(5 * time.Millisecond)
	second := f.seed(t, "agent-b", "agent-b.inbox", "two")
	third := f.seed(t, "agent-b", "agent-b.inbox", "three")

	// Re-marking an already-read message must not advance the last-read
	// time past messages that arrived in between.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.offline.MarkRead(ctx, "agent-b", "agent-b.inbox", first.ID))

	msgs, err := f.offline.MessagesSinceLastRead(ctx, "agent-b", []string{"agent-b.inbox"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, second.ID, msgs[0].ID)
	assert.Equal(t, third.ID, msgs[1].ID)
}

func TestOfflineHandler_UnreadCount(t *testing.T) {
	ctx := context.Background()
	f := newOfflineFixture(t)

	first := f.seed(t, "agent-b", "agent-b.inbox", "one")
	f.seed(t, "agent-b", "agent-b.inbox", "two")

	count, err := f.offline.UnreadCount(ctx, "agent-b", []string{"agent-b.inbox"})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, f.offline.MarkRead(ctx, "agent-b", "agent-b.inbox", first.ID))
	count, err = f.offline.UnreadCount(ctx, "agent-b", []string{"agent-b.inbox"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Unknown mailboxes contribute nothing.
	count, err = f.offline.UnreadCount(ctx, "agent-b", []string{"agent-b.inbox", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOfflineHandler_MessagesSinceLastRead(t *testing.T) {
	ctx := context.Background()
	f := newOfflineFixture(t)

	first := f.seed(t, "agent-b", "agent-b.inbox", "one")
	require.NoError(t, f.offline.MarkRead(ctx, "agent-b", "agent-b.inbox", first.ID))

	time.Sleep(5 * time.Millisecond)
	second := f.seed(t, "agent-b", "agent-b.inbox", "two")
	third := f.seed(t, "agent-b", "agent-b.inbox", "three")

	msgs, err := f.offline.MessagesSinceLastRead(ctx, "agent-b", []string{"agent-b.inbox"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, second.ID, msgs[0].ID)
	assert.Equal(t, third.ID, msgs[1].ID)
}

func TestOfflineHandler_ReplayTargets(t *testing.T) {
	ctx := context.Background()
	f := newOfflineFixture(t)

	// One message parked on the participant queue, one under the mailbox.
	direct := f.seed(t, "agent-b", "agent-b.inbox", "direct")
	time.Sleep(5 * time.Millisecond)
	parked := model.NewMessage("sender", "agent-b.inbox", model.ModeDirect, []byte("parked"))
	require.NoError(t, f.mailboxes.Append(ctx, "agent-b.inbox", parked))
	require.NoError(t, f.offline.EnqueueMailbox(ctx, "agent-b.inbox", parked, 0))

	var got []string
	delivered, err := f.offline.ReplayTargets(ctx, "agent-b", []string{"agent-b.inbox"}, func(_ context.Context, msg model.Message) error {
		got = append(got, msg.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, []string{direct.ID, parked.ID}, got, "merged queues replay in creation order")

	// Replayed entries are consumed.
	delivered, err = f.offline.ReplayTargets(ctx, "agent-b", []string{"agent-b.inbox"}, func(context.Context, model.Message) error {
		t.Fatal("nothing should remain queued")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
}

func TestOfflineHandler_ReplayTargets_StopsOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newOfflineFixture(t)

	f.seed(t, "agent-b", "agent-b.inbox", "one")
	time.Sleep(5 * time.Millisecond)
	second := f.seed(t, "agent-b", "agent-b.inbox", "two")

	calls := 0
	delivered, err := f.offline.ReplayTargets(ctx, "agent-b", nil, func(context.Context, model.Message) error {
		calls++
		if calls == 2 {
			return errors.New("connection dropped")
		}
		return nil
	})
	require.NoError(t, err, "a delivery failure ends the replay, it is not an error")
	assert.Equal(t, 1, delivered)

	// The failed message stays queued for the next replay.
	list, err := f.offline.Peek(ctx, "agent-b", model.MessageFilter{}, model.Page{})
	require.NoError(t, err)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, second.ID, list.Messages[0].ID)
}

func TestOfflineHandler_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	f := newOfflineFixture(t, mailbox.WithOfflineQueueTTL(10*time.Millisecond))

	f.seed(t, "agent-b", "agent-b.inbox", "short lived")
	time.Sleep(25 * time.Millisecond)

	removed, err := f.offline.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	list, err := f.offline.Peek(ctx, "agent-b", model.MessageFilter{}, model.Page{})
	require.NoError(t, err)
	assert.Empty(t, list.Messages)
}
