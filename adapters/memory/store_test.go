package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/mailbox"
)

func TestStore_GetSet(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	defer store.Close()

	_, err := store.Get(ctx, "missing")
	assert.True(t, mailbox.IsNoData(err))

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
	v, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	assert.True(t, mailbox.IsNoData(err))

	// Deleting a missing key is not an error.
	assert.NoError(t, store.Delete(ctx, "k"))
}

func TestStore_TTL(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	defer store.Close()

	require.NoError(t, store.Set(ctx, "short", []byte("v"), 10*time.Millisecond))

	_, err := store.Get(ctx, "short")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = store.Get(ctx, "short")
	assert.True(t, mailbox.IsNoData(err), "expired key reads as absent")
}

func TestStore_SortedSequence(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	defer store.Close()

	require.NoError(t, store.SortedInsert(ctx, "seq", "c", 3))
	require.NoError(t, store.SortedInsert(ctx, "seq", "a", 1))
	require.NoError(t, store.SortedInsert(ctx, "seq", "b", 2))

	members, err := store.SortedRange(ctx, "seq", 0, 100, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, members)

	// Score bounds are inclusive.
	members, err = store.SortedRange(ctx, "seq", 2, 3, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, members)

	// Offset and limit.
	members, err = store.SortedRange(ctx, "seq", 0, 100, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)

	count, err := store.SortedCount(ctx, "seq")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// Re-scoring an existing member moves it.
	require.NoError(t, store.SortedInsert(ctx, "seq", "a", 10))
	members, err = store.SortedRange(ctx, "seq", 0, 100, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, members)

	min, err := store.SortedPopMin(ctx, "seq")
	require.NoError(t, err)
	assert.Equal(t, "b", min)

	require.NoError(t, store.SortedRemove(ctx, "seq", "c", "a"))
	_, err = store.SortedPopMin(ctx, "seq")
	assert.True(t, mailbox.IsNoData(err))
}

func TestStore_Sets(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	defer store.Close()

	members, err := store.SetMembers(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, members, "absent set yields an empty slice")

	require.NoError(t, store.SetAdd(ctx, "s", "a", "b", "a"))
	members, err = store.SetMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	ok, err := store.SetContains(ctx, "s", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.SetRemove(ctx, "s", "a"))
	ok, err = store.SetContains(ctx, "s", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Incr(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	defer store.Close()

	n, err := store.Incr(ctx, "ctr")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Incr(ctx, "ctr")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStore_PubSub(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	defer store.Close()

	sub, err := store.Subscribe(ctx, "deliver.inbox")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.Publish(ctx, "deliver.inbox", []byte("hello")))
	require.NoError(t, store.Publish(ctx, "deliver.other", []byte("nope")))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "deliver.inbox", msg.Channel)
		assert.Equal(t, []byte("hello"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	// The off-channel publish must not arrive.
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message on channel %s", msg.Channel)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStore_PSubscribe(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	defer store.Close()

	sub, err := store.PSubscribe(ctx, "deliver.reports.*")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.Publish(ctx, "deliver.reports.daily", []byte("a")))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "deliver.reports.daily", msg.Channel)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pattern message")
	}
}

func TestStore_SubClose(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	sub, err := store.Subscribe(ctx, "ch")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, open := <-sub.Messages()
	assert.False(t, open, "feed closes after Close")

	require.NoError(t, store.Close())
	_, err = store.Subscribe(ctx, "ch")
	assert.Error(t, err, "closed store rejects new subscriptions")
	assert.Error(t, store.Ping(ctx))
}
