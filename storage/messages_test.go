package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnqueueAndDrainFIFO(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i, id := range []string{"m1", "m2", "m3"} {
		err := store.EnqueueMessage(ctx, Message{
			ID:        id,
			ToHash:    "h1",
			Payload:   []byte("blob-" + id),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	msgs, err := store.MessagesForHash(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "m3", msgs[2].ID)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt),
			"creation times must be non-decreasing")
	}
}

func TestDrainNeverCrossesRecipients(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnqueueMessage(ctx, Message{ID: "for-h1", ToHash: "h1", Payload: []byte("x")}))
	require.NoError(t, store.EnqueueMessage(ctx, Message{ID: "for-h2", ToHash: "h2", Payload: []byte("y")}))
	require.NoError(t, store.EnqueueMessage(ctx, Message{ID: "for-p1", ToPeer: "p1", Payload: []byte("z")}))

	msgs, err := store.MessagesForHash(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "for-h1", msgs[0].ID)

	// A message queued for a peer id only is not visible under a hash
	// lookup, and vice versa.
	msgs, err = store.MessagesForHash(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = store.MessagesForPeer(ctx, "h1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestEnqueueIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msg := Message{ID: "dup", ToHash: "h1", Payload: []byte("first")}
	require.NoError(t, store.EnqueueMessage(ctx, msg))

	// Producer retry with the same id is absorbed, not duplicated.
	msg.Payload = []byte("second")
	require.NoError(t, store.EnqueueMessage(ctx, msg))

	msgs, err := store.MessagesForHash(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("first"), msgs[0].Payload)
}

func TestEnqueueValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.EnqueueMessage(ctx, Message{ID: "no-dest", Payload: []byte("x")})
	require.ErrorIs(t, err, ErrMissingRecipient)
	require.ErrorIs(t, err, ErrValidation)

	err = store.EnqueueMessage(ctx, Message{ID: "no-payload", ToHash: "h1"})
	require.ErrorIs(t, err, ErrEmptyPayload)

	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLegacyPeerMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnqueueMessage(ctx, Message{ID: "legacy", ToPeer: "p1", Payload: []byte("a")}))
	require.NoError(t, store.EnqueueMessage(ctx, Message{ID: "dual", ToPeer: "p1", ToHash: "h1", Payload: []byte("b")}))

	legacy, err := store.LegacyPeerMessages(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, legacy, 1)
	assert.Equal(t, "legacy", legacy[0].ID)

	// The plain peer drain still sees both.
	all, err := store.MessagesForPeer(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteMessageIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnqueueMessage(ctx, Message{ID: "m1", ToHash: "h1", Payload: []byte("x")}))

	deleted, err := store.DeleteMessage(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteMessage(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, deleted, "removing a missing id is not an error")

	msgs, err := store.MessagesForHash(ctx, "h1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSweepExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.EnqueueMessage(ctx, Message{ID: "old", ToHash: "h1", Payload: []byte("x"), CreatedAt: old}))
	require.NoError(t, store.EnqueueMessage(ctx, Message{ID: "fresh", ToHash: "h1", Payload: []byte("y")}))

	n, err := store.SweepExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msgs, err := store.MessagesForHash(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "fresh", msgs[0].ID)
}

func TestSweepZeroRetentionRemovesEverything(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnqueueMessage(ctx, Message{ID: "a", ToHash: "h1", Payload: []byte("x")}))
	require.NoError(t, store.EnqueueMessage(ctx, Message{ID: "b", ToPeer: "p9", Payload: []byte("y")}))

	n, err := store.SweepExpired(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
