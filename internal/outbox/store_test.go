package outbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_CreateMessage(t *testing.T) {
	db := SetupTestDB(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	t.Run("successful message creation", func(t *testing.T) {
		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer tx.Rollback()

		msg, err := store.CreateMessage(ctx, tx, TopicBundleSealed, json.RawMessage(`{"bundleId":"b1"}`))
		require.NoError(t, err)

		assert.NotZero(t, msg.ID)
		assert.Equal(t, StatusPending, msg.Status)
		require.NoError(t, tx.Commit())
	})

	t.Run("rolled back message is never pending", func(t *testing.T) {
		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		_, err = store.CreateMessage(ctx, tx, TopicBundleDequeued, json.RawMessage(`{"bundleId":"b2"}`))
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		pending, err := store.GetPendingMessages(ctx, 10)
		require.NoError(t, err)
		for _, msg := range pending {
			assert.NotEqual(t, TopicBundleDequeued, msg.Topic)
		}
	})
}

func TestPostgresStore_GetPendingMessages(t *testing.T) {
	db := SetupTestDB(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	var ids []int64
	for i := 0; i < 3; i++ {
		msg, err := store.CreateMessage(ctx, tx, TopicBundleSealed, json.RawMessage(`{"n":1}`))
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	require.NoError(t, tx.Commit())

	t.Run("fetch pending messages in id order", func(t *testing.T) {
		messages, err := store.GetPendingMessages(ctx, 10)
		require.NoError(t, err)
		require.Len(t, messages, 3)
		for i, msg := range messages {
			assert.Equal(t, ids[i], msg.ID)
		}
	})

	t.Run("published and failed messages are not pending", func(t *testing.T) {
		require.NoError(t, store.MarkAsPublished(ctx, ids[0]))
		require.NoError(t, store.RecordFailure(ctx, ids[1], 1))

		messages, err := store.GetPendingMessages(ctx, 10)
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, ids[2], messages[0].ID)
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.ErrorIs(t, store.MarkAsPublished(ctx, 9999), ErrMessageNotFound)
		assert.ErrorIs(t, store.RecordFailure(ctx, 9999, 3), ErrMessageNotFound)
	})
}
