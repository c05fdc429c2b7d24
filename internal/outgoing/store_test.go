package outgoing

import (
	"context"
	"testing"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreTests exercises the Store contract shared by every implementation.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	policy := NewBundlingPolicy(3, DocumentNotifyValidatedMeasureData)

	enqueue := func(t *testing.T, s Store, msgs ...*OutgoingMessage) {
		t.Helper()
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()
		q, err := tx.LoadQueue(ctx, msgs[0].Receiver)
		require.NoError(t, err)
		for _, m := range msgs {
			_, err := q.Enqueue(m, policy, m.CreatedAt)
			require.NoError(t, err)
		}
		require.NoError(t, tx.SaveQueue(ctx, q))
		require.NoError(t, tx.Commit())
	}

	t.Run("round trip", func(t *testing.T) {
		s := newStore(t)
		m1 := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow)
		m2 := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow.Add(time.Second))
		enqueue(t, s, m1)
		enqueue(t, s, m2)

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()

		q, err := tx.LoadQueue(ctx, testReceiver)
		require.NoError(t, err)
		assert.False(t, q.IsNew())
		require.Len(t, q.OpenBundles(), 1)
		b := q.OpenBundles()[0]
		assert.Equal(t, 2, b.MessageCount)
		assert.Equal(t, m1.BundleID, b.ID)

		msgs, err := tx.Messages(ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, m1.ID, msgs[0].ID)
		assert.Equal(t, m2.ID, msgs[1].ID)
		assert.Equal(t, 1, msgs[1].Position)
		assert.JSONEq(t, string(m1.Content), string(msgs[0].Content))
	})

	t.Run("oldest bundle honours selector", func(t *testing.T) {
		s := newStore(t)
		agg := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow)
		measure := NewTestMessage(testReceiver, DocumentNotifyValidatedMeasureData, ReasonPeriodicMetering, testNow.Add(time.Second))
		enqueue(t, s, agg, measure)

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()
		q, err := tx.LoadQueue(ctx, testReceiver)
		require.NoError(t, err)

		b, err := tx.OldestBundle(ctx, q, Selector{Format: FormatXML})
		require.NoError(t, err)
		assert.Equal(t, agg.BundleID, b.ID)

		b, err = tx.OldestBundle(ctx, q, Selector{Category: CategoryMeasureData, Format: FormatJSON})
		require.NoError(t, err)
		assert.Equal(t, measure.BundleID, b.ID)
		assert.False(t, b.IsOpen(), "single message bundles are sealed when full")

		b, err = tx.OldestBundle(ctx, q, Selector{Category: CategoryAggregations, Format: FormatEbix})
		require.NoError(t, err)
		assert.Equal(t, measure.BundleID, b.ID)

		empty, err := tx.LoadQueue(ctx, Receiver{Number: "5790000000009", Role: RoleGridAccessProvider})
		require.NoError(t, err)
		b, err = tx.OldestBundle(ctx, empty, Selector{Format: FormatXML})
		require.NoError(t, err)
		assert.Nil(t, b)
	})

	t.Run("stale queue version conflicts", func(t *testing.T) {
		s := newStore(t)
		enqueue(t, s, NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow))

		tx1, err := s.Begin(ctx)
		require.NoError(t, err)
		defer tx1.Rollback()
		q1, err := tx1.LoadQueue(ctx, testReceiver)
		require.NoError(t, err)
		_, err = q1.Enqueue(NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow), policy, testNow)
		require.NoError(t, err)
		require.NoError(t, tx1.SaveQueue(ctx, q1))
		require.NoError(t, tx1.Commit())

		// a queue loaded before the commit above
		stale := RestoreActorMessageQueue(q1.ID, testReceiver, q1.Version-1, nil)
		tx2, err := s.Begin(ctx)
		require.NoError(t, err)
		defer tx2.Rollback()
		err = tx2.SaveQueue(ctx, stale)
		if err == nil {
			err = tx2.Commit()
		}
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
	})

	t.Run("market document and delete", func(t *testing.T) {
		s := newStore(t)
		m := NewTestMessage(testReceiver, DocumentNotifyValidatedMeasureData, ReasonPeriodicMetering, testNow)
		enqueue(t, s, m)

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		doc := &MarketDocument{
			BundleID:    m.BundleID,
			Format:      FormatXML,
			ContentType: "application/xml",
			Payload:     []byte("<doc/>"),
			Size:        6,
			CreatedAt:   testNow,
		}
		require.NoError(t, tx.SaveMarketDocument(ctx, doc))
		require.NoError(t, tx.Commit())

		tx, err = s.Begin(ctx)
		require.NoError(t, err)
		err = tx.SaveMarketDocument(ctx, doc)
		if err == nil {
			err = tx.Commit()
		} else {
			tx.Rollback()
		}
		assert.ErrorIs(t, err, ErrConcurrencyConflict, "a bundle has one document")

		tx, err = s.Begin(ctx)
		require.NoError(t, err)
		got, err := tx.MarketDocument(ctx, m.BundleID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, []byte("<doc/>"), got.Payload)
		assert.Equal(t, FormatXML, got.Format)

		deleted, err := tx.DeleteBundle(ctx, m.BundleID)
		require.NoError(t, err)
		assert.True(t, deleted)
		require.NoError(t, tx.AddIntegrationEvent(ctx, outbox.TopicBundleDequeued, []byte(`{}`)))
		require.NoError(t, tx.Commit())

		tx, err = s.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()
		b, err := tx.Bundle(ctx, m.BundleID)
		require.NoError(t, err)
		assert.Nil(t, b)
		msgs, err := tx.Messages(ctx, m.BundleID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
		got, err = tx.MarketDocument(ctx, m.BundleID)
		require.NoError(t, err)
		assert.Nil(t, got)
		deleted, err = tx.DeleteBundle(ctx, m.BundleID)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("rollback discards writes", func(t *testing.T) {
		s := newStore(t)
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		q, err := tx.LoadQueue(ctx, testReceiver)
		require.NoError(t, err)
		_, err = q.Enqueue(NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow), policy, testNow)
		require.NoError(t, err)
		require.NoError(t, tx.SaveQueue(ctx, q))
		require.NoError(t, tx.Rollback())

		tx, err = s.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()
		q, err = tx.LoadQueue(ctx, testReceiver)
		require.NoError(t, err)
		assert.True(t, q.IsNew())
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		return NewMemoryStore(outbox.NewMemoryStore())
	})
}

func TestPostgresStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		db := outbox.SetupTestDB(t, Schema)
		return NewPostgresStore(db, outbox.NewPostgresStore(db))
	})
}

func TestMemoryStore_ConcurrentNewQueue(t *testing.T) {
	ctx := context.Background()
	events := outbox.NewMemoryStore()
	s := NewMemoryStore(events)
	policy := NewBundlingPolicy(10)

	tx1, err := s.Begin(ctx)
	require.NoError(t, err)
	tx2, err := s.Begin(ctx)
	require.NoError(t, err)

	for _, tx := range []Tx{tx1, tx2} {
		q, err := tx.LoadQueue(ctx, testReceiver)
		require.NoError(t, err)
		_, err = q.Enqueue(NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow), policy, testNow)
		require.NoError(t, err)
		require.NoError(t, tx.SaveQueue(ctx, q))
		require.NoError(t, tx.AddIntegrationEvent(ctx, outbox.TopicBundleSealed, []byte(`{}`)))
	}

	require.NoError(t, tx1.Commit())
	assert.ErrorIs(t, tx2.Commit(), ErrConcurrencyConflict)
	assert.Equal(t, 1, s.BundleCount())
	assert.Equal(t, 1, s.MessageCount())
	assert.Len(t, events.Messages(), 1, "events of the losing scope are dropped")
}

func TestMemoryStore_DocumentForDeletedBundle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	q, err := tx.LoadQueue(ctx, testReceiver)
	require.NoError(t, err)
	m := NewTestMessage(testReceiver, DocumentNotifyAggregatedMeasureData, ReasonBalanceFixing, testNow)
	_, err = q.Enqueue(m, NewBundlingPolicy(1), testNow)
	require.NoError(t, err)
	require.NoError(t, tx.SaveQueue(ctx, q))
	require.NoError(t, tx.Commit())

	gen, err := s.Begin(ctx)
	require.NoError(t, err)
	del, err := s.Begin(ctx)
	require.NoError(t, err)

	ok, err := del.DeleteBundle(ctx, m.BundleID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, gen.SaveMarketDocument(ctx, &MarketDocument{BundleID: m.BundleID, Format: FormatJSON}))

	require.NoError(t, del.Commit())
	assert.ErrorIs(t, gen.Commit(), ErrConcurrencyConflict)
	assert.Zero(t, s.DocumentCount())
}
