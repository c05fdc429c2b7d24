package payload

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outgoing"
)

func runStoreTests(t *testing.T, s Store) {
	ctx := context.Background()
	key := Key(outgoing.CategoryAggregations, uuid.NewString())

	_, err := s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, key, []byte("first")))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	require.NoError(t, s.Put(ctx, key, []byte("second")), "put replaces")
	got, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key), "delete is idempotent")
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "MeasureData/b1", Key(outgoing.CategoryMeasureData, "b1"))
}

func TestStreamDeadline(t *testing.T) {
	deadline := time.Now().Add(time.Minute)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	assert.Equal(t, deadline, streamDeadline(ctx, time.Hour))

	before := time.Now()
	got := streamDeadline(context.Background(), 30*time.Second)
	assert.WithinRange(t, got, before.Add(30*time.Second), time.Now().Add(30*time.Second))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	runStoreTests(t, s)
	assert.Zero(t, s.Len())
}

func TestGridFSStore(t *testing.T) {
	uri := os.Getenv("EDI_TEST_MONGODB_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := NewGridFSStore(ctx, GridFSConfig{URI: uri, Database: "edi_test", ChunkSizeBytes: 1024})
	if err != nil {
		t.Skipf("Skipping test, MongoDB not available: %v", err)
		return
	}
	defer s.Close(context.Background())

	runStoreTests(t, s)

	t.Run("multi chunk payload", func(t *testing.T) {
		key := Key(outgoing.CategoryMeasureData, uuid.NewString())
		data := make([]byte, 5000)
		for i := range data {
			data[i] = byte(i % 251)
		}
		require.NoError(t, s.Put(context.Background(), key, data))
		defer s.Delete(context.Background(), key)

		got, err := s.Get(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("cancelled context", func(t *testing.T) {
		key := Key(outgoing.CategoryAggregations, uuid.NewString())
		require.NoError(t, s.Put(context.Background(), key, []byte("kept")))
		defer s.Delete(context.Background(), key)

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, s.Put(cancelled, key, []byte("dropped")), context.Canceled)
		_, err := s.Get(cancelled, key)
		assert.ErrorIs(t, err, context.Canceled)

		got, err := s.Get(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, []byte("kept"), got)
	})

	t.Run("expired deadline", func(t *testing.T) {
		key := Key(outgoing.CategoryAggregations, uuid.NewString())
		expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		assert.Error(t, s.Put(expired, key, []byte("late")))
		_, err := s.Get(context.Background(), key)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
