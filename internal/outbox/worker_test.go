package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mu        sync.Mutex
	subjects  []string
	failOn    string
	failCount int
	flushes   int
}

func (p *mockPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if subject == p.failOn {
		p.failCount++
		return errors.New("broker unavailable")
	}
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *mockPublisher) FlushTimeout(time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return nil
}

func (p *mockPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

func seed(t *testing.T, store *MemoryStore, topics ...string) {
	t.Helper()
	for _, topic := range topics {
		_, err := store.CreateMessage(context.Background(), nil, topic, json.RawMessage(`{"test":"data"}`))
		require.NoError(t, err)
	}
}

func TestWorker_ProcessMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes in order and marks published", func(t *testing.T) {
		store := NewMemoryStore()
		seed(t, store, "a", "b", "c")
		pub := &mockPublisher{}
		worker := NewWorker(WorkerConfig{Store: store, Publisher: pub})

		require.NoError(t, worker.ProcessMessages(ctx))

		assert.Equal(t, []string{"a", "b", "c"}, pub.published())
		assert.Equal(t, 1, pub.flushes)
		for _, msg := range store.Messages() {
			assert.Equal(t, StatusPublished, msg.Status)
			assert.NotNil(t, msg.PublishedAt)
		}
	})

	t.Run("failure stops the batch and counts attempts", func(t *testing.T) {
		store := NewMemoryStore()
		seed(t, store, "a", "broken", "c")
		pub := &mockPublisher{failOn: "broken"}
		worker := NewWorker(WorkerConfig{Store: store, Publisher: pub, MaxRetries: 2})

		err := worker.ProcessMessages(ctx)
		require.Error(t, err)

		assert.Equal(t, []string{"a"}, pub.published())
		assert.Equal(t, 2, pub.failCount)
		msgs := store.Messages()
		assert.Equal(t, StatusPublished, msgs[0].Status)
		assert.Equal(t, StatusPending, msgs[1].Status)
		assert.Equal(t, 1, msgs[1].Attempts)
		assert.Equal(t, StatusPending, msgs[2].Status)

		require.Error(t, worker.ProcessMessages(ctx))
		msgs = store.Messages()
		assert.Equal(t, StatusFailed, msgs[1].Status)
		assert.Equal(t, StatusPending, msgs[2].Status)

		// the failed message no longer blocks the rest
		require.NoError(t, worker.ProcessMessages(ctx))
		assert.Equal(t, []string{"a", "c"}, pub.published())
	})

	t.Run("not leader", func(t *testing.T) {
		store := NewMemoryStore()
		seed(t, store, "a")
		pub := &mockPublisher{}
		worker := NewWorker(WorkerConfig{
			Store:        store,
			Publisher:    pub,
			PollInterval: 10 * time.Millisecond,
			IsLeader:     func() bool { return false },
		})

		require.NoError(t, worker.Start(ctx))
		time.Sleep(50 * time.Millisecond)
		worker.Stop()

		assert.Empty(t, pub.published())
	})
}

func TestWorker(t *testing.T) {
	nc, err := nats.Connect(nats.DefaultURL)
	if err != nil {
		t.Skipf("Skipping test, NATS not available: %v", err)
		return
	}
	defer nc.Close()

	received := make(chan []byte, 1)
	sub, err := nc.Subscribe(TopicBundleSealed, func(msg *nats.Msg) { received <- msg.Data })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	store := NewMemoryStore()
	seed(t, store, TopicBundleSealed)

	worker := NewWorker(WorkerConfig{
		Store:        store,
		Publisher:    nc,
		PollInterval: 100 * time.Millisecond,
		BatchSize:    10,
		IsLeader:     func() bool { return true },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, worker.Start(ctx))
	defer worker.Stop()

	select {
	case data := <-received:
		assert.JSONEq(t, `{"test":"data"}`, string(data))
	case <-ctx.Done():
		t.Fatal("Timeout waiting for message")
	}
}
