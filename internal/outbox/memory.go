package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps outbox messages in process. The transaction argument of
// CreateMessage is ignored; callers append only after their own commit.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	messages []*Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) CreateMessage(ctx context.Context, tx *sql.Tx, topic string, payload json.RawMessage) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	msg := &Message{
		ID:        s.nextID,
		Topic:     topic,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now().UTC(),
		Status:    StatusPending,
	}
	s.messages = append(s.messages, msg)
	c := *msg
	return &c, nil
}

func (s *MemoryStore) GetPendingMessages(ctx context.Context, batchSize int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*Message
	for _, msg := range s.messages {
		if msg.Status != StatusPending {
			continue
		}
		c := *msg
		pending = append(pending, &c)
		if len(pending) == batchSize {
			break
		}
	}
	return pending, nil
}

func (s *MemoryStore) MarkAsPublished(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.find(id)
	if msg == nil {
		return ErrMessageNotFound
	}
	now := time.Now().UTC()
	msg.Status = StatusPublished
	msg.PublishedAt = &now
	return nil
}

func (s *MemoryStore) RecordFailure(ctx context.Context, id int64, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.find(id)
	if msg == nil {
		return ErrMessageNotFound
	}
	msg.Attempts++
	if msg.Attempts >= maxAttempts {
		msg.Status = StatusFailed
	}
	return nil
}

// Messages returns a snapshot of every message, in creation order.
func (s *MemoryStore) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Message, 0, len(s.messages))
	for _, msg := range s.messages {
		c := *msg
		out = append(out, &c)
	}
	return out
}

func (s *MemoryStore) find(id int64) *Message {
	for _, msg := range s.messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}
