package outgoing

import (
	"time"

	"github.com/google/uuid"
)

// Bundle accumulates messages sharing a grouping key. A bundle is open until
// ClosedAt is set; closing is permanent.
type Bundle struct {
	ID           string      `json:"id"`
	QueueID      string      `json:"queueId"`
	Key          GroupingKey `json:"key"`
	MaxMessages  int         `json:"maxMessages"`
	MessageCount int         `json:"messageCount"`
	CreatedAt    time.Time   `json:"createdAt"`
	ClosedAt     *time.Time  `json:"closedAt,omitempty"`
}

func newBundle(queueID string, key GroupingKey, maxMessages int, now time.Time) *Bundle {
	if maxMessages < 1 {
		maxMessages = 1
	}
	return &Bundle{
		ID:          uuid.NewString(),
		QueueID:     queueID,
		Key:         key,
		MaxMessages: maxMessages,
		CreatedAt:   now,
	}
}

func (b *Bundle) IsOpen() bool {
	return b.ClosedAt == nil
}

func (b *Bundle) IsFull() bool {
	return b.MessageCount >= b.MaxMessages
}

// EbixCompatible reports whether the bundle can be delivered as an ebIX document,
// which carries exactly one message.
func (b *Bundle) EbixCompatible() bool {
	return b.MaxMessages == 1
}

func (b *Bundle) add(m *OutgoingMessage) error {
	switch {
	case !b.IsOpen():
		return ErrBundleClosed
	case m.BundleID != "":
		return ErrMessageAssigned
	case m.GroupingKey() != b.Key:
		return ErrGroupingKeyMismatch
	case b.IsFull():
		return ErrBundleFull
	}
	m.BundleID = b.ID
	m.Position = b.MessageCount
	b.MessageCount++
	return nil
}

func (b *Bundle) close(now time.Time) error {
	if !b.IsOpen() {
		return ErrBundleClosed
	}
	closedAt := now
	b.ClosedAt = &closedAt
	return nil
}

// Clone returns a copy that shares nothing with b.
func (b *Bundle) Clone() *Bundle {
	c := *b
	if b.ClosedAt != nil {
		t := *b.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}
