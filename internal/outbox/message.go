package outbox

import (
	"encoding/json"
	"time"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusPublished MessageStatus = "published"
	StatusFailed    MessageStatus = "failed"
)

// Subjects of the integration events written by the actor queues.
const (
	TopicBundleSealed   = "edi.outgoing.bundle.sealed"
	TopicBundleDequeued = "edi.outgoing.bundle.dequeued"
)

type Message struct {
	ID          int64           `json:"id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
	Status      MessageStatus   `json:"status"`
	Attempts    int             `json:"attempts"`
}

// BundleEvent is the payload of the bundle integration events.
type BundleEvent struct {
	BundleID       string    `json:"bundleId"`
	ActorNumber    string    `json:"actorNumber"`
	ActorRole      string    `json:"actorRole"`
	DocumentType   string    `json:"documentType"`
	BusinessReason string    `json:"businessReason"`
	Category       string    `json:"category"`
	MessageCount   int       `json:"messageCount"`
	OccurredAt     time.Time `json:"occurredAt"`
}
