package outgoing

import (
	"context"
	"time"
)

// MarketDocument is the generated payload cached for a sealed bundle. Payload is
// nil when the bytes live in the object store under PayloadRef.
type MarketDocument struct {
	BundleID    string         `json:"bundleId"`
	Format      DocumentFormat `json:"format"`
	ContentType string         `json:"contentType"`
	Payload     []byte         `json:"-"`
	PayloadRef  string         `json:"payloadRef,omitempty"`
	Size        int64          `json:"size"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Store opens transactional scopes over the actor queues.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
}

// Tx is one transactional scope. Nothing written through it is visible to other
// scopes before Commit. Lookups return (nil, nil) when the record does not exist.
type Tx interface {
	// LoadQueue returns the queue with its open bundles.
	LoadQueue(ctx context.Context, receiver Receiver) (*ActorMessageQueue, error)

	// SaveQueue writes the pending changes of q, failing with
	// ErrConcurrencyConflict when q.Version is stale.
	SaveQueue(ctx context.Context, q *ActorMessageQueue) error

	// OldestBundle returns the oldest bundle of q, open or closed, matching sel.
	OldestBundle(ctx context.Context, q *ActorMessageQueue, sel Selector) (*Bundle, error)

	Bundle(ctx context.Context, id string) (*Bundle, error)

	// Messages returns the messages of a bundle in arrival order.
	Messages(ctx context.Context, bundleID string) ([]*OutgoingMessage, error)

	MarketDocument(ctx context.Context, bundleID string) (*MarketDocument, error)

	// SaveMarketDocument fails with ErrConcurrencyConflict when the bundle already
	// has a document or no longer exists.
	SaveMarketDocument(ctx context.Context, doc *MarketDocument) error

	// DeleteBundle removes the bundle, its messages and its document.
	DeleteBundle(ctx context.Context, bundleID string) (bool, error)

	// AddIntegrationEvent writes an event to the outbox as part of the scope.
	AddIntegrationEvent(ctx context.Context, topic string, payload []byte) error

	Commit() error
	Rollback() error
}
