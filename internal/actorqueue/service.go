// Package actorqueue coordinates the actor queues: enqueue scopes used by the
// business processes, and the peek and dequeue requests of the actors.
package actorqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/document"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outbox"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outgoing"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/payload"
)

const (
	DefaultMaxMessages = 2000
	DefaultInlineLimit = 1 << 20
	defaultMaxAttempts = 5
	defaultBackoff     = 20 * time.Millisecond
)

// ServiceConfig provides configuration options for the Service.
type ServiceConfig struct {
	Store     outgoing.Store
	Documents *document.Factory
	// Payloads receives documents larger than InlineLimit. When nil every
	// document is stored inline.
	Payloads    payload.Store
	Logger      *slog.Logger
	Sender      outgoing.Receiver
	MaxMessages int
	InlineLimit int
	MaxAttempts int
	Backoff     time.Duration
	Now         func() time.Time
}

type Service struct {
	store       outgoing.Store
	documents   *document.Factory
	payloads    payload.Store
	logger      *slog.Logger
	sender      outgoing.Receiver
	policy      outgoing.BundlingPolicy
	inlineLimit int
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("actor queue store is required")
	}
	if cfg.Documents == nil {
		return nil, errors.New("document factory is required")
	}
	if err := cfg.Sender.Validate(); err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}

	s := &Service{
		store:       cfg.Store,
		documents:   cfg.Documents,
		payloads:    cfg.Payloads,
		logger:      cfg.Logger,
		sender:      cfg.Sender,
		inlineLimit: cfg.InlineLimit,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		now:         cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	s.policy = outgoing.NewBundlingPolicy(maxMessages, cfg.Documents.SingleMessageTypes()...)
	if s.inlineLimit <= 0 {
		s.inlineLimit = DefaultInlineLimit
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.backoff <= 0 {
		s.backoff = defaultBackoff
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// Ping reports whether the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) addBundleEvent(ctx context.Context, tx outgoing.Tx, topic string, receiver outgoing.Receiver, b *outgoing.Bundle, at time.Time) error {
	data, err := json.Marshal(outbox.BundleEvent{
		BundleID:       b.ID,
		ActorNumber:    receiver.Number,
		ActorRole:      string(receiver.Role),
		DocumentType:   string(b.Key.DocumentType),
		BusinessReason: string(b.Key.BusinessReason),
		Category:       string(b.Key.Category),
		MessageCount:   b.MessageCount,
		OccurredAt:     at,
	})
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", topic, err)
	}
	return tx.AddIntegrationEvent(ctx, topic, data)
}
