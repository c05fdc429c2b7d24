// Package outgoing is the producer side of the actor queues. Business processes
// describe what an actor should receive as a Message and send it through an
// enqueue scope; the message becomes visible to the actor when the scope
// commits together with the rest of the business transaction.
package outgoing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/document"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outgoing"
)

// Enqueuer is implemented by *actorqueue.Scope.
type Enqueuer interface {
	Enqueue(ctx context.Context, m *outgoing.OutgoingMessage) error
}

// Message is one activity record addressed to one actor.
type Message struct {
	// ID is generated when empty.
	ID                 string
	Receiver           outgoing.Receiver
	DocumentType       outgoing.DocumentType
	BusinessReason     outgoing.BusinessReason
	RelatedToMessageID string
	// Discriminator and CalculationID split bundles that would otherwise share
	// a grouping key.
	Discriminator string
	CalculationID string
	Series        document.Series
}

// Producer turns Messages into queued outgoing messages.
type Producer struct{}

func NewProducer() *Producer {
	return &Producer{}
}

// Send enqueues msg through scope and returns the id of the outgoing message.
func (p *Producer) Send(ctx context.Context, scope Enqueuer, msg Message) (string, error) {
	if msg.Series.TransactionID == "" {
		return "", errors.New("series transaction id is required")
	}
	content, err := json.Marshal(msg.Series)
	if err != nil {
		return "", fmt.Errorf("encoding series %s: %w", msg.Series.TransactionID, err)
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	err = scope.Enqueue(ctx, &outgoing.OutgoingMessage{
		ID:                 id,
		Receiver:           msg.Receiver,
		DocumentType:       msg.DocumentType,
		BusinessReason:     msg.BusinessReason,
		Discriminator:      msg.Discriminator,
		CalculationID:      msg.CalculationID,
		RelatedToMessageID: msg.RelatedToMessageID,
		Content:            content,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
