package outgoing

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NewTestMessage builds a valid message for receiver. It is exported for the
// tests of the packages built on top of the queues.
func NewTestMessage(receiver Receiver, t DocumentType, reason BusinessReason, createdAt time.Time) *OutgoingMessage {
	id := uuid.NewString()
	return &OutgoingMessage{
		ID:             id,
		Receiver:       receiver,
		DocumentType:   t,
		BusinessReason: reason,
		Content:        json.RawMessage(`{"transactionId":"` + id + `","gridArea":"804"}`),
		CreatedAt:      createdAt,
	}
}
