package actorqueue

import (
	"context"

	"github.com/google/uuid"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outbox"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outgoing"
)

type DequeueRequest struct {
	MessageID string
	Receiver  outgoing.Receiver
}

// Dequeue removes a peeked bundle of the receiver together with its messages and
// document. It reports false, without an error, when there is nothing the
// receiver may dequeue under that id.
func (s *Service) Dequeue(ctx context.Context, req DequeueRequest) (bool, error) {
	id, err := uuid.Parse(req.MessageID)
	if err != nil {
		return false, nil
	}
	bundleID := id.String()

	var removed *outgoing.Bundle
	var payloadRef string
	err = s.withRetry(ctx, "dequeue", func() error {
		removed, payloadRef = nil, ""
		return s.inTx(ctx, func(tx outgoing.Tx) error {
			b, err := tx.Bundle(ctx, bundleID)
			if err != nil || b == nil {
				return err
			}
			q, err := tx.LoadQueue(ctx, req.Receiver)
			if err != nil {
				return err
			}
			if q.IsNew() || b.QueueID != q.ID || b.IsOpen() {
				return nil
			}

			doc, err := tx.MarketDocument(ctx, bundleID)
			if err != nil {
				return err
			}
			ok, err := tx.DeleteBundle(ctx, bundleID)
			if err != nil || !ok {
				return err
			}
			if err := s.addBundleEvent(ctx, tx, outbox.TopicBundleDequeued, req.Receiver, b, s.now()); err != nil {
				return err
			}
			removed = b
			if doc != nil {
				payloadRef = doc.PayloadRef
			}
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	if removed == nil {
		return false, nil
	}

	if payloadRef != "" && s.payloads != nil {
		if err := s.payloads.Delete(context.WithoutCancel(ctx), payloadRef); err != nil {
			s.logger.Warn("deleting dequeued document payload", "bundle", bundleID, "key", payloadRef, "error", err)
		}
	}
	s.logger.Info("dequeued bundle", "bundle", bundleID, "receiver", req.Receiver.String(), "messages", removed.MessageCount)
	return true, nil
}
