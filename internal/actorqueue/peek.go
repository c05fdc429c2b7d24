package actorqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/document"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outbox"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outgoing"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/payload"
)

type PeekRequest struct {
	Receiver outgoing.Receiver
	// Category narrows CIM peeks; empty means any category. ebIX peeks ignore it.
	Category outgoing.Category
	Format   outgoing.DocumentFormat
}

// PeekResult is the market document of the oldest eligible bundle. MessageID is
// the bundle id and is what the actor dequeues with.
type PeekResult struct {
	MessageID    string
	DocumentType outgoing.DocumentType
	Category     outgoing.Category
	Format       outgoing.DocumentFormat
	ContentType  string
	Payload      []byte
}

// errBundleGone makes Peek start over when the selected bundle was dequeued
// between sealing and generation.
var errBundleGone = errors.New("bundle dequeued during peek")

// Peek returns the document of the oldest bundle matching req, sealing the bundle
// first when it is still open. It returns (nil, nil) when nothing is waiting.
func (s *Service) Peek(ctx context.Context, req PeekRequest) (*PeekResult, error) {
	if err := req.Receiver.Validate(); err != nil {
		return nil, err
	}
	if _, err := outgoing.ParseDocumentFormat(string(req.Format)); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		b, err := s.selectAndSeal(ctx, req)
		if err != nil || b == nil {
			return nil, err
		}

		// the seal is committed; finish the document even if the caller goes away
		res, err := s.generate(context.WithoutCancel(ctx), req, b)
		if errors.Is(err, errBundleGone) && attempt < s.maxAttempts {
			s.logger.Debug("peeked bundle disappeared, selecting again", "bundle", b.ID)
			continue
		}
		if errors.Is(err, errBundleGone) {
			return nil, fmt.Errorf("peek: %w: %v", ErrTransient, err)
		}
		return res, err
	}
}

func (s *Service) selectAndSeal(ctx context.Context, req PeekRequest) (*outgoing.Bundle, error) {
	sel := outgoing.Selector{Category: req.Category, Format: req.Format}
	if req.Format == outgoing.FormatEbix {
		sel.DocumentTypes = s.documents.SingleMessageTypes()
	}

	var selected *outgoing.Bundle
	err := s.withRetry(ctx, "seal bundle", func() error {
		selected = nil
		return s.inTx(ctx, func(tx outgoing.Tx) error {
			q, err := tx.LoadQueue(ctx, req.Receiver)
			if err != nil {
				return err
			}
			if q.IsNew() {
				return nil
			}
			b, err := tx.OldestBundle(ctx, q, sel)
			if err != nil || b == nil {
				return err
			}
			if _, err := s.documents.Writer(b.Key.DocumentType, req.Format); err != nil {
				return err
			}
			if !b.IsOpen() {
				selected = b
				return nil
			}

			sealed, err := q.Seal(b.ID, s.now())
			if err != nil {
				return err
			}
			if err := tx.SaveQueue(ctx, q); err != nil {
				return err
			}
			if err := s.addBundleEvent(ctx, tx, outbox.TopicBundleSealed, req.Receiver, sealed, *sealed.ClosedAt); err != nil {
				return err
			}
			selected = sealed
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return selected, nil
}

// generate returns the cached document of b or builds, stores and returns it.
func (s *Service) generate(ctx context.Context, req PeekRequest, b *outgoing.Bundle) (*PeekResult, error) {
	var res *PeekResult
	err := s.withRetry(ctx, "generate document", func() error {
		res = nil
		return s.inTx(ctx, func(tx outgoing.Tx) error {
			current, err := tx.Bundle(ctx, b.ID)
			if err != nil {
				return err
			}
			if current == nil {
				return errBundleGone
			}

			existing, err := tx.MarketDocument(ctx, b.ID)
			if err != nil {
				return err
			}
			if existing != nil && sameFamily(existing.Format, req.Format) {
				res, err = s.cached(ctx, req, current, existing)
				return err
			}

			doc, err := s.build(ctx, req, tx, current)
			if err != nil {
				return err
			}
			data := doc.Payload
			if existing != nil {
				// the cache holds the other document family; serve a transient copy
				s.logger.Debug("building uncached document for other format family",
					"bundle", b.ID, "cached_format", existing.Format, "requested_format", req.Format)
			} else {
				if err := s.offload(ctx, current, doc); err != nil {
					return err
				}
				if err := tx.SaveMarketDocument(ctx, doc); err != nil {
					return err
				}
			}
			res = &PeekResult{
				MessageID:    current.ID,
				DocumentType: current.Key.DocumentType,
				Category:     current.Key.Category,
				Format:       doc.Format,
				ContentType:  doc.ContentType,
				Payload:      data,
			}
			return nil
		})
	})
	if errors.Is(err, errBundleGone) && s.payloads != nil {
		// an upload made for a bundle dequeued meanwhile
		if derr := s.payloads.Delete(ctx, payload.Key(b.Key.Category, b.ID)); derr != nil {
			s.logger.Warn("removing orphaned document payload", "bundle", b.ID, "error", derr)
		}
	}
	if err != nil {
		return nil, err
	}
	s.logger.Debug("peeked bundle", "bundle", res.MessageID, "receiver", req.Receiver.String(), "format", res.Format, "size", len(res.Payload))
	return res, nil
}

// sameFamily reports whether two formats belong to the same document family:
// CIM (XML and JSON) or ebIX.
func sameFamily(a, b outgoing.DocumentFormat) bool {
	return (a == outgoing.FormatEbix) == (b == outgoing.FormatEbix)
}

func (s *Service) cached(ctx context.Context, req PeekRequest, b *outgoing.Bundle, doc *outgoing.MarketDocument) (*PeekResult, error) {
	if doc.Format != req.Format {
		s.logger.Warn("returning cached document in its original format",
			"bundle", b.ID, "cached_format", doc.Format, "requested_format", req.Format)
	}
	data := doc.Payload
	if doc.PayloadRef != "" {
		if s.payloads == nil {
			return nil, fmt.Errorf("document of bundle %s is in the object store but none is configured", b.ID)
		}
		var err error
		data, err = s.payloads.Get(ctx, doc.PayloadRef)
		if err != nil {
			return nil, fmt.Errorf("loading document of bundle %s: %w", b.ID, err)
		}
	}
	return &PeekResult{
		MessageID:    b.ID,
		DocumentType: b.Key.DocumentType,
		Category:     b.Key.Category,
		Format:       doc.Format,
		ContentType:  doc.ContentType,
		Payload:      data,
	}, nil
}

// build writes the document of b in the requested format. The payload is inline.
func (s *Service) build(ctx context.Context, req PeekRequest, tx outgoing.Tx, b *outgoing.Bundle) (*outgoing.MarketDocument, error) {
	w, err := s.documents.Writer(b.Key.DocumentType, req.Format)
	if err != nil {
		return nil, err
	}
	messages, err := tx.Messages(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("bundle %s has no messages", b.ID)
	}
	if b.ClosedAt == nil {
		return nil, fmt.Errorf("bundle %s is not sealed", b.ID)
	}

	header := document.Header{
		MessageID:          b.ID,
		DocumentType:       b.Key.DocumentType,
		BusinessReason:     b.Key.BusinessReason,
		SenderNumber:       s.sender.Number,
		SenderRole:         s.sender.Role,
		ReceiverNumber:     req.Receiver.Number,
		ReceiverRole:       req.Receiver.Role,
		RelatedToMessageID: messages[0].RelatedToMessageID,
		CreatedAt:          *b.ClosedAt,
	}
	fragments := make([]json.RawMessage, 0, len(messages))
	for _, m := range messages {
		fragments = append(fragments, m.Content)
	}
	data, err := w.Write(header, fragments)
	if err != nil {
		return nil, fmt.Errorf("writing document for bundle %s: %w", b.ID, err)
	}

	return &outgoing.MarketDocument{
		BundleID:    b.ID,
		Format:      req.Format,
		ContentType: w.ContentType(),
		Payload:     data,
		Size:        int64(len(data)),
		CreatedAt:   *b.ClosedAt,
	}, nil
}

// offload moves a payload above the inline limit to the object store.
func (s *Service) offload(ctx context.Context, b *outgoing.Bundle, doc *outgoing.MarketDocument) error {
	if len(doc.Payload) <= s.inlineLimit || s.payloads == nil {
		return nil
	}
	key := payload.Key(b.Key.Category, b.ID)
	if err := s.payloads.Put(ctx, key, doc.Payload); err != nil {
		return err
	}
	doc.PayloadRef = key
	doc.Payload = nil
	return nil
}
