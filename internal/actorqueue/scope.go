package actorqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/document"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outbox"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outgoing"
)

var ErrScopeDone = errors.New("enqueue scope already committed or rolled back")

// Scope is the transactional boundary of one business event. Messages enqueued
// through it become visible together on Commit. A scope that loses a race to
// another writer replays its messages into a fresh transaction.
type Scope struct {
	svc      *Service
	tx       outgoing.Tx
	queues   map[outgoing.Receiver]*outgoing.ActorMessageQueue
	order    []outgoing.Receiver
	messages []*outgoing.OutgoingMessage
	done     bool
}

// Begin opens an enqueue scope.
func (s *Service) Begin(ctx context.Context) (*Scope, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Scope{
		svc:    s,
		tx:     tx,
		queues: make(map[outgoing.Receiver]*outgoing.ActorMessageQueue),
	}, nil
}

// Enqueue adds m to its receiver's queue. It never commits.
func (sc *Scope) Enqueue(ctx context.Context, m *outgoing.OutgoingMessage) error {
	if sc.done {
		return ErrScopeDone
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid outgoing message %s: %w", m.ID, err)
	}
	// every writer needs the activity record; a bad one would block the queue at peek
	if _, err := document.ParseSeries(m.Content); err != nil {
		return fmt.Errorf("invalid activity record in outgoing message %s: %w", m.ID, err)
	}
	if m.BundleID != "" {
		return fmt.Errorf("message %s: %w", m.ID, outgoing.ErrMessageAssigned)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = sc.svc.now()
	}

	err := sc.apply(ctx, m)
	if errors.Is(err, outgoing.ErrConcurrencyConflict) {
		err = sc.svc.withRetry(ctx, "enqueue", func() error {
			return sc.replay(ctx, m)
		})
	}
	if err != nil {
		return err
	}
	sc.messages = append(sc.messages, m)
	return nil
}

func (sc *Scope) apply(ctx context.Context, m *outgoing.OutgoingMessage) error {
	q, ok := sc.queues[m.Receiver]
	if !ok {
		var err error
		q, err = sc.tx.LoadQueue(ctx, m.Receiver)
		if err != nil {
			return err
		}
		sc.queues[m.Receiver] = q
		sc.order = append(sc.order, m.Receiver)
	}
	_, err := q.Enqueue(m, sc.svc.policy, sc.svc.now())
	return err
}

// replay starts over in a new transaction, re-applying every message recorded
// so far followed by the extra ones.
func (sc *Scope) replay(ctx context.Context, extra ...*outgoing.OutgoingMessage) error {
	_ = sc.tx.Rollback()
	tx, err := sc.svc.store.Begin(ctx)
	if err != nil {
		return err
	}
	sc.tx = tx
	sc.queues = make(map[outgoing.Receiver]*outgoing.ActorMessageQueue)
	sc.order = nil

	for _, m := range append(append([]*outgoing.OutgoingMessage(nil), sc.messages...), extra...) {
		m.BundleID = ""
		m.Position = 0
		if err := sc.apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Commit saves the touched queues and commits. Conflicts are retried by
// replaying the scope; exhaustion returns ErrTransient.
func (sc *Scope) Commit(ctx context.Context) error {
	if sc.done {
		return ErrScopeDone
	}
	first := true
	err := sc.svc.withRetry(ctx, "commit enqueue scope", func() error {
		if !first {
			if err := sc.replay(ctx); err != nil {
				return err
			}
		}
		first = false
		return sc.save(ctx)
	})
	sc.done = true
	if err != nil {
		_ = sc.tx.Rollback()
		return err
	}
	sc.svc.logger.Debug("enqueue scope committed", "messages", len(sc.messages), "queues", len(sc.order))
	return nil
}

func (sc *Scope) save(ctx context.Context) error {
	receivers := append([]outgoing.Receiver(nil), sc.order...)
	sort.Slice(receivers, func(i, j int) bool { return receivers[i].String() < receivers[j].String() })

	now := sc.svc.now()
	for _, r := range receivers {
		q := sc.queues[r]
		changes := q.Changes()
		if err := sc.tx.SaveQueue(ctx, q); err != nil {
			return err
		}
		sealed := append(append([]*outgoing.Bundle(nil), changes.Created...), changes.Updated...)
		for _, b := range sealed {
			if b.IsOpen() {
				continue
			}
			if err := sc.svc.addBundleEvent(ctx, sc.tx, outbox.TopicBundleSealed, r, b, now); err != nil {
				return err
			}
		}
	}
	return sc.tx.Commit()
}

// Rollback discards the scope. It is safe to call after Commit.
func (sc *Scope) Rollback() error {
	if sc.done {
		return nil
	}
	sc.done = true
	return sc.tx.Rollback()
}
