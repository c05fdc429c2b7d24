package outgoing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outbox"
)

var errTxDone = errors.New("transaction already committed or rolled back")

type memQueue struct {
	id      string
	version int64
}

// MemoryStore keeps the queues in process. Transactions are optimistic: writes
// are buffered and validated against the queue versions at commit, so two
// scopes racing on one queue end with one ErrConcurrencyConflict.
type MemoryStore struct {
	mu        sync.Mutex
	queues    map[Receiver]*memQueue
	bundles   map[string]*Bundle
	order     map[string]int64
	messages  map[string][]*OutgoingMessage
	documents map[string]*MarketDocument
	seq       int64
	outbox    *outbox.MemoryStore
}

// NewMemoryStore returns an empty store. Integration events are appended to
// events on commit; events may be nil.
func NewMemoryStore(events *outbox.MemoryStore) *MemoryStore {
	return &MemoryStore{
		queues:    make(map[Receiver]*memQueue),
		bundles:   make(map[string]*Bundle),
		order:     make(map[string]int64),
		messages:  make(map[string][]*OutgoingMessage),
		documents: make(map[string]*MarketDocument),
		outbox:    events,
	}
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{
		store:     s,
		bundles:   make(map[string]*Bundle),
		documents: make(map[string]*MarketDocument),
		deleted:   make(map[string]bool),
	}, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// BundleCount returns the number of stored bundles.
func (s *MemoryStore) BundleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bundles)
}

// MessageCount returns the number of stored messages.
func (s *MemoryStore) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, msgs := range s.messages {
		n += len(msgs)
	}
	return n
}

// DocumentCount returns the number of cached market documents.
func (s *MemoryStore) DocumentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.documents)
}

type queueWrite struct {
	receiver Receiver
	id       string
	expected int64
	changes  Changes
}

type pendingEvent struct {
	topic   string
	payload []byte
}

type memTx struct {
	store *MemoryStore
	done  bool

	writes    []queueWrite
	bundles   map[string]*Bundle
	created   []string
	documents map[string]*MarketDocument
	deleted   map[string]bool
	events    []pendingEvent
}

func (t *memTx) LoadQueue(ctx context.Context, receiver Receiver) (*ActorMessageQueue, error) {
	if t.done {
		return nil, errTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	var version int64
	if rec, ok := s.queues[receiver]; ok {
		id, version = rec.id, rec.version
	}
	for _, w := range t.writes {
		if w.receiver == receiver {
			id, version = w.id, w.expected+1
		}
	}
	if id == "" {
		return NewActorMessageQueue(receiver), nil
	}

	var open []*Bundle
	for _, b := range t.visibleLocked() {
		if b.QueueID == id && b.IsOpen() {
			open = append(open, b.Clone())
		}
	}
	return RestoreActorMessageQueue(id, receiver, version, open), nil
}

func (t *memTx) SaveQueue(ctx context.Context, q *ActorMessageQueue) error {
	if t.done {
		return errTxDone
	}
	changes := q.Changes()
	w := queueWrite{receiver: q.Receiver, id: q.ID, expected: q.Version}
	for _, b := range changes.Created {
		c := b.Clone()
		w.changes.Created = append(w.changes.Created, c)
		t.bundles[c.ID] = c
		t.created = append(t.created, c.ID)
	}
	for _, b := range changes.Updated {
		c := b.Clone()
		w.changes.Updated = append(w.changes.Updated, c)
		t.bundles[c.ID] = c
	}
	for _, m := range changes.Messages {
		c := *m
		w.changes.Messages = append(w.changes.Messages, &c)
	}
	t.writes = append(t.writes, w)
	q.MarkSaved(q.Version + 1)
	return nil
}

// visibleLocked merges committed bundles with the writes of this transaction.
func (t *memTx) visibleLocked() map[string]*Bundle {
	out := make(map[string]*Bundle, len(t.store.bundles)+len(t.bundles))
	for id, b := range t.store.bundles {
		out[id] = b
	}
	for id, b := range t.bundles {
		out[id] = b
	}
	for id := range t.deleted {
		delete(out, id)
	}
	return out
}

func (t *memTx) orderLocked(id string) int64 {
	if n, ok := t.store.order[id]; ok {
		return n
	}
	for i, c := range t.created {
		if c == id {
			return t.store.seq + int64(i) + 1
		}
	}
	return t.store.seq + int64(len(t.created)) + 1
}

func (t *memTx) OldestBundle(ctx context.Context, q *ActorMessageQueue, sel Selector) (*Bundle, error) {
	if t.done {
		return nil, errTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Bundle
	for _, b := range t.visibleLocked() {
		if b.QueueID == q.ID && sel.Matches(b) {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return t.orderLocked(a.ID) < t.orderLocked(b.ID)
	})
	return candidates[0].Clone(), nil
}

func (t *memTx) Bundle(ctx context.Context, id string) (*Bundle, error) {
	if t.done {
		return nil, errTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := t.visibleLocked()[id]
	if !ok {
		return nil, nil
	}
	return b.Clone(), nil
}

func (t *memTx) Messages(ctx context.Context, bundleID string) ([]*OutgoingMessage, error) {
	if t.done {
		return nil, errTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.deleted[bundleID] {
		return nil, nil
	}
	var out []*OutgoingMessage
	for _, m := range s.messages[bundleID] {
		c := *m
		out = append(out, &c)
	}
	for _, w := range t.writes {
		for _, m := range w.changes.Messages {
			if m.BundleID == bundleID {
				c := *m
				out = append(out, &c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (t *memTx) MarketDocument(ctx context.Context, bundleID string) (*MarketDocument, error) {
	if t.done {
		return nil, errTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.deleted[bundleID] {
		return nil, nil
	}
	doc, ok := t.documents[bundleID]
	if !ok {
		doc, ok = s.documents[bundleID]
	}
	if !ok {
		return nil, nil
	}
	c := *doc
	return &c, nil
}

func (t *memTx) SaveMarketDocument(ctx context.Context, doc *MarketDocument) error {
	if t.done {
		return errTxDone
	}
	if _, ok := t.documents[doc.BundleID]; ok {
		return fmt.Errorf("%w: bundle %s already has a document", ErrConcurrencyConflict, doc.BundleID)
	}
	c := *doc
	t.documents[doc.BundleID] = &c
	return nil
}

func (t *memTx) DeleteBundle(ctx context.Context, bundleID string) (bool, error) {
	if t.done {
		return false, errTxDone
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := t.visibleLocked()[bundleID]; !ok {
		return false, nil
	}
	t.deleted[bundleID] = true
	return true, nil
}

func (t *memTx) AddIntegrationEvent(ctx context.Context, topic string, payload []byte) error {
	if t.done {
		return errTxDone
	}
	t.events = append(t.events, pendingEvent{topic: topic, payload: append([]byte(nil), payload...)})
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := t.validateLocked(); err != nil {
		return err
	}

	for _, w := range t.writes {
		rec, ok := s.queues[w.receiver]
		if !ok {
			rec = &memQueue{id: w.id}
			s.queues[w.receiver] = rec
		}
		rec.version = w.expected + 1
		for _, b := range w.changes.Updated {
			s.bundles[b.ID] = b.Clone()
		}
		for _, b := range w.changes.Created {
			s.seq++
			s.order[b.ID] = s.seq
			s.bundles[b.ID] = b.Clone()
		}
		for _, m := range w.changes.Messages {
			c := *m
			s.messages[m.BundleID] = append(s.messages[m.BundleID], &c)
		}
	}
	for id, doc := range t.documents {
		s.documents[id] = doc
	}
	for id := range t.deleted {
		delete(s.bundles, id)
		delete(s.order, id)
		delete(s.messages, id)
		delete(s.documents, id)
	}
	if s.outbox != nil {
		for _, e := range t.events {
			if _, err := s.outbox.CreateMessage(context.Background(), nil, e.topic, e.payload); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *memTx) validateLocked() error {
	s := t.store
	seen := make(map[Receiver]bool)
	for _, w := range t.writes {
		if seen[w.receiver] {
			continue
		}
		seen[w.receiver] = true
		rec, ok := s.queues[w.receiver]
		switch {
		case !ok && w.expected != 0:
			return fmt.Errorf("%w: queue %s no longer exists", ErrConcurrencyConflict, w.receiver)
		case ok && (rec.id != w.id || rec.version != w.expected):
			return fmt.Errorf("%w: queue %s changed since version %d", ErrConcurrencyConflict, w.receiver, w.expected)
		}
	}
	for id := range t.documents {
		if _, ok := s.documents[id]; ok {
			return fmt.Errorf("%w: bundle %s already has a document", ErrConcurrencyConflict, id)
		}
		if _, ok := s.bundles[id]; !ok && !t.createdHere(id) {
			return fmt.Errorf("%w: bundle %s no longer exists", ErrConcurrencyConflict, id)
		}
	}
	for id := range t.deleted {
		if _, ok := s.bundles[id]; !ok && !t.createdHere(id) {
			return fmt.Errorf("%w: bundle %s already deleted", ErrConcurrencyConflict, id)
		}
	}
	return nil
}

func (t *memTx) createdHere(id string) bool {
	for _, c := range t.created {
		if c == id {
			return true
		}
	}
	return false
}

func (t *memTx) Rollback() error {
	t.done = true
	return nil
}
