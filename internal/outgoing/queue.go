package outgoing

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
)

// BundlingPolicy decides the capacity of new bundles. Document types that can be
// delivered as ebIX are bundled one message at a time, since an ebIX document
// carries exactly one message and the format is only chosen at peek. CIM actors
// therefore receive those types one message per document as well; only the
// remaining types are bundled up to MaxMessages.
type BundlingPolicy struct {
	MaxMessages   int
	singleMessage map[DocumentType]bool
}

func NewBundlingPolicy(maxMessages int, singleMessageTypes ...DocumentType) BundlingPolicy {
	p := BundlingPolicy{MaxMessages: maxMessages, singleMessage: make(map[DocumentType]bool)}
	for _, t := range singleMessageTypes {
		p.singleMessage[t] = true
	}
	return p
}

func (p BundlingPolicy) Capacity(t DocumentType) int {
	if p.singleMessage[t] || p.MaxMessages < 1 {
		return 1
	}
	return p.MaxMessages
}

// Selector describes which bundles a peek may return.
type Selector struct {
	Category Category
	Format   DocumentFormat
	// DocumentTypes restricts the selection when not empty.
	DocumentTypes []DocumentType
}

// Matches applies the peek eligibility rule. ebIX peeks ignore the category and
// only see single-message bundles.
func (s Selector) Matches(b *Bundle) bool {
	if len(s.DocumentTypes) > 0 && !slices.Contains(s.DocumentTypes, b.Key.DocumentType) {
		return false
	}
	if s.Format == FormatEbix {
		return b.EbixCompatible()
	}
	return s.Category == "" || b.Key.Category == s.Category
}

// ActorMessageQueue is the aggregate owning the bundles of one actor and role.
// Only open bundles are held in memory; stores persist the pending changes
// recorded by Enqueue and Seal.
type ActorMessageQueue struct {
	ID       string
	Receiver Receiver
	Version  int64

	open     map[GroupingKey]*Bundle
	created  []*Bundle
	updated  map[string]*Bundle
	messages []*OutgoingMessage
}

func NewActorMessageQueue(receiver Receiver) *ActorMessageQueue {
	return RestoreActorMessageQueue(uuid.NewString(), receiver, 0, nil)
}

// RestoreActorMessageQueue rebuilds a persisted queue from its open bundles.
func RestoreActorMessageQueue(id string, receiver Receiver, version int64, open []*Bundle) *ActorMessageQueue {
	q := &ActorMessageQueue{
		ID:       id,
		Receiver: receiver,
		Version:  version,
		open:     make(map[GroupingKey]*Bundle, len(open)),
		updated:  make(map[string]*Bundle),
	}
	for _, b := range open {
		if b.IsOpen() {
			q.open[b.Key] = b
		}
	}
	return q
}

// IsNew reports whether the queue has never been saved.
func (q *ActorMessageQueue) IsNew() bool {
	return q.Version == 0
}

// OpenBundles returns the open bundles ordered by creation.
func (q *ActorMessageQueue) OpenBundles() []*Bundle {
	out := make([]*Bundle, 0, len(q.open))
	for _, b := range q.open {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Enqueue appends m to the open bundle for its grouping key, creating the bundle
// when none is open. A bundle that becomes full is closed immediately so the next
// message for the same key starts a new one.
func (q *ActorMessageQueue) Enqueue(m *OutgoingMessage, policy BundlingPolicy, now time.Time) (*Bundle, error) {
	if m.Receiver != q.Receiver {
		return nil, fmt.Errorf("%w: %s into %s", ErrReceiverMismatch, m.Receiver, q.Receiver)
	}

	key := m.GroupingKey()
	b, ok := q.open[key]
	if ok && b.IsFull() {
		// capacity was lowered after the bundle was created
		if err := b.close(now); err != nil {
			return nil, err
		}
		delete(q.open, key)
		q.touch(b)
		ok = false
	}
	if !ok {
		b = newBundle(q.ID, key, policy.Capacity(m.DocumentType), now)
		q.open[key] = b
		q.created = append(q.created, b)
	}
	if err := b.add(m); err != nil {
		return nil, fmt.Errorf("adding message %s to bundle %s: %w", m.ID, b.ID, err)
	}
	q.messages = append(q.messages, m)
	q.touch(b)

	if b.IsFull() {
		if err := b.close(now); err != nil {
			return nil, err
		}
		delete(q.open, key)
	}
	return b, nil
}

// Seal closes the open bundle with the given id.
func (q *ActorMessageQueue) Seal(bundleID string, now time.Time) (*Bundle, error) {
	for key, b := range q.open {
		if b.ID != bundleID {
			continue
		}
		if err := b.close(now); err != nil {
			return nil, err
		}
		delete(q.open, key)
		q.touch(b)
		return b, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrBundleNotInQueue, bundleID)
}

func (q *ActorMessageQueue) touch(b *Bundle) {
	for _, c := range q.created {
		if c == b {
			return
		}
	}
	q.updated[b.ID] = b
}

// Changes is the unit of work a store writes when saving the queue.
type Changes struct {
	Created  []*Bundle
	Updated  []*Bundle
	Messages []*OutgoingMessage
}

func (q *ActorMessageQueue) Changes() Changes {
	updated := make([]*Bundle, 0, len(q.updated))
	for _, b := range q.updated {
		updated = append(updated, b)
	}
	sort.Slice(updated, func(i, j int) bool { return updated[i].CreatedAt.Before(updated[j].CreatedAt) })
	return Changes{Created: q.created, Updated: updated, Messages: q.messages}
}

// MarkSaved records a successful save at the given version.
func (q *ActorMessageQueue) MarkSaved(version int64) {
	q.Version = version
	q.created = nil
	q.messages = nil
	q.updated = make(map[string]*Bundle)
}
