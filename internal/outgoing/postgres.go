package outgoing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outbox"
	"github.com/lib/pq"
)

// Schema creates the queue tables. At most one open bundle may exist per queue
// and grouping key; a second concurrent opener fails on the partial index.
const Schema = `
CREATE TABLE IF NOT EXISTS actor_message_queues (
	id UUID PRIMARY KEY,
	actor_number VARCHAR(16) NOT NULL,
	actor_role VARCHAR(64) NOT NULL,
	version BIGINT NOT NULL,
	UNIQUE (actor_number, actor_role)
);

CREATE TABLE IF NOT EXISTS bundles (
	seq BIGSERIAL,
	id UUID PRIMARY KEY,
	queue_id UUID NOT NULL REFERENCES actor_message_queues (id),
	document_type VARCHAR(64) NOT NULL,
	business_reason VARCHAR(64) NOT NULL,
	category VARCHAR(32) NOT NULL,
	discriminator VARCHAR(255) NOT NULL DEFAULT '',
	calculation_id VARCHAR(64) NOT NULL DEFAULT '',
	max_messages INT NOT NULL,
	message_count INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	closed_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS bundles_one_open_per_key ON bundles
	(queue_id, document_type, business_reason, discriminator, calculation_id)
	WHERE closed_at IS NULL;
CREATE INDEX IF NOT EXISTS bundles_peek ON bundles (queue_id, created_at, seq);

CREATE TABLE IF NOT EXISTS outgoing_messages (
	id VARCHAR(64) PRIMARY KEY,
	bundle_id UUID NOT NULL REFERENCES bundles (id) ON DELETE CASCADE,
	position INT NOT NULL,
	receiver_number VARCHAR(16) NOT NULL,
	receiver_role VARCHAR(64) NOT NULL,
	document_type VARCHAR(64) NOT NULL,
	business_reason VARCHAR(64) NOT NULL,
	discriminator VARCHAR(255) NOT NULL DEFAULT '',
	calculation_id VARCHAR(64) NOT NULL DEFAULT '',
	related_to_message_id VARCHAR(64) NOT NULL DEFAULT '',
	content JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (bundle_id, position)
);

CREATE TABLE IF NOT EXISTS market_documents (
	bundle_id UUID PRIMARY KEY REFERENCES bundles (id) ON DELETE CASCADE,
	format VARCHAR(16) NOT NULL,
	content_type VARCHAR(64) NOT NULL,
	payload BYTEA,
	payload_ref VARCHAR(255) NOT NULL DEFAULT '',
	size BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// Migrate applies the outbox and queue schemas.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, schema := range []string{outbox.Schema, Schema} {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

type PostgresStore struct {
	db     *sql.DB
	outbox outbox.Store
}

func NewPostgresStore(db *sql.DB, events outbox.Store) *PostgresStore {
	return &PostgresStore{db: db, outbox: events}
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &pgTx{tx: tx, outbox: s.outbox}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type pgTx struct {
	tx     *sql.Tx
	outbox outbox.Store
}

const bundleColumns = `id, queue_id, document_type, business_reason, category, discriminator,
	calculation_id, max_messages, message_count, created_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBundle(row rowScanner) (*Bundle, error) {
	b := &Bundle{}
	var closedAt sql.NullTime
	err := row.Scan(
		&b.ID,
		&b.QueueID,
		&b.Key.DocumentType,
		&b.Key.BusinessReason,
		&b.Key.Category,
		&b.Key.Discriminator,
		&b.Key.CalculationID,
		&b.MaxMessages,
		&b.MessageCount,
		&b.CreatedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		b.ClosedAt = &t
	}
	return b, nil
}

// LoadQueue locks the queue row for the rest of the transaction. A queue that
// does not exist yet is returned unsaved.
func (t *pgTx) LoadQueue(ctx context.Context, receiver Receiver) (*ActorMessageQueue, error) {
	var id string
	var version int64
	err := t.tx.QueryRowContext(ctx, `
        SELECT id, version FROM actor_message_queues
        WHERE actor_number = $1 AND actor_role = $2
        FOR UPDATE`, receiver.Number, string(receiver.Role)).Scan(&id, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return NewActorMessageQueue(receiver), nil
	}
	if err != nil {
		return nil, classify("loading queue", err)
	}

	rows, err := t.tx.QueryContext(ctx, `SELECT `+bundleColumns+`
        FROM bundles
        WHERE queue_id = $1 AND closed_at IS NULL
        ORDER BY created_at, seq`, id)
	if err != nil {
		return nil, classify("loading open bundles", err)
	}
	defer rows.Close()

	var open []*Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		open = append(open, b)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("loading open bundles", err)
	}
	return RestoreActorMessageQueue(id, receiver, version, open), nil
}

func (t *pgTx) SaveQueue(ctx context.Context, q *ActorMessageQueue) error {
	if q.IsNew() {
		_, err := t.tx.ExecContext(ctx, `
            INSERT INTO actor_message_queues (id, actor_number, actor_role, version)
            VALUES ($1, $2, $3, 1)`, q.ID, q.Receiver.Number, string(q.Receiver.Role))
		if err != nil {
			return classify("inserting queue", err)
		}
	} else {
		result, err := t.tx.ExecContext(ctx, `
            UPDATE actor_message_queues SET version = version + 1
            WHERE id = $1 AND version = $2`, q.ID, q.Version)
		if err != nil {
			return classify("updating queue", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: queue %s changed since version %d", ErrConcurrencyConflict, q.ID, q.Version)
		}
	}

	changes := q.Changes()
	// closed bundles first so a replacement may take the open slot of its key
	for _, b := range changes.Updated {
		_, err := t.tx.ExecContext(ctx, `
            UPDATE bundles SET message_count = $2, closed_at = $3
            WHERE id = $1`, b.ID, b.MessageCount, nullTime(b.ClosedAt))
		if err != nil {
			return classify("updating bundle", err)
		}
	}
	for _, b := range changes.Created {
		_, err := t.tx.ExecContext(ctx, `
            INSERT INTO bundles (id, queue_id, document_type, business_reason, category,
                discriminator, calculation_id, max_messages, message_count, created_at, closed_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			b.ID, b.QueueID, string(b.Key.DocumentType), string(b.Key.BusinessReason),
			string(b.Key.Category), b.Key.Discriminator, b.Key.CalculationID,
			b.MaxMessages, b.MessageCount, b.CreatedAt, nullTime(b.ClosedAt))
		if err != nil {
			return classify("inserting bundle", err)
		}
	}
	for _, m := range changes.Messages {
		_, err := t.tx.ExecContext(ctx, `
            INSERT INTO outgoing_messages (id, bundle_id, position, receiver_number, receiver_role,
                document_type, business_reason, discriminator, calculation_id,
                related_to_message_id, content, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			m.ID, m.BundleID, m.Position, m.Receiver.Number, string(m.Receiver.Role),
			string(m.DocumentType), string(m.BusinessReason), m.Discriminator, m.CalculationID,
			m.RelatedToMessageID, []byte(m.Content), m.CreatedAt)
		if err != nil {
			return classify("inserting message", err)
		}
	}

	q.MarkSaved(q.Version + 1)
	return nil
}

func (t *pgTx) OldestBundle(ctx context.Context, q *ActorMessageQueue, sel Selector) (*Bundle, error) {
	if q.IsNew() {
		return nil, nil
	}
	var where []string
	args := []any{q.ID}
	where = append(where, "queue_id = $1")
	switch {
	case sel.Format == FormatEbix:
		where = append(where, "max_messages = 1")
	case sel.Category != "":
		args = append(args, string(sel.Category))
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if len(sel.DocumentTypes) > 0 {
		types := make([]string, 0, len(sel.DocumentTypes))
		for _, t := range sel.DocumentTypes {
			types = append(types, string(t))
		}
		args = append(args, pq.Array(types))
		where = append(where, fmt.Sprintf("document_type = ANY($%d)", len(args)))
	}

	row := t.tx.QueryRowContext(ctx, `SELECT `+bundleColumns+`
        FROM bundles
        WHERE `+strings.Join(where, " AND ")+`
        ORDER BY created_at, seq
        LIMIT 1`, args...)
	b, err := scanBundle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("selecting oldest bundle", err)
	}
	return b, nil
}

func (t *pgTx) Bundle(ctx context.Context, id string) (*Bundle, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+bundleColumns+` FROM bundles WHERE id = $1`, id)
	b, err := scanBundle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("loading bundle", err)
	}
	return b, nil
}

func (t *pgTx) Messages(ctx context.Context, bundleID string) ([]*OutgoingMessage, error) {
	rows, err := t.tx.QueryContext(ctx, `
        SELECT id, bundle_id, position, receiver_number, receiver_role, document_type,
            business_reason, discriminator, calculation_id, related_to_message_id,
            content, created_at
        FROM outgoing_messages
        WHERE bundle_id = $1
        ORDER BY position`, bundleID)
	if err != nil {
		return nil, classify("loading messages", err)
	}
	defer rows.Close()

	var messages []*OutgoingMessage
	for rows.Next() {
		m := &OutgoingMessage{}
		var content []byte
		err := rows.Scan(
			&m.ID,
			&m.BundleID,
			&m.Position,
			&m.Receiver.Number,
			&m.Receiver.Role,
			&m.DocumentType,
			&m.BusinessReason,
			&m.Discriminator,
			&m.CalculationID,
			&m.RelatedToMessageID,
			&content,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		m.Content = content
		m.CreatedAt = m.CreatedAt.UTC()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (t *pgTx) MarketDocument(ctx context.Context, bundleID string) (*MarketDocument, error) {
	doc := &MarketDocument{}
	err := t.tx.QueryRowContext(ctx, `
        SELECT bundle_id, format, content_type, payload, payload_ref, size, created_at
        FROM market_documents
        WHERE bundle_id = $1`, bundleID).Scan(
		&doc.BundleID,
		&doc.Format,
		&doc.ContentType,
		&doc.Payload,
		&doc.PayloadRef,
		&doc.Size,
		&doc.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("loading market document", err)
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	return doc, nil
}

func (t *pgTx) SaveMarketDocument(ctx context.Context, doc *MarketDocument) error {
	_, err := t.tx.ExecContext(ctx, `
        INSERT INTO market_documents (bundle_id, format, content_type, payload, payload_ref, size, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		doc.BundleID, string(doc.Format), doc.ContentType, doc.Payload, doc.PayloadRef, doc.Size, doc.CreatedAt)
	if err != nil {
		return classify("saving market document", err)
	}
	return nil
}

func (t *pgTx) DeleteBundle(ctx context.Context, bundleID string) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM bundles WHERE id = $1`, bundleID)
	if err != nil {
		return false, classify("deleting bundle", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *pgTx) AddIntegrationEvent(ctx context.Context, topic string, payload []byte) error {
	if _, err := t.outbox.CreateMessage(ctx, t.tx, topic, payload); err != nil {
		return classify("writing integration event", err)
	}
	return nil
}

func (t *pgTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return classify("committing", err)
	}
	return nil
}

func (t *pgTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// classify maps PostgreSQL errors caused by a competing transaction to
// ErrConcurrencyConflict.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "23505", "23503":
			return fmt.Errorf("%s: %w: %s", op, ErrConcurrencyConflict, pqErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
