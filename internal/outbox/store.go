package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

var ErrMessageNotFound = errors.New("message not found")

// Schema creates the outbox table. It is applied together with the queue schema.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox_messages (
	id BIGSERIAL PRIMARY KEY,
	topic VARCHAR(255) NOT NULL,
	payload BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ,
	status VARCHAR(50) NOT NULL,
	attempts INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS outbox_messages_pending ON outbox_messages (id) WHERE status = 'pending';
`

type Store interface {
	// CreateMessage writes a pending message inside the caller's transaction.
	CreateMessage(ctx context.Context, tx *sql.Tx, topic string, payload json.RawMessage) (*Message, error)
	GetPendingMessages(ctx context.Context, batchSize int) ([]*Message, error)
	MarkAsPublished(ctx context.Context, id int64) error
	// RecordFailure counts a failed publish and marks the message failed once
	// maxAttempts is reached.
	RecordFailure(ctx context.Context, id int64, maxAttempts int) error
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateMessage(ctx context.Context, tx *sql.Tx, topic string, payload json.RawMessage) (*Message, error) {
	query := `
        INSERT INTO outbox_messages (topic, payload, status)
        VALUES ($1, $2, $3)
        RETURNING id, created_at`

	msg := &Message{
		Topic:   topic,
		Payload: payload,
		Status:  StatusPending,
	}

	err := tx.QueryRowContext(ctx, query, msg.Topic, []byte(msg.Payload), msg.Status).
		Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}

	return msg, nil
}

func (s *PostgresStore) GetPendingMessages(ctx context.Context, batchSize int) ([]*Message, error) {
	query := `
        SELECT id, topic, payload, created_at, status, attempts
        FROM outbox_messages
        WHERE status = $1
        ORDER BY id ASC
        LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, StatusPending, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		var payload []byte
		err := rows.Scan(
			&msg.ID,
			&msg.Topic,
			&payload,
			&msg.CreatedAt,
			&msg.Status,
			&msg.Attempts,
		)
		if err != nil {
			return nil, err
		}
		msg.Payload = payload
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (s *PostgresStore) MarkAsPublished(ctx context.Context, id int64) error {
	query := `
        UPDATE outbox_messages
        SET status = $1, published_at = $2
        WHERE id = $3`

	result, err := s.db.ExecContext(ctx, query, StatusPublished, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrMessageNotFound
	}

	return nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, id int64, maxAttempts int) error {
	query := `
        UPDATE outbox_messages
        SET attempts = attempts + 1,
            status = CASE WHEN attempts + 1 >= $1 THEN $2 ELSE status END
        WHERE id = $3`

	result, err := s.db.ExecContext(ctx, query, maxAttempts, StatusFailed, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrMessageNotFound
	}

	return nil
}
