package actorqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outgoing"
)

// ErrTransient reports that a request kept losing to concurrent writers. The
// caller may repeat the request.
var ErrTransient = errors.New("transient conflict, retry the request")

// withRetry runs fn until it succeeds, fails with something other than a
// concurrency conflict, or the attempts run out.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, outgoing.ErrConcurrencyConflict) {
			return err
		}
		s.logger.Debug("concurrency conflict, retrying", "op", op, "attempt", attempt, "error", err)
		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
}

// inTx runs fn in a new transaction and commits it.
func (s *Service) inTx(ctx context.Context, fn func(tx outgoing.Tx) error) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
