package outgoing

import "errors"

var (
	// ErrConcurrencyConflict reports that another transaction changed the same
	// queue or bundle first. Callers reload and retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	ErrBundleClosed        = errors.New("bundle is closed")
	ErrBundleFull          = errors.New("bundle is full")
	ErrGroupingKeyMismatch = errors.New("message grouping key does not match bundle")
	ErrMessageAssigned     = errors.New("message is already assigned to a bundle")
	ErrReceiverMismatch    = errors.New("message receiver does not match queue")
	ErrBundleNotInQueue    = errors.New("bundle is not an open bundle of this queue")
)
