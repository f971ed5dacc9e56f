// Package ledger records finalized suggestions in a tamper-evident log.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultDescription labels suggestions committed by a session.
const DefaultDescription = "Final Suggestion"

// Receipt identifies one committed entry.
type Receipt struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Digest    string    `json:"digest"`
}

// Client commits content to a ledger and reads it back.
type Client interface {
	// Commit records content under description. Committing the same content
	// and description again returns the original receipt.
	Commit(ctx context.Context, content, description string) (Receipt, error)

	// Verify returns the content recorded for receipt after checking that the
	// log has not been altered.
	Verify(ctx context.Context, receipt Receipt) (string, error)
}

var (
	// ErrNotFound is returned by Verify for an unknown receipt.
	ErrNotFound = errors.New("receipt not found")

	// ErrTampered is returned when stored data no longer matches its hashes.
	ErrTampered = errors.New("ledger entry has been tampered with")

	// ErrRetryable marks failures that may succeed if the commit is repeated.
	ErrRetryable = errors.New("retryable ledger failure")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger is closed")
)

// Retryable wraps err so that IsRetryable reports true for it.
func Retryable(err error) error {
	if err == nil || errors.Is(err, ErrRetryable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}
