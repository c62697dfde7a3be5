package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest    = errors.New("invalid allocation request")
	ErrNoMatchingBatches = errors.New("no matching batches")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrAlreadyInFlight   = errors.New("token already in flight")
	ErrStaleBatchState   = errors.New("stale batch state")
	ErrCommitFailed      = errors.New("commit failed")
)

// CommitFailedError reports a commit that stopped before every line was persisted.
// When Partial is set some effects were applied, and the token must be
// superseded and retried as a whole. Superseded counts the token's previous
// records that were removed first: a failed replay with Superseded > 0 leaves
// the token with no live records even when Partial is false.
type CommitFailedError struct {
	Token      string
	BatchKey   string
	Partial    bool
	Superseded int
	Err        error
}

func (e *CommitFailedError) Error() string {
	return fmt.Sprintf("commit failed for token %s (batch %s, partial=%t): %v", e.Token, e.BatchKey, e.Partial, e.Err)
}

func (e *CommitFailedError) Unwrap() error {
	return e.Err
}

func (e *CommitFailedError) Is(target error) bool {
	return target == ErrCommitFailed
}
