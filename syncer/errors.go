package syncer

import (
	"errors"
	"fmt"
)

// ErrWriteConflict marks a concurrent upsert collision on a shared row.
// The write path retries once before surfacing it.
var ErrWriteConflict = errors.New("write conflict on shared row")

// ErrAccountDisconnected means the account row exists but its credentials
// were cleared; there is nothing to sync.
var ErrAccountDisconnected = errors.New("account is disconnected")

// DecodeError is a per-message failure: malformed MIME or an unparseable
// sender. The message is skipped and recorded in the run's failed list,
// never crashing the batch.
type DecodeError struct {
	ExternalID string
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode message %s: %v", e.ExternalID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
