package provider

import (
	"context"
	"errors"
	"time"

	"mailpilot/mailparse"
)

// Transport-level error taxonomy. The orchestrator maps these onto
// account-level vs per-item handling.
var (
	// ErrAuthExpired means the provider rejected our credentials; fatal
	// for the account's sync run, requires re-authentication.
	ErrAuthExpired = errors.New("provider credentials expired or revoked")

	// ErrRateLimited is the provider's backoff signal (HTTP 429); the
	// batch is retried after a longer delay, not fatal.
	ErrRateLimited = errors.New("provider rate limited")
)

// MessageRef identifies one listable message: the stable external id used
// for dedup plus the provider-native fetch handle (IMAP needs the UID).
type MessageRef struct {
	ExternalID string
	UID        uint32
}

// Listing is the result of the listing phase of a sync run.
type Listing struct {
	Refs []MessageRef

	// IMAP watermark data. UIDValidity is the value the listing was
	// performed under; WatermarkReset reports that the stored watermark
	// was invalidated by the server and a full re-scan was done.
	UIDValidity    uint32
	WatermarkReset bool
}

// RawMessage is a fetched provider message normalized onto the decoder's
// part tree.
type RawMessage struct {
	ExternalID string
	ThreadID   string
	UID        uint32
	ReceivedAt time.Time
	Outgoing   bool
	Root       *mailparse.Part
}

// Client is the fetch surface of one connected mailbox for one sync run.
type Client interface {
	// List enumerates candidate messages in the incremental window.
	List(ctx context.Context) (*Listing, error)

	// Fetch retrieves and normalizes a single message. Failures are
	// per-item: the orchestrator records them and continues the batch.
	Fetch(ctx context.Context, ref MessageRef) (*RawMessage, error)

	// FetchAttachment retrieves raw attachment content on demand. Never
	// called during bulk sync.
	FetchAttachment(ctx context.Context, ref MessageRef, attachmentID string) ([]byte, error)

	Close() error
}
