package models

import (
	"time"

	"gorm.io/gorm"
)

// Message direction
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Message is the canonical email record. (ExternalID, Provider) is
// globally unique; the upsert path short-circuits on conflict instead of
// inserting a duplicate. Subject and body are write-once after encryption,
// re-syncs only back-fill previously absent fields.
type Message struct {
	gorm.Model
	UserID    uint `gorm:"not null;index" json:"user_id"`
	AccountID uint `gorm:"not null;index" json:"account_id"`

	ExternalID string `gorm:"not null;index:idx_message_external_provider,unique" json:"external_id"`
	Provider   string `gorm:"not null;index:idx_message_external_provider,unique" json:"provider"`
	ThreadID   string `gorm:"index" json:"thread_id"`
	UID        uint32 `json:"-"` // IMAP fetch handle, zero for Gmail

	FromContactID uint   `gorm:"index" json:"from_contact_id"`
	ToEmails      string `gorm:"type:text" json:"to_emails"` // comma-joined
	CcEmails      string `gorm:"type:text" json:"cc_emails"`

	Subject    string     `json:"subject"` // Encrypted in application layer
	Preview    string     `json:"preview"` // Encrypted in application layer
	ReceivedAt time.Time  `gorm:"not null;index" json:"received_at"`
	IsRead     bool       `gorm:"default:false" json:"is_read"`
	TriagedAt  *time.Time `json:"triaged_at,omitempty"`
	Direction  string     `gorm:"default:'incoming'" json:"direction"`

	// Subscription classification
	IsSubscription      bool   `gorm:"default:false" json:"is_subscription"`
	ListUnsubscribe     string `json:"list_unsubscribe,omitempty"`
	ListUnsubscribePost bool   `gorm:"default:false" json:"list_unsubscribe_post"`

	// AI triage summary, cached after first read. Encrypted.
	Summary      string `gorm:"type:text" json:"-"`
	UrgencyScore *int   `json:"urgency_score,omitempty"`

	// Relations
	Account     Account      `json:"-"`
	FromContact Contact      `gorm:"foreignKey:FromContactID" json:"from_contact,omitempty"`
	Attachments []Attachment `gorm:"foreignKey:MessageID" json:"attachments,omitempty"`
}

// MessageBody holds the full decoded body, separate from the metadata row
// to bound row size on list queries. Both fields are encrypted.
type MessageBody struct {
	gorm.Model
	MessageID uint   `gorm:"not null;uniqueIndex" json:"message_id"`
	UserID    uint   `gorm:"not null;index" json:"user_id"`
	HTML      string `gorm:"type:text" json:"html"`
	Plain     string `gorm:"type:text" json:"plain"`

	Message Message `json:"-"`
}

// Attachment is metadata only; the blob is fetched lazily on first user
// request and stored by key in the blob store, never during bulk sync.
type Attachment struct {
	gorm.Model
	MessageID uint `gorm:"not null;index" json:"message_id"`
	UserID    uint `gorm:"not null;index" json:"user_id"`

	Filename   string `gorm:"not null" json:"filename"`
	MimeType   string `json:"mime_type"`
	Size       int64  `json:"size"`
	ExternalID string `gorm:"not null" json:"external_id"` // provider attachment id
	ContentID  string `json:"content_id,omitempty"`        // inline marker
	BlobKey    string `json:"blob_key,omitempty"`          // set once downloaded

	Message Message `json:"-"`
}
