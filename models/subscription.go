package models

import (
	"time"

	"gorm.io/gorm"
)

// Subscription status lifecycle
const (
	SubscriptionStatusSubscribed     = "subscribed"
	SubscriptionStatusPending        = "pending"
	SubscriptionStatusUnsubscribed   = "unsubscribed"
	SubscriptionStatusFailed         = "failed"
	SubscriptionStatusManualRequired = "manual_required"
)

// Subscription aggregates newsletter senders per (UserID, SenderEmail),
// derived from List-Unsubscribe headers during sync.
type Subscription struct {
	gorm.Model
	UserID      uint   `gorm:"not null;index:idx_subscription_user_sender,unique" json:"user_id"`
	SenderEmail string `gorm:"not null;index:idx_subscription_user_sender,unique" json:"sender_email"`

	SenderName   string    `json:"sender_name"`
	MessageCount int       `gorm:"default:0" json:"message_count"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`

	// Unsubscribe method observed on the most recent message.
	UnsubscribeURL    string `json:"unsubscribe_url,omitempty"`
	UnsubscribeMailto string `json:"unsubscribe_mailto,omitempty"`
	OneClick          bool   `gorm:"default:false" json:"one_click"` // List-Unsubscribe-Post present

	Status         string     `gorm:"default:'subscribed'" json:"status"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty"`
	LastAttemptErr *string    `json:"last_attempt_error,omitempty"`

	User User `json:"-"`
}
