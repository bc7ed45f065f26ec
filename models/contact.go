package models

import (
	"time"

	"gorm.io/gorm"
)

// Contact is a deduplicated sender/recipient keyed by (UserID, Email).
// EmailCount and LastEmailAt only move forward; Name is refreshed
// opportunistically from the most recent message's From header.
type Contact struct {
	gorm.Model
	UserID uint   `gorm:"not null;index:idx_contact_user_email,unique" json:"user_id"`
	Email  string `gorm:"not null;index:idx_contact_user_email,unique" json:"email"`

	Name        string     `json:"name"` // Encrypted in application layer
	EmailCount  int        `gorm:"default:0" json:"email_count"`
	LastEmailAt *time.Time `json:"last_email_at,omitempty"`

	User User `json:"-"`
}
