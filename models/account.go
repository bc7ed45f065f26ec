package models

import (
	"time"

	"gorm.io/gorm"
)

// Provider identifiers for connected mailboxes
const (
	ProviderGmail   = "gmail"
	ProviderIMAP    = "imap"
	ProviderOutlook = "outlook"
)

// Auth sources for an account's credentials
const (
	AuthSourceDirectOAuth   = "direct_oauth"   // refresh straight against the provider token endpoint
	AuthSourceBrokerRefresh = "broker_refresh" // refresh mediated by the identity broker
	AuthSourcePassword      = "password"       // IMAP login, no token lifecycle
)

// Account represents one connected mailbox
type Account struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Provider   string `gorm:"not null;index:idx_account_provider_address,unique" json:"provider"`
	Address    string `gorm:"not null;index:idx_account_provider_address,unique" json:"address"`
	AuthSource string `gorm:"not null" json:"auth_source"`
	IsPrimary  bool   `gorm:"default:false" json:"is_primary"`

	// ========= OAuth credentials (encrypted at rest) =========
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`

	// ========= IMAP configuration =========
	IMAPHost     string `json:"imap_host,omitempty"`
	IMAPPort     int    `json:"imap_port,omitempty" gorm:"default:993"`
	IMAPUsername string `json:"imap_username,omitempty"`
	IMAPPassword string `json:"-"` // Encrypted in application layer
	IMAPUseTLS   bool   `json:"imap_use_tls" gorm:"default:true"`

	// ========= Sync watermark =========
	// Gmail needs none (the cache check is the watermark); IMAP tracks
	// the highest UID seen plus the UIDVALIDITY it was observed under.
	LastSyncedUID uint32     `json:"last_synced_uid"`
	UIDValidity   uint32     `json:"uid_validity"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	LastSyncError *string    `json:"last_sync_error,omitempty"`

	// Disconnected accounts keep their row but lose credentials.
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`

	// Relations
	User User `json:"-"`
}

// Sanitize clears credential fields before returning an account to a client
func (a *Account) Sanitize() {
	a.AccessToken = ""
	a.RefreshToken = ""
	a.IMAPPassword = ""
}

// Connected reports whether the account still holds usable credentials
func (a *Account) Connected() bool {
	return a.DisconnectedAt == nil
}
