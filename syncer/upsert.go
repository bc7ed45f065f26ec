package syncer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpilot/mailparse"
	"mailpilot/models"
	"mailpilot/utils"
)

// Store is the idempotent write path. Messages key on (ExternalID,
// Provider), contacts on (UserID, Email); both short-circuit on conflict
// instead of duplicating.
type Store struct {
	db     *gorm.DB
	cipher *utils.UserCipher
	logger *logrus.Entry
}

func NewStore(db *gorm.DB, cipher *utils.UserCipher, logger *logrus.Entry) *Store {
	return &Store{db: db, cipher: cipher, logger: logger}
}

// MessageRecord is a decoded message ready for persistence. Fields are
// plaintext here; the store encrypts on the way in.
type MessageRecord struct {
	UserID    uint
	AccountID uint

	ExternalID string
	Provider   string
	ThreadID   string
	UID        uint32

	FromContactID uint
	ToEmails      string
	CcEmails      string

	Subject    string
	Preview    string
	HTML       string
	Plain      string
	ReceivedAt time.Time
	Outgoing   bool

	Subscription mailparse.SubscriptionInfo
	Attachments  []mailparse.AttachmentMeta
}

// ExistingExternalIDs returns which of the given external ids are already
// stored for this provider. The orchestrator uses it to skip fetches on
// re-sync.
func (s *Store) ExistingExternalIDs(provider string, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}

	var found []string
	if err := s.db.Model(&models.Message{}).
		Where("provider = ? AND external_id IN ?", provider, ids).
		Pluck("external_id", &found).Error; err != nil {
		return nil, fmt.Errorf("cache check failed: %w", err)
	}
	for _, id := range found {
		existing[id] = true
	}
	return existing, nil
}

// UpsertContact resolves (userID, email) to a contact id, creating the row
// on first sight. On a hit the email counter is incremented, LastEmailAt
// advanced (never rewound), and the name refreshed when a non-empty one
// was supplied. Must be called sequentially within a sync batch; a lost
// race against another writer retries once, then surfaces ErrWriteConflict.
func (s *Store) UpsertContact(userID uint, email, name string, lastAt time.Time) (uint, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := checkmail.ValidateFormat(email); err != nil {
		return 0, &DecodeError{ExternalID: email, Err: fmt.Errorf("invalid contact address: %w", err)}
	}

	id, err := s.upsertContactOnce(userID, email, name, lastAt)
	if err != nil && errors.Is(err, ErrWriteConflict) {
		id, err = s.upsertContactOnce(userID, email, name, lastAt)
	}
	return id, err
}

func (s *Store) upsertContactOnce(userID uint, email, name string, lastAt time.Time) (uint, error) {
	var contact models.Contact
	err := s.db.Where("user_id = ? AND email = ?", userID, email).First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		encName, encErr := s.cipher.Encrypt(userID, name)
		if encErr != nil {
			return 0, encErr
		}
		contact = models.Contact{
			UserID:      userID,
			Email:       email,
			Name:        encName,
			EmailCount:  1,
			LastEmailAt: &lastAt,
		}
		if err := s.db.Create(&contact).Error; err != nil {
			// Unique index hit: someone else inserted between our read
			// and write.
			return 0, fmt.Errorf("contact insert for %s: %w", email, ErrWriteConflict)
		}
		return contact.ID, nil
	}
	if err != nil {
		return 0, fmt.Errorf("contact lookup failed: %w", err)
	}

	updates := map[string]interface{}{
		"email_count": gorm.Expr("email_count + 1"),
	}
	if contact.LastEmailAt == nil || lastAt.After(*contact.LastEmailAt) {
		updates["last_email_at"] = lastAt
	}
	if name != "" && name != email {
		encName, encErr := s.cipher.Encrypt(userID, name)
		if encErr != nil {
			return 0, encErr
		}
		updates["name"] = encName
	}
	if err := s.db.Model(&models.Contact{}).Where("id = ?", contact.ID).
		Updates(updates).Error; err != nil {
		return 0, fmt.Errorf("contact update for %s: %w", email, ErrWriteConflict)
	}
	return contact.ID, nil
}

// UpsertMessage persists a decoded message idempotently. An existing
// (ExternalID, Provider) row only gets previously-absent fields
// back-filled: direction and subscription flags. Subject and body are
// write-once so a re-sync can never clobber encrypted content with stale
// data.
func (s *Store) UpsertMessage(rec *MessageRecord) (uint, bool, error) {
	var existing models.Message
	err := s.db.Where("external_id = ? AND provider = ?", rec.ExternalID, rec.Provider).
		First(&existing).Error
	if err == nil {
		return existing.ID, false, s.backfill(&existing, rec)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, fmt.Errorf("message lookup failed: %w", err)
	}

	encSubject, err := s.cipher.Encrypt(rec.UserID, rec.Subject)
	if err != nil {
		return 0, false, err
	}
	encPreview, err := s.cipher.Encrypt(rec.UserID, rec.Preview)
	if err != nil {
		return 0, false, err
	}
	encHTML, err := s.cipher.Encrypt(rec.UserID, rec.HTML)
	if err != nil {
		return 0, false, err
	}
	encPlain, err := s.cipher.Encrypt(rec.UserID, rec.Plain)
	if err != nil {
		return 0, false, err
	}

	direction := models.DirectionIncoming
	if rec.Outgoing {
		direction = models.DirectionOutgoing
	}

	msg := models.Message{
		UserID:              rec.UserID,
		AccountID:           rec.AccountID,
		ExternalID:          rec.ExternalID,
		Provider:            rec.Provider,
		ThreadID:            rec.ThreadID,
		UID:                 rec.UID,
		FromContactID:       rec.FromContactID,
		ToEmails:            rec.ToEmails,
		CcEmails:            rec.CcEmails,
		Subject:             encSubject,
		Preview:             encPreview,
		ReceivedAt:          rec.ReceivedAt,
		Direction:           direction,
		IsSubscription:      rec.Subscription.IsSubscription,
		ListUnsubscribe:     listUnsubscribeValue(rec.Subscription),
		ListUnsubscribePost: rec.Subscription.OneClick,
	}

	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.MessageBody{
			MessageID: msg.ID,
			UserID:    rec.UserID,
			HTML:      encHTML,
			Plain:     encPlain,
		}).Error; err != nil {
			return err
		}
		for _, att := range rec.Attachments {
			if err := tx.Create(&models.Attachment{
				MessageID:  msg.ID,
				UserID:     rec.UserID,
				Filename:   att.Filename,
				MimeType:   att.MimeType,
				Size:       att.Size,
				ExternalID: att.AttachmentID,
				ContentID:  att.ContentID,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		// A concurrent writer may have won the unique index; treat a
		// now-present row as the idempotent outcome.
		var winner models.Message
		if err := s.db.Where("external_id = ? AND provider = ?", rec.ExternalID, rec.Provider).
			First(&winner).Error; err == nil {
			return winner.ID, false, nil
		}
		return 0, false, fmt.Errorf("message insert failed: %w", txErr)
	}
	return msg.ID, true, nil
}

// backfill fills only fields that were absent when the row was first
// written; everything already set is left untouched.
func (s *Store) backfill(existing *models.Message, rec *MessageRecord) error {
	updates := map[string]interface{}{}
	if existing.Direction == "" ||
		(existing.Direction == models.DirectionIncoming && rec.Outgoing) {
		updates["direction"] = models.DirectionOutgoing
	}
	if !existing.IsSubscription && rec.Subscription.IsSubscription {
		updates["is_subscription"] = true
		updates["list_unsubscribe"] = listUnsubscribeValue(rec.Subscription)
		updates["list_unsubscribe_post"] = rec.Subscription.OneClick
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.Model(existing).Updates(updates).Error
}

func listUnsubscribeValue(info mailparse.SubscriptionInfo) string {
	if info.URL != "" {
		return info.URL
	}
	return info.Mailto
}

// UpsertSubscription advances the per-sender newsletter aggregate. Called
// sequentially per unique sender within a batch, like contacts.
func (s *Store) UpsertSubscription(userID uint, senderEmail, senderName string, info mailparse.SubscriptionInfo, seenAt time.Time, count int) error {
	if !info.IsSubscription || count <= 0 {
		return nil
	}

	var sub models.Subscription
	err := s.db.Where("user_id = ? AND sender_email = ?", userID, senderEmail).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		sub = models.Subscription{
			UserID:            userID,
			SenderEmail:       senderEmail,
			SenderName:        senderName,
			MessageCount:      count,
			FirstSeenAt:       seenAt,
			LastSeenAt:        seenAt,
			UnsubscribeURL:    info.URL,
			UnsubscribeMailto: info.Mailto,
			OneClick:          info.OneClick,
			Status:            models.SubscriptionStatusSubscribed,
		}
		if err := s.db.Create(&sub).Error; err != nil {
			return fmt.Errorf("subscription insert for %s: %w", senderEmail, ErrWriteConflict)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("subscription lookup failed: %w", err)
	}

	updates := map[string]interface{}{
		"message_count":      gorm.Expr("message_count + ?", count),
		"unsubscribe_url":    info.URL,
		"unsubscribe_mailto": info.Mailto,
		"one_click":          info.OneClick,
	}
	if seenAt.After(sub.LastSeenAt) {
		updates["last_seen_at"] = seenAt
	}
	if senderName != "" {
		updates["sender_name"] = senderName
	}
	return s.db.Model(&sub).Updates(updates).Error
}
