package syncer

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mailpilot/config"
	"mailpilot/mailparse"
	"mailpilot/models"
	"mailpilot/utils"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := config.MigrateDB(db); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) (*Store, *gorm.DB, uint) {
	t.Helper()
	db := openTestDB(t)
	user := models.User{Email: t.Name() + "@example.com", PasswordHash: "x", IsActive: true}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	cipher := utils.NewUserCipher(db, testMasterKey)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewStore(db, cipher, logrus.NewEntry(logger)), db, user.ID
}

func testRecord(userID uint, externalID string) *MessageRecord {
	return &MessageRecord{
		UserID:     userID,
		AccountID:  1,
		ExternalID: externalID,
		Provider:   models.ProviderGmail,
		Subject:    "quarterly numbers",
		Preview:    "the numbers are in",
		HTML:       "<p>the numbers are in</p>",
		Plain:      "the numbers are in",
		ReceivedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Attachments: []mailparse.AttachmentMeta{
			{Filename: "q2.pdf", MimeType: "application/pdf", Size: 1024, AttachmentID: "att-1"},
		},
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	store, db, userID := newTestStore(t)

	rec := testRecord(userID, "msg-1")
	id1, isNew, err := store.UpsertMessage(rec)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !isNew {
		t.Error("first upsert: isNew = false; want true")
	}

	id2, isNew, err := store.UpsertMessage(rec)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if isNew {
		t.Error("second upsert: isNew = true; want false")
	}
	if id1 != id2 {
		t.Errorf("ids differ: %d vs %d", id1, id2)
	}

	var count int64
	db.Model(&models.Message{}).Where("external_id = ?", "msg-1").Count(&count)
	if count != 1 {
		t.Errorf("message rows = %d; want 1", count)
	}
	db.Model(&models.MessageBody{}).Where("message_id = ?", id1).Count(&count)
	if count != 1 {
		t.Errorf("body rows = %d; want 1", count)
	}
	db.Model(&models.Attachment{}).Where("message_id = ?", id1).Count(&count)
	if count != 1 {
		t.Errorf("attachment rows = %d; want 1", count)
	}
}

func TestUpsertMessageEncryptsAtRest(t *testing.T) {
	store, db, userID := newTestStore(t)

	rec := testRecord(userID, "msg-enc")
	id, _, err := store.UpsertMessage(rec)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var stored models.Message
	if err := db.First(&stored, id).Error; err != nil {
		t.Fatalf("read back: %v", err)
	}
	if stored.Subject == rec.Subject {
		t.Error("subject stored in plaintext")
	}

	decrypted, err := store.cipher.Decrypt(userID, stored.Subject)
	if err != nil || decrypted != rec.Subject {
		t.Errorf("Decrypt = %q, %v; want %q", decrypted, err, rec.Subject)
	}
}

func TestUpsertMessageBackfillsSubscriptionFlags(t *testing.T) {
	store, db, userID := newTestStore(t)

	rec := testRecord(userID, "msg-sub")
	id, _, err := store.UpsertMessage(rec)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	rec.Subscription = mailparse.SubscriptionInfo{
		IsSubscription: true,
		URL:            "https://news.example.com/unsub",
		OneClick:       true,
	}
	if _, _, err := store.UpsertMessage(rec); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var stored models.Message
	db.First(&stored, id)
	if !stored.IsSubscription || !stored.ListUnsubscribePost {
		t.Errorf("subscription flags not backfilled: %+v", stored)
	}
	if stored.ListUnsubscribe != "https://news.example.com/unsub" {
		t.Errorf("ListUnsubscribe = %q", stored.ListUnsubscribe)
	}
}

func TestUpsertContactCounters(t *testing.T) {
	store, db, userID := newTestStore(t)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var id uint
	var err error
	for i := 0; i < 3; i++ {
		id, err = store.UpsertContact(userID, "alice@example.com", "Alice", base.Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	var contact models.Contact
	db.First(&contact, id)
	if contact.EmailCount != 3 {
		t.Errorf("EmailCount = %d; want 3", contact.EmailCount)
	}
	wantLast := base.Add(2 * time.Hour)
	if contact.LastEmailAt == nil || !contact.LastEmailAt.Equal(wantLast) {
		t.Errorf("LastEmailAt = %v; want %v", contact.LastEmailAt, wantLast)
	}

	// An older message must not rewind the watermark.
	if _, err := store.UpsertContact(userID, "alice@example.com", "Alice", base.Add(-time.Hour)); err != nil {
		t.Fatalf("older upsert: %v", err)
	}
	db.First(&contact, id)
	if contact.EmailCount != 4 {
		t.Errorf("EmailCount = %d; want 4", contact.EmailCount)
	}
	if !contact.LastEmailAt.Equal(wantLast) {
		t.Errorf("LastEmailAt rewound to %v", contact.LastEmailAt)
	}
}

func TestUpsertContactRejectsInvalidAddress(t *testing.T) {
	store, _, userID := newTestStore(t)

	_, err := store.UpsertContact(userID, "not-an-address", "Nobody", time.Now())
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Errorf("err = %v; want DecodeError", err)
	}
}

func TestUpsertSubscriptionAggregates(t *testing.T) {
	store, db, userID := newTestStore(t)

	info := mailparse.SubscriptionInfo{
		IsSubscription: true,
		URL:            "https://news.example.com/unsub",
	}
	first := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if err := store.UpsertSubscription(userID, "news@example.com", "Example News", info, first, 2); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	info.OneClick = true
	second := first.Add(24 * time.Hour)
	if err := store.UpsertSubscription(userID, "news@example.com", "Example News", info, second, 3); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var sub models.Subscription
	if err := db.Where("user_id = ? AND sender_email = ?", userID, "news@example.com").
		First(&sub).Error; err != nil {
		t.Fatalf("read back: %v", err)
	}
	if sub.MessageCount != 5 {
		t.Errorf("MessageCount = %d; want 5", sub.MessageCount)
	}
	if !sub.FirstSeenAt.Equal(first) || !sub.LastSeenAt.Equal(second) {
		t.Errorf("seen range = %v..%v", sub.FirstSeenAt, sub.LastSeenAt)
	}
	if !sub.OneClick {
		t.Error("OneClick not refreshed from latest message")
	}
	if sub.Status != models.SubscriptionStatusSubscribed {
		t.Errorf("Status = %q", sub.Status)
	}
}

func TestExistingExternalIDs(t *testing.T) {
	store, _, userID := newTestStore(t)

	if _, _, err := store.UpsertMessage(testRecord(userID, "known-1")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	existing, err := store.ExistingExternalIDs(models.ProviderGmail, []string{"known-1", "unknown-1"})
	if err != nil {
		t.Fatalf("cache check: %v", err)
	}
	if !existing["known-1"] || existing["unknown-1"] {
		t.Errorf("existing = %v", existing)
	}
}
