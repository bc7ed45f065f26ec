package utils

import (
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mailpilot/config"
	"mailpilot/models"
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

func createTestUser(t *testing.T, db *gorm.DB, email string) uint {
	t.Helper()
	user := models.User{Email: email, PasswordHash: "x", IsActive: true}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user.ID
}

func TestEncryptWithKeyRoundTrip(t *testing.T) {
	key := []byte(testMasterKey)
	for _, plaintext := range []string{"short", "a much longer secret with unicode: café テスト", ""} {
		ct, err := EncryptWithKey(key, plaintext)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext, err)
		}
		if plaintext != "" && ct == plaintext {
			t.Errorf("ciphertext equals plaintext for %q", plaintext)
		}
		pt, err := DecryptWithKey(key, ct)
		if err != nil {
			t.Fatalf("decrypt %q: %v", plaintext, err)
		}
		if pt != plaintext {
			t.Errorf("round trip = %q; want %q", pt, plaintext)
		}
	}
}

func TestUserCipherRoundTrip(t *testing.T) {
	db := openTestDB(t)
	userID := createTestUser(t, db, "cipher@example.com")
	cipher := NewUserCipher(db, testMasterKey)

	ct, err := cipher.Encrypt(userID, "sensitive subject line")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := cipher.Decrypt(userID, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if pt != "sensitive subject line" {
		t.Errorf("round trip = %q", pt)
	}

	// The data key is provisioned on first use, wrapped with the master key.
	var user models.User
	db.First(&user, userID)
	if user.EncryptionKey == "" {
		t.Error("per-user key not provisioned")
	}
}

func TestUserCipherKeysAreIsolatedPerUser(t *testing.T) {
	db := openTestDB(t)
	alice := createTestUser(t, db, "alice@example.com")
	bob := createTestUser(t, db, "bob@example.com")
	cipher := NewUserCipher(db, testMasterKey)

	ct, err := cipher.Encrypt(alice, "alice private data")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := cipher.Encrypt(bob, "provision bob"); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Bob's key must not decrypt Alice's ciphertext to the plaintext.
	pt, err := cipher.Decrypt(bob, ct)
	if err == nil && pt == "alice private data" {
		t.Error("cross-user decrypt succeeded")
	}
}

func TestUserCipherDecryptWithoutKey(t *testing.T) {
	db := openTestDB(t)
	userID := createTestUser(t, db, "fresh@example.com")
	cipher := NewUserCipher(db, testMasterKey)

	// A user with no provisioned key yields empty, not an error.
	pt, err := cipher.Decrypt(userID, "d2hhdGV2ZXI=")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if pt != "" {
		t.Errorf("Decrypt = %q; want empty", pt)
	}
}
