package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"gorm.io/gorm"

	"mailpilot/models"
)

// EncryptWithKey encrypts plaintext with AES-CFB under the given key and
// returns it base64url encoded, IV prefixed.
func EncryptWithKey(key []byte, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(plaintext))
	iv := ciphertext[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], []byte(plaintext))

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

// DecryptWithKey reverses EncryptWithKey.
func DecryptWithKey(key []byte, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	decoded, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	if len(decoded) < aes.BlockSize {
		return "", errors.New("ciphertext too short")
	}

	iv := decoded[:aes.BlockSize]
	decoded = decoded[aes.BlockSize:]

	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(decoded, decoded)

	return string(decoded), nil
}

// UserCipher is the PII codec: every sensitive field (subject, body,
// contact name, tokens, summaries) passes through it around persistence.
// Each user gets a random data key, itself wrapped with the master key and
// stored on the user row. Passed explicitly through call sites rather than
// held in a package global so nothing leaks across accounts.
type UserCipher struct {
	db     *gorm.DB
	master []byte
}

func NewUserCipher(db *gorm.DB, masterKey string) *UserCipher {
	return &UserCipher{db: db, master: []byte(masterKey)}
}

// Encrypt encrypts plaintext under the user's data key, provisioning one
// on first use.
func (c *UserCipher) Encrypt(userID uint, plaintext string) (string, error) {
	key, err := c.userKey(userID, true)
	if err != nil {
		return "", err
	}
	return EncryptWithKey(key, plaintext)
}

// Decrypt decrypts a stored field. A user without a provisioned key yields
// an empty string, not an error: freshly created users can legitimately be
// mid-provisioning, and callers treat "no key" as "field unavailable".
func (c *UserCipher) Decrypt(userID uint, ciphertext string) (string, error) {
	key, err := c.userKey(userID, false)
	if err != nil {
		return "", err
	}
	if key == nil {
		return "", nil
	}
	return DecryptWithKey(key, ciphertext)
}

func (c *UserCipher) userKey(userID uint, provision bool) ([]byte, error) {
	var user models.User
	if err := c.db.Select("id", "encryption_key").First(&user, userID).Error; err != nil {
		return nil, err
	}

	if user.EncryptionKey != "" {
		wrapped, err := DecryptWithKey(c.master, user.EncryptionKey)
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(wrapped)
	}

	if !provision {
		return nil, nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	wrapped, err := EncryptWithKey(c.master, base64.StdEncoding.EncodeToString(key))
	if err != nil {
		return nil, err
	}
	if err := c.db.Model(&models.User{}).Where("id = ?", userID).
		Update("encryption_key", wrapped).Error; err != nil {
		return nil, err
	}
	return key, nil
}
