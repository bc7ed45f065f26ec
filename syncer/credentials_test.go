package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"mailpilot/models"
	"mailpilot/provider"
	"mailpilot/utils"
)

type fakeDirect struct {
	token *oauth2.Token
	err   error
	calls int
}

func (f *fakeDirect) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

type fakeBroker struct {
	token *BrokerToken
	err   error
	calls int
}

func (f *fakeBroker) Exchange(ctx context.Context, refreshToken string) (*BrokerToken, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func newTestCredStore(t *testing.T, direct DirectRefresher, broker BrokerClient) (*CredentialStore, *gorm.DB, uint) {
	t.Helper()
	db := openTestDB(t)
	user := models.User{Email: t.Name() + "@example.com", PasswordHash: "x", IsActive: true}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	cipher := utils.NewUserCipher(db, testMasterKey)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewCredentialStore(db, cipher, direct, broker, logrus.NewEntry(logger)), db, user.ID
}

func seedAccount(t *testing.T, s *CredentialStore, db *gorm.DB, userID uint, authSource, accessToken, refreshToken string, expiry time.Time) *models.Account {
	t.Helper()
	encAccess, err := s.cipher.Encrypt(userID, accessToken)
	if err != nil {
		t.Fatalf("encrypt access: %v", err)
	}
	encRefresh, err := s.cipher.Encrypt(userID, refreshToken)
	if err != nil {
		t.Fatalf("encrypt refresh: %v", err)
	}
	account := models.Account{
		UserID:       userID,
		Provider:     models.ProviderGmail,
		Address:      t.Name() + "@example.com",
		AuthSource:   authSource,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		TokenExpiry:  &expiry,
	}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	return &account
}

func TestEnsureValidTokenOutsideBufferReusesCached(t *testing.T) {
	direct := &fakeDirect{}
	s, db, userID := newTestCredStore(t, direct, nil)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	account := seedAccount(t, s, db, userID, models.AuthSourceDirectOAuth,
		"cached-token", "refresh-1", now.Add(10*time.Minute))

	creds, err := s.EnsureValidToken(context.Background(), account)
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if creds.AccessToken != "cached-token" {
		t.Errorf("AccessToken = %q; want cached token", creds.AccessToken)
	}
	if creds.Refreshed {
		t.Error("Refreshed = true; want cached path")
	}
	if direct.calls != 0 {
		t.Errorf("refresher called %d times; want 0", direct.calls)
	}
}

func TestEnsureValidTokenInsideBufferRefreshes(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	direct := &fakeDirect{token: &oauth2.Token{
		AccessToken: "fresh-token",
		Expiry:      now.Add(time.Hour),
	}}
	s, db, userID := newTestCredStore(t, direct, nil)
	s.now = func() time.Time { return now }

	// 4 minutes left is inside the 5 minute buffer.
	account := seedAccount(t, s, db, userID, models.AuthSourceDirectOAuth,
		"stale-token", "refresh-1", now.Add(4*time.Minute))

	creds, err := s.EnsureValidToken(context.Background(), account)
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if creds.AccessToken != "fresh-token" || !creds.Refreshed {
		t.Errorf("creds = %+v; want refreshed token", creds)
	}
	if direct.calls != 1 {
		t.Errorf("refresher called %d times; want 1", direct.calls)
	}

	// The refreshed token must be on disk before EnsureValidToken returns.
	var stored models.Account
	db.First(&stored, account.ID)
	decrypted, err := s.cipher.Decrypt(userID, stored.AccessToken)
	if err != nil || decrypted != "fresh-token" {
		t.Errorf("persisted access token = %q, %v", decrypted, err)
	}
	if stored.TokenExpiry == nil || !stored.TokenExpiry.Equal(now.Add(time.Hour)) {
		t.Errorf("persisted expiry = %v", stored.TokenExpiry)
	}
}

func TestEnsureValidTokenPasswordAccount(t *testing.T) {
	s, db, userID := newTestCredStore(t, nil, nil)

	encPassword, err := s.cipher.Encrypt(userID, "imap-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	account := models.Account{
		UserID:       userID,
		Provider:     models.ProviderIMAP,
		Address:      "box@example.com",
		AuthSource:   models.AuthSourcePassword,
		IMAPPassword: encPassword,
	}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}

	creds, err := s.EnsureValidToken(context.Background(), &account)
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if creds.Password != "imap-secret" {
		t.Errorf("Password = %q", creds.Password)
	}
}

func TestBrokerRotationPersistedBeforeReturn(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	broker := &fakeBroker{token: &BrokerToken{
		AccessToken:  "broker-access",
		RefreshToken: "rotated-refresh",
		ExpiresAt:    now.Add(time.Hour),
	}}
	s, db, userID := newTestCredStore(t, nil, broker)
	s.now = func() time.Time { return now }

	account := seedAccount(t, s, db, userID, models.AuthSourceBrokerRefresh,
		"", "single-use-refresh", now.Add(-time.Minute))

	creds, err := s.EnsureValidToken(context.Background(), account)
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if creds.AccessToken != "broker-access" {
		t.Errorf("AccessToken = %q", creds.AccessToken)
	}

	// Losing the rotated refresh token would strand the account; it must
	// have landed with the access token.
	var stored models.Account
	db.First(&stored, account.ID)
	decrypted, err := s.cipher.Decrypt(userID, stored.RefreshToken)
	if err != nil || decrypted != "rotated-refresh" {
		t.Errorf("persisted refresh token = %q, %v; want rotated-refresh", decrypted, err)
	}
}

func TestBrokerAlreadyRotatedRecoversFromRow(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	broker := &fakeBroker{err: ErrBrokerTokenRotated}
	s, db, userID := newTestCredStore(t, nil, broker)
	s.now = func() time.Time { return now }

	account := seedAccount(t, s, db, userID, models.AuthSourceBrokerRefresh,
		"", "consumed-refresh", now.Add(-time.Minute))

	// A concurrent sync won the refresh race and stored fresh credentials.
	encAccess, _ := s.cipher.Encrypt(userID, "winner-access")
	freshExpiry := now.Add(time.Hour)
	db.Model(&models.Account{}).Where("id = ?", account.ID).Updates(map[string]interface{}{
		"access_token": encAccess,
		"token_expiry": freshExpiry,
	})

	creds, err := s.EnsureValidToken(context.Background(), account)
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if creds.AccessToken != "winner-access" {
		t.Errorf("AccessToken = %q; want the concurrent refresh result", creds.AccessToken)
	}
}

func TestRefreshFailureSurfacesAuthExpired(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	direct := &fakeDirect{err: errors.New("invalid_grant")}
	s, db, userID := newTestCredStore(t, direct, nil)
	s.now = func() time.Time { return now }

	account := seedAccount(t, s, db, userID, models.AuthSourceDirectOAuth,
		"stale", "revoked-refresh", now.Add(-time.Minute))

	_, err := s.EnsureValidToken(context.Background(), account)
	if !errors.Is(err, provider.ErrAuthExpired) {
		t.Errorf("err = %v; want ErrAuthExpired", err)
	}
}
