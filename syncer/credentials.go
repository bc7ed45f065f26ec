package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"mailpilot/config"
	"mailpilot/models"
	"mailpilot/provider"
	"mailpilot/utils"
)

// refreshSkew keeps us from handing out a token that expires mid-request.
const refreshSkew = 5 * time.Minute

// Credentials is the decrypted, usable credential set for one sync run.
type Credentials struct {
	AccessToken string
	Password    string // IMAP accounts only
	Refreshed   bool
}

// DirectRefresher refreshes a token straight against the provider's token
// endpoint.
type DirectRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// BrokerToken is the identity broker's exchange result. The broker rotates
// its single-use refresh token on every exchange; losing the new one makes
// the account unrefreshable.
type BrokerToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ErrBrokerTokenRotated signals that the broker already consumed this
// refresh token, which happens when two overlapping syncs both decide to
// refresh. The store recovers by re-reading the now-current token.
var ErrBrokerTokenRotated = errors.New("broker refresh token already rotated")

// BrokerClient exchanges a broker refresh token for fresh credentials.
type BrokerClient interface {
	Exchange(ctx context.Context, refreshToken string) (*BrokerToken, error)
}

// CredentialStore holds per-account tokens, decides refresh-or-reuse, and
// persists rotations before anyone gets to use them.
type CredentialStore struct {
	db     *gorm.DB
	cipher *utils.UserCipher
	direct DirectRefresher
	broker BrokerClient
	logger *logrus.Entry
	now    func() time.Time
}

func NewCredentialStore(db *gorm.DB, cipher *utils.UserCipher, direct DirectRefresher, broker BrokerClient, logger *logrus.Entry) *CredentialStore {
	return &CredentialStore{
		db:     db,
		cipher: cipher,
		direct: direct,
		broker: broker,
		logger: logger,
		now:    time.Now,
	}
}

// EnsureValidToken returns usable credentials for the account, refreshing
// when the cached token is inside the expiry buffer. The rotated token is
// persisted before this returns; callers must never proceed on an unsaved
// refresh.
func (s *CredentialStore) EnsureValidToken(ctx context.Context, account *models.Account) (Credentials, error) {
	if account.AuthSource == models.AuthSourcePassword {
		password, err := s.cipher.Decrypt(account.UserID, account.IMAPPassword)
		if err != nil {
			return Credentials{}, fmt.Errorf("failed to decrypt IMAP password: %w", err)
		}
		return Credentials{Password: password}, nil
	}

	if account.TokenExpiry != nil && s.now().Before(account.TokenExpiry.Add(-refreshSkew)) {
		token, err := s.cipher.Decrypt(account.UserID, account.AccessToken)
		if err != nil {
			return Credentials{}, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		return Credentials{AccessToken: token}, nil
	}

	return s.refresh(ctx, account)
}

func (s *CredentialStore) refresh(ctx context.Context, account *models.Account) (Credentials, error) {
	refreshToken, err := s.cipher.Decrypt(account.UserID, account.RefreshToken)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		return Credentials{}, fmt.Errorf("no refresh token stored: %w", provider.ErrAuthExpired)
	}

	switch account.AuthSource {
	case models.AuthSourceDirectOAuth:
		token, err := s.direct.Refresh(ctx, refreshToken)
		if err != nil {
			return s.recoverOrExpire(account, err)
		}
		rotated := ""
		if token.RefreshToken != "" && token.RefreshToken != refreshToken {
			rotated = token.RefreshToken
		}
		if err := s.persist(account, token.AccessToken, rotated, token.Expiry); err != nil {
			return Credentials{}, err
		}
		return Credentials{AccessToken: token.AccessToken, Refreshed: true}, nil

	case models.AuthSourceBrokerRefresh:
		token, err := s.broker.Exchange(ctx, refreshToken)
		if err != nil {
			return s.recoverOrExpire(account, err)
		}
		// The new broker refresh token must land with the access token or
		// the account becomes unrefreshable.
		if err := s.persist(account, token.AccessToken, token.RefreshToken, token.ExpiresAt); err != nil {
			return Credentials{}, err
		}
		return Credentials{AccessToken: token.AccessToken, Refreshed: true}, nil

	default:
		return Credentials{}, fmt.Errorf("unknown auth source %q", account.AuthSource)
	}
}

// recoverOrExpire handles refresh failures. When an overlapping sync won
// the refresh race the row now holds a valid token; re-read it instead of
// failing the whole run. Anything else is a revoked grant or network
// fault, surfaced as an account-level auth failure.
func (s *CredentialStore) recoverOrExpire(account *models.Account, cause error) (Credentials, error) {
	if errors.Is(cause, ErrBrokerTokenRotated) {
		var current models.Account
		if err := s.db.First(&current, account.ID).Error; err == nil &&
			current.TokenExpiry != nil && s.now().Before(current.TokenExpiry.Add(-refreshSkew)) {
			*account = current
			token, err := s.cipher.Decrypt(account.UserID, account.AccessToken)
			if err == nil && token != "" {
				s.logger.WithField("account_id", account.ID).
					Info("refresh token already rotated, reusing concurrent refresh")
				return Credentials{AccessToken: token}, nil
			}
		}
	}
	s.logger.WithField("account_id", account.ID).WithError(cause).Warn("token refresh failed")
	return Credentials{}, fmt.Errorf("token refresh failed: %w", provider.ErrAuthExpired)
}

// persist writes the refreshed credentials in one update so the access
// token and the rotated refresh token can never go out of sync.
func (s *CredentialStore) persist(account *models.Account, accessToken, refreshToken string, expiry time.Time) error {
	encAccess, err := s.cipher.Encrypt(account.UserID, accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	updates := map[string]interface{}{
		"access_token": encAccess,
		"token_expiry": expiry,
	}
	if refreshToken != "" {
		encRefresh, err := s.cipher.Encrypt(account.UserID, refreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		updates["refresh_token"] = encRefresh
	}

	if err := s.db.Model(&models.Account{}).Where("id = ?", account.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	account.AccessToken = encAccess
	account.TokenExpiry = &expiry
	if enc, ok := updates["refresh_token"].(string); ok {
		account.RefreshToken = enc
	}
	return nil
}

// OAuthRefresher is the direct-OAuth refresher backed by the provider's
// token endpoint via golang.org/x/oauth2.
type OAuthRefresher struct {
	Config *oauth2.Config
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

// HTTPBroker talks to the identity broker's token endpoint.
type HTTPBroker struct {
	Config config.BrokerConfig
	Client *http.Client
}

func (b *HTTPBroker) Exchange(ctx context.Context, refreshToken string) (*BrokerToken, error) {
	payload, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     b.Config.ClientID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Config.TokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.Config.APIKey)

	httpClient := b.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker exchange failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		return nil, ErrBrokerTokenRotated
	default:
		return nil, fmt.Errorf("broker returned %d: %w", resp.StatusCode, provider.ErrAuthExpired)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to parse broker response: %w", err)
	}
	if body.AccessToken == "" || body.RefreshToken == "" {
		return nil, fmt.Errorf("broker response missing tokens")
	}
	return &BrokerToken{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}
