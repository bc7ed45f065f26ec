package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"mailpilot/config"
	"mailpilot/models"
	"mailpilot/provider"
	"mailpilot/utils"
)

type ConnectGmailRequest struct {
	Code string `json:"code" validate:"required"`
}

type ConnectIMAPRequest struct {
	Address  string `json:"address" validate:"required,email"`
	Host     string `json:"host" validate:"required,hostname"`
	Port     int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	UseTLS   *bool  `json:"use_tls"`
}

type ConnectBrokerRequest struct {
	Address      string `json:"address" validate:"required,email"`
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func googleOAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     config.AppConfig.Google.ClientID,
		ClientSecret: config.AppConfig.Google.ClientSecret,
		RedirectURL:  config.AppConfig.Google.RedirectURI,
		Scopes: []string{
			gmailapi.GmailReadonlyScope,
			"https://www.googleapis.com/auth/userinfo.email",
		},
		Endpoint: google.Endpoint,
	}
}

// GmailAuthURL returns the consent URL the frontend redirects to.
func GmailAuthURL(c *fiber.Ctx) error {
	url := googleOAuthConfig().AuthCodeURL("state",
		oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	return c.JSON(fiber.Map{"url": url})
}

// ConnectGmail exchanges the OAuth authorization code and stores the
// account with encrypted tokens. The mailbox address comes from the Gmail
// profile, not the client.
func ConnectGmail(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req ConnectGmailRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	oauthCfg := googleOAuthConfig()
	token, err := oauthCfg.Exchange(c.Context(), req.Code)
	if err != nil {
		logger.WithError(err).Warn("Gmail code exchange failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to exchange authorization code",
		})
	}

	svc, err := gmailapi.NewService(c.Context(),
		option.WithTokenSource(oauth2.StaticTokenSource(token)))
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to reach Gmail",
		})
	}
	profile, err := svc.Users.GetProfile("me").Context(c.Context()).Do()
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to read Gmail profile",
		})
	}

	encAccess, err := cipher.Encrypt(user.ID, token.AccessToken)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store credentials",
		})
	}
	encRefresh, err := cipher.Encrypt(user.ID, token.RefreshToken)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store credentials",
		})
	}

	account := models.Account{
		UserID:       user.ID,
		Provider:     models.ProviderGmail,
		Address:      profile.EmailAddress,
		AuthSource:   models.AuthSourceDirectOAuth,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		TokenExpiry:  &token.Expiry,
	}
	if err := upsertAccount(&account); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save account",
		})
	}

	account.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(account)
}

// ConnectBroker registers a mailbox whose tokens are mediated by the
// identity broker. The broker hands the frontend a single-use refresh
// token; the first sync exchanges it.
func ConnectBroker(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req ConnectBrokerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	encRefresh, err := cipher.Encrypt(user.ID, req.RefreshToken)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store credentials",
		})
	}

	account := models.Account{
		UserID:       user.ID,
		Provider:     models.ProviderGmail,
		Address:      req.Address,
		AuthSource:   models.AuthSourceBrokerRefresh,
		RefreshToken: encRefresh,
	}
	if err := upsertAccount(&account); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save account",
		})
	}

	account.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(account)
}

// ConnectIMAP verifies the login before saving; a bad password should fail
// here, not on the first background sync.
func ConnectIMAP(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req ConnectIMAPRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	port := req.Port
	if port == 0 {
		port = 993
	}
	useTLS := true
	if req.UseTLS != nil {
		useTLS = *req.UseTLS
	}

	probe, err := provider.DialIMAP(provider.IMAPConfig{
		Host:     req.Host,
		Port:     port,
		UseTLS:   useTLS,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "IMAP login failed",
		})
	}
	probe.Close()

	encPassword, err := cipher.Encrypt(user.ID, req.Password)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store credentials",
		})
	}

	account := models.Account{
		UserID:       user.ID,
		Provider:     models.ProviderIMAP,
		Address:      req.Address,
		AuthSource:   models.AuthSourcePassword,
		IMAPHost:     req.Host,
		IMAPPort:     port,
		IMAPUsername: req.Username,
		IMAPPassword: encPassword,
		IMAPUseTLS:   useTLS,
	}
	if err := upsertAccount(&account); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save account",
		})
	}

	account.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(account)
}

// upsertAccount reconnects an existing (provider, address) row instead of
// duplicating it, restoring credentials and clearing the disconnect mark.
// The sync watermark survives a reconnect.
func upsertAccount(account *models.Account) error {
	var existing models.Account
	err := config.DB.Unscoped().
		Where("provider = ? AND address = ?", account.Provider, account.Address).
		First(&existing).Error
	if err != nil {
		return config.DB.Create(account).Error
	}

	updates := map[string]interface{}{
		"user_id":         account.UserID,
		"auth_source":     account.AuthSource,
		"access_token":    account.AccessToken,
		"refresh_token":   account.RefreshToken,
		"token_expiry":    account.TokenExpiry,
		"imap_host":       account.IMAPHost,
		"imap_port":       account.IMAPPort,
		"imap_username":   account.IMAPUsername,
		"imap_password":   account.IMAPPassword,
		"imap_use_tls":    account.IMAPUseTLS,
		"disconnected_at": nil,
		"last_sync_error": nil,
		"deleted_at":      nil,
	}
	if err := config.DB.Unscoped().Model(&models.Account{}).
		Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return err
	}
	account.ID = existing.ID
	return nil
}

func ListAccounts(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var accounts []models.Account
	if err := config.DB.Where("user_id = ?", user.ID).
		Order("created_at ASC").Find(&accounts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list accounts",
		})
	}

	for i := range accounts {
		accounts[i].Sanitize()
	}
	return c.JSON(accounts)
}

// DisconnectAccount clears credentials but keeps the row and its synced
// messages. Reconnecting the same mailbox later resumes from the stored
// watermark.
func DisconnectAccount(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	accountID := utils.ParseUint(c.Params("id"))

	var account models.Account
	if err := config.DB.Where("id = ? AND user_id = ?", accountID, user.ID).
		First(&account).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Account not found",
		})
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"access_token":    "",
		"refresh_token":   "",
		"imap_password":   "",
		"disconnected_at": now,
	}
	if err := config.DB.Model(&account).Updates(updates).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to disconnect account",
		})
	}

	return c.JSON(fiber.Map{"message": "Account disconnected"})
}
