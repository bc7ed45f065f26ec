package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"mailpilot/config"
	"mailpilot/models"
	"mailpilot/provider"
	"mailpilot/syncer"
	"mailpilot/utils"
)

// TriggerSync runs one sync for the account and returns the run summary.
// The same entry point the background worker calls every minute.
func TriggerSync(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	accountID := utils.ParseUint(c.Params("id"))

	var account models.Account
	if err := config.DB.Where("id = ? AND user_id = ?", accountID, user.ID).
		First(&account).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Account not found",
		})
	}

	result, err := engine.SyncAccount(c.Context(), account.ID)
	if err != nil {
		switch {
		case errors.Is(err, syncer.ErrAccountDisconnected):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Account is disconnected",
			})
		case errors.Is(err, provider.ErrAuthExpired):
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Account requires re-authentication",
			})
		default:
			logger.WithField("account_id", account.ID).WithError(err).Error("manual sync failed")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error": "Sync failed",
			})
		}
	}

	return c.JSON(result)
}
