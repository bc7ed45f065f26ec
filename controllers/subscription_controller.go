package controller

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"mailpilot/config"
	"mailpilot/models"
	"mailpilot/utils"
)

func ListSubscriptions(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	query := config.DB.Where("user_id = ?", user.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var subs []models.Subscription
	if err := query.Order("message_count DESC").Find(&subs).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list subscriptions",
		})
	}
	return c.JSON(subs)
}

// Unsubscribe executes the advertised unsubscribe method: a one-click POST
// when RFC 8058 applies, the mailto fallback otherwise. Senders without
// either method need the user to visit the link themselves.
func Unsubscribe(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	subID := utils.ParseUint(c.Params("id"))

	var sub models.Subscription
	if err := config.DB.Where("id = ? AND user_id = ?", subID, user.ID).
		First(&sub).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Subscription not found",
		})
	}

	if sub.Status == models.SubscriptionStatusUnsubscribed {
		return c.JSON(sub)
	}

	setStatus(&sub, models.SubscriptionStatusPending, nil)

	switch {
	case sub.OneClick && sub.UnsubscribeURL != "":
		if err := oneClickUnsubscribe(sub.UnsubscribeURL); err != nil {
			logger.WithField("subscription_id", sub.ID).WithError(err).Warn("one-click unsubscribe failed")
			setStatus(&sub, models.SubscriptionStatusFailed, err)
		} else {
			now := time.Now().UTC()
			sub.UnsubscribedAt = &now
			setStatus(&sub, models.SubscriptionStatusUnsubscribed, nil)
		}

	case sub.UnsubscribeMailto != "":
		addr, subject := splitMailto(sub.UnsubscribeMailto)
		if err := utils.SendUnsubscribeMail(user.Email, addr, subject); err != nil {
			logger.WithField("subscription_id", sub.ID).WithError(err).Warn("mailto unsubscribe failed")
			setStatus(&sub, models.SubscriptionStatusFailed, err)
		} else {
			// Mail-based unsubscribe is asynchronous on the list side;
			// pending until the sender stops showing up.
			setStatus(&sub, models.SubscriptionStatusPending, nil)
		}

	case sub.UnsubscribeURL != "":
		// A plain link without List-Unsubscribe-Post cannot be POSTed
		// safely; the user has to open it.
		setStatus(&sub, models.SubscriptionStatusManualRequired, nil)

	default:
		setStatus(&sub, models.SubscriptionStatusManualRequired, nil)
	}

	return c.JSON(sub)
}

// oneClickUnsubscribe performs the RFC 8058 POST.
func oneClickUnsubscribe(target string) error {
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Post(target, "application/x-www-form-urlencoded",
		strings.NewReader("List-Unsubscribe=One-Click"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fiber.NewError(resp.StatusCode, "unsubscribe endpoint rejected request")
	}
	return nil
}

// splitMailto separates "user@list.example?subject=unsubscribe" into
// address and subject.
func splitMailto(mailto string) (string, string) {
	addr := mailto
	subject := ""
	if idx := strings.IndexByte(mailto, '?'); idx >= 0 {
		addr = mailto[:idx]
		if vals, err := url.ParseQuery(mailto[idx+1:]); err == nil {
			subject = vals.Get("subject")
		}
	}
	return addr, subject
}

func setStatus(sub *models.Subscription, status string, cause error) {
	updates := map[string]interface{}{"status": status}
	if cause != nil {
		msg := cause.Error()
		sub.LastAttemptErr = &msg
		updates["last_attempt_err"] = msg
	}
	if sub.UnsubscribedAt != nil {
		updates["unsubscribed_at"] = *sub.UnsubscribedAt
	}
	sub.Status = status
	if err := config.DB.Model(sub).Updates(updates).Error; err != nil {
		logger.WithField("subscription_id", sub.ID).WithError(err).Warn("status update failed")
	}
}
