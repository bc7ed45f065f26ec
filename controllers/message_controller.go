package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"mailpilot/blobstore"
	"mailpilot/config"
	"mailpilot/models"
	"mailpilot/provider"
	"mailpilot/summarizer"
	"mailpilot/utils"
)

// MessageResponse is a message row with its encrypted fields decrypted for
// the owning user.
type MessageResponse struct {
	*models.Message
	Subject     string              `json:"subject"`
	Preview     string              `json:"preview"`
	FromName    string              `json:"from_name,omitempty"`
	FromEmail   string              `json:"from_email,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

func toMessageResponse(userID uint, msg *models.Message) MessageResponse {
	subject, err := cipher.Decrypt(userID, msg.Subject)
	if err != nil {
		logger.WithField("message_id", msg.ID).WithError(err).Warn("subject decrypt failed")
	}
	preview, err := cipher.Decrypt(userID, msg.Preview)
	if err != nil {
		logger.WithField("message_id", msg.ID).WithError(err).Warn("preview decrypt failed")
	}

	resp := MessageResponse{
		Message:     msg,
		Subject:     subject,
		Preview:     preview,
		Attachments: msg.Attachments,
	}
	if msg.FromContact.ID != 0 {
		resp.FromEmail = msg.FromContact.Email
		name, err := cipher.Decrypt(userID, msg.FromContact.Name)
		if err == nil {
			resp.FromName = name
		}
	}
	// The embedded encrypted values must not leak through.
	resp.Message.Subject = ""
	resp.Message.Preview = ""
	resp.Message.Summary = ""
	return resp
}

func ListMessages(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	query := config.DB.Model(&models.Message{}).Where("messages.user_id = ?", user.ID)
	if accountID := utils.ParseUint(c.Query("account_id")); accountID != 0 {
		query = query.Where("account_id = ?", accountID)
	}
	if c.Query("unread") == "true" {
		query = query.Where("is_read = ?", false)
	}
	if c.Query("subscription") == "true" {
		query = query.Where("is_subscription = ?", true)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to count messages",
		})
	}

	var msgs []models.Message
	if err := query.Preload("FromContact").Preload("Attachments").
		Order("received_at DESC").
		Offset((page - 1) * limit).Limit(limit).
		Find(&msgs).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list messages",
		})
	}

	data := make([]MessageResponse, 0, len(msgs))
	for i := range msgs {
		data = append(data, toMessageResponse(user.ID, &msgs[i]))
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  data,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// GetMessage returns one message with its full decrypted body.
func GetMessage(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	messageID := utils.ParseUint(c.Params("id"))

	var msg models.Message
	if err := config.DB.Preload("FromContact").Preload("Attachments").
		Where("id = ? AND user_id = ?", messageID, user.ID).
		First(&msg).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Message not found",
		})
	}

	var body models.MessageBody
	if err := config.DB.Where("message_id = ?", msg.ID).First(&body).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Message body not found",
		})
	}

	html, err := cipher.Decrypt(user.ID, body.HTML)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to decrypt message body",
		})
	}
	plain, err := cipher.Decrypt(user.ID, body.Plain)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to decrypt message body",
		})
	}

	resp := toMessageResponse(user.ID, &msg)
	return c.JSON(fiber.Map{
		"message": resp,
		"body": fiber.Map{
			"html":  html,
			"plain": plain,
		},
	})
}

func MarkRead(c *fiber.Ctx) error {
	return setMessageFlag(c, map[string]interface{}{"is_read": true})
}

func MarkTriaged(c *fiber.Ctx) error {
	now := time.Now().UTC()
	return setMessageFlag(c, map[string]interface{}{"triaged_at": now})
}

func setMessageFlag(c *fiber.Ctx, updates map[string]interface{}) error {
	user := c.Locals("user").(*models.User)
	messageID := utils.ParseUint(c.Params("id"))

	res := config.DB.Model(&models.Message{}).
		Where("id = ? AND user_id = ?", messageID, user.ID).
		Updates(updates)
	if res.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update message",
		})
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Message not found",
		})
	}
	return c.JSON(fiber.Map{"message": "Updated"})
}

// SummarizeMessage returns the AI triage summary, calling the summarizer
// service on first request and caching the result encrypted on the row.
func SummarizeMessage(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	messageID := utils.ParseUint(c.Params("id"))

	var msg models.Message
	if err := config.DB.Preload("FromContact").
		Where("id = ? AND user_id = ?", messageID, user.ID).
		First(&msg).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Message not found",
		})
	}

	if msg.Summary != "" {
		cached, err := cipher.Decrypt(user.ID, msg.Summary)
		if err == nil && cached != "" {
			return c.JSON(fiber.Map{
				"summary":       cached,
				"urgency_score": msg.UrgencyScore,
				"cached":        true,
			})
		}
	}

	var body models.MessageBody
	if err := config.DB.Where("message_id = ?", msg.ID).First(&body).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Message body not found",
		})
	}
	plain, err := cipher.Decrypt(user.ID, body.Plain)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to decrypt message body",
		})
	}
	subject, _ := cipher.Decrypt(user.ID, msg.Subject)

	senderContext := ""
	if msg.FromContact.ID != 0 {
		senderContext = msg.FromContact.Email
	}

	result, err := summaries.Summarize(c.Context(), summarizer.Request{
		Subject:       subject,
		BodyFull:      plain,
		SenderContext: senderContext,
	})
	if err != nil {
		if err == summarizer.ErrNotConfigured {
			return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{
				"error": "Summarization is not configured",
			})
		}
		logger.WithField("message_id", msg.ID).WithError(err).Warn("summarization failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Summarization failed",
		})
	}

	encSummary, err := cipher.Encrypt(user.ID, result.Summary)
	if err == nil {
		config.DB.Model(&msg).Updates(map[string]interface{}{
			"summary":       encSummary,
			"urgency_score": result.UrgencyScore,
		})
	}

	return c.JSON(result)
}

// DownloadAttachment serves attachment content. First request fetches from
// the provider and caches the blob; later requests hit object storage.
// Bulk sync never touches attachment bytes.
func DownloadAttachment(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	messageID := utils.ParseUint(c.Params("id"))
	attachmentID := utils.ParseUint(c.Params("attachmentID"))

	var att models.Attachment
	if err := config.DB.Where("id = ? AND message_id = ? AND user_id = ?",
		attachmentID, messageID, user.ID).First(&att).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Attachment not found",
		})
	}

	if att.BlobKey != "" && blobs != nil {
		content, err := blobs.Get(att.BlobKey)
		if err == nil {
			return serveAttachment(c, &att, content)
		}
		logger.WithField("blob_key", att.BlobKey).WithError(err).
			Warn("blob fetch failed, refetching from provider")
	}

	var msg models.Message
	if err := config.DB.Where("id = ? AND user_id = ?", messageID, user.ID).
		First(&msg).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Message not found",
		})
	}
	var account models.Account
	if err := config.DB.First(&account, msg.AccountID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Account not found",
		})
	}
	if !account.Connected() {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Account is disconnected",
		})
	}

	client, err := engine.ClientFor(c.Context(), &account)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to reach mail provider",
		})
	}
	defer client.Close()

	content, err := client.FetchAttachment(c.Context(), provider.MessageRef{
		ExternalID: msg.ExternalID,
		UID:        msg.UID,
	}, att.ExternalID)
	if err != nil {
		logger.WithField("attachment_id", att.ID).WithError(err).Warn("attachment fetch failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to fetch attachment",
		})
	}

	if blobs != nil {
		key := blobstore.GenerateKey()
		if err := blobs.Put(key, content); err != nil {
			logger.WithField("attachment_id", att.ID).WithError(err).Warn("blob store failed")
		} else if err := config.DB.Model(&att).Update("blob_key", key).Error; err != nil {
			logger.WithField("attachment_id", att.ID).WithError(err).Warn("blob key update failed")
		}
	}

	return serveAttachment(c, &att, content)
}

func serveAttachment(c *fiber.Ctx, att *models.Attachment, content []byte) error {
	if att.MimeType != "" {
		c.Set(fiber.HeaderContentType, att.MimeType)
	}
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+att.Filename+`"`)
	return c.Send(content)
}
