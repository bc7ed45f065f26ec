package utils

import (
	"fmt"

	"gopkg.in/gomail.v2"

	"mailpilot/config"
)

// SendUnsubscribeMail sends the mailto fallback for list unsubscribes: an
// empty message to the advertised unsubscribe address, with the optional
// subject some list managers require. Used when no one-click POST target
// exists.
func SendUnsubscribeMail(fromAddress, mailto, subject string) error {
	cfg := config.AppConfig
	if cfg.SMTPHost == "" {
		return fmt.Errorf("SMTP is not configured")
	}

	if subject == "" {
		subject = "unsubscribe"
	}

	m := gomail.NewMessage()
	m.SetHeader("From", fromAddress)
	m.SetHeader("To", mailto)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", "This message was sent automatically to unsubscribe from your mailing list.")

	d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send unsubscribe mail: %w", err)
	}
	return nil
}
