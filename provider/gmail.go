package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailpilot/mailparse"
)

const gmailPageSize = 100

// GmailClient lists and fetches messages through the Gmail REST API using
// a short-lived access token. Tokens are refreshed by the credential
// store before the client is built, never here.
type GmailClient struct {
	svc      *gmail.Service
	labels   []string
	maxPages int
	logger   *logrus.Entry
}

// NewGmailClient builds a client for one sync run. Labels select which
// mailboxes are listed (INBOX, optionally SENT).
func NewGmailClient(ctx context.Context, accessToken string, labels []string, logger *logrus.Entry) (*GmailClient, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	if len(labels) == 0 {
		labels = []string{"INBOX"}
	}
	return &GmailClient{svc: svc, labels: labels, maxPages: 5, logger: logger}, nil
}

func (c *GmailClient) List(ctx context.Context) (*Listing, error) {
	seen := make(map[string]bool)
	listing := &Listing{}

	for _, label := range c.labels {
		pageToken := ""
		for page := 0; page < c.maxPages; page++ {
			req := c.svc.Users.Messages.List("me").
				LabelIds(label).
				MaxResults(gmailPageSize)
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}

			resp, err := req.Context(ctx).Do()
			if err != nil {
				return nil, wrapGmailError(err, "failed to list messages")
			}

			for _, m := range resp.Messages {
				if !seen[m.Id] {
					seen[m.Id] = true
					listing.Refs = append(listing.Refs, MessageRef{ExternalID: m.Id})
				}
			}

			if resp.NextPageToken == "" {
				break
			}
			pageToken = resp.NextPageToken
		}
	}
	return listing, nil
}

func (c *GmailClient) Fetch(ctx context.Context, ref MessageRef) (*RawMessage, error) {
	msg, err := c.svc.Users.Messages.Get("me", ref.ExternalID).
		Format("full").Context(ctx).Do()
	if err != nil {
		return nil, wrapGmailError(err, "failed to fetch message")
	}

	raw := &RawMessage{
		ExternalID: msg.Id,
		ThreadID:   msg.ThreadId,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
		Root:       partFromGmail(msg.Payload),
	}
	for _, label := range msg.LabelIds {
		if label == "SENT" {
			raw.Outgoing = true
		}
	}
	return raw, nil
}

func (c *GmailClient) FetchAttachment(ctx context.Context, ref MessageRef, attachmentID string) ([]byte, error) {
	body, err := c.svc.Users.Messages.Attachments.Get("me", ref.ExternalID, attachmentID).
		Context(ctx).Do()
	if err != nil {
		return nil, wrapGmailError(err, "failed to fetch attachment")
	}
	return decodeBase64URL(body.Data)
}

func (c *GmailClient) Close() error { return nil }

// partFromGmail normalizes the Gmail payload tree onto the decoder's part
// tree, decoding base64url body data eagerly for inline leaves.
func partFromGmail(p *gmail.MessagePart) *mailparse.Part {
	if p == nil {
		return nil
	}

	part := &mailparse.Part{
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, mailparse.Header{Name: h.Name, Value: h.Value})
		if part.ContentID == "" && (h.Name == "Content-Id" || h.Name == "Content-ID") {
			part.ContentID = h.Value
		}
	}

	if p.Body != nil {
		part.Size = p.Body.Size
		part.AttachmentID = p.Body.AttachmentId
		if p.Body.Data != "" {
			if decoded, err := decodeBase64URL(p.Body.Data); err == nil {
				part.Body = decoded
			}
		}
	}

	for _, sub := range p.Parts {
		if child := partFromGmail(sub); child != nil {
			part.Parts = append(part.Parts, child)
		}
	}
	return part
}

// Gmail serves web-safe base64, usually without padding.
func decodeBase64URL(data string) ([]byte, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return decoded, nil
	}
	return base64.URLEncoding.DecodeString(data)
}

func wrapGmailError(err error, msg string) error {
	if apiErr, ok := err.(*googleapi.Error); ok {
		switch apiErr.Code {
		case 401:
			return fmt.Errorf("%s: %w", msg, ErrAuthExpired)
		case 403:
			// 403 is overloaded: quota errors carry a rate-limit reason,
			// everything else is a permissions problem.
			for _, e := range apiErr.Errors {
				if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
					return fmt.Errorf("%s: %w", msg, ErrRateLimited)
				}
			}
			return fmt.Errorf("%s: %w", msg, ErrAuthExpired)
		case 429:
			return fmt.Errorf("%s: %w", msg, ErrRateLimited)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
