package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Request is the payload handed to the summarization service. Body text
// goes out in plaintext over the authenticated channel; only the stored
// copy of the result is encrypted.
type Request struct {
	Subject       string `json:"subject"`
	BodyFull      string `json:"body_full"`
	SenderContext string `json:"sender_context,omitempty"`
}

// CalendarEvent is an event the summarizer extracted from the body.
type CalendarEvent struct {
	Title    string `json:"title"`
	StartsAt string `json:"starts_at"`
	EndsAt   string `json:"ends_at,omitempty"`
	Location string `json:"location,omitempty"`
}

// Summary is the structured result consumed by the triage surface.
type Summary struct {
	Summary        string         `json:"summary"`
	UrgencyScore   int            `json:"urgency_score"`
	UrgencyReason  string         `json:"urgency_reason,omitempty"`
	SuggestedReply string         `json:"suggested_reply,omitempty"`
	ActionRequired bool           `json:"action_required"`
	QuickReplies   []string       `json:"quick_replies,omitempty"`
	CalendarEvent  *CalendarEvent `json:"calendar_event,omitempty"`
}

// Summarizer turns a message into a structured summary. The model behind
// it is a black box; this package only defines the wire contract.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (*Summary, error)
}

// ErrNotConfigured is returned when no summarizer endpoint is set. Callers
// treat it as "feature off" rather than a fault.
var ErrNotConfigured = errors.New("summarizer endpoint not configured")

// HTTPSummarizer posts the request to a configured HTTP endpoint.
type HTTPSummarizer struct {
	URL    string
	APIKey string
	Client *http.Client
}

func NewHTTP(url, apiKey string) *HTTPSummarizer {
	return &HTTPSummarizer{
		URL:    url,
		APIKey: apiKey,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSummarizer) Summarize(ctx context.Context, req Request) (*Summary, error) {
	if s.URL == "" {
		return nil, ErrNotConfigured
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("summarizer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("summarizer returned %d", resp.StatusCode)
	}

	var out Summary
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse summarizer response: %w", err)
	}
	if out.UrgencyScore < 0 {
		out.UrgencyScore = 0
	}
	if out.UrgencyScore > 100 {
		out.UrgencyScore = 100
	}
	return &out, nil
}
