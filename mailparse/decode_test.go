package mailparse

import (
	"strings"
	"testing"
)

func textPart(mimeType, body string) *Part {
	return &Part{MimeType: mimeType, Body: []byte(body)}
}

func TestDecodeBodyPicksLongestLeaves(t *testing.T) {
	root := &Part{
		MimeType: "multipart/mixed",
		Parts: []*Part{
			{
				MimeType: "multipart/alternative",
				Parts: []*Part{
					textPart("text/plain", "short quote"),
					textPart("text/html", "<p>short quote</p>"),
				},
			},
			textPart("text/plain", "short quote\nthe actual full message body with much more content"),
			textPart("text/html", "<p>short quote</p><p>the actual full message body with much more content</p>"),
		},
	}

	body := DecodeBody(root)
	if !strings.Contains(body.Plain, "actual full message") {
		t.Errorf("Plain = %q; want the longest plain leaf", body.Plain)
	}
	if !strings.Contains(body.HTML, "actual full message") {
		t.Errorf("HTML = %q; want the longest html leaf", body.HTML)
	}
}

func TestDecodeBodyAppleMailInvertedNesting(t *testing.T) {
	// multipart/alternative containing multipart/mixed is the inverted
	// shape: the plain branch holds the real message.
	root := &Part{
		MimeType: "multipart/alternative",
		Parts: []*Part{
			textPart("text/plain", "Hi team, the quarterly report is attached below this note."),
			{
				MimeType: "multipart/mixed",
				Parts: []*Part{
					textPart("text/html", "<html><body><img src=\"cid:logo\"></body></html>"),
				},
			},
		},
	}

	body := DecodeBody(root)
	if !strings.HasPrefix(body.HTML, "<pre>") {
		t.Fatalf("HTML = %q; want plain text re-wrapped as <pre>", body.HTML)
	}
	if !strings.Contains(body.HTML, "quarterly report") {
		t.Errorf("HTML = %q; want the plain branch content", body.HTML)
	}
}

func TestDecodeBodyPlainLeadsStubHTML(t *testing.T) {
	root := &Part{
		MimeType: "multipart/alternative",
		Parts: []*Part{
			textPart("text/plain", "Please review the contract draft before Friday.\nThanks."),
			textPart("text/html", "<html><body><p>Sent from my iPhone</p></body></html>"),
		},
	}

	body := DecodeBody(root)
	if !strings.HasPrefix(body.HTML, "<pre>") {
		t.Errorf("HTML = %q; want <pre> fallback when the html branch lacks the opening text", body.HTML)
	}
}

func TestDecodeBodyStandardAlternativeKeepsHTML(t *testing.T) {
	root := &Part{
		MimeType: "multipart/alternative",
		Parts: []*Part{
			textPart("text/plain", "Please review the contract draft before Friday."),
			textPart("text/html", "<p>Please review the contract draft before Friday.</p>"),
		},
	}

	body := DecodeBody(root)
	if strings.HasPrefix(body.HTML, "<pre>") {
		t.Errorf("HTML = %q; matching html branch must not be replaced", body.HTML)
	}
}

func TestPlainLeadsHTMLTruncatesOnRuneBoundary(t *testing.T) {
	// The 50-byte cap lands inside the non-breaking space; a byte slice
	// there would compare a broken trailing rune against the html text.
	line := strings.Repeat("x", 49) + "\u00a0status report attached"
	plain := line + "\nthanks"
	htmlBody := "<p>" + line + "</p>"

	if plainLeadsHTML(plain, htmlBody) {
		t.Error("html branch carrying the full opening text misread as a stub")
	}
}

func TestDecodeAttachments(t *testing.T) {
	root := &Part{
		MimeType: "multipart/mixed",
		Parts: []*Part{
			textPart("text/plain", "see attached"),
			{
				MimeType:     "application/pdf",
				Filename:     "report.pdf",
				AttachmentID: "att-123",
				Size:         2048,
			},
			{
				// Filename without a body reference is not fetchable.
				MimeType: "image/png",
				Filename: "logo.png",
			},
		},
	}

	atts := DecodeAttachments(root)
	if len(atts) != 1 {
		t.Fatalf("got %d attachments; want 1", len(atts))
	}
	if atts[0].Filename != "report.pdf" || atts[0].AttachmentID != "att-123" {
		t.Errorf("unexpected attachment %+v", atts[0])
	}
}

func TestUnfoldHeader(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Simple value", "Simple value"},
		{"Folded\r\n value", "Folded value"},
		{"Folded\r value", "Folded value"},
		{"Folded\n\tacross\n lines", "Folded across lines"},
		{"Trailing \r\n whitespace  ", "Trailing whitespace"},
	}
	for _, tt := range tests {
		if got := UnfoldHeader(tt.input); got != tt.expected {
			t.Errorf("UnfoldHeader(%q) = %q; want %q", tt.input, got, tt.expected)
		}
	}
}

func TestDecodeHeaderText(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Plain subject", "Plain subject"},
		{"=?UTF-8?B?44OG44K544OI44Gn44GZ44CC?=", "テストです。"},
		{"=?UTF-8?Q?caf=C3=A9?=", "café"},
	}
	for _, tt := range tests {
		if got := DecodeHeaderText(tt.input); got != tt.expected {
			t.Errorf("DecodeHeaderText(%q) = %q; want %q", tt.input, got, tt.expected)
		}
	}
}

func TestHeadersGetIsCaseInsensitive(t *testing.T) {
	h := Headers{
		{Name: "List-Unsubscribe", Value: "<https://example.com/u>"},
		{Name: "subject", Value: "hello"},
	}
	if got := h.Get("LIST-UNSUBSCRIBE"); got != "<https://example.com/u>" {
		t.Errorf("Get = %q", got)
	}
	if !h.Has("Subject") {
		t.Error("Has(Subject) = false")
	}
	if h.Has("X-Missing") {
		t.Error("Has(X-Missing) = true")
	}
}
