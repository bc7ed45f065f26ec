package mailparse

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DecodedBody is the canonical body pair extracted from a part tree.
type DecodedBody struct {
	HTML  string
	Plain string
}

// AttachmentMeta describes an attachment leaf. Content is never decoded
// here; the provider body reference is kept for a later on-demand fetch.
type AttachmentMeta struct {
	Filename     string
	MimeType     string
	Size         int64
	AttachmentID string
	ContentID    string
}

var tagPattern = regexp.MustCompile(`(?s)<[^>]*>`)

// DecodeBody walks the part tree and picks the canonical HTML and plain
// bodies. Forwarded and quoted threads produce several leaves of the same
// type; the longest one is the real message.
//
// Some clients (notably Apple Mail) invert the standard nesting and ship
// multipart/alternative containing multipart/mixed, burying the message in
// the plain branch while the "rich" HTML branch is an attachment-only stub.
// When that shape is detected, or when the plain text opens with content
// the HTML does not contain, the plain text wins and is re-wrapped as a
// <pre> block for display.
func DecodeBody(root *Part) DecodedBody {
	if root == nil {
		return DecodedBody{}
	}

	var htmlLeaves, plainLeaves []string
	collectText(root, &htmlLeaves, &plainLeaves)

	body := DecodedBody{
		HTML:  longest(htmlLeaves),
		Plain: longest(plainLeaves),
	}

	if body.Plain != "" && (hasInvertedNesting(root) || plainLeadsHTML(body.Plain, body.HTML)) {
		body.HTML = "<pre>" + html.EscapeString(body.Plain) + "</pre>"
	}
	return body
}

// DecodeAttachments collects attachment metadata from every leaf that
// carries both a filename and a provider body reference.
func DecodeAttachments(root *Part) []AttachmentMeta {
	if root == nil {
		return nil
	}
	var out []AttachmentMeta
	walk(root, func(p *Part) {
		if p.IsAttachment() {
			out = append(out, AttachmentMeta{
				Filename:     p.Filename,
				MimeType:     p.MimeType,
				Size:         p.Size,
				AttachmentID: p.AttachmentID,
				ContentID:    p.ContentID,
			})
		}
	})
	return out
}

func walk(p *Part, fn func(*Part)) {
	fn(p)
	for _, child := range p.Parts {
		walk(child, fn)
	}
}

func collectText(p *Part, htmlLeaves, plainLeaves *[]string) {
	walk(p, func(part *Part) {
		if part.IsAttachment() || len(part.Body) == 0 {
			return
		}
		mt := strings.ToLower(part.MimeType)
		switch {
		case strings.HasPrefix(mt, "text/html"):
			*htmlLeaves = append(*htmlLeaves, string(part.Body))
		case strings.HasPrefix(mt, "text/plain"):
			*plainLeaves = append(*plainLeaves, string(part.Body))
		}
	})
}

func longest(candidates []string) string {
	best := ""
	for _, c := range candidates {
		if len(c) > len(best) {
			best = c
		}
	}
	return best
}

// hasInvertedNesting detects the Apple Mail shape: a multipart/alternative
// root with a multipart/mixed child. Standard structure is the reverse.
func hasInvertedNesting(root *Part) bool {
	if !strings.HasPrefix(strings.ToLower(root.MimeType), "multipart/alternative") {
		return false
	}
	for _, child := range root.Parts {
		if strings.HasPrefix(strings.ToLower(child.MimeType), "multipart/mixed") {
			return true
		}
	}
	return false
}

// plainLeadsHTML reports whether the opening of the plain text carries
// substantial content absent from the tag-stripped HTML. That indicates
// the HTML branch is a stub and the plain branch holds the real message.
func plainLeadsHTML(plain, htmlBody string) bool {
	if htmlBody == "" {
		return true
	}
	lead := strings.TrimSpace(plain)
	if idx := strings.IndexByte(lead, '\n'); idx >= 0 {
		lead = lead[:idx]
	}
	if len(lead) > 50 {
		// Back off to a rune boundary so the comparison below never sees
		// a truncated multi-byte character.
		cut := 50
		for cut > 0 && !utf8.RuneStart(lead[cut]) {
			cut--
		}
		lead = lead[:cut]
	}
	lead = strings.TrimSpace(lead)
	if len(lead) < 10 {
		return false
	}
	stripped := normalizeSpace(tagPattern.ReplaceAllString(htmlBody, " "))
	return !strings.Contains(stripped, normalizeSpace(lead))
}

// StripTags reduces an HTML body to its text content with collapsed
// whitespace. Used for previews when no plain part exists.
func StripTags(htmlBody string) string {
	return normalizeSpace(tagPattern.ReplaceAllString(htmlBody, " "))
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(html.UnescapeString(s)), " ")
}
