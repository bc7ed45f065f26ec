package mailparse

import (
	"io"
	"mime"
	"strings"
)

// UnfoldHeader removes RFC 2822 folding from a raw header value: CRLF (or
// bare LF) followed by leading whitespace is collapsed to a single space.
// Folding can split a value mid-token, so this must run before any parsing.
func UnfoldHeader(raw string) string {
	if !strings.ContainsAny(raw, "\r\n") {
		return strings.TrimSpace(raw)
	}

	// Normalize CRLF first, then any stray bare CR, so folding is always
	// a plain newline before splitting.
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	var b strings.Builder
	lines := strings.Split(normalized, "\n")
	for i, line := range lines {
		if i == 0 {
			b.WriteString(strings.TrimRight(line, " \t"))
			continue
		}
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(strings.TrimRight(trimmed, " \t"))
	}
	return strings.TrimSpace(b.String())
}

// DecodeHeaderText decodes RFC 2047 encoded-words in a header value.
// Unknown charsets pass through undecoded rather than failing the message.
func DecodeHeaderText(value string) string {
	dec := new(mime.WordDecoder)
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
