package mailparse

import (
	"errors"
	"regexp"
	"strings"
)

// Sender is the parsed From header.
type Sender struct {
	Name  string
	Email string
}

var (
	ErrInvalidSender = errors.New("invalid sender address")

	// Optional quoted or bare display name followed by an angle-bracketed
	// address, or a bare address on its own.
	angleAddrPattern = regexp.MustCompile(`^\s*(?:"([^"]*)"|([^<]*?))\s*<([^<>\s]+)>\s*$`)
)

// ParseSender extracts the display name and address from a From header.
// The header must already be unfolded. When no display name is present the
// address doubles as the name. Addresses without an @ are rejected.
func ParseSender(fromHeader string) (Sender, error) {
	raw := DecodeHeaderText(UnfoldHeader(fromHeader))
	if raw == "" {
		return Sender{}, ErrInvalidSender
	}

	var name, email string
	if m := angleAddrPattern.FindStringSubmatch(raw); m != nil {
		if m[1] != "" {
			name = m[1]
		} else {
			name = strings.TrimSpace(m[2])
		}
		email = m[3]
	} else {
		email = strings.TrimSpace(raw)
	}

	email = strings.ToLower(strings.Trim(email, "<>"))
	if !strings.Contains(email, "@") {
		return Sender{}, ErrInvalidSender
	}
	if name == "" {
		name = email
	}
	return Sender{Name: name, Email: email}, nil
}
