package mailparse

import "strings"

// Part is one node of a MIME part tree. A part is either a leaf (has
// decoded body bytes, or an attachment reference in place of them) or a
// container (has sub-parts). Provider payloads are normalized into this
// shape before decoding so quirks are handled once, here.
type Part struct {
	MimeType     string
	Filename     string
	Headers      Headers
	Body         []byte // decoded leaf bytes, nil for containers and attachments
	AttachmentID string // provider-side body reference for lazily-fetched content
	ContentID    string // inline marker
	Size         int64
	Parts        []*Part
}

// IsContainer reports whether the part carries sub-parts.
func (p *Part) IsContainer() bool {
	return len(p.Parts) > 0 || strings.HasPrefix(strings.ToLower(p.MimeType), "multipart/")
}

// IsAttachment reports whether the part is an attachment leaf: it must
// carry both a filename and a provider body reference. Inline body bytes
// alone do not make an attachment.
func (p *Part) IsAttachment() bool {
	return p.Filename != "" && p.AttachmentID != ""
}

// Header is a single raw header line, name and value.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list with case-insensitive lookup.
type Headers []Header

// Get returns the first value for name, unfolded. Lookup is
// case-insensitive per RFC 2822.
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return UnfoldHeader(hdr.Value)
		}
	}
	return ""
}

// Has reports whether a header with the given name is present.
func (h Headers) Has(name string) bool {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return true
		}
	}
	return false
}
