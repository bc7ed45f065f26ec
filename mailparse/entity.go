package mailparse

import (
	"fmt"
	"io"
	"strconv"

	"github.com/emersion/go-message"
)

// FromEntity normalizes a parsed RFC 822 entity (the IMAP fetch path) into
// a Part tree. Attachment leaves keep an IMAP body section path (e.g.
// "2.1") as their AttachmentID so the content can be fetched on demand
// with BODY[path] later; their bytes are not retained here.
func FromEntity(e *message.Entity) (*Part, error) {
	return fromEntity(e, "")
}

func fromEntity(e *message.Entity, path string) (*Part, error) {
	mimeType, params, err := e.Header.ContentType()
	if err != nil {
		mimeType = "text/plain"
	}

	part := &Part{
		MimeType: mimeType,
		Headers:  headersFromEntity(e),
	}

	disp, dispParams, _ := e.Header.ContentDisposition()
	if dispParams != nil {
		part.Filename = DecodeHeaderText(dispParams["filename"])
	}
	if part.Filename == "" && params != nil {
		part.Filename = DecodeHeaderText(params["name"])
	}
	part.ContentID = e.Header.Get("Content-Id")

	if mr := e.MultipartReader(); mr != nil {
		for i := 1; ; i++ {
			sub, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("read multipart: %w", err)
			}
			childPath := strconv.Itoa(i)
			if path != "" {
				childPath = path + "." + childPath
			}
			child, err := fromEntity(sub, childPath)
			if err != nil {
				return nil, err
			}
			part.Parts = append(part.Parts, child)
		}
		return part, nil
	}

	if disp == "attachment" || (part.Filename != "" && disp != "inline") {
		section := path
		if section == "" {
			section = "1"
		}
		part.AttachmentID = section
		n, err := io.Copy(io.Discard, e.Body)
		if err == nil {
			part.Size = n
		}
		return part, nil
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, fmt.Errorf("read part body: %w", err)
	}
	part.Body = body
	part.Size = int64(len(body))
	return part, nil
}

func headersFromEntity(e *message.Entity) Headers {
	var out Headers
	fields := e.Header.Fields()
	for fields.Next() {
		out = append(out, Header{Name: fields.Key(), Value: fields.Value()})
	}
	return out
}
