// Package mimebuild reassembles archived emails into RFC 5322 messages for
// restore and export.
package mimebuild

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/mailarchiver/mailarchiver/internal/store"
)

// fallbackAddress stands in when a stored header cannot be parsed back
// into an address list. The original header text is kept as the display
// name so nothing is lost.
const fallbackDomain = "restored.invalid"

// Build reconstructs a MIME message from an archived row. Original body
// bytes are preferred over the capped searchable columns, inline
// attachments become linked resources with their Content-ID preserved, and
// the Message-ID round-trips verbatim.
func Build(e *store.Email) ([]byte, error) {
	b := enmime.Builder().
		Subject(e.Subject).
		Date(e.SentDate)

	from := parseOne(e.From, "sender")
	b = b.From(from.Name, from.Address)

	to := parseList(e.To, "recipient")
	b = b.ToAddrs(to)
	if cc := parseList(e.Cc, ""); len(cc) > 0 {
		b = b.CCAddrs(cc)
	}
	if bcc := parseList(e.Bcc, ""); len(bcc) > 0 {
		b = b.BCCAddrs(bcc)
	}

	if e.MessageID != "" {
		b = b.Header("Message-ID", bracketed(e.MessageID))
	}

	text := e.Body
	if len(e.OriginalPlainBytes) > 0 {
		text = string(e.OriginalPlainBytes)
	}
	html := e.HTMLBody
	if len(e.OriginalHTMLBytes) > 0 {
		html = string(e.OriginalHTMLBytes)
	}
	if text != "" {
		b = b.Text([]byte(text))
	}
	if html != "" {
		b = b.HTML([]byte(html))
	}
	if text == "" && html == "" {
		b = b.Text([]byte{})
	}

	for _, att := range e.Attachments {
		if att.ContentID.Valid && att.ContentID.String != "" {
			b = b.AddInline(att.Content, att.ContentType, att.Filename, att.ContentID.String)
		} else {
			b = b.AddAttachment(att.Content, att.ContentType, att.Filename)
		}
	}

	part, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build mime for email %d: %w", e.ID, err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode mime for email %d: %w", e.ID, err)
	}
	return buf.Bytes(), nil
}

// bracketed returns the Message-ID in angle-bracket form.
func bracketed(id string) string {
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}

// parseOne parses a single stored address header, falling back to a
// synthetic address that keeps the raw text as the display name.
func parseOne(header, role string) mail.Address {
	if list := parseList(header, role); len(list) > 0 {
		return list[0]
	}
	return mail.Address{Name: header, Address: role + "@" + fallbackDomain}
}

// parseList parses a stored address-list header. Unparseable non-empty
// headers degrade to one synthetic entry; empty headers yield nil unless a
// role demands a placeholder.
func parseList(header, role string) []mail.Address {
	header = strings.TrimSpace(header)
	if header == "" {
		if role == "" {
			return nil
		}
		return []mail.Address{{Address: role + "@" + fallbackDomain}}
	}
	parsed, err := mail.ParseAddressList(header)
	if err != nil || len(parsed) == 0 {
		if role == "" {
			role = "unknown"
		}
		return []mail.Address{{Name: header, Address: role + "@" + fallbackDomain}}
	}
	out := make([]mail.Address, 0, len(parsed))
	for _, a := range parsed {
		out = append(out, *a)
	}
	return out
}
