package normalize

import (
	"bytes"
	"errors"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
)

// Message is a provider-neutral parsed mail message, the input to the
// Normalizer. IMAP and mbox sources build it via Parse; the Graph adapter
// fills it from the REST payload directly.
type Message struct {
	MessageID string
	Subject   string

	// Formatted address lists as they appear in the headers.
	From string
	To   string
	Cc   string
	Bcc  string

	DateHeader      string
	ReceivedHeaders []string // message order, newest first
	ResentDate      string

	// InternalDate is the provider's receive timestamp (IMAP INTERNALDATE,
	// Graph receivedDateTime). Zero means unknown.
	InternalDate time.Time

	RawHeaders string

	BodyText string
	BodyHTML string

	Attachments []Attachment

	Errors []string // non-fatal parse errors
}

// Attachment is a draft attachment prior to persistence.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Content     []byte
	IsInline    bool
}

// Parse parses raw MIME bytes into a Message.
func Parse(raw []byte) (*Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty message")
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	msg := &Message{
		MessageID:       env.GetHeader("Message-ID"),
		Subject:         env.GetHeader("Subject"),
		From:            env.GetHeader("From"),
		To:              env.GetHeader("To"),
		Cc:              env.GetHeader("Cc"),
		Bcc:             env.GetHeader("Bcc"),
		DateHeader:      env.GetHeader("Date"),
		ReceivedHeaders: env.GetHeaderValues("Received"),
		ResentDate:      env.GetHeader("Resent-Date"),
		RawHeaders:      formatRawHeaders(env),
		BodyText:        env.Text,
		BodyHTML:        env.HTML,
	}

	msg.Attachments = append(msg.Attachments, collectParts(env.Attachments, false)...)
	msg.Attachments = append(msg.Attachments, collectParts(env.Inlines, true)...)
	msg.Attachments = append(msg.Attachments, collectParts(env.OtherParts, false)...)

	for _, e := range env.Errors {
		msg.Errors = append(msg.Errors, e.Error())
	}

	return msg, nil
}

// formatRawHeaders renders the header block verbatim as "Name: Value\n"
// lines, capped at the raw header budget.
func formatRawHeaders(env *enmime.Envelope) string {
	var sb strings.Builder
	for _, key := range env.GetHeaderKeys() {
		for _, val := range env.GetHeaderValues(key) {
			sb.WriteString(key)
			sb.WriteString(": ")
			sb.WriteString(val)
			sb.WriteByte('\n')
			if sb.Len() > MaxRawHeaderBytes {
				return CapRawHeaders(sb.String())
			}
		}
	}
	return sb.String()
}

// collectParts converts enmime parts to draft attachments, skipping parts
// that are really body content.
func collectParts(parts []*enmime.Part, inlineList bool) []Attachment {
	var result []Attachment
	for _, part := range parts {
		if !isArchivablePart(part) {
			continue
		}
		inline := inlineList || part.ContentID != "" ||
			baseValue(part.Disposition) == "inline"
		att := Attachment{
			Filename:    part.FileName,
			ContentType: part.ContentType,
			ContentID:   strings.Trim(part.ContentID, "<>"),
			Content:     part.Content,
			IsInline:    inline,
		}
		if att.Filename == "" {
			att.Filename = syntheticFilename(att.ContentID, att.ContentType)
		}
		result = append(result, att)
	}
	return result
}

// isArchivablePart applies the attachment rule: attachment disposition,
// inline disposition, a Content-ID, or an image part that is not body
// content. Plain text/html parts without a filename or disposition are the
// message body, not attachments.
func isArchivablePart(part *enmime.Part) bool {
	disp := baseValue(part.Disposition)
	ctype := baseValue(part.ContentType)

	if disp == "attachment" || disp == "inline" {
		return true
	}
	if part.ContentID != "" {
		return true
	}
	if strings.HasPrefix(ctype, "image/") {
		return true
	}
	if ctype == "text/plain" || ctype == "text/html" {
		return part.FileName != ""
	}
	return part.FileName != "" || len(part.Content) > 0
}

// baseValue strips parameters from a header value, e.g.
// "text/plain; charset=utf-8" becomes "text/plain".
func baseValue(v string) string {
	if idx := strings.Index(v, ";"); idx >= 0 {
		v = v[:idx]
	}
	return strings.ToLower(strings.TrimSpace(v))
}

// mimeExtensions maps common attachment content types to file extensions
// for synthetic filenames.
var mimeExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/jpg":       ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/bmp":       ".bmp",
	"image/webp":      ".webp",
	"image/tiff":      ".tif",
	"image/svg+xml":   ".svg",
	"text/plain":      ".txt",
	"text/html":       ".html",
	"text/calendar":   ".ics",
	"application/pdf": ".pdf",
	"application/zip": ".zip",
	"message/rfc822":  ".eml",
}

var filenameSanitizeRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// syntheticFilename names a nameless part after its Content-ID, or a short
// random suffix when there is none, with an extension from the content type.
func syntheticFilename(contentID, contentType string) string {
	base := filenameSanitizeRe.ReplaceAllString(contentID, "_")
	base = strings.Trim(base, "_")
	if base == "" {
		base = "inline-" + uuid.NewString()[:8]
	}
	ext, ok := mimeExtensions[baseValue(contentType)]
	if !ok {
		ext = ".bin"
	}
	return base + ext
}

// Block tags that become line breaks when HTML is flattened to text.
var blockTagRe = regexp.MustCompile(`(?i)<(/?)(p|div|br|hr|h[1-6]|li|tr|td|th|blockquote|pre|table|ul|ol|dl|dt|dd)[^>]*>`)

var (
	scriptTagRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleTagRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	headTagRe   = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
	htmlTagRe   = regexp.MustCompile(`<[^>]*>`)
)

// StripHTML flattens HTML to readable plain text: script/style/head content
// removed, block elements converted to line breaks, entities decoded,
// whitespace normalized.
func StripHTML(rawHTML string) string {
	text := scriptTagRe.ReplaceAllString(rawHTML, "")
	text = styleTagRe.ReplaceAllString(text, "")
	text = headTagRe.ReplaceAllString(text, "")

	text = blockTagRe.ReplaceAllString(text, "\n")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\u00A0", " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	text = strings.Join(lines, "\n")

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(text)
}

// BestBodyText returns the plain text body, deriving it from the HTML body
// when no text part exists.
func (m *Message) BestBodyText() string {
	if m.BodyText != "" {
		return m.BodyText
	}
	if m.BodyHTML != "" {
		return StripHTML(m.BodyHTML)
	}
	return ""
}
