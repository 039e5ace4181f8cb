// Package normalize converts parsed mail messages into archive rows:
// text cleaning, UTF-8 repair, date extraction, size capping and dedup
// fingerprinting.
package normalize

import (
	"database/sql"
	"time"

	"github.com/mailarchiver/mailarchiver/internal/store"
	"github.com/mailarchiver/mailarchiver/internal/textutil"
)

// Normalizer turns parsed messages into draft archive rows. Sent dates are
// converted to the configured display zone before storage; received dates
// stay in UTC.
type Normalizer struct {
	display *time.Location

	// now is overridable for tests.
	now func() time.Time
}

// New returns a Normalizer storing sent-dates in the given zone. A nil
// location means UTC.
func New(display *time.Location) *Normalizer {
	if display == nil {
		display = time.UTC
	}
	return &Normalizer{display: display, now: time.Now}
}

// Normalize produces a draft archive row for the message. The returned
// email carries the account id, the dedup fingerprint in MessageID, capped
// searchable fields with original bytes preserved where capping or NUL
// stripping lost content, and the draft attachments.
func (n *Normalizer) Normalize(account *store.MailAccount, msg *Message, folder string) *store.Email {
	subject := cleanField(msg.Subject, MaxSubjectBytes)
	from := cleanField(msg.From, MaxFromBytes)
	to := cleanField(msg.To, MaxAddressBytes)
	cc := cleanField(msg.Cc, MaxAddressBytes)
	bcc := cleanField(msg.Bcc, MaxAddressBytes)

	sent := ExtractSentDate(msg.DateHeader, msg.ReceivedHeaders, msg.ResentDate)
	if !sent.IsZero() {
		sent = sent.In(n.display)
	}

	received := msg.InternalDate
	if received.IsZero() {
		received = n.now()
	}
	received = received.UTC()

	body, originalPlain := n.normalizeBody(msg.BestBodyText())
	htmlBody, originalHTML := n.normalizeHTML(msg.BodyHTML)

	// Final budget pass: the six searchable fields together must stay
	// under the full-text index ceiling. The body absorbs the overshoot.
	total := len(subject) + len(from) + len(to) + len(cc) + len(bcc) + len(body)
	if total > MaxSearchableBytes {
		keep := len(body) - (total - MaxSearchableBytes)
		if keep < 0 {
			keep = 0
		}
		if originalPlain == nil {
			originalPlain = []byte(msg.BestBodyText())
		}
		body, _ = CapBody(body, keep)
	}

	email := &store.Email{
		AccountID:          account.ID,
		MessageID:          Fingerprint(msg.MessageID, from, to, subject, sent),
		Subject:            subject,
		From:               from,
		To:                 to,
		Cc:                 cc,
		Bcc:                bcc,
		SentDate:           sent,
		ReceivedDate:       received,
		IsOutgoing:         IsOutgoing(from, account.Email, folder),
		HasAttachments:     len(msg.Attachments) > 0,
		FolderName:         folder,
		Body:               body,
		HTMLBody:           htmlBody,
		OriginalPlainBytes: originalPlain,
		OriginalHTMLBytes:  originalHTML,
	}

	if raw := CapRawHeaders(msg.RawHeaders); raw != "" {
		email.RawHeaders = sql.NullString{String: raw, Valid: true}
	}

	for _, att := range msg.Attachments {
		stored := store.Attachment{
			Filename:    textutil.EnsureUTF8(att.Filename),
			ContentType: att.ContentType,
			Content:     att.Content,
			Size:        int64(len(att.Content)),
		}
		if att.ContentID != "" {
			stored.ContentID = sql.NullString{String: att.ContentID, Valid: true}
		}
		email.Attachments = append(email.Attachments, stored)
	}

	return email
}

// normalizeBody cleans and caps the plain-text body. The original bytes are
// returned alongside when capping or NUL stripping changed the content.
func (n *Normalizer) normalizeBody(text string) (string, []byte) {
	if text == "" {
		return "", nil
	}
	hadNUL := ContainsNUL(text)
	cleaned := CleanText(textutil.EnsureUTF8(text))
	capped, truncated := CapBody(cleaned, MaxBodyBytes)
	if truncated || hadNUL {
		return capped, []byte(text)
	}
	return capped, nil
}

// normalizeHTML cleans and caps the HTML body at a tag boundary.
func (n *Normalizer) normalizeHTML(html string) (string, []byte) {
	if html == "" {
		return "", nil
	}
	hadNUL := ContainsNUL(html)
	cleaned := CleanText(textutil.EnsureUTF8(html))
	capped, truncated := TruncateHTML(cleaned, MaxHTMLBodyBytes)
	if truncated || hadNUL {
		return capped, []byte(html)
	}
	return capped, nil
}

// cleanField repairs, cleans and caps a header field.
func cleanField(s string, max int) string {
	capped, _ := CapField(CleanText(textutil.EnsureUTF8(s)), max)
	return capped
}
