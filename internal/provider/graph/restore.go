package graph

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"time"

	"github.com/mailarchiver/mailarchiver/internal/store"
)

// pidTagMessageFlags marks the created item as a received message instead
// of a draft (MAPI PR_MESSAGE_FLAGS = MSGFLAG_READ cleared, MSGFLAG_UNSENT
// cleared).
const pidTagMessageFlags = "Integer 0x0E07"

type restoreRecipient struct {
	EmailAddress struct {
		Name    string `json:"name,omitempty"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type extendedProperty struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type restoreMessage struct {
	Subject                       string             `json:"subject"`
	Body                          graphBody          `json:"body"`
	From                          *restoreRecipient  `json:"from,omitempty"`
	ToRecipients                  []restoreRecipient `json:"toRecipients,omitempty"`
	CcRecipients                  []restoreRecipient `json:"ccRecipients,omitempty"`
	BccRecipients                 []restoreRecipient `json:"bccRecipients,omitempty"`
	SentDateTime                  string             `json:"sentDateTime,omitempty"`
	ReceivedDateTime              string             `json:"receivedDateTime,omitempty"`
	InternetMessageID             string             `json:"internetMessageId,omitempty"`
	IsRead                        bool               `json:"isRead"`
	SingleValueExtendedProperties []extendedProperty `json:"singleValueExtendedProperties,omitempty"`
}

type restoreAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	ContentID    string `json:"contentId,omitempty"`
	IsInline     bool   `json:"isInline,omitempty"`
}

// RestoreOne recreates one archived email in the named folder. Inline
// attachments are posted first so cid: references resolve, then regular
// attachments.
func (c *Client) RestoreOne(ctx context.Context, email *store.Email, folder string) error {
	folderID, err := c.folderID(ctx, folder)
	if err != nil {
		// Missing folder falls back to the well-known Inbox.
		c.logger.Info("restore folder missing, using Inbox", "folder", folder)
		folderID = "inbox"
	}

	msg := buildRestoreMessage(email)
	var created struct {
		ID string `json:"id"`
	}
	err = c.post(ctx, c.userPath("/mailFolders/%s/messages", folderID), msg, &created)
	if err != nil {
		return fmt.Errorf("restore create message: %w", err)
	}

	// Inline first, then regular.
	for _, pass := range []bool{true, false} {
		for _, att := range email.Attachments {
			inline := att.ContentID.Valid && att.ContentID.String != ""
			if inline != pass {
				continue
			}
			ra := restoreAttachment{
				ODataType:    "#microsoft.graph.fileAttachment",
				Name:         att.Filename,
				ContentType:  att.ContentType,
				ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
			}
			if inline {
				ra.ContentID = att.ContentID.String
				ra.IsInline = true
			}
			err := c.post(ctx, c.userPath("/messages/%s/attachments", created.ID), ra, nil)
			if err != nil {
				return fmt.Errorf("restore attachment %q: %w", att.Filename, err)
			}
		}
	}
	return nil
}

// RestoreMany restores a batch, reporting progress after each email.
func (c *Client) RestoreMany(ctx context.Context, emails []*store.Email, folder string, report func(done, failed int)) (int, int, error) {
	done, failed := 0, 0
	for _, email := range emails {
		if ctx.Err() != nil {
			return done, failed, ctx.Err()
		}
		if err := c.RestoreOne(ctx, email, folder); err != nil {
			c.logger.Warn("restore failed", "email_id", email.ID, "error", err)
			failed++
		} else {
			done++
		}
		report(done, failed)
		if c.config.PauseBetweenEmails > 0 {
			sleepCtx(ctx, c.config.PauseBetweenEmails)
		}
	}
	return done, failed, nil
}

func buildRestoreMessage(email *store.Email) *restoreMessage {
	msg := &restoreMessage{
		Subject:           email.Subject,
		From:              toRestoreRecipient(email.From),
		ToRecipients:      toRestoreRecipients(email.To),
		CcRecipients:      toRestoreRecipients(email.Cc),
		BccRecipients:     toRestoreRecipients(email.Bcc),
		InternetMessageID: email.MessageID,
		IsRead:            false,
		SingleValueExtendedProperties: []extendedProperty{
			{ID: pidTagMessageFlags, Value: "1"},
		},
	}
	if !email.SentDate.IsZero() {
		msg.SentDateTime = email.SentDate.UTC().Format(time.RFC3339)
	}
	if !email.ReceivedDate.IsZero() {
		msg.ReceivedDateTime = email.ReceivedDate.UTC().Format(time.RFC3339)
	}

	// HTML preferred, original bytes preferred over capped columns.
	switch {
	case len(email.OriginalHTMLBytes) > 0:
		msg.Body = graphBody{ContentType: "html", Content: string(email.OriginalHTMLBytes)}
	case email.HTMLBody != "":
		msg.Body = graphBody{ContentType: "html", Content: email.HTMLBody}
	case len(email.OriginalPlainBytes) > 0:
		msg.Body = graphBody{ContentType: "text", Content: string(email.OriginalPlainBytes)}
	default:
		msg.Body = graphBody{ContentType: "text", Content: email.Body}
	}
	return msg
}

func toRestoreRecipient(header string) *restoreRecipient {
	list := toRestoreRecipients(header)
	if len(list) == 0 {
		return nil
	}
	return &list[0]
}

func toRestoreRecipients(header string) []restoreRecipient {
	if header == "" {
		return nil
	}
	parsed, err := mail.ParseAddressList(header)
	if err != nil {
		return nil
	}
	out := make([]restoreRecipient, 0, len(parsed))
	for _, a := range parsed {
		var r restoreRecipient
		r.EmailAddress.Name = a.Name
		r.EmailAddress.Address = a.Address
		out = append(out, r)
	}
	return out
}
