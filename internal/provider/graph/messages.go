package graph

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/mailarchiver/mailarchiver/internal/normalize"
	"github.com/mailarchiver/mailarchiver/internal/provider"
)

const (
	// richSelect is the full column list for the primary listing attempt.
	richSelect = "id,subject,from,toRecipients,ccRecipients,bccRecipients," +
		"sentDateTime,receivedDateTime,lastModifiedDateTime," +
		"internetMessageId,body,hasAttachments,isDraft"

	// narrowSelect is the fallback when the server rejects the rich query
	// as too complex. Missing pieces are fetched per message afterwards.
	narrowSelect = "id,subject,receivedDateTime,lastModifiedDateTime,internetMessageId"

	// permissiveWindow is the retry filter width when the primary filter
	// yields nothing but the folder is not empty.
	permissiveWindow = 30 * 24 * time.Hour
)

type graphRecipient struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphMessage struct {
	ID                   string           `json:"id"`
	Subject              string           `json:"subject"`
	From                 *graphRecipient  `json:"from"`
	ToRecipients         []graphRecipient `json:"toRecipients"`
	CcRecipients         []graphRecipient `json:"ccRecipients"`
	BccRecipients        []graphRecipient `json:"bccRecipients"`
	SentDateTime         string           `json:"sentDateTime"`
	ReceivedDateTime     string           `json:"receivedDateTime"`
	LastModifiedDateTime string           `json:"lastModifiedDateTime"`
	InternetMessageID    string           `json:"internetMessageId"`
	Body                 *graphBody       `json:"body"`
	HasAttachments       bool             `json:"hasAttachments"`
	IsDraft              bool             `json:"isDraft"`
}

type messagePage struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

// FetchFolder streams messages modified since the watermark. The listing
// de-escalates through the documented ladder; the since filter is
// re-applied client-side because some tenants ignore $filter.
func (c *Client) FetchFolder(ctx context.Context, folder string, since time.Time, handle provider.MessageHandler) error {
	folderID, err := c.folderID(ctx, folder)
	if err != nil {
		return err
	}

	page, err := c.listMessages(ctx, folderID, since)
	if err != nil {
		return fmt.Errorf("list messages in %q: %w", folder, err)
	}

	for page != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for i := range page.Value {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			gm := &page.Value[i]

			// Some tenants ignore the filter entirely.
			if !since.IsZero() && !c.modifiedSince(gm, since) {
				continue
			}

			if gm.Body == nil || gm.Body.Content == "" {
				full, err := c.getMessage(ctx, gm.ID)
				if err != nil {
					c.logger.Warn("full message fetch failed",
						"id", gm.ID, "error", err)
				} else {
					gm = full
				}
			}

			msg, err := c.toMessage(ctx, gm)
			if err != nil {
				c.logger.Warn("message conversion failed", "id", gm.ID, "error", err)
				continue
			}
			if err := handle(msg); err != nil {
				return err
			}
			if c.config.PauseBetweenEmails > 0 {
				sleepCtx(ctx, c.config.PauseBetweenEmails)
			}
		}

		if page.NextLink == "" {
			break
		}
		if c.config.PauseBetweenBatches > 0 {
			sleepCtx(ctx, c.config.PauseBetweenBatches)
		}
		var nextPage messagePage
		if err := c.getURL(ctx, page.NextLink, &nextPage); err != nil {
			return fmt.Errorf("follow nextLink in %q: %w", folder, err)
		}
		page = &nextPage
	}
	return nil
}

// listMessages runs the first page query with the de-escalation ladder:
// rich filter, empty-result probe with a permissive window, narrow select
// on rejection, and finally no filter at all.
func (c *Client) listMessages(ctx context.Context, folderID string, since time.Time) (*messagePage, error) {
	filter := ""
	if !since.IsZero() {
		filter = "lastModifiedDateTime ge " + since.UTC().Format(time.RFC3339)
	}

	page, err := c.queryMessages(ctx, folderID, filter, richSelect)
	if err == nil && len(page.Value) == 0 && filter != "" {
		// Empty result: probe whether the folder itself is empty or the
		// filter was too restrictive.
		probe, probeErr := c.queryMessagesTop1(ctx, folderID)
		if probeErr == nil && len(probe.Value) > 0 {
			permissive := "lastModifiedDateTime ge " +
				time.Now().Add(-permissiveWindow).UTC().Format(time.RFC3339)
			c.logger.Debug("filter returned nothing for populated folder, widening",
				"folder_id", folderID)
			page, err = c.queryMessages(ctx, folderID, permissive, richSelect)
		}
	}
	if err != nil && isFilterRejection(err) {
		c.logger.Debug("rich query rejected, narrowing select", "error", err)
		page, err = c.queryMessages(ctx, folderID, filter, narrowSelect)
	}
	if err != nil {
		c.logger.Debug("filtered query rejected, dropping filter", "error", err)
		page, err = c.queryMessages(ctx, folderID, "", narrowSelect)
	}
	return page, err
}

func (c *Client) queryMessages(ctx context.Context, folderID, filter, sel string) (*messagePage, error) {
	query := url.Values{}
	query.Set("$top", fmt.Sprintf("%d", c.config.batchSize()))
	query.Set("$select", sel)
	if filter != "" {
		query.Set("$filter", filter)
	}
	var page messagePage
	err := c.get(ctx, c.userPath("/mailFolders/%s/messages", folderID)+"?"+query.Encode(), &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) queryMessagesTop1(ctx context.Context, folderID string) (*messagePage, error) {
	var page messagePage
	err := c.get(ctx, c.userPath("/mailFolders/%s/messages?$top=1&$select=id", folderID), &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) getMessage(ctx context.Context, id string) (*graphMessage, error) {
	var gm graphMessage
	err := c.get(ctx, c.userPath("/messages/%s?$select=", id)+url.QueryEscape(richSelect), &gm)
	if err != nil {
		return nil, err
	}
	return &gm, nil
}

func (c *Client) modifiedSince(gm *graphMessage, since time.Time) bool {
	t, err := time.Parse(time.RFC3339, gm.LastModifiedDateTime)
	if err != nil {
		// Unknown modification time: keep the message rather than lose it.
		return true
	}
	return !t.Before(since)
}

// toMessage converts a Graph payload into the normalizer's input shape.
// Attachments are always fetched because hasAttachments under-reports
// inline parts.
func (c *Client) toMessage(ctx context.Context, gm *graphMessage) (*normalize.Message, error) {
	msg := &normalize.Message{
		MessageID:  gm.InternetMessageID,
		Subject:    gm.Subject,
		To:         formatRecipients(gm.ToRecipients),
		Cc:         formatRecipients(gm.CcRecipients),
		Bcc:        formatRecipients(gm.BccRecipients),
		DateHeader: gm.SentDateTime,
	}
	if gm.From != nil {
		msg.From = formatRecipients([]graphRecipient{*gm.From})
	}
	if t, err := time.Parse(time.RFC3339, gm.ReceivedDateTime); err == nil {
		msg.InternalDate = t
	}
	if gm.Body != nil {
		if strings.EqualFold(gm.Body.ContentType, "html") {
			msg.BodyHTML = gm.Body.Content
		} else {
			msg.BodyText = gm.Body.Content
		}
	}

	atts, err := c.fetchAttachments(ctx, gm.ID)
	if err != nil {
		return nil, err
	}
	msg.Attachments = atts
	return msg, nil
}

func formatRecipients(recipients []graphRecipient) string {
	parts := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r.EmailAddress.Address == "" && r.EmailAddress.Name == "" {
			continue
		}
		a := mail.Address{Name: r.EmailAddress.Name, Address: r.EmailAddress.Address}
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentID    string `json:"contentId"`
	ContentBytes string `json:"contentBytes"`
	IsInline     bool   `json:"isInline"`
}

// fetchAttachments pulls every attachment of a message. Content-IDs are
// stored without angle brackets so HTML cid: references match.
func (c *Client) fetchAttachments(ctx context.Context, messageID string) ([]normalize.Attachment, error) {
	var resp struct {
		Value    []graphAttachment `json:"value"`
		NextLink string            `json:"@odata.nextLink"`
	}
	if err := c.get(ctx, c.userPath("/messages/%s/attachments", messageID), &resp); err != nil {
		return nil, fmt.Errorf("fetch attachments for %s: %w", messageID, err)
	}

	var out []normalize.Attachment
	for {
		for _, ga := range resp.Value {
			if ga.ContentBytes == "" {
				continue // item or reference attachments carry no bytes
			}
			content, err := base64.StdEncoding.DecodeString(ga.ContentBytes)
			if err != nil {
				c.logger.Warn("undecodable attachment skipped",
					"message_id", messageID, "name", ga.Name, "error", err)
				continue
			}
			out = append(out, normalize.Attachment{
				Filename:    ga.Name,
				ContentType: ga.ContentType,
				ContentID:   strings.Trim(ga.ContentID, "<>"),
				Content:     content,
				IsInline:    ga.IsInline || ga.ContentID != "",
			})
		}
		if resp.NextLink == "" {
			break
		}
		next := resp.NextLink
		resp.Value = nil
		resp.NextLink = ""
		if err := c.getURL(ctx, next, &resp); err != nil {
			return nil, fmt.Errorf("fetch attachments page for %s: %w", messageID, err)
		}
	}
	return out, nil
}

// sleepCtx pauses for d or until cancellation.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
