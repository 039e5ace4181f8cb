package graph

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mailarchiver/mailarchiver/internal/normalize"
	"github.com/mailarchiver/mailarchiver/internal/provider"
)

// DeleteOldEmails pages through messages received before cutoff and
// deletes each one whose fingerprint is archived. Graph has no batch
// delete; messages go one DELETE at a time with inter-page pauses.
func (c *Client) DeleteOldEmails(ctx context.Context, cutoff time.Time, archived provider.ArchivedFunc) (int, error) {
	query := url.Values{}
	query.Set("$top", fmt.Sprintf("%d", c.config.batchSize()))
	query.Set("$select", "id,internetMessageId,subject,from,toRecipients,sentDateTime")
	query.Set("$filter", "receivedDateTime lt "+cutoff.UTC().Format(time.RFC3339))

	deleted := 0
	next := c.baseURL + c.userPath("/messages") + "?" + query.Encode()
	for next != "" {
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}
		var page messagePage
		if err := c.getURL(ctx, next, &page); err != nil {
			return deleted, fmt.Errorf("retention list: %w", err)
		}

		for i := range page.Value {
			if ctx.Err() != nil {
				return deleted, ctx.Err()
			}
			gm := &page.Value[i]
			fp := c.messageFingerprint(gm)
			ok, err := archived(ctx, fp)
			if err != nil {
				return deleted, fmt.Errorf("archive check for %q: %w", fp, err)
			}
			if !ok {
				continue // never delete unarchived mail
			}
			if err := c.delete(ctx, c.userPath("/messages/%s", gm.ID)); err != nil {
				c.logger.Warn("retention delete failed", "id", gm.ID, "error", err)
				continue
			}
			deleted++
		}

		next = page.NextLink
		if next != "" && c.config.PauseBetweenBatches > 0 {
			sleepCtx(ctx, c.config.PauseBetweenBatches)
		}
	}
	return deleted, nil
}

// messageFingerprint mirrors the fingerprint computed at archive time.
func (c *Client) messageFingerprint(gm *graphMessage) string {
	if id := strings.TrimSpace(gm.InternetMessageID); id != "" && id != "<>" {
		return id
	}
	var from string
	if gm.From != nil {
		from = formatRecipients([]graphRecipient{*gm.From})
	}
	sent, _ := time.Parse(time.RFC3339, gm.SentDateTime)
	return normalize.Fingerprint("", from, formatRecipients(gm.ToRecipients), gm.Subject, sent)
}
