package imapcli

import (
	"context"
	"fmt"
	"time"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/mailarchiver/mailarchiver/internal/normalize"
	"github.com/mailarchiver/mailarchiver/internal/provider"
)

// skewWindow widens the incremental search window to absorb clock skew
// between client and server.
const skewWindow = 12 * time.Hour

// FetchFolder streams the folder's messages received since the watermark
// through handle. Search de-escalates from SINCE to SENTSINCE to ALL when
// the server rejects criteria, and switches to a sequence-based UID listing
// when the server silently caps SEARCH results.
func (c *Client) FetchFolder(ctx context.Context, folder string, since time.Time, handle provider.MessageHandler) error {
	return c.withConn(ctx, func(conn *imapclient.Client) error {
		selectData, err := c.selectFolder(folder, true)
		if err != nil {
			return err
		}
		var totalInFolder uint32
		if selectData != nil && selectData.NumMessages > 0 {
			totalInFolder = selectData.NumMessages
		}
		if totalInFolder == 0 {
			return nil
		}

		if !since.IsZero() {
			since = since.Add(-skewWindow)
		}

		uids, err := c.searchUIDs(ctx, conn, since, totalInFolder)
		if err != nil {
			return fmt.Errorf("search %q: %w", folder, err)
		}
		if len(uids) == 0 {
			return nil
		}

		return c.fetchMessages(ctx, conn, folder, uids, handle)
	})
}

// searchUIDs runs the UID search with criteria de-escalation and
// server-limit detection. Caller holds mu via withConn.
func (c *Client) searchUIDs(ctx context.Context, conn *imapclient.Client, since time.Time, totalInFolder uint32) ([]imap.UID, error) {
	criteria := []imap.SearchCriteria{
		{Since: since},
		{SentSince: since},
		{},
	}
	if since.IsZero() {
		criteria = []imap.SearchCriteria{{}}
	}

	var (
		uids    []imap.UID
		lastErr error
	)
	for i := range criteria {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		data, err := conn.UIDSearch(&criteria[i], &imap.SearchOptions{ReturnAll: true}).Wait()
		if err != nil {
			lastErr = err
			c.logger.Debug("UID SEARCH rejected, de-escalating criteria",
				"attempt", i, "error", err)
			continue
		}
		uidSet, ok := data.All.(imap.UIDSet)
		if !ok {
			uids = nil
		} else {
			uids, _ = uidSet.Nums()
		}
		lastErr = nil

		// Servers that cap SEARCH results return far fewer hits than the
		// folder holds. A full-window search returning less than the
		// folder total means the cap is active; list every UID by
		// sequence instead.
		fullWindow := criteria[i].Since.IsZero() && criteria[i].SentSince.IsZero()
		if fullWindow && uint32(len(uids)) < totalInFolder {
			c.logger.Warn("server capped SEARCH results, falling back to sequence fetch",
				"reported", totalInFolder, "returned", len(uids))
			return c.listAllUIDs(conn)
		}
		break
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return uids, nil
}

// listAllUIDs fetches only UIDs for the whole folder via sequence set 1:*.
func (c *Client) listAllUIDs(conn *imapclient.Client) ([]imap.UID, error) {
	var seq imap.SeqSet
	seq.AddRange(1, 0) // 1:*
	msgs, err := conn.Fetch(seq, &imap.FetchOptions{UID: true}).Collect()
	if err != nil {
		return nil, fmt.Errorf("sequence FETCH 1:*: %w", err)
	}
	uids := make([]imap.UID, 0, len(msgs))
	for _, m := range msgs {
		if m.UID != 0 {
			uids = append(uids, m.UID)
		}
	}
	return uids, nil
}

// fetchMessages pulls full messages in batches and hands each to handle.
// Per-message handler errors are the caller's to count; fetch-level errors
// abort the folder.
func (c *Client) fetchMessages(ctx context.Context, conn *imapclient.Client, folder string, uids []imap.UID, handle provider.MessageHandler) error {
	fetchOpts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{}},
	}

	batch := c.config.batchSize()
	for start := 0; start < len(uids); start += batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := start + batch
		if end > len(uids) {
			end = len(uids)
		}

		var uidSet imap.UIDSet
		for _, uid := range uids[start:end] {
			uidSet.AddNum(uid)
		}

		msgs, err := conn.Fetch(uidSet, fetchOpts).Collect()
		if err != nil {
			return fmt.Errorf("UID FETCH %q: %w", folder, err)
		}

		for _, buf := range msgs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var raw []byte
			if len(buf.BodySection) > 0 {
				raw = buf.BodySection[0].Bytes
			}
			if len(raw) == 0 {
				continue
			}
			msg, err := normalize.Parse(raw)
			if err != nil {
				c.logger.Warn("unparseable message skipped",
					"folder", folder, "uid", buf.UID, "error", err)
				msg = &normalize.Message{
					Subject:  fmt.Sprintf("[unparseable message uid %d]", buf.UID),
					BodyText: string(raw),
				}
			}
			msg.InternalDate = buf.InternalDate
			if err := handle(msg); err != nil {
				return err
			}
			if c.config.PauseBetweenEmails > 0 {
				sleepCtx(ctx, c.config.PauseBetweenEmails)
			}
		}

		if end < len(uids) && c.config.PauseBetweenBatches > 0 {
			sleepCtx(ctx, c.config.PauseBetweenBatches)
		}
	}
	return nil
}

// sleepCtx pauses for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
