package imapcli

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/mailarchiver/mailarchiver/internal/normalize"
	"github.com/mailarchiver/mailarchiver/internal/provider"
)

// DeleteOldEmails removes messages sent before cutoff from every folder,
// but only those whose fingerprint exists in the archive. Unarchived mail
// is never deleted. Returns the number of messages expunged.
func (c *Client) DeleteOldEmails(ctx context.Context, cutoff time.Time, archived provider.ArchivedFunc) (int, error) {
	folders, err := c.ListFolders(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, folder := range folders {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := c.deleteOldInFolder(ctx, folder, cutoff, archived)
		total += n
		if err != nil {
			c.logger.Warn("retention delete failed for folder",
				"folder", folder, "error", err)
		}
	}
	return total, nil
}

func (c *Client) deleteOldInFolder(ctx context.Context, folder string, cutoff time.Time, archived provider.ArchivedFunc) (int, error) {
	deleted := 0
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		if _, err := c.selectFolder(folder, false); err != nil {
			return err
		}

		data, err := conn.UIDSearch(&imap.SearchCriteria{SentBefore: cutoff},
			&imap.SearchOptions{ReturnAll: true}).Wait()
		if err != nil {
			return fmt.Errorf("SEARCH SENTBEFORE: %w", err)
		}
		uidSet, ok := data.All.(imap.UIDSet)
		if !ok {
			return nil
		}
		uids, _ := uidSet.Nums()
		if len(uids) == 0 {
			return nil
		}

		fetchOpts := &imap.FetchOptions{
			UID:          true,
			Envelope:     true,
			InternalDate: true,
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

			var fetchSet imap.UIDSet
			for _, uid := range uids[start:end] {
				fetchSet.AddNum(uid)
			}
			msgs, err := conn.Fetch(fetchSet, fetchOpts).Collect()
			if err != nil {
				return fmt.Errorf("retention FETCH: %w", err)
			}

			var doomed imap.UIDSet
			doomedCount := 0
			for _, m := range msgs {
				if m.Envelope == nil {
					continue
				}
				fp := envelopeFingerprint(m.Envelope)
				ok, err := archived(ctx, fp)
				if err != nil {
					return fmt.Errorf("archive check for %q: %w", fp, err)
				}
				if ok {
					doomed.AddNum(m.UID)
					doomedCount++
				}
			}
			if doomedCount == 0 {
				continue
			}

			if err := conn.Store(doomed, &imap.StoreFlags{
				Op:     imap.StoreFlagsAdd,
				Silent: true,
				Flags:  []imap.Flag{imap.FlagDeleted},
			}, nil).Close(); err != nil {
				return fmt.Errorf("STORE \\Deleted: %w", err)
			}
			if err := conn.UIDExpunge(doomed).Close(); err != nil {
				return fmt.Errorf("UID EXPUNGE: %w", err)
			}
			deleted += doomedCount
		}
		return nil
	})
	return deleted, err
}

// envelopeFingerprint derives the same fingerprint the normalizer computed
// at archive time, from envelope data alone.
func envelopeFingerprint(env *imap.Envelope) string {
	if id := strings.TrimSpace(env.MessageID); id != "" && id != "<>" {
		return id
	}
	return normalize.Fingerprint("", formatIMAPAddresses(env.From),
		formatIMAPAddresses(env.To), env.Subject, env.Date)
}

// formatIMAPAddresses renders envelope addresses the way parsed headers
// store them, so generated fingerprints line up.
func formatIMAPAddresses(addrs []imap.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		m := mail.Address{Name: a.Name, Address: a.Addr()}
		parts = append(parts, m.String())
	}
	return strings.Join(parts, ", ")
}
