package imapcli

import (
	"context"
	"fmt"
	"strings"
	"time"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/mailarchiver/mailarchiver/internal/mimebuild"
	"github.com/mailarchiver/mailarchiver/internal/store"
)

const restoreAttempts = 3

// RestoreOne appends one archived email to the named folder, falling back
// to INBOX when the folder does not exist on the server.
func (c *Client) RestoreOne(ctx context.Context, email *store.Email, folder string) error {
	raw, err := mimebuild.Build(email)
	if err != nil {
		return err
	}
	return c.withConn(ctx, func(conn *imapclient.Client) error {
		return c.appendMessage(conn, email, folder, raw)
	})
}

// RestoreMany restores a batch over the shared connection. Each email gets
// up to three attempts with linearly increasing backoff; the connection is
// re-established between attempts. report is called after every email.
func (c *Client) RestoreMany(ctx context.Context, emails []*store.Email, folder string, report func(done, failed int)) (int, int, error) {
	done, failed := 0, 0
	for _, email := range emails {
		if ctx.Err() != nil {
			return done, failed, ctx.Err()
		}

		raw, err := mimebuild.Build(email)
		if err != nil {
			c.logger.Warn("restore build failed", "email_id", email.ID, "error", err)
			failed++
			report(done, failed)
			continue
		}

		var lastErr error
		for attempt := 1; attempt <= restoreAttempts; attempt++ {
			lastErr = c.withConn(ctx, func(conn *imapclient.Client) error {
				return c.appendMessage(conn, email, folder, raw)
			})
			if lastErr == nil {
				break
			}
			c.logger.Warn("restore append failed, reconnecting",
				"email_id", email.ID, "attempt", attempt, "error", lastErr)
			c.mu.Lock()
			_ = c.reconnect(ctx)
			c.mu.Unlock()
			if attempt < restoreAttempts {
				sleepCtx(ctx, time.Duration(attempt)*time.Second)
			}
		}
		if lastErr != nil {
			failed++
		} else {
			done++
		}
		report(done, failed)
	}
	return done, failed, nil
}

// appendMessage APPENDs raw with \Seen, falling back to INBOX when the
// target folder is missing. Caller holds mu via withConn.
func (c *Client) appendMessage(conn *imapclient.Client, email *store.Email, folder string, raw []byte) error {
	target := folder
	if target == "" {
		target = "INBOX"
	}
	err := doAppend(conn, target, email.SentDate, raw)
	if err != nil && target != "INBOX" && isMissingFolder(err) {
		c.logger.Info("restore folder missing, using INBOX", "folder", target)
		err = doAppend(conn, "INBOX", email.SentDate, raw)
	}
	if err != nil {
		return fmt.Errorf("APPEND to %q: %w", target, err)
	}
	return nil
}

func doAppend(conn *imapclient.Client, folder string, sent time.Time, raw []byte) error {
	opts := &imap.AppendOptions{Flags: []imap.Flag{imap.FlagSeen}}
	if !sent.IsZero() {
		opts.Time = sent
	}
	cmd := conn.Append(folder, int64(len(raw)), opts)
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return err
	}
	if err := cmd.Close(); err != nil {
		return err
	}
	_, err := cmd.Wait()
	return err
}

// isMissingFolder sniffs server responses for a nonexistent-mailbox error.
func isMissingFolder(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "trycreate") ||
		strings.Contains(s, "nonexistent") ||
		strings.Contains(s, "no such") ||
		strings.Contains(s, "does not exist") ||
		strings.Contains(s, "not found")
}
