package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Email is one archived message bound to exactly one MailAccount.
type Email struct {
	ID                 int64          `db:"id"`
	AccountID          int64          `db:"mail_account_id"`
	MessageID          string         `db:"message_id"`
	Subject            string         `db:"subject"`
	From               string         `db:"from"`
	To                 string         `db:"to"`
	Cc                 string         `db:"cc"`
	Bcc                string         `db:"bcc"`
	SentDate           time.Time      `db:"sent_date"`
	ReceivedDate       time.Time      `db:"received_date"`
	IsOutgoing         bool           `db:"is_outgoing"`
	HasAttachments     bool           `db:"has_attachments"`
	FolderName         string         `db:"folder_name"`
	IsLocked           bool           `db:"is_locked"`
	Body               string         `db:"body"`
	HTMLBody           string         `db:"html_body"`
	OriginalPlainBytes []byte         `db:"original_plain_bytes"`
	OriginalHTMLBytes  []byte         `db:"original_html_bytes"`
	RawHeaders         sql.NullString `db:"raw_headers"`
	ArchivedAt         time.Time      `db:"archived_at"`

	Attachments []Attachment `db:"-"`
}

// Attachment is bytes attached to exactly one Email. A non-empty ContentID
// marks an inline part.
type Attachment struct {
	ID          int64          `db:"id"`
	EmailID     int64          `db:"email_id"`
	Filename    string         `db:"filename"`
	ContentType string         `db:"content_type"`
	ContentID   sql.NullString `db:"content_id"`
	Content     []byte         `db:"content"`
	Size        int64          `db:"size"`
}

const emailColumns = `id, mail_account_id, message_id, subject, "from", "to", cc, bcc,
	sent_date, received_date, is_outgoing, has_attachments, folder_name, is_locked,
	body, html_body, original_plain_bytes, original_html_bytes, raw_headers, archived_at`

// MessageIDVariants returns the bracketed and unbracketed forms of a
// Message-ID. Both are considered equivalent for fingerprint lookup because
// providers disagree about whether the angle brackets are part of the ID.
func MessageIDVariants(messageID string) []string {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(messageID, "<"), ">")
	if trimmed == messageID {
		return []string{messageID, "<" + messageID + ">"}
	}
	return []string{messageID, trimmed}
}

// FindEmailByFingerprint locates an existing archive row for the given
// fingerprint, checking both bracket variants plus the secondary dedup
// predicate (same from+to+subject with sent-date within ±2 seconds). The
// secondary check catches providers that re-issue Message-IDs.
// Returns nil when no matching row exists.
func (s *Store) FindEmailByFingerprint(ctx context.Context, accountID int64, fingerprint, from, to, subject string, sentDate time.Time) (*Email, error) {
	variants := MessageIDVariants(fingerprint)

	var e Email
	err := s.db.GetContext(ctx, &e, `
		SELECT `+emailColumns+`
		FROM mail_archiver.archived_emails
		WHERE mail_account_id = $1
		  AND (message_id = $2 OR message_id = $3
		       OR ("from" = $4 AND "to" = $5 AND subject = $6
		           AND sent_date BETWEEN $7 AND $8))
		LIMIT 1
	`, accountID, variants[0], variants[1], from, to, subject,
		sentDate.Add(-2*time.Second), sentDate.Add(2*time.Second))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find email by fingerprint: %w", err)
	}
	return &e, nil
}

// HasFingerprint reports whether an archive row exists for (account,
// fingerprint), checking both bracket variants. Used to gate retention
// deletes: a remote delete must never fire for an unarchived message.
func (s *Store) HasFingerprint(ctx context.Context, accountID int64, fingerprint string) (bool, error) {
	variants := MessageIDVariants(fingerprint)
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM mail_archiver.archived_emails
			WHERE mail_account_id = $1 AND message_id IN ($2, $3)
		)
	`, accountID, variants[0], variants[1]).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has fingerprint: %w", err)
	}
	return exists, nil
}

// InsertEmailWithAttachments inserts the email row and its attachments in a
// single transaction, then recomputes has_attachments from the persisted
// set. The generated ID is written back to e.ID.
func (s *Store) InsertEmailWithAttachments(ctx context.Context, e *Email) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO mail_archiver.archived_emails
				(mail_account_id, message_id, subject, "from", "to", cc, bcc,
				 sent_date, received_date, is_outgoing, has_attachments,
				 folder_name, is_locked, body, html_body,
				 original_plain_bytes, original_html_bytes, raw_headers)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
			RETURNING id
		`, e.AccountID, e.MessageID, e.Subject, e.From, e.To, e.Cc, e.Bcc,
			e.SentDate, e.ReceivedDate, e.IsOutgoing, len(e.Attachments) > 0,
			e.FolderName, e.IsLocked, e.Body, e.HTMLBody,
			e.OriginalPlainBytes, e.OriginalHTMLBytes, e.RawHeaders,
		).Scan(&e.ID)
		if err != nil {
			return fmt.Errorf("insert email: %w", err)
		}

		for i := range e.Attachments {
			att := &e.Attachments[i]
			att.EmailID = e.ID
			err := tx.QueryRowContext(ctx, `
				INSERT INTO mail_archiver.email_attachments
					(email_id, filename, content_type, content_id, content, size)
				VALUES ($1,$2,$3,$4,$5,$6)
				RETURNING id
			`, att.EmailID, att.Filename, att.ContentType, att.ContentID,
				att.Content, att.Size).Scan(&att.ID)
			if err != nil {
				return fmt.Errorf("insert attachment %q: %w", att.Filename, err)
			}
		}

		// Recompute has_attachments from what actually persisted.
		_, err = tx.ExecContext(ctx, `
			UPDATE mail_archiver.archived_emails
			SET has_attachments = EXISTS (
				SELECT 1 FROM mail_archiver.email_attachments WHERE email_id = $1)
			WHERE id = $1
		`, e.ID)
		if err != nil {
			return fmt.Errorf("recompute has_attachments: %w", err)
		}
		return nil
	})
}

// MoveEmailFolder updates only the folder name of an existing archive row.
// Used when a fingerprint hit reveals the message moved between folders.
func (s *Store) MoveEmailFolder(ctx context.Context, emailID int64, folder string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mail_archiver.archived_emails SET folder_name = $2 WHERE id = $1
	`, emailID, folder)
	if err != nil {
		return fmt.Errorf("move email folder: %w", err)
	}
	return nil
}

// SetLocked flips the retention lock on a single email.
func (s *Store) SetLocked(ctx context.Context, emailID int64, locked bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mail_archiver.archived_emails SET is_locked = $2 WHERE id = $1
	`, emailID, locked)
	if err != nil {
		return fmt.Errorf("set locked: %w", err)
	}
	return nil
}

// ClearLocksForAccount removes the retention lock from all of an account's
// emails. Run as the first phase of account deletion.
func (s *Store) ClearLocksForAccount(ctx context.Context, accountID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mail_archiver.archived_emails
		SET is_locked = FALSE
		WHERE mail_account_id = $1 AND is_locked
	`, accountID)
	if err != nil {
		return fmt.Errorf("clear locks: %w", err)
	}
	return nil
}

// GetEmailWithAttachments loads a single email and its attachment rows.
// Returns nil when the email does not exist.
func (s *Store) GetEmailWithAttachments(ctx context.Context, emailID int64) (*Email, error) {
	var e Email
	err := s.db.GetContext(ctx, &e, `
		SELECT `+emailColumns+`
		FROM mail_archiver.archived_emails WHERE id = $1
	`, emailID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get email %d: %w", emailID, err)
	}

	err = s.db.SelectContext(ctx, &e.Attachments, `
		SELECT id, email_id, filename, content_type, content_id, content, size
		FROM mail_archiver.email_attachments
		WHERE email_id = $1
		ORDER BY id
	`, emailID)
	if err != nil {
		return nil, fmt.Errorf("get attachments for email %d: %w", emailID, err)
	}
	return &e, nil
}

// CountEmailsByAccount returns the number of archived emails for an account.
func (s *Store) CountEmailsByAccount(ctx context.Context, accountID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mail_archiver.archived_emails WHERE mail_account_id = $1
	`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count emails: %w", err)
	}
	return n, nil
}

// CountAttachmentsByAccount returns the number of attachment rows belonging
// to an account's emails.
func (s *Store) CountAttachmentsByAccount(ctx context.Context, accountID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM mail_archiver.email_attachments att
		JOIN mail_archiver.archived_emails e ON e.id = att.email_id
		WHERE e.mail_account_id = $1
	`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attachments: %w", err)
	}
	return n, nil
}

// CountAllEmails returns the total number of archived emails.
func (s *Store) CountAllEmails(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mail_archiver.archived_emails`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count all emails: %w", err)
	}
	return n, nil
}

// ListEmailIDsForRetention returns up to limit email IDs for an account whose
// sent-date is before cutoff and that are not locked. Callers delete in
// batches and call again until the result is empty.
func (s *Store) ListEmailIDsForRetention(ctx context.Context, accountID int64, cutoff time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM mail_archiver.archived_emails
		WHERE mail_account_id = $1 AND sent_date < $2 AND NOT is_locked
		ORDER BY id
		LIMIT $3
	`, accountID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list retention candidates: %w", err)
	}
	return ids, nil
}

// ListEmailIDsByAccount returns up to limit email IDs for an account with
// id > afterID, in ascending order. Used for keyset-paginated bulk reads
// (export, account delete).
func (s *Store) ListEmailIDsByAccount(ctx context.Context, accountID, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM mail_archiver.archived_emails
		WHERE mail_account_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`, accountID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list email ids: %w", err)
	}
	return ids, nil
}

// BatchDeleteAttachmentsByEmailIDs removes all attachment rows belonging to
// the given emails. Chunked to keep parameter lists bounded.
func (s *Store) BatchDeleteAttachmentsByEmailIDs(ctx context.Context, emailIDs []int64) error {
	return s.execInChunks(ctx, emailIDs,
		`DELETE FROM mail_archiver.email_attachments WHERE email_id IN (?)`)
}

// BatchDeleteEmails removes the given email rows. Attachments should be
// deleted first; the FK cascade covers stragglers.
func (s *Store) BatchDeleteEmails(ctx context.Context, emailIDs []int64) error {
	return s.execInChunks(ctx, emailIDs,
		`DELETE FROM mail_archiver.archived_emails WHERE id IN (?)`)
}

// execInChunks expands an IN (?) query with sqlx.In and executes it in
// chunks of at most 500 ids.
func (s *Store) execInChunks(ctx context.Context, ids []int64, query string) error {
	const chunkSize = 500
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		q, args, err := sqlx.In(query, ids[i:end])
		if err != nil {
			return fmt.Errorf("expand IN query: %w", err)
		}
		q = s.db.Rebind(q)
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("batch exec: %w", err)
		}
	}
	return nil
}
