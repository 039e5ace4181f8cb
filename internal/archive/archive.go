// Package archive implements the idempotent writer that lands normalized
// messages in the store.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailarchiver/mailarchiver/internal/store"
)

// Result classifies the outcome of an archive attempt.
type Result int

const (
	Failed Result = iota
	Inserted
	AlreadyExists
	FolderMoved
)

func (r Result) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already-exists"
	case FolderMoved:
		return "folder-moved"
	default:
		return "failed"
	}
}

// Gateway is the slice of the store the writer needs. *store.Store
// satisfies it.
type Gateway interface {
	FindEmailByFingerprint(ctx context.Context, accountID int64, fingerprint, from, to, subject string, sentDate time.Time) (*store.Email, error)
	MoveEmailFolder(ctx context.Context, emailID int64, folder string) error
	InsertEmailWithAttachments(ctx context.Context, e *store.Email) error
}

// Writer lands draft emails in the archive. Writes are idempotent: a retry
// after a failed commit finds the fingerprint and reports AlreadyExists
// instead of duplicating the row.
type Writer struct {
	gw  Gateway
	log *slog.Logger
}

func NewWriter(gw Gateway, log *slog.Logger) *Writer {
	return &Writer{gw: gw, log: log}
}

// Archive persists a normalized draft email. The draft's MessageID holds
// the dedup fingerprint and FolderName the folder it was fetched from.
//
// A fingerprint hit in a different folder updates only the folder name and
// reports FolderMoved; a hit in the same folder reports AlreadyExists.
func (w *Writer) Archive(ctx context.Context, email *store.Email) (Result, error) {
	existing, err := w.gw.FindEmailByFingerprint(ctx, email.AccountID,
		email.MessageID, email.From, email.To, email.Subject, email.SentDate)
	if err != nil {
		return Failed, fmt.Errorf("archive lookup: %w", err)
	}

	if existing != nil {
		if existing.FolderName == email.FolderName {
			return AlreadyExists, nil
		}
		if err := w.gw.MoveEmailFolder(ctx, existing.ID, email.FolderName); err != nil {
			return Failed, fmt.Errorf("archive folder move: %w", err)
		}
		w.log.Debug("email moved between folders",
			"email_id", existing.ID,
			"from_folder", existing.FolderName,
			"to_folder", email.FolderName)
		return FolderMoved, nil
	}

	if err := w.gw.InsertEmailWithAttachments(ctx, email); err != nil {
		return Failed, fmt.Errorf("archive insert: %w", err)
	}
	w.log.Debug("email archived",
		"email_id", email.ID,
		"folder", email.FolderName,
		"attachments", len(email.Attachments))
	return Inserted, nil
}
