// Package export produces zip archives of stored emails, either one
// .eml file per message or a single combined .mbox.
package export

import (
	"archive/zip"
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mailarchiver/mailarchiver/internal/fileutil"
	"github.com/mailarchiver/mailarchiver/internal/mbox"
	"github.com/mailarchiver/mailarchiver/internal/mimebuild"
	"github.com/mailarchiver/mailarchiver/internal/store"
)

const (
	FormatEML  = "eml"
	FormatMbox = "mbox"

	pageSize = 500
)

// Store is the read surface the exporter needs.
type Store interface {
	ListEmailIDsByAccount(ctx context.Context, accountID, afterID int64, limit int) ([]int64, error)
	GetEmailWithAttachments(ctx context.Context, emailID int64) (*store.Email, error)
}

// Progress is the user-visible state of a running export.
type Progress struct {
	Processed      int
	Failed         int
	CurrentSubject string
}

// Sink receives progress updates during an export.
type Sink func(Progress)

func NopSink(Progress) {}

// ArtifactName builds the on-disk zip name for an export job.
func ArtifactName(jobID string, now time.Time) string {
	return fmt.Sprintf("export_%s_%s.zip", jobID, now.Format("20060102150405"))
}

// Exporter writes export archives from the store.
type Exporter struct {
	st     Store
	logger *slog.Logger
}

func New(st Store, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{st: st, logger: logger}
}

// ExportAccount writes every email of the account to a zip at path.
// On any error the partial file is removed.
func (e *Exporter) ExportAccount(ctx context.Context, accountID int64, format, path string, report Sink) (Progress, error) {
	return e.export(ctx, format, path, report, func(yield func(int64) error) error {
		afterID := int64(0)
		for {
			ids, err := e.st.ListEmailIDsByAccount(ctx, accountID, afterID, pageSize)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}
			for _, id := range ids {
				if err := yield(id); err != nil {
					return err
				}
			}
			afterID = ids[len(ids)-1]
		}
	})
}

// ExportSelected writes the given emails to a zip at path.
func (e *Exporter) ExportSelected(ctx context.Context, emailIDs []int64, format, path string, report Sink) (Progress, error) {
	return e.export(ctx, format, path, report, func(yield func(int64) error) error {
		for _, id := range emailIDs {
			if err := yield(id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Exporter) export(ctx context.Context, format, path string, report Sink, each func(func(int64) error) error) (Progress, error) {
	if report == nil {
		report = NopSink
	}
	var progress Progress

	write, finish, cleanup, err := e.openArchive(format, path)
	if err != nil {
		return progress, err
	}
	defer cleanup()

	err = each(func(id int64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		email, err := e.st.GetEmailWithAttachments(ctx, id)
		if err != nil {
			return err
		}
		if email == nil {
			// Row deleted between listing and fetch, e.g. by retention.
			progress.Processed++
			progress.Failed++
			report(progress)
			e.logger.Warn("email vanished during export", "email_id", id)
			return nil
		}
		progress.Processed++
		progress.CurrentSubject = email.Subject
		report(progress)

		if err := write(email); err != nil {
			progress.Failed++
			report(progress)
			e.logger.Warn("exporting email failed", "email_id", id, "error", err)
		}
		return nil
	})
	if err != nil {
		os.Remove(path)
		return progress, err
	}

	if err := finish(); err != nil {
		os.Remove(path)
		return progress, err
	}
	progress.CurrentSubject = ""
	report(progress)
	return progress, nil
}

// openArchive creates the zip and returns a per-email write func, a
// finish func that closes the archive, and an unconditional cleanup.
func (e *Exporter) openArchive(format, path string) (func(*store.Email) error, func() error, func(), error) {
	if format != FormatEML && format != FormatMbox {
		return nil, nil, nil, fmt.Errorf("unknown export format %q", format)
	}
	if err := fileutil.SecureMkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, nil, err
	}
	f, err := fileutil.SecureOpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, nil, nil, err
	}
	zw := zip.NewWriter(f)

	cleanup := func() {
		zw.Close()
		f.Close()
	}

	if format == FormatEML {
		write := func(email *store.Email) error {
			raw, err := mimebuild.Build(email)
			if err != nil {
				return err
			}
			w, err := zw.Create(emlName(email))
			if err != nil {
				return err
			}
			_, err = w.Write(raw)
			return err
		}
		finish := func() error {
			if err := zw.Close(); err != nil {
				return err
			}
			return f.Close()
		}
		return write, finish, cleanup, nil
	}

	entry, err := zw.Create("export.mbox")
	if err != nil {
		cleanup()
		os.Remove(path)
		return nil, nil, nil, err
	}
	mw := mbox.NewWriter(entry)
	write := func(email *store.Email) error {
		raw, err := mimebuild.Build(email)
		if err != nil {
			return err
		}
		return mw.WriteMessage(senderAddress(email.From), email.SentDate, raw)
	}
	finish := func() error {
		if err := zw.Close(); err != nil {
			return err
		}
		return f.Close()
	}
	return write, finish, cleanup, nil
}

// emlName builds a stable, filesystem-safe entry name from the row id
// and subject.
func emlName(email *store.Email) string {
	slug := sanitizeName(email.Subject)
	if slug == "" {
		slug = "no-subject"
	}
	return fmt.Sprintf("%d_%s.eml", email.ID, slug)
}

const maxSlugLen = 60

func sanitizeName(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '.':
			sb.WriteByte('_')
		}
		if sb.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(sb.String(), "_")
}

// senderAddress extracts a bare address for the mbox separator line.
func senderAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return addr.Address
	}
	if fields := strings.Fields(from); len(fields) > 0 {
		return strings.Trim(fields[len(fields)-1], "<>")
	}
	return ""
}
