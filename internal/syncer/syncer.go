// Package syncer drives the per-account fetch loop: enumerate folders,
// stream messages through the normalizer and archive writer, run retention,
// and advance the watermark.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailarchiver/mailarchiver/internal/archive"
	"github.com/mailarchiver/mailarchiver/internal/normalize"
	"github.com/mailarchiver/mailarchiver/internal/provider"
	"github.com/mailarchiver/mailarchiver/internal/store"
)

// retentionBatch is the page size for local retention deletes.
const retentionBatch = 1000

// Progress carries the live counters a running sync reports.
type Progress struct {
	Processed int
	New       int
	Failed    int
	Deleted   int

	CurrentFolder  string
	CurrentSubject string
}

// Sink receives progress snapshots. Implementations must be cheap; the
// engine calls it per message.
type Sink func(Progress)

// NopSink discards progress.
func NopSink(Progress) {}

// Store is the slice of the archive store the engine needs. *store.Store
// satisfies it.
type Store interface {
	UpdateLastSync(ctx context.Context, accountID int64, t time.Time) error
	ResetLastSync(ctx context.Context, accountID int64) error
	HasFingerprint(ctx context.Context, accountID int64, fingerprint string) (bool, error)
	ListEmailIDsForRetention(ctx context.Context, accountID int64, cutoff time.Time, limit int) ([]int64, error)
	BatchDeleteAttachmentsByEmailIDs(ctx context.Context, emailIDs []int64) error
	BatchDeleteEmails(ctx context.Context, emailIDs []int64) error
}

// Engine runs account syncs against the archive.
type Engine struct {
	store  Store
	writer *archive.Writer
	norm   *normalize.Normalizer
	logger *slog.Logger

	// now is overridable for tests.
	now func() time.Time
}

func New(st Store, writer *archive.Writer, norm *normalize.Normalizer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, writer: writer, norm: norm, logger: logger, now: time.Now}
}

// SyncAccount fetches every non-excluded folder of the account through the
// provider adapter, archives each message, runs retention, and advances the
// watermark only when no message failed.
func (e *Engine) SyncAccount(ctx context.Context, account *store.MailAccount, prov provider.Provider, sink Sink) (Progress, error) {
	if sink == nil {
		sink = NopSink
	}
	started := e.now()

	folders, err := prov.ListFolders(ctx)
	if err != nil {
		return Progress{}, fmt.Errorf("list folders for %s: %w", account.Email, err)
	}

	since := account.LastSync
	if !since.After(store.EpochSentinel) {
		since = time.Time{} // full sync
	}

	var (
		progress    Progress
		folderError bool
	)
	for _, folder := range folders {
		if ctx.Err() != nil {
			return progress, ctx.Err()
		}
		if account.IsFolderExcluded(folder) {
			e.logger.Debug("folder excluded", "account", account.Email, "folder", folder)
			continue
		}

		progress.CurrentFolder = folder
		sink(progress)

		err := prov.FetchFolder(ctx, folder, since, func(msg *normalize.Message) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			progress.Processed++
			progress.CurrentSubject = normalize.CleanText(msg.Subject)

			email := e.norm.Normalize(account, msg, folder)
			result, err := e.writer.Archive(ctx, email)
			switch result {
			case archive.Inserted:
				progress.New++
			case archive.Failed:
				progress.Failed++
				e.logger.Warn("archive failed",
					"account", account.Email, "folder", folder,
					"fingerprint", email.MessageID, "error", err)
			}
			sink(progress)
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return progress, ctx.Err()
			}
			// A folder failure does not abort the account, but it does
			// block the watermark advance.
			folderError = true
			e.logger.Warn("folder sync failed",
				"account", account.Email, "folder", folder, "error", err)
		}
	}

	if err := e.runRetention(ctx, account, prov, &progress, sink); err != nil {
		if ctx.Err() != nil {
			return progress, ctx.Err()
		}
		folderError = true
		e.logger.Warn("retention failed", "account", account.Email, "error", err)
	}

	// The watermark advances only on a clean run so the next sync
	// reprocesses the window after any failure.
	if progress.Failed == 0 && !folderError {
		if err := e.store.UpdateLastSync(ctx, account.ID, started); err != nil {
			return progress, fmt.Errorf("advance watermark: %w", err)
		}
	} else {
		e.logger.Info("watermark unchanged after failures",
			"account", account.Email,
			"failed", progress.Failed, "folder_error", folderError)
	}

	e.logger.Info("sync finished",
		"account", account.Email,
		"processed", progress.Processed, "new", progress.New,
		"failed", progress.Failed, "deleted", progress.Deleted)
	return progress, nil
}

// FullResync resets the watermark to the epoch sentinel and syncs.
func (e *Engine) FullResync(ctx context.Context, account *store.MailAccount, prov provider.Provider, sink Sink) (Progress, error) {
	if err := e.store.ResetLastSync(ctx, account.ID); err != nil {
		return Progress{}, fmt.Errorf("reset watermark: %w", err)
	}
	account.LastSync = store.EpochSentinel
	return e.SyncAccount(ctx, account, prov, sink)
}

// runRetention applies remote then local retention when configured.
func (e *Engine) runRetention(ctx context.Context, account *store.MailAccount, prov provider.Provider, progress *Progress, sink Sink) error {
	if account.DeleteAfterDays.Valid && account.DeleteAfterDays.Int32 > 0 {
		cutoff := e.now().AddDate(0, 0, -int(account.DeleteAfterDays.Int32))
		n, err := prov.DeleteOldEmails(ctx, cutoff, func(ctx context.Context, fp string) (bool, error) {
			return e.store.HasFingerprint(ctx, account.ID, fp)
		})
		progress.Deleted += n
		sink(*progress)
		if err != nil {
			return fmt.Errorf("remote retention: %w", err)
		}
	}

	if account.LocalRetentionDays.Valid && account.LocalRetentionDays.Int32 > 0 {
		cutoff := e.now().AddDate(0, 0, -int(account.LocalRetentionDays.Int32))
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ids, err := e.store.ListEmailIDsForRetention(ctx, account.ID, cutoff, retentionBatch)
			if err != nil {
				return fmt.Errorf("local retention list: %w", err)
			}
			if len(ids) == 0 {
				break
			}
			if err := e.store.BatchDeleteAttachmentsByEmailIDs(ctx, ids); err != nil {
				return fmt.Errorf("local retention attachments: %w", err)
			}
			if err := e.store.BatchDeleteEmails(ctx, ids); err != nil {
				return fmt.Errorf("local retention emails: %w", err)
			}
			progress.Deleted += len(ids)
			sink(*progress)
		}
	}
	return nil
}
