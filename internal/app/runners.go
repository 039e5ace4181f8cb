// Package app wires the store, providers, and pipeline into job
// runners and owns the serve-mode assembly.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mailarchiver/mailarchiver/internal/archive"
	"github.com/mailarchiver/mailarchiver/internal/config"
	"github.com/mailarchiver/mailarchiver/internal/export"
	"github.com/mailarchiver/mailarchiver/internal/importer"
	"github.com/mailarchiver/mailarchiver/internal/jobs"
	"github.com/mailarchiver/mailarchiver/internal/normalize"
	"github.com/mailarchiver/mailarchiver/internal/provider"
	"github.com/mailarchiver/mailarchiver/internal/provider/graph"
	"github.com/mailarchiver/mailarchiver/internal/provider/imapcli"
	"github.com/mailarchiver/mailarchiver/internal/store"
	"github.com/mailarchiver/mailarchiver/internal/syncer"
)

// Store is the full persistence surface the runners need. *store.Store
// satisfies it; tests substitute fakes.
type Store interface {
	syncer.Store
	archive.Gateway
	export.Store
	jobs.DeleteStore

	FindAccount(ctx context.Context, id int64) (*store.MailAccount, error)
	LogAccess(ctx context.Context, kind, detail string, emailID int64) error
}

// ProviderFactory builds the wire adapter for an account. Swappable in
// tests.
type ProviderFactory func(ctx context.Context, account *store.MailAccount) (provider.Provider, error)

// Runners binds everything a job runner needs.
type Runners struct {
	cfg     *config.Config
	st      Store
	logger  *slog.Logger
	factory ProviderFactory
	now     func() time.Time
}

// NewRunners builds the runner set with the default provider factory.
func NewRunners(cfg *config.Config, st Store, logger *slog.Logger) *Runners {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runners{cfg: cfg, st: st, logger: logger, now: time.Now}
	r.factory = func(ctx context.Context, account *store.MailAccount) (provider.Provider, error) {
		return BuildProvider(ctx, cfg, account, logger)
	}
	return r
}

// BuildProvider constructs the wire adapter matching the account's
// provider kind.
func BuildProvider(ctx context.Context, cfg *config.Config, account *store.MailAccount, logger *slog.Logger) (provider.Provider, error) {
	switch account.Provider {
	case store.ProviderIMAP:
		return imapcli.NewClient(&imapcli.Config{
			Host:                account.Host,
			Port:                account.Port,
			UseSSL:              account.UseSSL,
			Username:            account.Username,
			Password:            account.Password,
			IgnoreSelfSigned:    cfg.Sync.IgnoreSelfSignedCert,
			BatchSize:           cfg.Sync.BatchSize,
			PauseBetweenEmails:  cfg.PauseBetweenEmails(),
			PauseBetweenBatches: cfg.PauseBetweenBatches(),
		}, logger), nil
	case store.ProviderM365:
		return graph.NewClient(ctx, &graph.Config{
			TenantID:            account.TenantID,
			ClientID:            account.ClientID,
			ClientSecret:        account.ClientSecret,
			UserPrincipalName:   account.Email,
			BatchSize:           cfg.Sync.BatchSize,
			PauseBetweenEmails:  cfg.PauseBetweenEmails(),
			PauseBetweenBatches: cfg.PauseBetweenBatches(),
		}, logger), nil
	case store.ProviderImport:
		return nil, fmt.Errorf("account %d is import-only and has no remote mailbox", account.ID)
	default:
		return nil, fmt.Errorf("unknown provider %q", account.Provider)
	}
}

// Register installs all five runners on the manager.
func (r *Runners) Register(m *jobs.Manager) {
	m.Register(jobs.KindSync, r.Sync())
	m.Register(jobs.KindRestore, r.Restore())
	m.Register(jobs.KindExport, r.Export())
	m.Register(jobs.KindImport, r.Import())
	m.Register(jobs.KindAccountDelete, jobs.AccountDeleteRunner(m, r.st))
}

func (r *Runners) engine() *syncer.Engine {
	writer := archive.NewWriter(r.st, r.logger)
	norm := normalize.New(r.cfg.DisplayLocation())
	return syncer.New(r.st, writer, norm, r.logger)
}

// Sync returns the runner for the sync queue.
func (r *Runners) Sync() jobs.Runner {
	return func(ctx context.Context, job *jobs.Job) error {
		payload, ok := job.Payload.(jobs.SyncPayload)
		if !ok {
			return fmt.Errorf("sync job %s: bad payload %T", job.ID, job.Payload)
		}
		account, err := r.st.FindAccount(ctx, payload.AccountID)
		if err != nil {
			return err
		}
		if account == nil {
			return fmt.Errorf("account %d not found", payload.AccountID)
		}
		prov, err := r.factory(ctx, account)
		if err != nil {
			return err
		}
		defer prov.Close()

		sink := func(p syncer.Progress) {
			job.SetCounters(jobs.Counters{
				Processed:      p.Processed,
				New:            p.New,
				Failed:         p.Failed,
				Deleted:        p.Deleted,
				CurrentFolder:  p.CurrentFolder,
				CurrentSubject: p.CurrentSubject,
			})
		}

		engine := r.engine()
		if payload.FullResync {
			_, err = engine.FullResync(ctx, account, prov, sink)
		} else {
			_, err = engine.SyncAccount(ctx, account, prov, sink)
		}
		return err
	}
}

// Restore returns the runner for the restore queue.
func (r *Runners) Restore() jobs.Runner {
	return func(ctx context.Context, job *jobs.Job) error {
		payload, ok := job.Payload.(jobs.RestorePayload)
		if !ok {
			return fmt.Errorf("restore job %s: bad payload %T", job.ID, job.Payload)
		}
		account, err := r.st.FindAccount(ctx, payload.AccountID)
		if err != nil {
			return err
		}
		if account == nil {
			return fmt.Errorf("account %d not found", payload.AccountID)
		}
		prov, err := r.factory(ctx, account)
		if err != nil {
			return err
		}
		defer prov.Close()

		emails := make([]*store.Email, 0, len(payload.EmailIDs))
		for _, id := range payload.EmailIDs {
			email, err := r.st.GetEmailWithAttachments(ctx, id)
			if err != nil {
				return err
			}
			if email == nil {
				return fmt.Errorf("email %d not found", id)
			}
			if email.AccountID != account.ID {
				return fmt.Errorf("email %d does not belong to account %d", id, account.ID)
			}
			emails = append(emails, email)
		}

		report := func(done, failed int) {
			job.SetCounters(jobs.Counters{Processed: done + failed, New: done, Failed: failed})
		}
		done, failed, err := prov.RestoreMany(ctx, emails, payload.Folder, report)
		if err != nil {
			return err
		}
		if logErr := r.st.LogAccess(ctx, "restore",
			fmt.Sprintf("restored %d of %d emails", done, done+failed), 0); logErr != nil {
			r.logger.Warn("access log write failed", "error", logErr)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d emails failed to restore", failed, done+failed)
		}
		return nil
	}
}

// Export returns the runner for the export queue.
func (r *Runners) Export() jobs.Runner {
	return func(ctx context.Context, job *jobs.Job) error {
		payload, ok := job.Payload.(jobs.ExportPayload)
		if !ok {
			return fmt.Errorf("export job %s: bad payload %T", job.ID, job.Payload)
		}

		path := filepath.Join(r.cfg.ExportsDir(), export.ArtifactName(job.ID, r.now()))
		// Set early so a cancel mid-run deletes the partial zip.
		job.SetArtifact(path)

		sink := func(p export.Progress) {
			job.SetCounters(jobs.Counters{
				Processed:      p.Processed,
				Failed:         p.Failed,
				CurrentSubject: p.CurrentSubject,
			})
		}

		exporter := export.New(r.st, r.logger)
		var err error
		if len(payload.EmailIDs) > 0 {
			_, err = exporter.ExportSelected(ctx, payload.EmailIDs, payload.Format, path, sink)
		} else {
			_, err = exporter.ExportAccount(ctx, payload.AccountID, payload.Format, path, sink)
		}
		if err != nil {
			return err
		}
		if logErr := r.st.LogAccess(ctx, "export", filepath.Base(path), 0); logErr != nil {
			r.logger.Warn("access log write failed", "error", logErr)
		}
		return nil
	}
}

// Import returns the runner for the import queue. The uploaded file is
// removed after a clean run.
func (r *Runners) Import() jobs.Runner {
	return func(ctx context.Context, job *jobs.Job) error {
		payload, ok := job.Payload.(jobs.ImportPayload)
		if !ok {
			return fmt.Errorf("import job %s: bad payload %T", job.ID, job.Payload)
		}
		account, err := r.st.FindAccount(ctx, payload.AccountID)
		if err != nil {
			return err
		}
		if account == nil {
			return fmt.Errorf("account %d not found", payload.AccountID)
		}

		sink := func(p importer.Progress) {
			job.SetCounters(jobs.Counters{
				Processed:      p.Processed,
				New:            p.Success,
				Failed:         p.Failed,
				BytesProcessed: p.BytesProcessed,
				CurrentSubject: p.CurrentSubject,
			})
		}

		writer := archive.NewWriter(r.st, r.logger)
		norm := normalize.New(r.cfg.DisplayLocation())
		imp := importer.New(writer, norm, r.logger)
		if _, err := imp.ImportFile(ctx, account, payload.Path, sink); err != nil {
			return err
		}

		if err := os.Remove(payload.Path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("upload cleanup failed", "path", payload.Path, "error", err)
		}
		return nil
	}
}
