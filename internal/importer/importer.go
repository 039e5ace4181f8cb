// Package importer feeds uploaded mbox files through the normalize and
// archive pipeline.
package importer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/mailarchiver/mailarchiver/internal/archive"
	"github.com/mailarchiver/mailarchiver/internal/mbox"
	"github.com/mailarchiver/mailarchiver/internal/normalize"
	"github.com/mailarchiver/mailarchiver/internal/store"
)

// importFolder is the archive folder imported messages land in.
const importFolder = "Imported"

// Progress is the user-visible state of a running import.
type Progress struct {
	BytesProcessed int64
	TotalBytes     int64
	Processed      int
	Success        int
	Failed         int
	CurrentSubject string
}

// Sink receives progress updates during an import.
type Sink func(Progress)

func NopSink(Progress) {}

// Importer runs mbox imports for one store/archive pipeline.
type Importer struct {
	writer *archive.Writer
	norm   *normalize.Normalizer
	logger *slog.Logger
}

func New(writer *archive.Writer, norm *normalize.Normalizer, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{writer: writer, norm: norm, logger: logger}
}

// ImportFile imports the mbox file at path into the account's archive.
func (i *Importer) ImportFile(ctx context.Context, account *store.MailAccount, path string, report Sink) (Progress, error) {
	f, err := os.Open(path)
	if err != nil {
		return Progress{}, err
	}
	defer f.Close()

	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	return i.ImportStream(ctx, account, f, size, report)
}

// ImportStream imports messages from r. A record that fails to parse
// only costs that record: the reader resumes at the next separator
// line. Store errors are counted as failures and do not abort the run.
func (i *Importer) ImportStream(ctx context.Context, account *store.MailAccount, r io.Reader, totalBytes int64, report Sink) (Progress, error) {
	if report == nil {
		report = NopSink
	}
	reader := mbox.NewReader(r)
	progress := Progress{TotalBytes: totalBytes}

	for {
		if err := ctx.Err(); err != nil {
			return progress, err
		}

		record, err := reader.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, mbox.ErrMessageTooLarge) {
			progress.Processed++
			progress.Failed++
			progress.BytesProcessed = reader.Offset()
			report(progress)
			i.logger.Warn("skipping oversized mbox record", "account_id", account.ID)
			continue
		}
		if err != nil {
			return progress, err
		}

		progress.Processed++
		progress.BytesProcessed = reader.Offset()

		msg, err := normalize.Parse(record.Raw)
		if err != nil {
			progress.Failed++
			report(progress)
			i.logger.Warn("unparseable mbox record",
				"account_id", account.ID, "separator", record.Separator, "error", err)
			continue
		}

		progress.CurrentSubject = msg.Subject
		report(progress)

		email := i.norm.Normalize(account, msg, importFolder)
		if _, err := i.writer.Archive(ctx, email); err != nil {
			progress.Failed++
			report(progress)
			i.logger.Error("archiving imported message failed",
				"account_id", account.ID, "fingerprint", email.MessageID, "error", err)
			continue
		}
		progress.Success++
		report(progress)
	}

	progress.BytesProcessed = reader.Offset()
	progress.CurrentSubject = ""
	report(progress)
	i.logger.Info("mbox import finished", "account_id", account.ID,
		"processed", progress.Processed, "success", progress.Success, "failed", progress.Failed)
	return progress, nil
}
