package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mailarchiver/mailarchiver/internal/app"
	"github.com/mailarchiver/mailarchiver/internal/archive"
	"github.com/mailarchiver/mailarchiver/internal/normalize"
	"github.com/mailarchiver/mailarchiver/internal/syncer"
)

var syncFull bool

var syncCmd = &cobra.Command{
	Use:   "sync <id|email>",
	Short: "Sync one account now",
	Long: `Fetch new mail from the account's mailbox into the archive.

By default only mail newer than the last sync watermark is fetched.
With --full the watermark is reset and every folder is re-scanned;
already archived messages are skipped by fingerprint, so a full resync
backfills gaps without creating duplicates.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "reset the watermark and re-scan all folders")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	account, err := findAccountArg(ctx, s, args[0])
	if err != nil {
		return err
	}
	if !account.Enabled {
		return fmt.Errorf("account %s is disabled", account.Email)
	}

	prov, err := app.BuildProvider(ctx, cfg, account, logger)
	if err != nil {
		return err
	}
	defer prov.Close()

	engine := syncer.New(s,
		archive.NewWriter(s, logger),
		normalize.New(cfg.DisplayLocation()),
		logger)

	sink := func(p syncer.Progress) {
		subject := p.CurrentSubject
		if len(subject) > 50 {
			subject = subject[:50]
		}
		fmt.Printf("\r\033[K%s: %d processed, %d new, %d failed  %s",
			p.CurrentFolder, p.Processed, p.New, p.Failed, subject)
	}

	var progress syncer.Progress
	if syncFull {
		fmt.Printf("Full resync of %s...\n", account.Email)
		progress, err = engine.FullResync(ctx, account, prov, sink)
	} else {
		fmt.Printf("Syncing %s...\n", account.Email)
		progress, err = engine.SyncAccount(ctx, account, prov, sink)
	}
	fmt.Println()
	if err != nil {
		return fmt.Errorf("sync %s: %w", account.Email, err)
	}

	fmt.Printf("Done: %d processed, %d new, %d failed, %d deleted by retention.\n",
		progress.Processed, progress.New, progress.Failed, progress.Deleted)
	return nil
}
