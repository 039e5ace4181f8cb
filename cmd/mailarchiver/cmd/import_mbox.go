package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mailarchiver/mailarchiver/internal/archive"
	"github.com/mailarchiver/mailarchiver/internal/importer"
	"github.com/mailarchiver/mailarchiver/internal/normalize"
)

var importMboxCmd = &cobra.Command{
	Use:   "import-mbox <id|email> <file.mbox>",
	Short: "Import an mbox file into an account's archive",
	Long: `Import messages from an mbox file into the archive.

Messages land in the "Imported" folder of the given account. Records
that already exist (by fingerprint) are skipped, so re-importing the
same file is safe. Malformed records are counted as failed and the
import continues at the next separator.`,
	Args: cobra.ExactArgs(2),
	RunE: runImportMbox,
}

func init() {
	rootCmd.AddCommand(importMboxCmd)
}

func runImportMbox(cmd *cobra.Command, args []string) error {
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

	imp := importer.New(
		archive.NewWriter(s, logger),
		normalize.New(cfg.DisplayLocation()),
		logger)

	fmt.Printf("Importing %s into %s...\n", args[1], account.Email)
	sink := func(p importer.Progress) {
		pct := 0.0
		if p.TotalBytes > 0 {
			pct = float64(p.BytesProcessed) / float64(p.TotalBytes) * 100
		}
		fmt.Printf("\r\033[K%5.1f%%  %d processed, %d new, %d failed",
			pct, p.Processed, p.Success, p.Failed)
	}

	progress, err := imp.ImportFile(ctx, account, args[1], sink)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("import %s: %w", args[1], err)
	}

	fmt.Printf("Done: %d processed, %d new, %d failed.\n",
		progress.Processed, progress.Success, progress.Failed)
	return nil
}
