package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailarchiver/mailarchiver/internal/export"
)

var (
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export <id|email>",
	Short: "Export an account's archive to a zip file",
	Long: `Export every archived email of an account to a zip file.

Formats:
  eml   one RFC 822 .eml file per message (default)
  mbox  a single export.mbox file inside the zip`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", export.FormatEML, "export format: eml or mbox")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output zip path (default: exports dir)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
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

	path := exportOut
	if path == "" {
		name := fmt.Sprintf("export_%s_%s.zip",
			strings.ReplaceAll(account.Email, "@", "_at_"),
			time.Now().Format("20060102150405"))
		path = filepath.Join(cfg.ExportsDir(), name)
	}

	exporter := export.New(s, logger)
	fmt.Printf("Exporting %s as %s...\n", account.Email, exportFormat)
	sink := func(p export.Progress) {
		fmt.Printf("\r\033[K%d exported, %d failed", p.Processed, p.Failed)
	}

	progress, err := exporter.ExportAccount(ctx, account.ID, exportFormat, path, sink)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("export %s: %w", account.Email, err)
	}

	if err := s.LogAccess(ctx, "export", filepath.Base(path), 0); err != nil {
		logger.Warn("failed to log export access", "error", err)
	}

	fmt.Printf("Done: %d emails written to %s (%d failed).\n",
		progress.Processed, path, progress.Failed)
	return nil
}
