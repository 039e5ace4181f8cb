package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mailarchiver/mailarchiver/internal/app"
	"github.com/mailarchiver/mailarchiver/internal/store"
)

var restoreFolder string

var restoreCmd = &cobra.Command{
	Use:   "restore <id|email> <email-id>...",
	Short: "Restore archived emails back to the mailbox",
	Long: `Rebuild archived emails as MIME messages and append them to a folder
in the account's mailbox (default: Restored).

Email ids are the archive ids shown by the search command.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().StringVar(&restoreFolder, "folder", "Restored", "target folder in the mailbox")
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
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

	emails := make([]*store.Email, 0, len(args)-1)
	for _, arg := range args[1:] {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid email id %q", arg)
		}
		email, err := s.GetEmailWithAttachments(ctx, id)
		if err != nil {
			return fmt.Errorf("load email %d: %w", id, err)
		}
		if email == nil {
			return fmt.Errorf("email %d not found", id)
		}
		if email.AccountID != account.ID {
			return fmt.Errorf("email %d does not belong to account %s", id, account.Email)
		}
		emails = append(emails, email)
	}

	prov, err := app.BuildProvider(ctx, cfg, account, logger)
	if err != nil {
		return err
	}
	defer prov.Close()

	fmt.Printf("Restoring %d emails to %s/%s...\n", len(emails), account.Email, restoreFolder)
	restored, failed, err := prov.RestoreMany(ctx, emails, restoreFolder, func(done, failed int) {
		fmt.Printf("\r\033[K%d restored, %d failed", done, failed)
	})
	fmt.Println()
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	for _, email := range emails {
		if err := s.LogAccess(ctx, "restore", restoreFolder, email.ID); err != nil {
			logger.Warn("failed to log restore access", "error", err)
		}
	}

	fmt.Printf("Done: %d restored, %d failed.\n", restored, failed)
	if failed > 0 {
		return fmt.Errorf("%d emails failed to restore", failed)
	}
	return nil
}
