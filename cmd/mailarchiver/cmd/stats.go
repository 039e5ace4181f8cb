package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mailarchiver/mailarchiver/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show archive statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := s.GetStats(ctx)
		if err != nil {
			return err
		}

		fmt.Println("Archive statistics:")
		fmt.Printf("  Accounts:      %d\n", stats.AccountCount)
		fmt.Printf("  Emails:        %d\n", stats.EmailCount)
		fmt.Printf("  Attachments:   %d\n", stats.AttachmentCount)
		fmt.Printf("  Database size: %s\n", formatBytes(stats.DatabaseSize))

		perAccount, err := s.GetAccountStats(ctx)
		if err != nil {
			return err
		}
		if len(perAccount) == 0 {
			return nil
		}

		fmt.Println()
		fmt.Printf("%-4s %-30s %-10s %-8s %s\n", "ID", "EMAIL", "EMAILS", "ENABLED", "LAST SYNC")
		for _, a := range perAccount {
			lastSync := "never"
			if a.LastSync.After(store.EpochSentinel) {
				lastSync = a.LastSync.Local().Format("2006-01-02 15:04")
			}
			fmt.Printf("%-4d %-30s %-10d %-8t %s\n", a.AccountID, a.Email, a.EmailCount, a.Enabled, lastSync)
		}
		return nil
	},
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
