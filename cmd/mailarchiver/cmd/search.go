package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailarchiver/mailarchiver/internal/search"
	"github.com/mailarchiver/mailarchiver/internal/store"
)

var (
	searchAccount  string
	searchFrom     string
	searchTo       string
	searchFolder   string
	searchOutgoing bool
	searchLimit    int
	searchOffset   int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the archive",
	Long: `Full-text search over archived mail.

Query syntax:
  invoice payment          terms (AND)
  "exact phrase"           phrase match
  from:billing@acme.com    field predicate (from, to, cc, bcc, subject, body)

Examples:
  mailarchiver search 'invoice from:billing@acme.com'
  mailarchiver search '"quarterly report"' --account you@example.com --from 2024-01-01`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	flags := searchCmd.Flags()
	flags.StringVar(&searchAccount, "account", "", "restrict to one account (id or email)")
	flags.StringVar(&searchFrom, "from", "", "only mail sent on or after this date (YYYY-MM-DD)")
	flags.StringVar(&searchTo, "to", "", "only mail sent on or before this date (YYYY-MM-DD)")
	flags.StringVar(&searchFolder, "folder", "", "restrict to one folder")
	flags.BoolVar(&searchOutgoing, "outgoing", false, "only outgoing mail")
	flags.IntVar(&searchLimit, "limit", 25, "maximum results")
	flags.IntVar(&searchOffset, "offset", 0, "skip this many results")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	pred := &store.SearchPredicate{
		Query:      search.Parse(args[0]),
		Folder:     searchFolder,
		Skip:       searchOffset,
		Take:       searchLimit,
		Descending: true,
	}
	if searchAccount != "" {
		account, err := findAccountArg(ctx, s, searchAccount)
		if err != nil {
			return err
		}
		pred.AccountID = &account.ID
	}
	if searchFrom != "" {
		t, err := time.ParseInLocation("2006-01-02", searchFrom, cfg.DisplayLocation())
		if err != nil {
			return fmt.Errorf("invalid --from date %q", searchFrom)
		}
		pred.DateFrom = &t
	}
	if searchTo != "" {
		t, err := time.ParseInLocation("2006-01-02", searchTo, cfg.DisplayLocation())
		if err != nil {
			return fmt.Errorf("invalid --to date %q", searchTo)
		}
		pred.DateTo = &t
	}
	if cmd.Flags().Changed("outgoing") {
		pred.Outgoing = &searchOutgoing
	}

	emails, total, err := s.Search(ctx, pred)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if err := s.LogAccess(ctx, "search", args[0], 0); err != nil {
		logger.Warn("failed to log search access", "error", err)
	}

	if total == 0 {
		fmt.Println("No results.")
		return nil
	}

	fmt.Printf("%d results (showing %d-%d):\n\n", total, searchOffset+1, searchOffset+len(emails))
	for _, e := range emails {
		subject := e.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		marker := " "
		if e.HasAttachments {
			marker = "+"
		}
		fmt.Printf("%7d %s %s  %-30s %s\n",
			e.ID, marker,
			e.SentDate.In(cfg.DisplayLocation()).Format("2006-01-02 15:04"),
			truncate(e.From, 30), truncate(subject, 60))
		if e.FolderName != "" {
			fmt.Printf("          %s\n", e.FolderName)
		}
	}
	return nil
}

func truncate(s string, max int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max-3]) + "..."
}
