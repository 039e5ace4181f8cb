package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mailarchiver/mailarchiver/internal/app"
	"github.com/mailarchiver/mailarchiver/internal/store"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage archived mail accounts",
}

var (
	accName            string
	accProvider        string
	accHost            string
	accPort            int
	accNoSSL           bool
	accUsername        string
	accEmail           string
	accClientID        string
	accClientSecret    string
	accTenantID        string
	accExcludedFolders []string
	accDeleteAfter     int
	accLocalRetention  int
	accDisabled        bool
)

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a mail account",
	Long: `Add a mail account to the archive.

For IMAP accounts, the password is prompted interactively (never passed
as a flag, to keep it out of shell history).

Examples:
  mailarchiver accounts add --provider imap --host mail.example.com \
      --username user@example.com --email user@example.com --name "Work"
  mailarchiver accounts add --provider m365 --email user@company.com \
      --client-id <id> --client-secret <secret> --tenant-id <tenant>
  mailarchiver accounts add --provider import --email old@example.com --name "Legacy"`,
	RunE: runAccountsAdd,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		accounts, err := s.ListAccounts(cmd.Context())
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			fmt.Println("No accounts configured.")
			return nil
		}

		fmt.Printf("%-4s %-20s %-8s %-30s %-8s %s\n", "ID", "NAME", "KIND", "EMAIL", "ENABLED", "LAST SYNC")
		for _, a := range accounts {
			lastSync := "never"
			if a.LastSync.After(store.EpochSentinel) {
				lastSync = a.LastSync.Local().Format("2006-01-02 15:04")
			}
			fmt.Printf("%-4d %-20s %-8s %-30s %-8t %s\n",
				a.ID, a.Name, a.Provider, a.Email, a.Enabled, lastSync)
		}
		return nil
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <id|email>",
	Short: "Delete an account and all its archived mail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		account, err := findAccountArg(cmd.Context(), s, args[0])
		if err != nil {
			return err
		}

		count, err := s.CountEmailsByAccount(cmd.Context(), account.ID)
		if err != nil {
			return err
		}
		fmt.Printf("This deletes account %q (%s) and its %d archived emails.\n",
			account.Name, account.Email, count)
		fmt.Print("Type the account email to confirm: ")
		var confirm string
		fmt.Scanln(&confirm)
		if !strings.EqualFold(confirm, account.Email) {
			return fmt.Errorf("confirmation did not match, aborting")
		}

		return deleteAccountInline(cmd.Context(), s, account.ID)
	},
}

var accountsUpdateCmd = &cobra.Command{
	Use:   "update <id|email>",
	Short: "Update account settings",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsUpdate,
}

var accountsTestCmd = &cobra.Command{
	Use:   "test <id|email>",
	Short: "Test the connection to an account's mailbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		account, err := findAccountArg(cmd.Context(), s, args[0])
		if err != nil {
			return err
		}

		prov, err := app.BuildProvider(cmd.Context(), cfg, account, logger)
		if err != nil {
			return err
		}
		defer prov.Close()

		fmt.Printf("Testing connection for %s...\n", account.Email)
		if err := prov.TestConnection(cmd.Context()); err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		fmt.Println("Connection OK.")
		return nil
	},
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	provider := store.Provider(accProvider)
	switch provider {
	case store.ProviderIMAP, store.ProviderM365, store.ProviderImport:
	default:
		return fmt.Errorf("--provider must be imap, m365, or import")
	}
	if accEmail == "" {
		return fmt.Errorf("--email is required")
	}

	account := &store.MailAccount{
		Name:            accName,
		Provider:        provider,
		Host:            accHost,
		Port:            accPort,
		UseSSL:          !accNoSSL,
		Username:        accUsername,
		ClientID:        accClientID,
		ClientSecret:    accClientSecret,
		TenantID:        accTenantID,
		Email:           accEmail,
		Enabled:         !accDisabled,
		ExcludedFolders: accExcludedFolders,
	}
	if account.Name == "" {
		account.Name = accEmail
	}
	if accDeleteAfter > 0 {
		account.DeleteAfterDays = sql.NullInt32{Int32: int32(accDeleteAfter), Valid: true}
	}
	if accLocalRetention > 0 {
		account.LocalRetentionDays = sql.NullInt32{Int32: int32(accLocalRetention), Valid: true}
	}

	switch provider {
	case store.ProviderIMAP:
		if accHost == "" || accUsername == "" {
			return fmt.Errorf("--host and --username are required for imap accounts")
		}
		if account.Port == 0 {
			account.Port = 993
		}
		// Prompt, never a flag: keeps the password out of shell history
		// and process listings.
		fmt.Printf("Password for %s@%s: ", accUsername, accHost)
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		if len(raw) == 0 {
			return fmt.Errorf("password is required")
		}
		account.Password = string(raw)
	case store.ProviderM365:
		if accClientID == "" || accClientSecret == "" {
			return fmt.Errorf("--client-id and --client-secret are required for m365 accounts")
		}
	}

	s, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	if provider != store.ProviderImport {
		prov, err := app.BuildProvider(cmd.Context(), cfg, account, logger)
		if err != nil {
			return err
		}
		fmt.Println("Testing connection...")
		testErr := prov.TestConnection(cmd.Context())
		prov.Close()
		if testErr != nil {
			return fmt.Errorf("connection test failed: %w", testErr)
		}
		fmt.Println("Connected successfully.")
	}

	if err := s.UpsertAccount(cmd.Context(), account); err != nil {
		return fmt.Errorf("save account: %w", err)
	}

	fmt.Printf("\nAccount added (id %d).\n", account.ID)
	fmt.Println("You can now run:")
	fmt.Printf("  mailarchiver sync %s\n", account.Email)
	return nil
}

func runAccountsUpdate(cmd *cobra.Command, args []string) error {
	s, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	account, err := findAccountArg(cmd.Context(), s, args[0])
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		account.Name = accName
	}
	if flags.Changed("host") {
		account.Host = accHost
	}
	if flags.Changed("port") {
		account.Port = accPort
	}
	if flags.Changed("no-ssl") {
		account.UseSSL = !accNoSSL
	}
	if flags.Changed("username") {
		account.Username = accUsername
	}
	if flags.Changed("exclude-folder") {
		account.ExcludedFolders = accExcludedFolders
	}
	if flags.Changed("delete-after-days") {
		account.DeleteAfterDays = sql.NullInt32{Int32: int32(accDeleteAfter), Valid: accDeleteAfter > 0}
	}
	if flags.Changed("local-retention-days") {
		account.LocalRetentionDays = sql.NullInt32{Int32: int32(accLocalRetention), Valid: accLocalRetention > 0}
	}
	if flags.Changed("disabled") {
		account.Enabled = !accDisabled
	}

	if err := s.UpsertAccount(cmd.Context(), account); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	fmt.Printf("Account %d updated.\n", account.ID)
	return nil
}

// deleteAccountInline runs the account-delete phases without a daemon:
// clear locks, delete attachments and emails in batches, drop the row.
func deleteAccountInline(ctx context.Context, s *store.Store, accountID int64) error {
	if err := s.ClearLocksForAccount(ctx, accountID); err != nil {
		return err
	}

	const batch = 1000
	deleted := 0
	afterID := int64(0)
	for {
		ids, err := s.ListEmailIDsByAccount(ctx, accountID, afterID, batch)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			break
		}
		if err := s.BatchDeleteAttachmentsByEmailIDs(ctx, ids); err != nil {
			return err
		}
		if err := s.BatchDeleteEmails(ctx, ids); err != nil {
			return err
		}
		afterID = ids[len(ids)-1]
		deleted += len(ids)
		fmt.Printf("\rDeleted %d emails...", deleted)
	}
	fmt.Println()

	if err := s.DeleteAccount(ctx, accountID); err != nil {
		return err
	}
	fmt.Println("Account removed.")
	return nil
}

func init() {
	flags := accountsAddCmd.Flags()
	flags.StringVar(&accName, "name", "", "display name (default: email)")
	flags.StringVar(&accProvider, "provider", "imap", "provider kind: imap, m365, or import")
	flags.StringVar(&accHost, "host", "", "IMAP server hostname")
	flags.IntVar(&accPort, "port", 0, "IMAP server port (default: 993)")
	flags.BoolVar(&accNoSSL, "no-ssl", false, "use STARTTLS instead of implicit TLS")
	flags.StringVar(&accUsername, "username", "", "IMAP username")
	flags.StringVar(&accEmail, "email", "", "mailbox email address (required)")
	flags.StringVar(&accClientID, "client-id", "", "Microsoft application (client) id")
	flags.StringVar(&accClientSecret, "client-secret", "", "Microsoft client secret")
	flags.StringVar(&accTenantID, "tenant-id", "", "Microsoft tenant id (default: common)")
	flags.StringSliceVar(&accExcludedFolders, "exclude-folder", nil, "folder to skip during sync (repeatable)")
	flags.IntVar(&accDeleteAfter, "delete-after-days", 0, "delete mail from the server after this many days (0 = never)")
	flags.IntVar(&accLocalRetention, "local-retention-days", 0, "delete mail from the archive after this many days (0 = never)")
	flags.BoolVar(&accDisabled, "disabled", false, "create the account disabled")

	uflags := accountsUpdateCmd.Flags()
	uflags.StringVar(&accName, "name", "", "display name")
	uflags.StringVar(&accHost, "host", "", "IMAP server hostname")
	uflags.IntVar(&accPort, "port", 0, "IMAP server port")
	uflags.BoolVar(&accNoSSL, "no-ssl", false, "use STARTTLS instead of implicit TLS")
	uflags.StringVar(&accUsername, "username", "", "IMAP username")
	uflags.StringSliceVar(&accExcludedFolders, "exclude-folder", nil, "folders to skip during sync")
	uflags.IntVar(&accDeleteAfter, "delete-after-days", 0, "remote retention in days (0 = never)")
	uflags.IntVar(&accLocalRetention, "local-retention-days", 0, "archive retention in days (0 = never)")
	uflags.BoolVar(&accDisabled, "disabled", false, "disable the account")

	accountsCmd.AddCommand(accountsAddCmd, accountsListCmd, accountsRemoveCmd, accountsUpdateCmd, accountsTestCmd)
	rootCmd.AddCommand(accountsCmd)
}
