package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mailarchiver/mailarchiver/internal/config"
	"github.com/mailarchiver/mailarchiver/internal/store"
)

var (
	cfgFile string
	homeDir string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mailarchiver",
	Short: "Mailbox archiving service",
	Long: `mailarchiver copies mail out of IMAP and Microsoft 365 mailboxes into
a PostgreSQL archive with full-text search, retention enforcement, and
restore back to the original mailbox.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		var err error
		cfg, err = config.Load(cfgFile, homeDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if err := cfg.EnsureHomeDir(); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.HomeDir, err)
		}

		return nil
	},
}

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// openStore connects to the configured database and applies the schema.
func openStore(ctx context.Context) (*store.Store, error) {
	if cfg.Data.DatabaseURL == "" {
		return nil, fmt.Errorf("no database configured: set [data] database_url in config.toml")
	}
	s, err := store.Open(cfg.Data.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := s.InitSchema(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// findAccountArg resolves an account given as a numeric id or an email
// address. Unknown accounts are an error, not a nil result.
func findAccountArg(ctx context.Context, s *store.Store, arg string) (*store.MailAccount, error) {
	var (
		account *store.MailAccount
		err     error
	)
	var id int64
	if _, serr := fmt.Sscanf(arg, "%d", &id); serr == nil && fmt.Sprintf("%d", id) == arg {
		account, err = s.FindAccount(ctx, id)
	} else {
		account, err = s.FindAccountByEmail(ctx, arg)
	}
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("account %q not found", arg)
	}
	return account, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.mailarchiver/config.toml)")
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "home directory (overrides MAILARCHIVER_HOME)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
