package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mailarchiver/mailarchiver/internal/api"
	"github.com/mailarchiver/mailarchiver/internal/app"
	"github.com/mailarchiver/mailarchiver/internal/jobs"
	"github.com/mailarchiver/mailarchiver/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run mailarchiver as a daemon with job queues and scheduled sync",
	Long: `Run mailarchiver as a long-running daemon.

The daemon runs in the foreground and provides:
  - HTTP API server on the configured port (default: 8080)
  - The five job queues (sync, restore, export, import, account-delete)
  - Scheduled incremental syncs based on account config

Configure schedules in config.toml:
  [[accounts]]
  email = "you@example.com"
  schedule = "0 2 * * *"   # 2am daily (cron format)
  enabled = true

Use Ctrl+C to stop the daemon gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	s, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	manager := jobs.NewManager(logger)
	app.NewRunners(cfg, s, logger).Register(manager)
	manager.Start(ctx)

	sched := scheduler.New(func(email string) (string, error) {
		account, err := s.FindAccountByEmail(ctx, email)
		if err != nil {
			return "", fmt.Errorf("resolve scheduled account: %w", err)
		}
		if account == nil {
			return "", fmt.Errorf("no account for scheduled email %s", email)
		}
		return manager.Submit(jobs.KindSync, jobs.SyncPayload{AccountID: account.ID})
	}, logger)

	count, errs := sched.AddAccountsFromConfig(cfg)
	for _, err := range errs {
		logger.Error("failed to schedule account", "error", err)
	}
	sched.Start()

	apiServer := api.NewServer(cfg, s, manager, logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown error", "error", err)
		}

		sched.Stop()
		manager.Wait()
		return nil
	})

	fmt.Printf("mailarchiver daemon started\n")
	fmt.Printf("  API server: http://127.0.0.1:%d\n", cfg.Server.APIPort)
	fmt.Printf("  Scheduled accounts: %d\n", count)
	fmt.Println()
	for _, status := range sched.Status() {
		fmt.Printf("  %s: next sync at %s\n", status.Email, status.NextRun.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	err = group.Wait()
	fmt.Println("Shutdown complete.")
	return err
}
