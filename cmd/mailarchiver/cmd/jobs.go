package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailarchiver/mailarchiver/internal/jobs"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect jobs on the running daemon",
	Long: `Query the job queues of a running "mailarchiver serve" daemon over
its HTTP API. Without arguments, lists jobs active within the last day;
with a job id, shows that job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := daemonRequest(cmd.Context(), http.MethodDelete, "/api/v1/jobs/"+args[0]); err != nil {
			return err
		}
		fmt.Printf("Cancellation requested for job %s.\n", args[0])
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsCancelCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		body, err := daemonRequest(cmd.Context(), http.MethodGet, "/api/v1/jobs/"+args[0])
		if err != nil {
			return err
		}
		var snap jobs.Snapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		printJob(snap)
		return nil
	}

	body, err := daemonRequest(cmd.Context(), http.MethodGet, "/api/v1/jobs")
	if err != nil {
		return err
	}
	var resp struct {
		Jobs []jobs.Snapshot `json:"jobs"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Jobs) == 0 {
		fmt.Println("No active jobs.")
		return nil
	}

	fmt.Printf("%-38s %-16s %-11s %-10s %s\n", "ID", "KIND", "STATUS", "PROCESSED", "CREATED")
	for _, snap := range resp.Jobs {
		fmt.Printf("%-38s %-16s %-11s %-10d %s\n",
			snap.ID, snap.Kind, snap.Status, snap.Counters.Processed,
			snap.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func printJob(snap jobs.Snapshot) {
	fmt.Printf("Job %s\n", snap.ID)
	fmt.Printf("  Kind:      %s\n", snap.Kind)
	fmt.Printf("  Status:    %s\n", snap.Status)
	fmt.Printf("  Created:   %s\n", snap.CreatedAt.Local().Format(time.RFC3339))
	if !snap.StartedAt.IsZero() {
		fmt.Printf("  Started:   %s\n", snap.StartedAt.Local().Format(time.RFC3339))
	}
	if !snap.FinishedAt.IsZero() {
		fmt.Printf("  Finished:  %s\n", snap.FinishedAt.Local().Format(time.RFC3339))
	}
	c := snap.Counters
	fmt.Printf("  Counters:  %d processed, %d new, %d failed, %d deleted\n",
		c.Processed, c.New, c.Failed, c.Deleted)
	if snap.Artifact != "" {
		fmt.Printf("  Artifact:  %s\n", snap.Artifact)
	}
	if snap.Error != "" {
		fmt.Printf("  Error:     %s\n", snap.Error)
	}
}

// daemonRequest calls the local daemon's API using the configured port
// and key.
func daemonRequest(ctx context.Context, method, path string) ([]byte, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", cfg.Server.APIPort, path)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Server.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Server.APIKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	return body, nil
}
