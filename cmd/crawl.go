package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/threadscan/internal/crawler"
	"github.com/JakeFAU/threadscan/internal/task"
)

type crawlOutput struct {
	Username string               `json:"username"`
	State    crawler.TaskState    `json:"state"`
	Error    string               `json:"error,omitempty"`
	Saved    crawler.SaveSummary  `json:"saved"`
	Sweep    *crawler.SweepReport `json:"sweep,omitempty"`
	Duration string               `json:"duration"`
}

// newCrawlCmd scans a single profile in the foreground, bypassing the queue.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl <username>",
		Short: "Crawl, store and classify one profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			username, err := task.NormalizeUsername(args[0])
			if err != nil {
				return err
			}
			start := time.Now()
			out := appInstance.Scan(cmd.Context(), username)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(crawlOutput{
				Username: username,
				State:    out.State,
				Error:    out.ErrorText(),
				Saved:    out.Saved,
				Sweep:    out.Sweep,
				Duration: time.Since(start).Round(time.Millisecond).String(),
			}); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			if out.State == crawler.TaskStateError {
				return fmt.Errorf("scan %s failed: %w", username, out.Err)
			}
			return nil
		},
	}
}
