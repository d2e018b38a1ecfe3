package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/threadscan/internal/task"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <username>",
		Short: "Print stored post counts and flagged texts for a user",
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
			us, err := appInstance.UserStats(cmd.Context(), username)
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			if us.FlaggedTexts == nil {
				us.FlaggedTexts = []string{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(us); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			return nil
		},
	}
}
