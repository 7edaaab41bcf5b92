package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/hookwire/internal/config"
)

var gcOlderThan time.Duration

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove session partitions not touched recently",
	Long: `Deletes session state directories whose database has not been
modified within the retention window. Sessions normally clean up on
SessionEnd; gc covers the ones whose host process died first.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cwd, _ := os.Getwd()
		cfg, err := config.Load(cwd)
		if err != nil {
			cfg = config.Default()
		}

		removed, err := resolveRoot(cfg).PurgeSessionsOlderThan(gcOlderThan)
		if err != nil {
			return fmt.Errorf("purge sessions: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d session partition(s)\n", removed)
		return nil
	},
}

func init() {
	gcCmd.Flags().DurationVar(&gcOlderThan, "older-than", 7*24*time.Hour, "retention window for idle sessions")
}
