package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/basket/hookwire/internal/config"
	"github.com/basket/hookwire/internal/hook"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate and print the resolved configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cwd, _ := os.Getwd()
		cfg, err := config.Load(cwd)
		if err != nil {
			return err
		}

		for _, event := range []string{
			hook.PreToolUse, hook.PostToolUse, hook.UserPromptSubmit,
			hook.Stop, hook.SubagentStop, hook.SessionStart,
			hook.SessionEnd, hook.Notification, hook.PreCompact,
		} {
			for _, entry := range cfg.Section(event) {
				if entry.Ref == "" && len(entry.Command) == 0 {
					return fmt.Errorf("%s task %q has neither ref nor command", event, entry.Name())
				}
			}
		}

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("render config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}
