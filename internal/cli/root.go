// Package cli wires the hookwire commands. The bare binary is the hook
// entrypoint: it reads one event from stdin and writes one response to
// stdout. Subcommands cover the queue and maintenance surfaces.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/basket/hookwire/internal/audit"
	"github.com/basket/hookwire/internal/config"
	"github.com/basket/hookwire/internal/hook"
	"github.com/basket/hookwire/internal/router"
	"github.com/basket/hookwire/internal/shared"
	"github.com/basket/hookwire/internal/store"
	"github.com/basket/hookwire/internal/tasks"
	"github.com/basket/hookwire/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "hookwire",
	Short: "Hook event router for coding assistant sessions",
	Long: `hookwire reads one hook event as JSON on stdin, runs the configured
checks and the session's background task queue, and writes one JSON response
object to stdout.

Configure the host to invoke "hookwire" for every hook event:

  {
    "hooks": {
      "PreToolUse":  [{"type": "command", "command": "hookwire"}],
      "PostToolUse": [{"type": "command", "command": "hookwire"}],
      "Stop":        [{"type": "command", "command": "hookwire"}],
      "SessionEnd":  [{"type": "command", "command": "hookwire"}]
    }
  }`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runHook,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(queueTaskCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(gcCmd)
}

func runHook(cmd *cobra.Command, _ []string) error {
	ev, err := hook.ParseEvent(cmd.InOrStdin())
	if err != nil {
		// Unparseable input means there is no host waiting for a response
		// shape; report on stderr and fail.
		return fmt.Errorf("read hook event: %w", err)
	}

	cwd, _ := os.Getwd()
	cfg, err := config.Load(cwd)
	if err != nil {
		// A broken config file must not silently disable every check. Stop
		// the session with a reason the user can act on.
		off := false
		resp := &hook.Response{Continue: &off, StopReason: fmt.Sprintf("hookwire config error: %v", err)}
		return resp.WriteTo(cmd.OutOrStdout())
	}

	root := resolveRoot(cfg)
	log, closer, logErr := telemetry.NewLogger(root.LogDir(), cfg.LogLevel)
	if logErr != nil {
		log = telemetry.Discard()
	} else {
		defer closer.Close()
	}
	if err := audit.Init(root.LogDir()); err == nil {
		defer audit.Close()
	}

	ctx := shared.WithInvocationID(cmd.Context(), shared.NewInvocationID())
	ctx = shared.WithSessionID(ctx, ev.SessionID)
	log = log.With("invocation_id", shared.InvocationID(ctx))

	r := &router.Router{Config: cfg, Root: root, Resolver: tasks.Builtins(), Log: log}
	resp := r.Handle(ctx, ev)
	return resp.WriteTo(cmd.OutOrStdout())
}

func resolveRoot(cfg *config.Config) store.Root {
	if cfg.CacheRoot != "" {
		return store.Root{Base: cfg.CacheRoot}
	}
	if env := os.Getenv("HOOKWIRE_CACHE"); env != "" {
		return store.Root{Base: env}
	}
	return store.DefaultRoot()
}
