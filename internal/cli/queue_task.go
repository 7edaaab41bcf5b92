package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/hookwire/internal/config"
	"github.com/basket/hookwire/internal/store"
)

var (
	queueSession string
	queueSource  string
	queueTimeout int
)

var queueTaskCmd = &cobra.Command{
	Use:   "queue-task [flags] -- command [args...]",
	Short: "Enqueue a background task for a session",
	Long: `Adds a command to a session's background task queue. The task is
launched by a later hook invocation and its output is delivered as feedback.

Example:

  hookwire queue-task --session abc123 -- ruff check src/`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQueueTask,
}

func init() {
	queueTaskCmd.Flags().StringVar(&queueSession, "session", "", "session id to queue the task for (default: the default partition)")
	queueTaskCmd.Flags().StringVar(&queueSource, "source", "cli", "label recorded as the task's source")
	queueTaskCmd.Flags().IntVar(&queueTimeout, "timeout", 120, "task timeout in seconds")
}

func runQueueTask(cmd *cobra.Command, args []string) error {
	cwd, _ := os.Getwd()
	cfg, err := config.Load(cwd)
	if err != nil {
		cfg = config.Default()
	}

	st, err := store.Open(resolveRoot(cfg), queueSession)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer st.Close()

	id, err := st.Enqueue(cmd.Context(), args, queueSource, time.Duration(queueTimeout)*time.Second)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintf(cmd.OutOrStdout(), "queued task %s (source=%s, timeout=%ds)\n", id, queueSource, queueTimeout)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}
