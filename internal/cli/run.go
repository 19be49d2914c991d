package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/kairo/internal/config"
	"github.com/harun/kairo/pkg/agent"
)

var (
	runSessionID string
	runAuthToken string
	runMaxIter   int
	runTrace     bool
)

var runCmd = &cobra.Command{
	Use:   "run <query>",
	Short: "Execute a single query in the foreground",
	Long: `Execute a single agent run in the foreground and print the answer.
No daemon is required; the full component graph is wired for one run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runSessionID, "session", "", "session id for memory and session binding")
	runCmd.Flags().StringVar(&runAuthToken, "auth-token", "", "auth token forwarded to tool-servers")
	runCmd.Flags().IntVar(&runMaxIter, "max-iterations", 0, "override the configured iteration budget")
	runCmd.Flags().BoolVar(&runTrace, "trace", false, "print the action trace after the answer")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	d, err := buildDaemon(cfg)
	if err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := d.loop.Run(ctx, agent.RunParams{
		SessionID:     runSessionID,
		AuthToken:     runAuthToken,
		Query:         strings.Join(args, " "),
		MaxIterations: runMaxIter,
	})
	if err != nil {
		return err
	}

	fmt.Println(result.Answer)

	if runTrace {
		fmt.Printf("\nOutcome: %s (%d iterations)\n", result.Outcome, result.Iterations)
		for i, entry := range result.Trace {
			status := "ok"
			if !entry.OK {
				status = "failed"
			}
			fmt.Printf("  %d. %s [%s] %s\n", i+1, entry.Action, status, entry.Detail)
		}
	}

	return nil
}
