package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// errSilent marks failures that were already reported to the user.
var errSilent = errors.New("silent failure")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errSilent) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var home string

	root := &cobra.Command{
		Use:   "janus",
		Short: "Autonomous action execution core",
		Long: `janus turns model-drafted action proposals into sandboxed executions.

Proposals are filed by the thinking cycle or by hand, reviewed by an operator
unless they fall inside the auto-approval policy, and executed under the
policy guard, the sandbox and the admission controller.

Environment:
  JANUS_HOME       Data directory (default: ~/.janus)
  JANUS_LOG_LEVEL  debug, info, warn or error
  TELEGRAM_TOKEN   Bot token for approval notifications`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if home != "" {
				return os.Setenv("JANUS_HOME", home)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&home, "home", "", "data directory (overrides JANUS_HOME)")

	root.AddCommand(
		newDaemonCmd(),
		newProposeCmd(),
		newPendingCmd(),
		newReviewCmd(),
		newApproveCmd(),
		newRejectCmd(),
		newHistoryCmd(),
		newSuspendCmd(),
		newAuditCmd(),
		newStatusCmd(),
		newPolicyCmd(),
		newJobsCmd(),
		newBackupCmd(),
		newDoctorCmd(),
	)
	return root
}
