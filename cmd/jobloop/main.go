package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "jobloop",
		Short: "jobloop - due-time job scheduler",
		Long: `jobloop runs command jobs on cron, interval and one-shot schedules.

Examples:
  jobloop run -c /etc/jobloop.yaml        # Run the scheduler (systemd friendly)
  jobloop validate -c ./jobloop.yaml      # Check a config file
  jobloop next -c ./jobloop.yaml -n 5     # Preview the next 5 due times per job`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./jobloop.yaml", "path to config (json or yaml)")

	root.AddCommand(
		newRunCmd(&cfgPath),
		newValidateCmd(&cfgPath),
		newNextCmd(&cfgPath),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
