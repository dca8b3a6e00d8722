package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the alert scheduler only",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the gateway and alerts API alongside the scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context())
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate every alert once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := getApp().Evaluate(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("alerts: %d  triggered: %d  updated: %d  unchanged: %d  failed: %d  took: %s\n",
			report.Alerts, report.Triggered, report.Updated, report.NoChange, report.Failed, report.Duration)
		return nil
	},
}
