package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"windowgate/internal/app"
)

var (
	showLimit int
	showOwner string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display registered alerts and their state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Owner: showOwner,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 50, "Number of alerts to display")
	showCmd.Flags().StringVar(&showOwner, "owner-key", "", "Only show alerts owned by this API key")
}
