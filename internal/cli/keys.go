package cli

import (
	"github.com/spf13/cobra"

	"windowgate/internal/app"
)

var (
	keyPlan     string
	keyOverride int64
	keyMetadata string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage keystore API keys",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key and print it once",
	RunE: func(cmd *cobra.Command, args []string) error {
		credential, err := getApp().CreateKey(cmd.Context(), app.KeyOptions{
			Plan:     keyPlan,
			Override: keyOverride,
			Metadata: keyMetadata,
		})
		if err != nil {
			return err
		}
		cmd.Println(credential)
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RevokeKey(cmd.Context(), args[0])
	},
}

func init() {
	keysCreateCmd.Flags().StringVar(&keyPlan, "plan", "free", "Plan: free, pro, team or enterprise")
	keysCreateCmd.Flags().Int64Var(&keyOverride, "rate-limit", 0, "Per-key request limit overriding the plan")
	keysCreateCmd.Flags().StringVar(&keyMetadata, "metadata", "", "Free-form note stored with the key")

	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysRevokeCmd)
}
