package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"windowgate/internal/alerts"
	"windowgate/internal/app"
)

var (
	simulateType   string
	simulateSymbol string
	simulateValue  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "通过已配置的通道发送一条测试告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateValue < 0 {
			return errors.New("--value 不能为负数")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Type:   alerts.Type(simulateType),
			Symbol: simulateSymbol,
			Value:  simulateValue,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateType, "type", string(alerts.LiquidationSpike), "告警类型")
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "BTC", "交易对")
	simulateCmd.Flags().Float64Var(&simulateValue, "value", 1_000_000, "模拟的观测值")
}
