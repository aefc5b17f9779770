package cli

import (
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var simulateAmount float64

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一条可疑活动并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount := decimal.NewFromFloat(simulateAmount)
		return getApp().SimulateAlert(cmd.Context(), amount)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateAmount, "amount", 0, "模拟转账金额（默认取大额阈值+1）")
}
