package cli

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current control state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context())
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Suspend the investment flow",
	Long: `Suspend the investment flow and record the change as an activity.

The switch lives in process memory: a running "run" instance keeps its
own state and has to be restarted to pick the change up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Pause(cmd.Context())
	},
}

var unpauseCmd = &cobra.Command{
	Use:   "unpause",
	Short: "Resume the investment flow",
	Long: `Resume the investment flow and record the change as an activity.

The switch lives in process memory: a running "run" instance keeps its
own state and has to be restarted to pick the change up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Unpause(cmd.Context())
	},
}

var blacklistCmd = &cobra.Command{
	Use:   "blacklist <address> <true|false>",
	Short: "Toggle the deny-list entry for an address",
	Long: `Toggle the deny-list entry for an address and record the change
as an activity.

The entry lives in process memory: a running "run" instance keeps its
own state and has to be restarted to pick the change up.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := strconv.ParseBool(args[1])
		if err != nil {
			return fmt.Errorf("invalid status %q: %w", args[1], err)
		}
		return getApp().Blacklist(cmd.Context(), args[0], status)
	},
}

var priceCmd = &cobra.Command{
	Use:   "price <usd>",
	Short: "Apply a manual price update, in USD",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Price(cmd.Context(), args[0])
	},
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw <address> <amount>",
	Short: "Emergency withdrawal, bypassing quorum",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		return getApp().Withdraw(cmd.Context(), args[0], amount)
	},
}

var requestReason string

var requestWithdrawalCmd = &cobra.Command{
	Use:   "request-withdrawal <address> <amount>",
	Short: "Open a multi-signature withdrawal request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		return getApp().RequestWithdrawal(cmd.Context(), args[0], amount, requestReason)
	},
}

var approveSigner string

var approveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Record one signer vote on a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Approve(cmd.Context(), args[0], approveSigner)
	},
}

func init() {
	requestWithdrawalCmd.Flags().StringVar(&requestReason, "reason", "", "Reason recorded on the request")
	approveCmd.Flags().StringVar(&approveSigner, "signer", "", "Signer address (defaults to app.owner)")
}
