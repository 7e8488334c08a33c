package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var approveCmd = &cobra.Command{
	Use:   "approve PROMOTION_ID",
	Short: "Approve a pending promotion and run its rollout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Approving promotion %s...\n", args[0])

		promo, err := controllerClient(cmd).Approve(cmd.Context(), args[0])
		if promo != nil {
			printPromotion(promo)
		}
		return err
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny PROMOTION_ID",
	Short: "Deny a pending promotion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		promo, err := controllerClient(cmd).Deny(cmd.Context(), args[0], reason)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Promotion denied (ID: %s)\n", promo.ID)
		return nil
	},
}

func init() {
	denyCmd.Flags().String("reason", "denied by operator", "Reason recorded on the promotion")

	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(denyCmd)
}
