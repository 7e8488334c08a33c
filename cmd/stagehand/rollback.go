package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stagehq/stagehand/pkg/types"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback SERVICE STAGE",
	Short: "Revert a deployment to its previous revision",
	Long: `Revert a deployment to the revision it ran before its last
successful rollout. The revert is itself a health-gated rollout.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Rolling back %s/%s...\n", args[0], args[1])

		attempt, err := controllerClient(cmd).Rollback(cmd.Context(), args[0], args[1])
		if attempt != nil {
			switch attempt.State {
			case types.AttemptStateSucceeded:
				fmt.Printf("✓ Rolled back (attempt %s)\n", shortID(attempt.ID))
			default:
				fmt.Printf("✗ Rollback attempt %s: %s\n", shortID(attempt.ID), attempt.Error)
			}
		}
		return err
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear SERVICE STAGE",
	Short: "Clear a failed deployment so promotions may resume",
	Long: `Clear a deployment's failed status after manual intervention.
Promotions into the stage are refused while the failure stands.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := controllerClient(cmd).Clear(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ Cleared %s/%s\n", args[0], args[1])
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel ATTEMPT_ID",
	Short: "Cancel an in-progress rollout attempt",
	Long: `Request cooperative cancellation of an in-progress rollout. The
controller finishes the current health probe, then rolls back.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := controllerClient(cmd).CancelAttempt(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Cancellation requested for attempt %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(cancelCmd)
}
