package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stagehq/stagehand/pkg/types"
)

var promoteCmd = &cobra.Command{
	Use:   "promote SERVICE FROM TO TAG",
	Short: "Promote a tag into the next environment stage",
	Long: `Promote a service's tag from one environment stage into the next.
The tag is pinned to its registry digest before any traffic moves.

Use - as the source stage for the initial release into the first stage.

Examples:
  # Initial release into dev
  stagehand promote checkout - dev v1.0.0

  # Promote what dev runs into qa
  stagehand promote checkout dev qa v1.0.0`,
	Args: cobra.ExactArgs(4),
	RunE: runPromote,
}

func init() {
	rootCmd.AddCommand(promoteCmd)
}

func runPromote(cmd *cobra.Command, args []string) error {
	service, from, to, tag := args[0], args[1], args[2], args[3]

	fmt.Printf("Promoting %s %s: %s -> %s\n", service, tag, from, to)

	promo, err := controllerClient(cmd).Promote(cmd.Context(), service, from, to, tag)
	if promo != nil {
		printPromotion(promo)
	}
	return err
}

func printPromotion(p *types.Promotion) {
	switch p.State {
	case types.PromotionStateSucceeded:
		fmt.Printf("✓ Promotion succeeded (ID: %s)\n", p.ID)
	case types.PromotionStateNoOp:
		fmt.Printf("✓ Already current, nothing to do (ID: %s)\n", p.ID)
	case types.PromotionStatePendingApproval:
		fmt.Printf("Promotion awaiting approval (ID: %s)\n", p.ID)
		fmt.Printf("  Approve with: stagehand approve %s\n", p.ID)
	case types.PromotionStateRolledBack:
		fmt.Printf("✗ Rolled back: %s (ID: %s)\n", p.Error, p.ID)
	case types.PromotionStateDenied:
		fmt.Printf("✗ Denied: %s (ID: %s)\n", p.Error, p.ID)
	case types.PromotionStateExpired:
		fmt.Printf("✗ Expired: %s (ID: %s)\n", p.Error, p.ID)
	default:
		fmt.Printf("✗ Failed: %s (ID: %s)\n", p.Error, p.ID)
	}
	if p.AttemptID != "" {
		fmt.Printf("  Attempt: %s\n", p.AttemptID)
	}
}
