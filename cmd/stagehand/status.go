package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/stagehq/stagehand/pkg/api"
	"github.com/stagehq/stagehand/pkg/errdefs"
	"github.com/stagehq/stagehand/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status SERVICE [ENV]",
	Short: "Show a service's deployments, for all stages or one",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := controllerClient(cmd).Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if len(args) == 2 {
			env := args[1]
			var envs []api.EnvStatus
			for _, e := range report.Environments {
				if e.Environment == env {
					envs = append(envs, e)
				}
			}
			if len(envs) == 0 {
				return errdefs.Invalid("service %s has no stage %q", args[0], env)
			}
			report.Environments = envs

			var pending []*types.Promotion
			for _, p := range report.Pending {
				if p.ToEnv == env {
					pending = append(pending, p)
				}
			}
			report.Pending = pending
		}

		fmt.Printf("Service: %s (%s)\n", report.Service.Name, report.Service.Repo)
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tSTATUS\tTAG\tDIGEST\tUPDATED")
		for _, env := range report.Environments {
			digest := env.Digest
			if len(digest) > 19 {
				digest = digest[:19]
			}
			tag := env.Tag
			if tag == "" {
				tag = "-"
				digest = "-"
			}
			status := string(env.Status)
			if env.ActiveAttemptID != "" {
				status += " (attempt " + shortID(env.ActiveAttemptID) + ")"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				env.Environment, status, tag, digest, env.UpdatedAt.Format(time.RFC3339))
		}
		w.Flush()

		if len(report.Pending) > 0 {
			fmt.Println()
			fmt.Println("Pending approvals:")
			for _, p := range report.Pending {
				fmt.Printf("  %s  %s -> %s  %s  (requested %s)\n",
					p.ID, p.FromEnv, p.ToEnv, p.Tag, p.RequestedAt.Format(time.RFC3339))
			}
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history SERVICE",
	Short: "Show a service's rollout attempts, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, _ := cmd.Flags().GetString("env")
		limit, _ := cmd.Flags().GetInt("limit")

		attempts, err := controllerClient(cmd).History(cmd.Context(), args[0], env)
		if err != nil {
			return err
		}
		if limit > 0 && len(attempts) > limit {
			attempts = attempts[:limit]
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ATTEMPT\tSTAGE\tSTATE\tSTRATEGY\tSTARTED\tERROR")
		for _, a := range attempts {
			errMsg := a.Error
			if len(errMsg) > 60 {
				errMsg = errMsg[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				shortID(a.ID), a.Environment, a.State, a.Plan.Strategy,
				a.StartedAt.Format(time.RFC3339), errMsg)
		}
		return w.Flush()
	},
}

var promotionsCmd = &cobra.Command{
	Use:   "promotions",
	Short: "List promotions",
	RunE: func(cmd *cobra.Command, args []string) error {
		service, _ := cmd.Flags().GetString("service")

		promotions, err := controllerClient(cmd).ListPromotions(cmd.Context(), service)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFROM\tTO\tTAG\tSTATE\tREQUESTED")
		for _, p := range promotions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				p.ID, p.FromEnv, p.ToEnv, p.Tag, p.State, p.RequestedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().String("env", "", "Filter by stage")
	historyCmd.Flags().Int("limit", 20, "Maximum attempts to show")
	promotionsCmd.Flags().String("service", "", "Filter by service name")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(promotionsCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
