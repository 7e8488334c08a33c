package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stagehq/stagehand/pkg/client"
	"github.com/stagehq/stagehand/pkg/errdefs"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errdefs.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Stagehand - promotion-driven deployment controller",
	Long: `Stagehand promotes service revisions through ordered environment
stages (e.g. dev -> qa -> prod) with health-gated rollouts. Each
promotion pins a registry tag to its digest, passes an approval gate,
and rolls out with automatic rollback on failing health probes.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Stagehand version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("controller", "http://127.0.0.1:8080", "Controller API address")
}

// controllerClient builds the API client from the --controller flag
func controllerClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("controller")
	return client.New(addr)
}
