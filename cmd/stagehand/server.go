package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stagehq/stagehand/pkg/api"
	"github.com/stagehq/stagehand/pkg/log"
	"github.com/stagehq/stagehand/pkg/manager"
	"github.com/stagehq/stagehand/pkg/probe"
	"github.com/stagehq/stagehand/pkg/promotion"
	"github.com/stagehq/stagehand/pkg/reconciler"
	"github.com/stagehq/stagehand/pkg/registry"
	"github.com/stagehq/stagehand/pkg/rollout"
	"github.com/stagehq/stagehand/pkg/runtime"
	"github.com/stagehq/stagehand/pkg/types"
	"gopkg.in/yaml.v3"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Stagehand controller",
	Long: `Run the Stagehand controller: replicated state store, promotion
pipeline, rollout engine, janitor, and the HTTP API.

The controller bootstraps a single-node Raft cluster on first start and
reuses the existing state on restart.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("node-id", "stagehand-1", "Unique node ID")
	serverCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for Raft communication")
	serverCmd.Flags().String("api-addr", "127.0.0.1:8080", "Address for the HTTP API")
	serverCmd.Flags().String("data-dir", "./stagehand-data", "Data directory for controller state")
	serverCmd.Flags().String("runtime-addr", "http://127.0.0.1:9090", "Base URL of the runtime traffic API")
	serverCmd.Flags().String("probe-url", "http://{service}.{env}.svc.cluster.local", "Probe URL template; {service} and {env} are substituted")
	serverCmd.Flags().String("approval-policy", "", "YAML file of auto-approval rules (default: all promotions need manual approval)")
	serverCmd.Flags().Duration("janitor-interval", reconciler.DefaultInterval, "How often the janitor sweeps")
	serverCmd.Flags().Duration("promotion-ttl", reconciler.DefaultPromotionTTL, "How long a promotion may wait for approval")
	serverCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serverCmd.Flags().Bool("log-json", false, "Emit JSON logs instead of console output")

	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	apiAddr, _ := cmd.Flags().GetString("api-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	runtimeAddr, _ := cmd.Flags().GetString("runtime-addr")
	probeURL, _ := cmd.Flags().GetString("probe-url")
	policyFile, _ := cmd.Flags().GetString("approval-policy")
	janitorInterval, _ := cmd.Flags().GetDuration("janitor-interval")
	promotionTTL, _ := cmd.Flags().GetDuration("promotion-ttl")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	fmt.Println("Starting Stagehand controller...")
	fmt.Printf("  Node ID: %s\n", nodeID)
	fmt.Printf("  Raft Address: %s\n", bindAddr)
	fmt.Printf("  API Address: %s\n", apiAddr)
	fmt.Printf("  Data Directory: %s\n", dataDir)
	fmt.Println()

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   nodeID,
		BindAddr: bindAddr,
		DataDir:  dataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %v", err)
	}

	if err := mgr.Bootstrap(); err != nil {
		return fmt.Errorf("failed to bootstrap: %v", err)
	}
	if err := mgr.WaitForLeader(10 * time.Second); err != nil {
		return fmt.Errorf("no leader elected: %v", err)
	}
	fmt.Println("✓ State store ready")

	gate, err := loadGate(policyFile)
	if err != nil {
		return err
	}

	driver := runtime.NewHTTPDriver(runtimeAddr)
	engine := rollout.NewEngine(mgr, driver, checkerFactory(probeURL), mgr.EventBroker())
	pipeline := promotion.NewPipeline(mgr, registry.NewHTTPResolver(), engine, gate, mgr.EventBroker())
	fmt.Println("✓ Rollout engine ready")

	janitor := reconciler.NewJanitor(mgr, engine, mgr.EventBroker(), janitorInterval, promotionTTL)
	janitor.Start()
	fmt.Println("✓ Janitor started")

	apiServer := api.NewServer(mgr, pipeline, engine, mgr.EventBroker())
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(apiAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %v", err)
		}
	}()

	fmt.Println()
	fmt.Println("Controller is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	janitor.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "API shutdown: %v\n", err)
	}
	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %v", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

// checkerFactory builds health checkers from the probe URL template.
// {service} and {env} are substituted, then the service's probe path is
// appended.
func checkerFactory(template string) rollout.CheckerFactory {
	return func(service *types.Service, env string) probe.Checker {
		url := strings.ReplaceAll(template, "{service}", service.Name)
		url = strings.ReplaceAll(url, "{env}", env)
		path := "/healthz"
		if service.Probe != nil && service.Probe.Path != "" {
			path = service.Probe.Path
		}
		return probe.NewHTTPChecker(strings.TrimSuffix(url, "/") + path)
	}
}

// loadGate reads auto-approval rules; with no policy file every
// promotion waits for manual approval.
func loadGate(path string) (promotion.ApprovalGate, error) {
	if path == "" {
		return promotion.ManualGate{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read approval policy: %v", err)
	}

	var rules []promotion.PolicyRule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse approval policy: %v", err)
	}
	fmt.Printf("✓ Approval policy loaded (%d rules)\n", len(rules))
	return promotion.NewPolicyGate(rules), nil
}
