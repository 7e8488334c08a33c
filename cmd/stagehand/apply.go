package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/stagehq/stagehand/pkg/api"
	"github.com/stagehq/stagehand/pkg/types"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a service definition file",
	Long: `Apply a service definition from a YAML file.

Examples:
  # Register or update a service
  stagehand apply -f checkout.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// serviceResource is the on-disk service definition
type serviceResource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   resourceMetadata `yaml:"metadata"`
	Spec       serviceSpecYAML  `yaml:"spec"`
}

type resourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

type serviceSpecYAML struct {
	Repo   string         `yaml:"repo"`
	Stages []string       `yaml:"stages"`
	Plan   *planSpecYAML  `yaml:"plan,omitempty"`
	Probe  *probeSpecYAML `yaml:"probe,omitempty"`
}

// planSpecYAML carries durations as strings ("2m", "15m")
type planSpecYAML struct {
	Strategy           string `yaml:"strategy"`
	Steps              []int  `yaml:"steps,omitempty"`
	HealthyThreshold   int    `yaml:"healthyThreshold,omitempty"`
	UnhealthyThreshold int    `yaml:"unhealthyThreshold,omitempty"`
	ProbeWindow        string `yaml:"probeWindow,omitempty"`
	AttemptTimeout     string `yaml:"attemptTimeout,omitempty"`
	RollbackRetries    int    `yaml:"rollbackRetries,omitempty"`
}

type probeSpecYAML struct {
	Path     string `yaml:"path"`
	Interval string `yaml:"interval,omitempty"`
	Timeout  string `yaml:"timeout,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}

	var resource serviceResource
	if err := yaml.Unmarshal(data, &resource); err != nil {
		return fmt.Errorf("failed to parse YAML: %v", err)
	}
	if resource.Kind != "Service" {
		return fmt.Errorf("unsupported resource kind: %s", resource.Kind)
	}

	spec, err := buildServiceSpec(&resource)
	if err != nil {
		return err
	}

	service, err := controllerClient(cmd).ApplyService(cmd.Context(), spec)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Service applied: %s (ID: %s)\n", service.Name, service.ID)
	fmt.Printf("  Stages: %v\n", service.Stages)
	return nil
}

func buildServiceSpec(resource *serviceResource) (*api.ServiceSpec, error) {
	spec := &api.ServiceSpec{
		Name:   resource.Metadata.Name,
		Repo:   resource.Spec.Repo,
		Stages: resource.Spec.Stages,
		Labels: resource.Metadata.Labels,
	}

	if p := resource.Spec.Plan; p != nil {
		plan := &types.RolloutPlan{
			Strategy:           types.Strategy(p.Strategy),
			Steps:              p.Steps,
			HealthyThreshold:   p.HealthyThreshold,
			UnhealthyThreshold: p.UnhealthyThreshold,
			RollbackRetries:    p.RollbackRetries,
		}
		var err error
		if plan.ProbeWindow, err = parseDuration(p.ProbeWindow, "plan.probeWindow"); err != nil {
			return nil, err
		}
		if plan.AttemptTimeout, err = parseDuration(p.AttemptTimeout, "plan.attemptTimeout"); err != nil {
			return nil, err
		}
		spec.Plan = plan
	}

	if p := resource.Spec.Probe; p != nil {
		probe := &types.ProbeSpec{Path: p.Path}
		var err error
		if probe.Interval, err = parseDuration(p.Interval, "probe.interval"); err != nil {
			return nil, err
		}
		if probe.Timeout, err = parseDuration(p.Timeout, "probe.timeout"); err != nil {
			return nil, err
		}
		spec.Probe = probe
	}

	return spec, nil
}

func parseDuration(value, field string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: %v", field, value, err)
	}
	return d, nil
}
