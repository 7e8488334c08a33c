package promotion

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/ryanuber/go-glob"
	"github.com/stagehq/stagehand/pkg/errdefs"
	"github.com/stagehq/stagehand/pkg/types"
)

// Decision is an approval gate's verdict on a promotion
type Decision string

const (
	// DecisionGranted lets the rollout proceed immediately
	DecisionGranted Decision = "granted"
	// DecisionDenied rejects the promotion
	DecisionDenied Decision = "denied"
	// DecisionPending parks the promotion until an operator approves it
	DecisionPending Decision = "pending"
)

// ApprovalGate decides whether a promotion may proceed into its target
// environment. Policy evaluation beyond the built-in gates is an
// external concern; anything that can answer Evaluate plugs in.
type ApprovalGate interface {
	Evaluate(p *types.Promotion, service *types.Service) (Decision, error)
}

// ManualGate parks every promotion for explicit operator approval
type ManualGate struct{}

func (ManualGate) Evaluate(*types.Promotion, *types.Service) (Decision, error) {
	return DecisionPending, nil
}

// PolicyRule auto-decides promotions whose target environment matches
// EnvPattern. An empty Constraint grants unconditionally; otherwise the
// tag must satisfy the semver constraint or the promotion is denied.
type PolicyRule struct {
	EnvPattern string `yaml:"env"`
	Constraint string `yaml:"constraint,omitempty"`
}

// PolicyGate evaluates rules in order; the first rule whose pattern
// matches the target environment decides. Promotions matched by no rule
// fall through to manual approval.
type PolicyGate struct {
	Rules []PolicyRule
}

// NewPolicyGate builds a gate from the given rules
func NewPolicyGate(rules []PolicyRule) *PolicyGate {
	return &PolicyGate{Rules: rules}
}

func (g *PolicyGate) Evaluate(p *types.Promotion, service *types.Service) (Decision, error) {
	for _, rule := range g.Rules {
		if !glob.Glob(rule.EnvPattern, p.ToEnv) {
			continue
		}
		if rule.Constraint == "" {
			return DecisionGranted, nil
		}

		constraint, err := semver.NewConstraint(rule.Constraint)
		if err != nil {
			return DecisionDenied, errdefs.Invalid("bad approval constraint %q: %v", rule.Constraint, err)
		}

		version, err := semver.NewVersion(strings.TrimPrefix(p.Tag, "v"))
		if err != nil {
			// Non-semver tags never satisfy a version constraint
			return DecisionDenied, nil
		}

		if constraint.Check(version) {
			return DecisionGranted, nil
		}
		return DecisionDenied, nil
	}
	return DecisionPending, nil
}
