package promotion

import (
	"testing"

	"github.com/stagehq/stagehand/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualGateAlwaysPends(t *testing.T) {
	decision, err := ManualGate{}.Evaluate(&types.Promotion{ToEnv: "prod"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionPending, decision)
}

func TestPolicyGate(t *testing.T) {
	tests := []struct {
		name  string
		rules []PolicyRule
		env   string
		tag   string
		want  Decision
	}{
		{
			name:  "exact env match grants",
			rules: []PolicyRule{{EnvPattern: "dev"}},
			env:   "dev",
			tag:   "v1.0.0",
			want:  DecisionGranted,
		},
		{
			name:  "glob matches multiple envs",
			rules: []PolicyRule{{EnvPattern: "qa-*"}},
			env:   "qa-eu",
			tag:   "v1.0.0",
			want:  DecisionGranted,
		},
		{
			name:  "no rule matches falls to manual",
			rules: []PolicyRule{{EnvPattern: "dev"}},
			env:   "prod",
			tag:   "v1.0.0",
			want:  DecisionPending,
		},
		{
			name:  "constraint satisfied grants",
			rules: []PolicyRule{{EnvPattern: "qa", Constraint: ">= 1.0.0"}},
			env:   "qa",
			tag:   "v1.2.3",
			want:  DecisionGranted,
		},
		{
			name:  "constraint violated denies",
			rules: []PolicyRule{{EnvPattern: "qa", Constraint: ">= 2.0.0"}},
			env:   "qa",
			tag:   "v1.2.3",
			want:  DecisionDenied,
		},
		{
			name:  "non-semver tag never satisfies a constraint",
			rules: []PolicyRule{{EnvPattern: "qa", Constraint: ">= 1.0.0"}},
			env:   "qa",
			tag:   "latest",
			want:  DecisionDenied,
		},
		{
			name: "first matching rule wins",
			rules: []PolicyRule{
				{EnvPattern: "qa", Constraint: ">= 2.0.0"},
				{EnvPattern: "*"},
			},
			env:  "qa",
			tag:  "v1.0.0",
			want: DecisionDenied,
		},
		{
			name: "later rule matches other envs",
			rules: []PolicyRule{
				{EnvPattern: "qa", Constraint: ">= 2.0.0"},
				{EnvPattern: "*"},
			},
			env:  "dev",
			tag:  "v1.0.0",
			want: DecisionGranted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewPolicyGate(tt.rules)
			decision, _ := gate.Evaluate(&types.Promotion{ToEnv: tt.env, Tag: tt.tag}, nil)
			assert.Equal(t, tt.want, decision)
		})
	}
}

func TestPolicyGateBadConstraint(t *testing.T) {
	gate := NewPolicyGate([]PolicyRule{{EnvPattern: "qa", Constraint: "not a constraint"}})

	decision, err := gate.Evaluate(&types.Promotion{ToEnv: "qa", Tag: "v1.0.0"}, nil)
	assert.Equal(t, DecisionDenied, decision)
	assert.Error(t, err)
}
