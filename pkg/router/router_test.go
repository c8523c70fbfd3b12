package router

import (
	"testing"

	"github.com/drover-io/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstMatchWins(t *testing.T) {
	r := New([]types.DistributionRule{
		{Name: "invoices", WorkflowPattern: "invoice-*", Strategy: types.StrategyAffinity},
		{Name: "catchall", WorkflowPattern: "*", Strategy: types.StrategyRoundRobin},
	})

	rule, ok := r.Match(&types.Job{WorkflowName: "invoice-export"})
	require.True(t, ok)
	assert.Equal(t, "invoices", rule.Name)

	rule, ok = r.Match(&types.Job{WorkflowName: "payroll"})
	require.True(t, ok)
	assert.Equal(t, "catchall", rule.Name)
}

func TestEnvironmentConstraint(t *testing.T) {
	r := New([]types.DistributionRule{
		{Name: "prod", WorkflowPattern: "*", Environment: "production"},
	})

	_, ok := r.Match(&types.Job{WorkflowName: "x", Environment: "staging"})
	assert.False(t, ok)

	rule, ok := r.Match(&types.Job{WorkflowName: "x", Environment: "production"})
	require.True(t, ok)
	assert.Equal(t, "prod", rule.Name)
}

func TestEmptyPatternMatchesAll(t *testing.T) {
	r := New([]types.DistributionRule{{Name: "default"}})

	_, ok := r.Match(&types.Job{WorkflowName: "anything"})
	assert.True(t, ok)
}

func TestMalformedPatternSkipped(t *testing.T) {
	r := New([]types.DistributionRule{
		{Name: "broken", WorkflowPattern: "[unclosed"},
		{Name: "fallback", WorkflowPattern: "*"},
	})

	rule, ok := r.Match(&types.Job{WorkflowName: "x"})
	require.True(t, ok)
	assert.Equal(t, "fallback", rule.Name)
}

func TestNoRules(t *testing.T) {
	r := New(nil)
	_, ok := r.Match(&types.Job{WorkflowName: "x"})
	assert.False(t, ok)

	r.AddRule(types.DistributionRule{Name: "added"})
	_, ok = r.Match(&types.Job{WorkflowName: "x"})
	assert.True(t, ok)
}
