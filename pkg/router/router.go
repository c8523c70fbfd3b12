package router

import (
	"path"
	"sync"

	"github.com/drover-io/drover/pkg/types"
)

// Router maps jobs to an eligible robot subset via ordered distribution
// rules. The first rule whose workflow pattern and environment match wins;
// no match means the engine default strategy applies.
type Router struct {
	mu    sync.RWMutex
	rules []types.DistributionRule
}

// New creates a router with the given rule order.
func New(rules []types.DistributionRule) *Router {
	return &Router{rules: rules}
}

// SetRules replaces the rule set.
func (r *Router) SetRules(rules []types.DistributionRule) {
	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
}

// AddRule appends a rule at the lowest precedence.
func (r *Router) AddRule(rule types.DistributionRule) {
	r.mu.Lock()
	r.rules = append(r.rules, rule)
	r.mu.Unlock()
}

// Rules returns a copy of the current rule order.
func (r *Router) Rules() []types.DistributionRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.DistributionRule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Match returns the first rule matching the job.
func (r *Router) Match(job *types.Job) (types.DistributionRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		if matches(rule, job) {
			return rule, true
		}
	}
	return types.DistributionRule{}, false
}

func matches(rule types.DistributionRule, job *types.Job) bool {
	if rule.Environment != "" && rule.Environment != job.Environment {
		return false
	}
	pattern := rule.WorkflowPattern
	if pattern == "" {
		pattern = "*"
	}
	ok, err := path.Match(pattern, job.WorkflowName)
	if err != nil {
		// Malformed pattern never matches; the rule is skipped, the rest
		// of the table still applies.
		return false
	}
	return ok
}
