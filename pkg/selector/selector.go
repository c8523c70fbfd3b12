package selector

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/drover-io/drover/pkg/types"
)

// Criteria narrows the candidate set before a strategy runs. Zero value
// means no constraints.
type Criteria struct {
	RequiredTags    []string
	PreferredRobots []string
	ExcludedRobots  []string
}

// Selector chooses one robot from a candidate set according to a named
// strategy. Round-robin and affinity state live behind the selector's own
// mutex; callers pass robots by value of the current fleet view.
type Selector struct {
	mu       sync.Mutex
	cursor   int
	affinity map[string]string // workflow id -> last chosen robot id
}

// New creates a selector with empty cursor and affinity state.
func New() *Selector {
	return &Selector{affinity: make(map[string]string)}
}

// Select filters candidates and applies the strategy. Returns nil when no
// candidate survives filtering.
func (s *Selector) Select(strategy types.SelectionStrategy, job *types.Job, robots []*types.Robot, c Criteria) *types.Robot {
	candidates := filter(job, robots, c)
	if len(candidates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch strategy {
	case types.StrategyRoundRobin:
		return s.roundRobin(candidates)
	case types.StrategyRandom:
		return candidates[rand.Intn(len(candidates))]
	case types.StrategyCapabilityMatch:
		return capabilityMatch(job, candidates)
	case types.StrategyAffinity:
		return s.affinitySelect(job, candidates)
	default:
		return leastLoaded(candidates)
	}
}

// Evict drops every affinity entry pointing at the robot. Called when a
// robot goes offline or unhealthy so stale stickiness does not survive.
func (s *Selector) Evict(robotID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for wf, id := range s.affinity {
		if id == robotID {
			delete(s.affinity, wf)
		}
	}
}

// filter applies the shared candidate filter: online, environment match,
// tag superset, not excluded. When any preferred robot survives, the set
// narrows to the preferred ones.
func filter(job *types.Job, robots []*types.Robot, c Criteria) []*types.Robot {
	var out []*types.Robot
	for _, r := range robots {
		if r.Status != types.RobotStatusOnline {
			continue
		}
		if job != nil && job.Environment != "" && r.Environment != job.Environment {
			continue
		}
		if !r.HasTags(c.RequiredTags) {
			continue
		}
		if contains(c.ExcludedRobots, r.ID) {
			continue
		}
		out = append(out, r)
	}

	if len(c.PreferredRobots) > 0 {
		var preferred []*types.Robot
		for _, r := range out {
			if contains(c.PreferredRobots, r.ID) {
				preferred = append(preferred, r)
			}
		}
		if len(preferred) > 0 {
			return preferred
		}
	}
	return out
}

// roundRobin sorts by robot id and advances the cursor. Caller holds s.mu.
func (s *Selector) roundRobin(candidates []*types.Robot) *types.Robot {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	r := candidates[s.cursor%len(candidates)]
	s.cursor++
	return r
}

// leastLoaded picks the robot with the lowest load ratio, breaking ties by
// CPU usage.
func leastLoaded(candidates []*types.Robot) *types.Robot {
	best := candidates[0]
	bestRatio := loadRatio(best)
	for _, r := range candidates[1:] {
		ratio := loadRatio(r)
		if ratio < bestRatio || (ratio == bestRatio && r.CPUPercent < best.CPUPercent) {
			best = r
			bestRatio = ratio
		}
	}
	return best
}

// capabilityMatch maximizes job/robot tag overlap, least-loaded on ties.
func capabilityMatch(job *types.Job, candidates []*types.Robot) *types.Robot {
	if job == nil || len(job.Tags) == 0 {
		return leastLoaded(candidates)
	}

	bestScore := -1
	var best []*types.Robot
	for _, r := range candidates {
		score := overlap(job.Tags, r.Tags)
		switch {
		case score > bestScore:
			bestScore = score
			best = []*types.Robot{r}
		case score == bestScore:
			best = append(best, r)
		}
	}
	return leastLoaded(best)
}

// affinitySelect reuses the prior choice for the workflow if it is still a
// candidate, otherwise records a fresh least-loaded pick. Caller holds s.mu.
func (s *Selector) affinitySelect(job *types.Job, candidates []*types.Robot) *types.Robot {
	if job != nil {
		if prior, ok := s.affinity[job.WorkflowID]; ok {
			for _, r := range candidates {
				if r.ID == prior {
					return r
				}
			}
		}
	}

	pick := leastLoaded(candidates)
	if job != nil {
		s.affinity[job.WorkflowID] = pick.ID
	}
	return pick
}

func loadRatio(r *types.Robot) float64 {
	if r.MaxConcurrentJobs <= 0 {
		return 1
	}
	return float64(r.CurrentJobs) / float64(r.MaxConcurrentJobs)
}

func overlap(a, b []string) int {
	n := 0
	for _, x := range a {
		for _, y := range b {
			if x == y {
				n++
				break
			}
		}
	}
	return n
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
