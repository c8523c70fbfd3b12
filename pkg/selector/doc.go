/*
Package selector implements the load-balancing policies used to pick a
robot for a job.

Every strategy runs after a shared filter: robots must be online, match
the job's environment when it declares one, carry all required tags and
not be excluded. If any preferred robot survives the filter, the candidate
set narrows to the preferred ones.

Strategies: round_robin (sorted ids, advancing cursor), least_loaded
(lowest jobs/capacity ratio, CPU tiebreak), random, capability_match
(max tag overlap, then least-loaded) and affinity (sticky per workflow,
falling back to least-loaded). An empty filtered set yields nil.
*/
package selector
