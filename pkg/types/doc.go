/*
Package types defines the core data model shared by all Drover components:
jobs, robots, workflows, schedules and distribution rules.

All identifiers are opaque strings (UUIDs in practice) and all timestamps
are absolute instants. Workflow definitions are carried as raw JSON and
never interpreted by the orchestrator; only robots execute them.

Types here are plain data with a handful of derived predicates
(Job.Status.Terminal, Robot.IsAvailable). Behavior lives in the component
packages that own each entity's lifecycle: pkg/queue for jobs, pkg/engine
for robots, pkg/scheduler for schedules.
*/
package types
