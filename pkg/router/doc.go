// Package router matches jobs against ordered distribution rules. A rule
// couples a workflow-name glob and environment with the selection strategy
// and tag/preference constraints the distributor should use for matching
// jobs.
package router
