// Package api serves the admin HTTP surface: Prometheus metrics, a
// health probe and the JSON management API for jobs, workflows,
// schedules and robot tokens. Robots never talk to this surface; they
// use the framed TCP protocol.
package api
