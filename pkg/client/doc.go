// Package client is the robot agent: it dials the server, handshakes
// with its token, heartbeats telemetry, and executes assigned jobs
// through a pluggable executor, rejecting work beyond its capacity.
// Without a custom executor it simulates workflow execution, which is
// what `drover robot` runs.
package client
