/*
Package health tracks robot fleet health.

Heartbeats carry resource telemetry; request outcomes feed an error rate
and a response-time moving average. A robot is unknown until its first
heartbeat, unhealthy when any critical threshold is exceeded or its
heartbeat goes stale, degraded past a warning threshold, healthy
otherwise. Status is recomputed on every heartbeat and by a periodic
sweep; each transition fires the change callbacks exactly once.
*/
package health
