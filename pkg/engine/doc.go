// Package engine assembles the orchestrator: the priority queue, the
// distributor, the scheduler, the health monitor, the recovery manager
// and the robot listener, wired together around a persistence store and
// an event broker.
//
// The engine owns the fleet view. Robots enter it through the server's
// connection callbacks and leave it on disconnect; a disconnect with
// jobs still running hands those jobs to the recovery manager for
// reassignment. Jobs enter through SubmitJob, flow through the dispatch
// loop onto robot sessions, and their terminal transitions are
// persisted and published from the queue's state-change callback.
package engine
