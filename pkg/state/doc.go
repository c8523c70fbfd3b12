/*
Package state defines the job status state machine.

Legal transitions form a DAG plus a universal cancel edge:

	pending -> queued -> running -> {completed, failed, timeout}
	pending -> cancelled
	queued  -> cancelled
	running -> cancelled

Apply performs a transition together with its timestamp side effects;
anything outside the table fails with ErrInvalidTransition and leaves the
job unchanged. The queue is the only caller that mutates job status.
*/
package state
