/*
Package recovery handles robot connection loss, failed jobs and robot
crashes.

Failures are classified by kind; connection, timeout, network, temporary
and resource-busy errors are retried with exponential backoff, everything
else escalates immediately. Reconnects run up to the retry budget and then
escalate; job errors retry on the same robot before failing over to a
different one; a crashed robot has each of its active jobs reassigned.
One recovery runs at a time per connection and per job, and every attempt
lands in a bounded action history for inspection.
*/
package recovery
