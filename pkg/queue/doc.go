/*
Package queue implements the priority-ordered job queue and drives the job
state machine.

Pending jobs are ordered by (priority desc, created_at asc): a HIGH job
submitted after two NORMAL jobs dispatches first, while equal priorities
dispatch FIFO. Dequeue is robot-aware — jobs targeted at another robot are
skipped and reinserted with their original position preserved, and a robot
at capacity receives nothing.

The queue also owns the per-robot active job sets, the dedup window and
the timeout tracker for running jobs. Every successful transition invokes
the installed StateChangeFunc synchronously under the queue lock, so
observers see transitions in the order they happened.

Completion, failure and timeout are only valid from running; cancel is
valid from any non-terminal state. Repeating a terminal operation returns
an error and mutates nothing.
*/
package queue
