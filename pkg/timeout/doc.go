// Package timeout tracks wall-clock deadlines for running jobs. The queue
// starts tracking on dispatch, stops on completion, and sweeps expired
// entries on a fixed interval to drive running -> timeout transitions.
package timeout
