/*
Package distributor places queued jobs onto robots.

A dispatch resolves the job through the rule table, asks the selector for
a robot not yet attempted, and sends through a per-robot circuit breaker
bounded by the distribution timeout. Rejections retry after a fixed delay
until the attempt budget is spent; once every candidate has been tried the
exclusion resets so retries cycle through the pool. Batch dispatch works
highest priority first and drops saturated robots from the pool.
*/
package distributor
