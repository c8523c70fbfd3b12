/*
Package scheduler fires job schedules: one-shot instants, fixed intervals
and cron expressions (5-field standard or 6-field with leading seconds),
parsed with robfig/cron.

The scheduler runs its own polling loop rather than a cron runner so that
the firing semantics stay uniform across trigger kinds: one concurrent
execution per schedule, a 60 second misfire grace, and coalescing of
firings missed beyond the grace into the single next slot. Every firing
increments run_count; a successful callback increments success_count; the
next run always advances strictly past the firing time.

Monthly schedules use a fixed 30-day interval, not a calendar month.
*/
package scheduler
