/*
Package storage persists fleet state: robots, jobs, workflows and
schedules.

Two backends implement the Store contract. BoltStore keeps everything in
a single bbolt file with one bucket per entity type and JSON-encoded
values. FileStore keeps one human-readable JSON file per entity type,
rewritten atomically on each mutation. Writes are idempotent upserts
keyed by id; lookups wrap ErrNotFound on a miss.
*/
package storage
