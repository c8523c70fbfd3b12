/*
Package dedup provides sliding-window deduplication of job submissions.

A submission is identified by a fingerprint over (workflow id, target
robot, sorted params), hashed with SHA-256 and truncated to 16 hex chars.
A fingerprint seen within the window marks the submission as a duplicate;
expired entries are purged on every query so the map stays bounded by the
submission rate.
*/
package dedup
