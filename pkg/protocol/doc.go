/*
Package protocol defines the framed message format spoken between the
server and robots.

Each frame is a 4-byte big-endian length prefix followed by one JSON
message carrying version, type, a per-session monotonic id, timestamp and
a type-specific payload. Any ordered reliable byte stream can carry the
frames; the server uses TCP.

When signing is enabled, the signature field holds the hex HMAC-SHA256 of
the serialized message with the signature field itself empty, so either
side can verify a frame without canonicalization rules beyond the codec's
own encoding.
*/
package protocol
