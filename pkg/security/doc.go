/*
Package security provides robot authentication tokens, HMAC message
signing and per-identity rate limiting.

Tokens are 32-byte URL-safe random strings with a default 24 hour TTL;
expired tokens are deleted lazily on lookup, so validation of an expired
token is indistinguishable from an unknown one. Signing is HMAC-SHA256
over raw message bytes with constant-time verification. The rate limiter
keeps a sliding window of request timestamps per identity.

Transport secrecy is assumed at a lower layer; this package only signs
and authenticates.
*/
package security
