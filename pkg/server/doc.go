/*
Package server is the robot-facing side of the wire protocol: a TCP
listener speaking length-prefixed JSON frames.

Each connection walks a fixed lifecycle — connected, authenticating,
authenticated, running — and ends in closed, or failed when the
handshake is rejected. After the handshake the session relays heartbeats
and job lifecycle messages into engine callbacks; job assignment is a
bounded round trip awaiting the robot's accept or reject answer. A robot
reconnecting replaces its previous session without firing a disconnect.
*/
package server
