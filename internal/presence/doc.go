// Package presence tracks which device installations are alive.
//
// Records are keyed by the client-generated device id and refreshed by heartbeats. Expiry is lazy:
// LiveCount prunes records older than the TTL and counts what remains in one pass.
package presence
