// Package domain defines the core domain types and interfaces.
//
// This package holds the wire messages exchanged over the usage socket, the sentinel errors
// and the consumer-side interfaces shared between the presence, broadcast and app packages.
// No implementation code - just contracts.
package domain
