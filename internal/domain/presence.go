package domain

import "time"

// PresenceTracker records device liveness keyed by device id.
type PresenceTracker interface {
	Touch(deviceID, sessionID string, now time.Time)
	Unbind(sessionID, deviceID string)
	LiveCounter
}

// LiveCounter derives the number of devices seen within ttl of now.
// Expired records are removed as part of the count.
type LiveCounter interface {
	LiveCount(now time.Time, ttl time.Duration) int
}
