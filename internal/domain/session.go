package domain

import "time"

// MessageTypeHeartbeat marks a client liveness announcement.
const MessageTypeHeartbeat = "heartbeat"

// MaxDeviceIDLength bounds the device identifier accepted from clients.
const MaxDeviceIDLength = 256

// Heartbeat is sent by clients to announce that an installation is alive.
type Heartbeat struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Token    string `json:"token,omitempty"`
}

// CountUpdate is pushed to every open session with the current live count.
type CountUpdate struct {
	ActiveUsers int   `json:"activeUsers"`
	TS          int64 `json:"ts"`
}

// NewCountUpdate stamps a count with the time of computation in Unix milliseconds.
func NewCountUpdate(count int, now time.Time) CountUpdate {
	return CountUpdate{ActiveUsers: count, TS: now.UnixMilli()}
}

// SessionDirectory is the subset of the connection manager the heartbeat
// path needs.
type SessionDirectory interface {
	Bind(sessionID, deviceID string) (previous string, err error)
	Close(sessionID string) (deviceID string)
	Disconnect(sessionID string, code int, reason string) error
}
