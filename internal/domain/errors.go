package domain

import "errors"

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidDeviceID  = errors.New("invalid device id")
	ErrMalformedMessage = errors.New("malformed message")
	ErrSessionNotFound  = errors.New("session not found")
	ErrTooManySessions  = errors.New("too many sessions")
	ErrManagerStopped   = errors.New("session manager stopped")
)
