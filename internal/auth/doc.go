// Package auth implements the shared-secret check applied to usage socket handshakes and messages.
package auth
