// Package app provides the application service layer.
//
// Orchestrates the heartbeat use case: decoding inbound frames, re-authorizing them under the
// configured policy, binding sessions to devices and keeping the presence registry in step with
// session teardown. Depends on domain interfaces, not concrete implementations.
package app
