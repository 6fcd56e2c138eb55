// Package client is the consumer half of the usage protocol: a reconnecting
// session that heartbeats a persisted device id and surfaces the live count.
package client
