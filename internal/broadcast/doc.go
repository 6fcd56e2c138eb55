// Package broadcast owns the open usage sessions and pushes the live count to them.
//
// The Manager holds the session set in a single actor goroutine fed by a command channel (no mutexes).
// Each session has its own writer goroutine so one slow or failed connection never stalls the others.
// The Scheduler ticks on a fixed interval, asks the presence registry for the count and fans it out.
package broadcast
