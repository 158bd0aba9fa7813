// Package engine drives a constructed pipeline to a terminal state: one queue
// query per tick, completion checks, blocked propagation, throttled starts
// and a persisted status snapshot.
package engine
