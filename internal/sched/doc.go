// Package sched orchestrates deferred content changes: it accepts schedule
// and cancel requests, and on a periodic tick pulls due pending changes,
// applies each through the registered mutation strategies, and transitions
// successes into permanent history.
//
// The service holds no persistent state of its own; everything durable lives
// in the change store.
package sched
