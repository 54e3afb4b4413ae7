// Package scheduler implements the barrier primitives that gate agent
// communication until the required participants are connected.
//
// GroupScheduler releases the members of a blocking group once every member
// is ready. CountScheduler releases waiters once a global number of agents is
// ready and is meant for development sessions. Neither type performs I/O.
//
// Readiness is tracked per agent id, so repeated MarkAgentReady calls for the
// same agent are harmless. Waiters that time out or are cancelled remove
// themselves; Clear releases every pending waiter with a false result.
package scheduler
