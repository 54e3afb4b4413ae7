// Package orchestrator spawns the agents of sessions through their runtimes
// and owns the resulting handles until the session, or the whole server,
// shuts down.
//
// Every spawned agent gets a runtime.Bus keyed by session and agent name.
// Busses outlive the handles so that logs of dead agents stay readable.
package orchestrator
