// Package manager creates, looks up and forgets the local sessions of a
// server. Sessions are built from resolved agent graphs: paid agents are
// funded through an escrow session, readiness groups are derived with
// Subgraphs and every agent is spawned through the orchestrator.
package manager
