// Package session holds the live state of a running agent graph.
//
// A LocalSession owns the agents of one graph, their threads and read
// positions, the mention waiters and the two readiness schedulers. Every
// observable change is published on the session's event bus. A
// RemoteSession is the server side of an agent sold to another server: it
// waits for the agent's transport so that a tunnel can carry it.
//
// Both kinds share a lifecycle that closes exactly once and runs registered
// close listeners in order.
package session
