// Package runtime starts and stops agent instances.
//
// A Runtime turns Params into a running instance and returns a Handle to
// destroy it. Four runtimes exist:
//
//   - Executable runs a child process in the agent's directory.
//   - Docker runs a container through a DockerClient.
//   - Function runs a registered Go function in a goroutine.
//   - Remote tunnels to an agent that another server runs under a claim.
//
// Every instance learns how to reach the server through the CORAL_*
// environment described by SystemEnv. Output and lifecycle changes are
// published as Events on the agent's Bus.
//
// The Application carries what all runtimes share: address resolution for
// local, container and external consumers, the docker client and the
// registered functions.
package runtime
