// Package testutil contains fluent builders for registry agents and resolved
// graphs, used across tests to cut boilerplate. They are not intended for
// production usage.
package testutil
