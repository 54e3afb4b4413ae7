package registry

import (
	"fmt"
	"os"
)

// RuntimeID names a local runtime.
type RuntimeID string

const (
	RuntimeExecutable RuntimeID = "executable"
	RuntimeDocker     RuntimeID = "docker"
	RuntimeFunction   RuntimeID = "function"
)

// Valid reports whether id names a known runtime.
func (id RuntimeID) Valid() bool {
	switch id {
	case RuntimeExecutable, RuntimeDocker, RuntimeFunction:
		return true
	}
	return false
}

// EnvVar is an extra environment entry for executable and docker runtimes.
// Exactly one form is allowed:
//
//	{name, value}  literal value
//	{name, from}   copied from the server's own environment
//	{option}       the resolved agent option of the same name
type EnvVar struct {
	Name   string `json:"name,omitempty" toml:"name"`
	Value  string `json:"value,omitempty" toml:"value"`
	From   string `json:"from,omitempty" toml:"from"`
	Option string `json:"option,omitempty" toml:"option"`
}

// Validate checks that exactly one form is used.
func (e EnvVar) Validate() error {
	switch {
	case e.Option != "" && (e.Name != "" || e.Value != "" || e.From != ""):
		return fmt.Errorf("'option' is shorthand for an option value and must be used on its own")
	case e.Option != "":
		return nil
	case e.Name == "":
		return fmt.Errorf("environment variable needs a name or an option")
	case e.Value != "" && e.From != "":
		return fmt.Errorf("'from' and 'value' are mutually exclusive")
	}
	return nil
}

// Resolve returns the variable name and value. lookupEnv defaults to
// os.LookupEnv.
func (e EnvVar) Resolve(options map[string]OptionValue, lookupEnv func(string) (string, bool)) (string, string, error) {
	if err := e.Validate(); err != nil {
		return "", "", err
	}
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}

	switch {
	case e.Option != "":
		v, ok := options[e.Option]
		if !ok {
			return "", "", fmt.Errorf("undefined option %q", e.Option)
		}
		return e.Option, v.AsString(), nil
	case e.From != "":
		v, ok := lookupEnv(e.From)
		if !ok {
			return "", "", fmt.Errorf("host environment variable %q is not set", e.From)
		}
		return e.Name, v, nil
	default:
		return e.Name, e.Value, nil
	}
}

// ExecutableSpec runs the agent as a child process.
type ExecutableSpec struct {
	Command     []string `json:"command"`
	Environment []EnvVar `json:"environment,omitempty"`
}

// DockerSpec runs the agent in a container.
type DockerSpec struct {
	Image       string   `json:"image"`
	Environment []EnvVar `json:"environment,omitempty"`
}

// FunctionSpec runs the agent as an in-process function registered with the
// orchestrator under Name.
type FunctionSpec struct {
	Name string `json:"name"`
}

// Runtimes lists the runtimes an agent supports. Nil entries are unsupported.
type Runtimes struct {
	Executable *ExecutableSpec `json:"executable,omitempty"`
	Docker     *DockerSpec     `json:"docker,omitempty"`
	Function   *FunctionSpec   `json:"function,omitempty"`
}

// Has reports whether the runtime is defined.
func (r Runtimes) Has(id RuntimeID) bool {
	switch id {
	case RuntimeExecutable:
		return r.Executable != nil
	case RuntimeDocker:
		return r.Docker != nil
	case RuntimeFunction:
		return r.Function != nil
	}
	return false
}

// IDs returns the defined runtimes in a stable order.
func (r Runtimes) IDs() []RuntimeID {
	var ids []RuntimeID
	for _, id := range []RuntimeID{RuntimeExecutable, RuntimeDocker, RuntimeFunction} {
		if r.Has(id) {
			ids = append(ids, id)
		}
	}
	return ids
}
