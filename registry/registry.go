package registry

import (
	"fmt"
	"sort"
)

// Registry is an immutable set of agents keyed by identifier.
type Registry struct {
	agents map[Identifier]*Agent
	order  []Identifier
}

// New builds a registry, validating every agent and rejecting duplicate
// identifiers.
func New(agents ...*Agent) (*Registry, error) {
	r := &Registry{agents: make(map[Identifier]*Agent, len(agents))}
	for _, a := range agents {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		id := a.Info.Identifier()
		if _, dup := r.agents[id]; dup {
			return nil, fmt.Errorf("duplicate registry agent %q", id)
		}
		r.agents[id] = a
		r.order = append(r.order, id)
	}
	return r, nil
}

// Empty returns a registry without agents.
func Empty() *Registry {
	return &Registry{agents: map[Identifier]*Agent{}}
}

// FindAgent returns the agent with the given identifier.
func (r *Registry) FindAgent(id Identifier) (*Agent, bool) {
	a, ok := r.agents[id]
	return a, ok
}

// Agents returns every agent in registration order.
func (r *Registry) Agents() []*Agent {
	out := make([]*Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// Public returns the client facing view of every agent sorted by identifier.
func (r *Registry) Public() []PublicAgent {
	out := make([]PublicAgent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Public())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Exported returns the agents that export at least one runtime.
func (r *Registry) Exported() []*Agent {
	var out []*Agent
	for _, id := range r.order {
		if a := r.agents[id]; len(a.Export) > 0 {
			out = append(out, a)
		}
	}
	return out
}
