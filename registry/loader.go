package registry

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/shlex"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/hupe1980/coralmesh/payment"
)

// fileSchema is the on-disk registry format:
//
//	[[agent]]
//	name = "echo"
//	version = "1.0.0"
//	[agent.runtimes.executable]
//	command = "python main.py"
//	[agent.options.API_KEY]
//	type = "secret"
//	[agent.export.docker]
//	quantity = 2
//	pricing = { min_price = { type = "coral", amount = 1 }, max_price = { type = "coral", amount = 5 } }
type fileSchema struct {
	Agents []agentSchema `toml:"agent"`
}

type agentSchema struct {
	Name         string                  `toml:"name"`
	Version      string                  `toml:"version"`
	Description  string                  `toml:"description"`
	Capabilities []string                `toml:"capabilities"`
	Path         string                  `toml:"path"`
	Runtimes     runtimesSchema          `toml:"runtimes"`
	Options      map[string]optionSchema `toml:"options"`
	Export       map[string]exportSchema `toml:"export"`
}

type runtimesSchema struct {
	Executable *executableSchema `toml:"executable"`
	Docker     *dockerSchema     `toml:"docker"`
	Function   *functionSchema   `toml:"function"`
}

type executableSchema struct {
	// Command is either a shell-like string or an argument list.
	Command     any      `toml:"command"`
	Environment []EnvVar `toml:"environment"`
}

type dockerSchema struct {
	Image       string   `toml:"image"`
	Environment []EnvVar `toml:"environment"`
}

type functionSchema struct {
	Name string `toml:"name"`
}

type optionSchema struct {
	Type        string `toml:"type"`
	Description string `toml:"description"`
	Default     any    `toml:"default"`
}

type exportSchema struct {
	Quantity uint           `toml:"quantity"`
	Pricing  pricingSchema  `toml:"pricing"`
	Options  map[string]any `toml:"options"`
}

type pricingSchema struct {
	MinPrice payment.Amount `toml:"min_price"`
	MaxPrice payment.Amount `toml:"max_price"`
}

// LoadFile reads a TOML registry file. Relative agent paths are resolved
// against the file's directory.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read registry %s", path)
	}
	r, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrapf(err, "load registry %s", path)
	}
	return r, nil
}

// Parse decodes a TOML registry document. baseDir anchors relative agent
// paths.
func Parse(data []byte, baseDir string) (*Registry, error) {
	var schema fileSchema
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&schema); err != nil {
		return nil, errors.Wrap(err, "decode registry")
	}

	agents := make([]*Agent, 0, len(schema.Agents))
	for i, s := range schema.Agents {
		a, err := s.toAgent(baseDir)
		if err != nil {
			return nil, errors.Wrapf(err, "agent #%d (%s:%s)", i, s.Name, s.Version)
		}
		agents = append(agents, a)
	}
	return New(agents...)
}

func (s agentSchema) toAgent(baseDir string) (*Agent, error) {
	a := &Agent{
		Info: Info{
			Name:        s.Name,
			Version:     s.Version,
			Description: s.Description,
		},
		Options: make(map[string]Option, len(s.Options)),
		Export:  make(map[RuntimeID]ExportSettings, len(s.Export)),
	}

	for _, c := range s.Capabilities {
		switch Capability(c) {
		case CapabilityResources, CapabilityToolRefreshing:
			a.Info.Capabilities = append(a.Info.Capabilities, Capability(c))
		default:
			return nil, fmt.Errorf("unknown capability %q", c)
		}
	}

	a.Path = s.Path
	if a.Path == "" {
		a.Path = baseDir
	} else if !filepath.IsAbs(a.Path) {
		a.Path = filepath.Join(baseDir, a.Path)
	}

	if e := s.Runtimes.Executable; e != nil {
		cmd, err := commandLine(e.Command)
		if err != nil {
			return nil, err
		}
		a.Runtimes.Executable = &ExecutableSpec{Command: cmd, Environment: e.Environment}
	}
	if d := s.Runtimes.Docker; d != nil {
		if d.Image == "" {
			return nil, fmt.Errorf("docker runtime needs an image")
		}
		a.Runtimes.Docker = &DockerSpec{Image: d.Image, Environment: d.Environment}
	}
	if f := s.Runtimes.Function; f != nil {
		name := f.Name
		if name == "" {
			name = s.Name
		}
		a.Runtimes.Function = &FunctionSpec{Name: name}
	}

	for name, o := range s.Options {
		opt, err := NewOption(OptionType(o.Type), o.Description, o.Default)
		if err != nil {
			return nil, fmt.Errorf("option %q: %w", name, err)
		}
		a.Options[name] = opt
	}

	for rt, e := range s.Export {
		id := RuntimeID(rt)
		if !id.Valid() {
			return nil, fmt.Errorf("unknown export runtime %q", rt)
		}
		for _, p := range []payment.Amount{e.Pricing.MinPrice, e.Pricing.MaxPrice} {
			if err := p.Validate(); err != nil {
				return nil, fmt.Errorf("export %s pricing: %w", rt, err)
			}
		}
		settings := ExportSettings{
			Quantity: e.Quantity,
			Pricing:  Pricing{MinPrice: e.Pricing.MinPrice, MaxPrice: e.Pricing.MaxPrice},
			Options:  make(map[string]OptionValue, len(e.Options)),
		}
		for name, raw := range e.Options {
			v, err := ValueOf(raw)
			if err != nil {
				return nil, fmt.Errorf("export %s option %q: %w", rt, name, err)
			}
			settings.Options[name] = v
		}
		a.Export[id] = settings
	}

	return a, nil
}

func commandLine(raw any) ([]string, error) {
	switch c := raw.(type) {
	case string:
		args, err := shlex.Split(c)
		if err != nil {
			return nil, fmt.Errorf("parse command %q: %w", c, err)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("executable runtime needs a command")
		}
		return args, nil
	case []any:
		args := make([]string, 0, len(c))
		for _, a := range c {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("command arguments must be strings, got %T", a)
			}
			args = append(args, s)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("executable runtime needs a command")
		}
		return args, nil
	default:
		return nil, fmt.Errorf("executable runtime needs a command")
	}
}
