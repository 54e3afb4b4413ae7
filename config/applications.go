package config

import (
	"bytes"
	"os"
	"slices"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Application is a client allowed to create and join local sessions.
type Application struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	PrivacyKeys []string `yaml:"privacy_keys"`
}

type applicationsFile struct {
	Applications []Application `yaml:"applications"`
}

// Applications is a set of applications indexed by id.
type Applications struct {
	byID map[string]Application
}

// LoadApplications reads an applications file:
//
//	applications:
//	  - id: studio
//	    name: Coral Studio
//	    privacy_keys: [dev-key]
func LoadApplications(path string) (*Applications, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read applications %s", path)
	}
	apps, err := ParseApplications(data)
	if err != nil {
		return nil, errors.Wrapf(err, "load applications %s", path)
	}
	return apps, nil
}

// ParseApplications decodes an applications document.
func ParseApplications(data []byte) (*Applications, error) {
	var file applicationsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, errors.Wrap(err, "decode applications")
	}

	apps := &Applications{byID: make(map[string]Application, len(file.Applications))}
	for i, app := range file.Applications {
		if app.ID == "" {
			return nil, errors.Errorf("application #%d has no id", i)
		}
		if _, ok := apps.byID[app.ID]; ok {
			return nil, errors.Errorf("duplicate application id %q", app.ID)
		}
		if len(app.PrivacyKeys) == 0 {
			return nil, errors.Errorf("application %q has no privacy keys", app.ID)
		}
		apps.byID[app.ID] = app
	}
	return apps, nil
}

// Authorize reports whether key is a privacy key of the application.
func (a *Applications) Authorize(applicationID, privacyKey string) bool {
	app, ok := a.byID[applicationID]
	return ok && slices.Contains(app.PrivacyKeys, privacyKey)
}

// List returns the applications sorted by id.
func (a *Applications) List() []Application {
	out := make([]Application, 0, len(a.byID))
	for _, app := range a.byID {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
