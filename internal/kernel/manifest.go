package kernel

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gcsruntime/gcs/internal/fault"
)

// ManifestTool names one built-in tool a configuration loads, with an
// optional approval-policy override.
type ManifestTool struct {
	Name     string `yaml:"name"`
	Approval string `yaml:"approval,omitempty"`
}

// Manifest is one named configuration: the local tools to load and the
// domain context prepended to the system prompt while it is active.
type Manifest struct {
	Description   string         `yaml:"description,omitempty"`
	DomainContext string         `yaml:"domain_context,omitempty"`
	Tools         []ManifestTool `yaml:"tools"`
}

// loadManifest reads <dir>/<name>.yaml. The name must be a bare file stem;
// path separators are rejected so callers cannot escape the config dir.
func loadManifest(dir, name string) (*Manifest, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fault.New(fault.ValidationError, "invalid configuration name %q", name)
	}
	path := filepath.Join(dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.New(fault.ValidationError, "configuration %q not found in %s", name, dir)
		}
		return nil, fmt.Errorf("read configuration %q: %w", name, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fault.Wrap(fault.ValidationError, err, "parse configuration %q", name)
	}
	for _, t := range m.Tools {
		if t.Name == "" {
			return nil, fault.New(fault.ValidationError, "configuration %q lists a tool without a name", name)
		}
		switch t.Approval {
		case "", "default", "auto", "plan", "yolo":
		default:
			return nil, fault.New(fault.ValidationError, "configuration %q: tool %q has unknown approval %q", name, t.Name, t.Approval)
		}
	}
	return &m, nil
}

// listConfigurations returns the sorted stems of every *.yaml file in dir.
// A missing dir is an empty list, not an error.
func listConfigurations(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list configurations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}
