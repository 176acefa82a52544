// Package manifest loads the process manifest: the static, human-edited list of processes the
// supervisor launches, with their commands, ports, dependencies and probes.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// portPlaceholder is left untouched by environment expansion and replaced per launch
// with the port assigned to the process.
const portPlaceholder = "${PORT}"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid manifest")

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Manifest is the persisted form of the process descriptor set.
type Manifest struct {
	Processes []Descriptor `yaml:"processes" toml:"processes"`
}

// Load reads a manifest file. The format is chosen by extension: .toml for TOML, anything else
// is parsed as YAML. ${VAR} references are expanded from the environment before parsing,
// except ${PORT} which is expanded per launch.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes a manifest document and validates it.
func Parse(data []byte, isTOML bool) (*Manifest, error) {
	expanded := expandEnvVars(string(data))

	var m Manifest
	if isTOML {
		if _, err := toml.Decode(expanded, &m); err != nil {
			return nil, fmt.Errorf("parsing manifest: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &m); err != nil {
			return nil, fmt.Errorf("parsing manifest: %w", err)
		}
	}

	for i := range m.Processes {
		if err := m.Processes[i].parseDurations(); err != nil {
			return nil, fmt.Errorf("parsing durations: %w", err)
		}
		m.Processes[i].ApplyDefaults()
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if match == portPlaceholder {
			return match
		}
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Find returns the descriptor with the given name.
func (m *Manifest) Find(name string) (Descriptor, bool) {
	for _, d := range m.Processes {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Validate checks names, commands, ports and dependencies, and rejects dependency cycles.
// Returns an error describing the first validation failure encountered.
func (m *Manifest) Validate() error {
	if len(m.Processes) == 0 {
		return fmt.Errorf("%w: no processes declared", ErrInvalid)
	}
	names := make(map[string]bool, len(m.Processes))
	ports := make(map[int]string)
	for _, d := range m.Processes {
		if d.Name == "" {
			return fmt.Errorf("%w: process without a name", ErrInvalid)
		}
		if names[d.Name] {
			return fmt.Errorf("%w: duplicate process name %q", ErrInvalid, d.Name)
		}
		names[d.Name] = true
		if d.Command == "" {
			return fmt.Errorf("%w: process %q has no command", ErrInvalid, d.Name)
		}
		if d.Port < 0 || d.Port > 65535 {
			return fmt.Errorf("%w: process %q port %d out of range", ErrInvalid, d.Name, d.Port)
		}
		if d.Port > 0 && d.AllocatePort {
			return fmt.Errorf("%w: process %q sets both port and allocate_port", ErrInvalid, d.Name)
		}
		if d.Port > 0 {
			if other, taken := ports[d.Port]; taken {
				return fmt.Errorf("%w: processes %q and %q both bind port %d", ErrInvalid, other, d.Name, d.Port)
			}
			ports[d.Port] = d.Name
		}
		if d.DependencyTimeout < 0 {
			return fmt.Errorf("%w: process %q dependency_timeout must not be negative", ErrInvalid, d.Name)
		}
		switch d.Restart {
		case RestartOnFailure, RestartAlways, RestartNever:
		default:
			return fmt.Errorf("%w: process %q has unknown restart policy %q", ErrInvalid, d.Name, d.Restart)
		}
		if err := d.Readiness.validate("readiness"); err != nil {
			return fmt.Errorf("%w: process %q: %v", ErrInvalid, d.Name, err)
		}
		if d.Liveness != nil {
			if err := d.Liveness.validate("liveness"); err != nil {
				return fmt.Errorf("%w: process %q: %v", ErrInvalid, d.Name, err)
			}
		}
		if (d.Readiness.Type != ProbeNone || (d.Liveness != nil && d.Liveness.Type != ProbeNone)) && !d.Listens() {
			return fmt.Errorf("%w: process %q has a network probe but no port", ErrInvalid, d.Name)
		}
	}
	for _, d := range m.Processes {
		for _, dep := range d.DependsOn {
			if !names[dep] {
				return fmt.Errorf("%w: process %q depends on unknown process %q", ErrInvalid, d.Name, dep)
			}
			if dep == d.Name {
				return fmt.Errorf("%w: process %q depends on itself", ErrInvalid, d.Name)
			}
		}
	}
	_, err := Order(m.Processes)
	return err
}

// Order returns the descriptors sorted so that every process comes after all of its
// dependencies. Declaration order breaks ties, so the result is deterministic.
func Order(descriptors []Descriptor) ([]Descriptor, error) {
	index := make(map[string]int, len(descriptors))
	for i, d := range descriptors {
		index[d.Name] = i
	}

	remaining := make([]int, len(descriptors)) // unmet dependency count per descriptor
	dependents := make([][]int, len(descriptors))
	for i, d := range descriptors {
		for _, dep := range d.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: process %q depends on unknown process %q", ErrInvalid, d.Name, dep)
			}
			remaining[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	ordered := make([]Descriptor, 0, len(descriptors))
	done := make([]bool, len(descriptors))
	for len(ordered) < len(descriptors) {
		next := -1
		for i := range descriptors {
			if !done[i] && remaining[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("%w: dependency cycle among %s", ErrInvalid, strings.Join(pending(descriptors, done), ", "))
		}
		done[next] = true
		ordered = append(ordered, descriptors[next])
		for _, k := range dependents[next] {
			remaining[k]--
		}
	}
	return ordered, nil
}

func pending(descriptors []Descriptor, done []bool) []string {
	var names []string
	for i, d := range descriptors {
		if !done[i] {
			names = append(names, d.Name)
		}
	}
	return names
}
