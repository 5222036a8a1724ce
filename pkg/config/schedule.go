package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/JuliaMoon1/gear/pkg/runtime/costs"
)

// LoadSchedule reads a cost schedule from a YAML or TOML file and checks
// its table order.
func LoadSchedule(path string) (*costs.Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load schedule %q: %w", path, err)
	}

	var s costs.Schedule
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &s)
	case ".toml":
		_, err = toml.Decode(string(data), &s)
	default:
		return nil, fmt.Errorf("load schedule %q: unsupported format %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", path, err)
	}
	return &s, nil
}

// LoadSchedules loads every schedule_<name>.yaml and schedule_<name>.toml
// in dir, keyed by name.
func LoadSchedules(dir string) (map[string]*costs.Schedule, error) {
	var matches []string
	for _, pattern := range []string{"schedule_*.yaml", "schedule_*.yml", "schedule_*.toml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		matches = append(matches, m...)
	}

	schedules := make(map[string]*costs.Schedule, len(matches))
	for _, path := range matches {
		base := filepath.Base(path)
		name := strings.TrimSuffix(strings.TrimPrefix(base, "schedule_"), filepath.Ext(base))
		if _, dup := schedules[name]; dup {
			return nil, fmt.Errorf("schedule %q defined twice in %s", name, dir)
		}
		s, err := LoadSchedule(path)
		if err != nil {
			return nil, err
		}
		schedules[name] = s
	}
	return schedules, nil
}
