package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PatrolMission is a single mission entry of a patrol plan.
type PatrolMission struct {
	Name                       string        `yaml:"name"`
	Timeout                    time.Duration `yaml:"timeout,omitempty"`
	DisableDirectedExploration *bool         `yaml:"disable_directed_exploration,omitempty"`
}

// PatrolFile is the parsed YAML structure for a patrol plan:
// missions: [{name, timeout, disable_directed_exploration}]
type PatrolFile struct {
	Missions []PatrolMission `yaml:"missions"`
}

// LoadPatrolFile parses a YAML patrol plan from the given path.
// Returns nil if path is empty (no patrol plan).
func LoadPatrolFile(path string) ([]PatrolMission, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patrol file: %w", err)
	}

	var pf PatrolFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse patrol file: %w", err)
	}

	if err := validatePatrol(pf.Missions); err != nil {
		return nil, err
	}

	return pf.Missions, nil
}

func validatePatrol(missions []PatrolMission) error {
	if len(missions) == 0 {
		return fmt.Errorf("patrol file contains no missions")
	}

	seen := make(map[string]bool)
	for i, m := range missions {
		if m.Name == "" {
			return fmt.Errorf("mission %d: name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("mission %q: duplicate name", m.Name)
		}
		seen[m.Name] = true

		if m.Timeout < 0 {
			return fmt.Errorf("mission %q: timeout cannot be negative", m.Name)
		}
	}

	return nil
}
