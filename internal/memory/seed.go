package memory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk layout of a seed file:
//
//	patterns:
//	  - language: go
//	    snippet: |
//	      sort.Ints(xs)
type seedFile struct {
	Patterns []Seed `yaml:"patterns"`
}

// LoadSeedFile reads seeds from a YAML file.
func LoadSeedFile(path string) ([]Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeeds(data)
}

// ParseSeeds decodes YAML seed data. Entries with an empty snippet are rejected.
func ParseSeeds(data []byte) ([]Seed, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seeds: %w", err)
	}
	for i, s := range f.Patterns {
		if s.Snippet == "" {
			return nil, fmt.Errorf("seed %d: %w: snippet is empty", i+1, ErrInvalidPattern)
		}
	}
	return f.Patterns, nil
}
