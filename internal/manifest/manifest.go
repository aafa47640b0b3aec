// Package manifest loads the optional sce.toml project manifest.
package manifest

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Manifest is the sce.toml document. Everything in it is advisory: the
// orchestrator runs fine without a manifest.
type Manifest struct {
	Project  Project  `toml:"project"`
	Ontology Ontology `toml:"ontology"`
	Defaults Defaults `toml:"defaults"`
}

type Project struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
}

// Ontology orders work themes by importance. Scheduling uses it to reorder
// specs inside a topological batch; it never overrides dependency order.
type Ontology struct {
	Order []string `toml:"order"`
}

type Defaults struct {
	MaxParallel int `toml:"max_parallel"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: reading %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parsing %s: %w", path, err)
	}

	if err := validate(&m); err != nil {
		return nil, fmt.Errorf("manifest: validating %s: %w", path, err)
	}

	return &m, nil
}

// LoadOptional returns (nil, nil) when the manifest does not exist.
func LoadOptional(path string) (*Manifest, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("manifest: stat %s: %w", path, err)
	}
	return Load(path)
}

func validate(m *Manifest) error {
	seen := make(map[string]struct{}, len(m.Ontology.Order))
	for _, entry := range m.Ontology.Order {
		if entry == "" {
			return fmt.Errorf("ontology order contains an empty entry")
		}
		if _, ok := seen[entry]; ok {
			return fmt.Errorf("ontology order lists %q twice", entry)
		}
		seen[entry] = struct{}{}
	}
	if m.Defaults.MaxParallel < 0 {
		return fmt.Errorf("defaults.max_parallel must not be negative, got %d", m.Defaults.MaxParallel)
	}
	return nil
}

// Rank returns the ontology position of a slug: the index of the first order
// entry the slug contains. Slugs matching nothing rank after every match.
func (m *Manifest) Rank(slug string) int {
	if m == nil {
		return 0
	}
	for i, entry := range m.Ontology.Order {
		if strings.Contains(slug, entry) {
			return i
		}
	}
	return len(m.Ontology.Order)
}
