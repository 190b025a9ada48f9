package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/janmaj/srds-przychodnia/internal/model"
)

//go:embed roster.yaml
var defaultRoster []byte

type rosterFile struct {
	Resources []rosterEntry `yaml:"resources"`
}

type rosterEntry struct {
	ID       string      `yaml:"id"`
	Name     string      `yaml:"name"`
	Category string      `yaml:"category"`
	Start    model.Clock `yaml:"start"`
	End      model.Clock `yaml:"end"`
}

// LoadRoster reads the resource roster from path, or the built-in roster
// when path is empty.
func LoadRoster(path string) ([]model.Resource, error) {
	raw := defaultRoster
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read roster: %w", err)
		}
		raw = b
	}
	return ParseRoster(raw)
}

func ParseRoster(raw []byte) ([]model.Resource, error) {
	var f rosterFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	seen := make(map[string]bool, len(f.Resources))
	out := make([]model.Resource, 0, len(f.Resources))
	for _, e := range f.Resources {
		if e.ID == "" || e.Category == "" {
			return nil, fmt.Errorf("roster entry %q: id and category are required", e.Name)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("roster entry %q: duplicate id", e.ID)
		}
		seen[e.ID] = true
		if e.End.Duration()-e.Start.Duration() < model.TailBuffer {
			return nil, fmt.Errorf("roster entry %q: working hours %s-%s leave no bookable slot", e.ID, e.Start, e.End)
		}
		out = append(out, model.Resource{
			ID:           e.ID,
			Name:         e.Name,
			Category:     e.Category,
			WorkingStart: e.Start,
			WorkingEnd:   e.End,
		})
	}
	return out, nil
}
