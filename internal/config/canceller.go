package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// CancellerConfig configures the obsolete build request canceller.
type CancellerConfig struct {
	Filters []CancellerFilter `yaml:"filters,omitempty"`
}

// CancellerFilter pairs a set of builders with source stamp equality
// constraints. A builder listed in several filters is tracked when any of
// them matches.
type CancellerFilter struct {
	Builders     BuilderNames `yaml:"builders"`
	ProjectEq    []string     `yaml:"project_eq,omitempty"`
	CodebaseEq   []string     `yaml:"codebase_eq,omitempty"`
	RepositoryEq []string     `yaml:"repository_eq,omitempty"`
	BranchEq     []string     `yaml:"branch_eq,omitempty"`
}

// BuilderNames accepts either a single string or a list of strings in YAML.
type BuilderNames []string

// UnmarshalYAML implements the string-or-list shape check. Anything else is a
// configuration error naming the offending element.
func (b *BuilderNames) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag != "!!str" {
			return fmt.Errorf("filter builders must be a string or a list of strings, got %s", value.Value)
		}
		*b = BuilderNames{value.Value}
		return nil
	case yaml.SequenceNode:
		names := make([]string, 0, len(value.Content))
		for _, item := range value.Content {
			if item.Kind != yaml.ScalarNode || item.Tag != "!!str" {
				return fmt.Errorf("value of filter builders must be a string, got %s", item.Value)
			}
			names = append(names, item.Value)
		}
		*b = names
		return nil
	default:
		return fmt.Errorf("filter builders must be a string or a list of strings")
	}
}

// MarshalYAML keeps the single-builder case readable when writing configs.
func (b BuilderNames) MarshalYAML() (any, error) {
	if len(b) == 1 {
		return b[0], nil
	}
	return []string(b), nil
}
