// Package canceller implements the obsolete build request cancellation
// subsystem: a filter set scoping which builders are tracked, a staleness
// tracker deciding which in-flight build requests a newer commit has
// superseded, and the coordinator bridging both to the event bus.
package canceller

import (
	"git.home.luguber.info/inful/buildmaster/internal/config"
	"git.home.luguber.info/inful/buildmaster/internal/sourcestamp"
)

// FilterSet associates builder names with source stamp filters. A builder
// listed in several entries is matched when any of its filters matches.
type FilterSet struct {
	entries []filterEntry
}

type filterEntry struct {
	builders map[string]struct{}
	filter   sourcestamp.Filter
}

// NewFilterSet creates an empty filter set, which matches nothing.
func NewFilterSet() *FilterSet {
	return &FilterSet{}
}

// AddFilter registers a filter for the given builders.
func (s *FilterSet) AddFilter(builders []string, filter sourcestamp.Filter) {
	names := make(map[string]struct{}, len(builders))
	for _, b := range builders {
		names[b] = struct{}{}
	}
	s.entries = append(s.entries, filterEntry{builders: names, filter: filter})
}

// IsMatched reports whether the builder falls under staleness tracking for
// the given source stamp attributes.
func (s *FilterSet) IsMatched(builder string, attrs sourcestamp.Attrs) bool {
	for _, entry := range s.entries {
		if _, ok := entry.builders[builder]; !ok {
			continue
		}
		if entry.filter.Matches(attrs) {
			return true
		}
	}
	return false
}

// FiltersFromConfig validates filter configuration and builds a FilterSet.
// On error no filter set is returned and the previous configuration (if any)
// stays in effect at the caller.
func FiltersFromConfig(filters []config.CancellerFilter) (*FilterSet, error) {
	if err := config.ValidateCancellerFilters(filters); err != nil {
		return nil, err
	}
	fs := NewFilterSet()
	for _, f := range filters {
		fs.AddFilter(f.Builders, sourcestamp.Filter{
			ProjectEq:    f.ProjectEq,
			CodebaseEq:   f.CodebaseEq,
			RepositoryEq: f.RepositoryEq,
			BranchEq:     f.BranchEq,
		})
	}
	return fs, nil
}
