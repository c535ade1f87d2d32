package sourcestamp

import "slices"

// Filter matches source stamps by attribute equality. Each non-empty
// constraint lists the allowed values for one attribute; a stamp matches when
// every constrained attribute equals one of its allowed values. The zero
// Filter matches everything.
type Filter struct {
	ProjectEq    []string
	CodebaseEq   []string
	RepositoryEq []string
	BranchEq     []string
}

// Matches reports whether attrs satisfies every constraint of the filter.
// A BranchEq constraint never matches a stamp without a branch.
func (f Filter) Matches(attrs Attrs) bool {
	if !allowed(f.ProjectEq, attrs.Project) {
		return false
	}
	if !allowed(f.CodebaseEq, attrs.Codebase) {
		return false
	}
	if !allowed(f.RepositoryEq, attrs.Repository) {
		return false
	}
	if len(f.BranchEq) > 0 {
		branch, ok := attrs.BranchValue()
		if !ok || !slices.Contains(f.BranchEq, branch) {
			return false
		}
	}
	return true
}

func allowed(values []string, v string) bool {
	return len(values) == 0 || slices.Contains(values, v)
}
