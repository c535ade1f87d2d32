// Package sourcestamp defines the source stamp attribute set and the equality
// filters used to scope staleness tracking to specific projects, codebases,
// repositories and branches.
package sourcestamp

// Attrs identifies a specific codebase state associated with a build request
// or a change. A nil Branch means the stamp carries no branch (for example a
// raw revision); such stamps never produce a branch key.
type Attrs struct {
	Project    string  `json:"project"`
	Codebase   string  `json:"codebase"`
	Repository string  `json:"repository"`
	Branch     *string `json:"branch"`
}

// BranchValue returns the branch name and whether it is present.
func (a Attrs) BranchValue() (string, bool) {
	if a.Branch == nil {
		return "", false
	}
	return *a.Branch, true
}

// WithBranch is a convenience constructor used heavily in tests and by the
// change sources, which always know the branch.
func WithBranch(project, codebase, repository, branch string) Attrs {
	return Attrs{Project: project, Codebase: codebase, Repository: repository, Branch: &branch}
}

// WithoutBranch constructs attrs for a stamp that has no branch.
func WithoutBranch(project, codebase, repository string) Attrs {
	return Attrs{Project: project, Codebase: codebase, Repository: repository}
}
