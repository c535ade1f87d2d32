package canceller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildmaster/internal/config"
	"git.home.luguber.info/inful/buildmaster/internal/sourcestamp"
)

func TestFilterSetEmptyMatchesNothing(t *testing.T) {
	fs := NewFilterSet()

	assert.False(t, fs.IsMatched("builder", stamp("repo1", "branch1")))
}

func TestFilterSetEmptyFilterMatchesEverything(t *testing.T) {
	fs := NewFilterSet()
	fs.AddFilter([]string{"builder1"}, sourcestamp.Filter{})

	assert.True(t, fs.IsMatched("builder1", stamp("repo1", "branch1")))
	assert.True(t, fs.IsMatched("builder1", sourcestamp.WithoutBranch("p", "c", "r")))
	assert.False(t, fs.IsMatched("builder2", stamp("repo1", "branch1")))
}

func TestFilterSetMultipleFiltersPerBuilder(t *testing.T) {
	fs := NewFilterSet()
	fs.AddFilter([]string{"builder1"}, sourcestamp.Filter{BranchEq: []string{"branch1"}})
	fs.AddFilter([]string{"builder1", "builder2"}, sourcestamp.Filter{BranchEq: []string{"branch2"}})

	assert.True(t, fs.IsMatched("builder1", stamp("repo1", "branch1")))
	assert.True(t, fs.IsMatched("builder1", stamp("repo1", "branch2")))
	assert.False(t, fs.IsMatched("builder2", stamp("repo1", "branch1")))
	assert.True(t, fs.IsMatched("builder2", stamp("repo1", "branch2")))
	assert.False(t, fs.IsMatched("builder1", stamp("repo1", "branch3")))
}

func TestFiltersFromConfig(t *testing.T) {
	fs, err := FiltersFromConfig([]config.CancellerFilter{
		{
			Builders: config.BuilderNames{"builder1"},
			BranchEq: []string{"main"},
		},
		{
			Builders:     config.BuilderNames{"builder2", "builder3"},
			RepositoryEq: []string{"https://example.com/repo.git"},
		},
	})
	require.NoError(t, err)

	assert.True(t, fs.IsMatched("builder1", stamp("repo1", "main")))
	assert.False(t, fs.IsMatched("builder1", stamp("repo1", "dev")))
	assert.True(t, fs.IsMatched("builder3",
		sourcestamp.WithBranch("p", "c", "https://example.com/repo.git", "any")))
}

func TestFiltersFromConfigRejectsEmptyBuilders(t *testing.T) {
	_, err := FiltersFromConfig([]config.CancellerFilter{
		{BranchEq: []string{"main"}},
	})

	require.Error(t, err)
}
