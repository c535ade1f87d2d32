// Package changesource feeds the event bus with change notifications by
// polling git remotes for branch head movement.
package changesource

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/buildmaster/internal/bus"
	"git.home.luguber.info/inful/buildmaster/internal/config"
	"git.home.luguber.info/inful/buildmaster/internal/errors"
	"git.home.luguber.info/inful/buildmaster/internal/logfields"
	"git.home.luguber.info/inful/buildmaster/internal/metrics"
)

// RefLister lists branch heads of a remote repository. The production
// implementation talks to the remote over go-git; tests inject fakes.
type RefLister interface {
	// ListHeads returns branch name to commit hash for every refs/heads ref.
	ListHeads(ctx context.Context, repoURL string) (map[string]string, error)
}

// GitLister lists remote heads using an in-memory go-git remote, no clone.
type GitLister struct{}

func (GitLister) ListHeads(ctx context.Context, repoURL string) (map[string]string, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitcfg.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return nil, err
	}

	heads := make(map[string]string)
	for _, ref := range refs {
		if ref.Type() == plumbing.SymbolicReference {
			continue
		}
		name := ref.Name().String()
		branch, ok := strings.CutPrefix(name, "refs/heads/")
		if !ok {
			continue
		}
		heads[branch] = ref.Hash().String()
	}
	return heads, nil
}

// Poller watches one configured repository and publishes a change event for
// every branch head that moved since the previous poll. The first poll primes
// the baseline without publishing.
type Poller struct {
	cfg      config.ChangeSourceConfig
	lister   RefLister
	bus      bus.Bus
	recorder metrics.Recorder

	mu     sync.Mutex
	heads  map[string]string
	primed bool
}

// NewPoller creates a poller for one change source. A nil lister defaults to
// the go-git implementation, a nil recorder to the noop recorder.
func NewPoller(cfg config.ChangeSourceConfig, b bus.Bus, lister RefLister, recorder metrics.Recorder) *Poller {
	if lister == nil {
		lister = GitLister{}
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Poller{
		cfg:      cfg,
		lister:   lister,
		bus:      b,
		recorder: recorder,
		heads:    make(map[string]string),
	}
}

// Name returns the configured change source name.
func (p *Poller) Name() string { return p.cfg.Name }

// Interval returns the configured poll interval.
func (p *Poller) Interval() time.Duration { return p.cfg.PollInterval() }

// Poll fetches the current branch heads and publishes a change for every
// watched branch whose head moved.
func (p *Poller) Poll(ctx context.Context) error {
	heads, err := p.lister.ListHeads(ctx, p.cfg.URL)
	if err != nil {
		return errors.PollError(p.cfg.Name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.primed {
		p.heads = heads
		p.primed = true
		slog.Info("Change source primed", logfields.ChangeSource(p.cfg.Name), "branches", len(heads))
		return nil
	}

	for branch, hash := range heads {
		if !p.watches(branch) {
			continue
		}
		if p.heads[branch] == hash {
			continue
		}
		if err := p.publishChange(ctx, branch, hash); err != nil {
			// Keep the old head so the change is retried next poll.
			slog.Error("Failed to publish change",
				logfields.ChangeSource(p.cfg.Name), logfields.Branch(branch), logfields.Error(err))
			continue
		}
		p.heads[branch] = hash
	}

	// Deleted branches stop being tracked.
	for branch := range p.heads {
		if _, ok := heads[branch]; !ok {
			delete(p.heads, branch)
		}
	}

	return nil
}

func (p *Poller) watches(branch string) bool {
	if len(p.cfg.Branches) == 0 {
		return true
	}
	return slices.Contains(p.cfg.Branches, branch)
}

func (p *Poller) publishChange(ctx context.Context, branch, hash string) error {
	changeID := uuid.NewString()
	payload := bus.ChangePayload{
		ChangeID:   changeID,
		Project:    p.cfg.Project,
		Codebase:   p.codebase(),
		Repository: p.cfg.URL,
		Branch:     &branch,
		Revision:   hash,
	}
	if err := p.bus.Publish(ctx, bus.ChangeNewSubject(changeID), payload); err != nil {
		return err
	}

	p.recorder.IncChangePublished(p.cfg.Name)
	slog.Info("Published change",
		logfields.ChangeSource(p.cfg.Name),
		logfields.ChangeID(changeID),
		logfields.Branch(branch),
		"revision", hash)
	return nil
}

func (p *Poller) codebase() string {
	if p.cfg.Codebase != "" {
		return p.cfg.Codebase
	}
	return p.cfg.Name
}
