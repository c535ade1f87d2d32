package canceller

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildmaster/internal/bus"
	"git.home.luguber.info/inful/buildmaster/internal/config"
	"git.home.luguber.info/inful/buildmaster/internal/data"
	"git.home.luguber.info/inful/buildmaster/internal/errors"
	"git.home.luguber.info/inful/buildmaster/internal/sourcestamp"
)

// fakeResolver serves build requests from an in-memory map. An optional gate
// channel lets tests suspend resolution mid-flight; entered, when set, receives
// a signal as soon as a gated call starts.
type fakeResolver struct {
	mu       sync.Mutex
	requests map[int64]*data.BuildRequest
	gate     chan struct{}
	entered  chan struct{}
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{requests: make(map[int64]*data.BuildRequest)}
}

func (r *fakeResolver) add(id int64, builder string, stamps ...sourcestamp.Attrs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[id] = &data.BuildRequest{ID: id, Builder: builder, SourceStamps: stamps}
}

func (r *fakeResolver) waitGate() {
	r.mu.Lock()
	gate, entered := r.gate, r.entered
	r.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
}

func (r *fakeResolver) BuildRequest(_ context.Context, id int64) (*data.BuildRequest, error) {
	r.waitGate()

	r.mu.Lock()
	defer r.mu.Unlock()
	br, ok := r.requests[id]
	if !ok {
		return nil, errors.ResolveError(id, data.ErrNotFound)
	}
	return br, nil
}

func (r *fakeResolver) PendingBuildRequests(_ context.Context) ([]*data.BuildRequest, error) {
	r.waitGate()

	r.mu.Lock()
	defer r.mu.Unlock()
	pending := make([]*data.BuildRequest, 0, len(r.requests))
	for _, br := range r.requests {
		if !br.Complete {
			pending = append(pending, br)
		}
	}
	slices.SortFunc(pending, func(a, b *data.BuildRequest) int {
		return int(a.ID - b.ID)
	})
	return pending, nil
}

// cancelRecorder collects cancel commands published on the bus.
type cancelRecorder struct {
	mu  sync.Mutex
	ids []int64
}

func (cr *cancelRecorder) subscribe(t *testing.T, b bus.Bus) {
	t.Helper()
	_, err := b.Subscribe("buildrequests.*.cancel", func(_ context.Context, msg bus.Message) {
		id, err := bus.BuildRequestIDFromSubject(msg.Subject)
		require.NoError(t, err)
		var payload bus.CancelPayload
		require.NoError(t, msg.Decode(&payload))
		require.Equal(t, CancelReason, payload.Reason)
		cr.mu.Lock()
		cr.ids = append(cr.ids, id)
		cr.mu.Unlock()
	})
	require.NoError(t, err)
}

func (cr *cancelRecorder) cancelled() []int64 {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return append([]int64(nil), cr.ids...)
}

func mainOnlyFilters() []config.CancellerFilter {
	return []config.CancellerFilter{{
		Builders: config.BuilderNames{"builder1"},
		BranchEq: []string{"main"},
	}}
}

func startCanceller(t *testing.T, b bus.Bus, resolver data.Resolver, filters []config.CancellerFilter) *Canceller {
	t.Helper()
	c, err := New(b, resolver, filters, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func publishChange(t *testing.T, b bus.Bus, changeID, repository, branch string) {
	t.Helper()
	err := b.Publish(context.Background(), bus.ChangeNewSubject(changeID), bus.ChangePayload{
		ChangeID:   changeID,
		Project:    "proj",
		Codebase:   "cb",
		Repository: repository,
		Branch:     &branch,
	})
	require.NoError(t, err)
}

func publishNewBuildRequest(t *testing.T, b bus.Bus, id int64) {
	t.Helper()
	err := b.Publish(context.Background(), bus.BuildRequestNewSubject(id),
		bus.BuildRequestPayload{BuildRequestID: id})
	require.NoError(t, err)
}

func publishCompleteBuildRequest(t *testing.T, b bus.Bus, id int64) {
	t.Helper()
	err := b.Publish(context.Background(), bus.BuildRequestCompleteSubject(id),
		bus.BuildRequestPayload{BuildRequestID: id})
	require.NoError(t, err)
}

func settle(b *bus.MemoryBus, c *Canceller) {
	b.Flush()
	c.Drain()
	// Cancel commands are published from inside queued tasks; deliver those too.
	b.Flush()
}

func TestCancellerCancelsObsoleteBuildRequest(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	resolver := newFakeResolver()
	recorder := &cancelRecorder{}
	recorder.subscribe(t, b)

	c := startCanceller(t, b, resolver, mainOnlyFilters())

	stampMain := sourcestamp.WithBranch("proj", "cb", "repo1", "main")
	resolver.add(1, "builder1", stampMain)
	publishNewBuildRequest(t, b, 1)
	settle(b, c)
	require.True(t, c.IsBuildRequestTracked(1))

	publishChange(t, b, "c1", "repo1", "main")
	settle(b, c)
	assert.Empty(t, recorder.cancelled(), "change alone must not cancel")

	resolver.add(2, "builder1", stampMain)
	publishNewBuildRequest(t, b, 2)
	settle(b, c)

	assert.Equal(t, []int64{1}, recorder.cancelled())
	assert.False(t, c.IsBuildRequestTracked(1))
	assert.True(t, c.IsBuildRequestTracked(2))
}

func TestCancellerIgnoresUnresolvableBuildRequest(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	resolver := newFakeResolver()
	c := startCanceller(t, b, resolver, mainOnlyFilters())

	publishNewBuildRequest(t, b, 42)
	settle(b, c)

	assert.False(t, c.IsBuildRequestTracked(42))
	assert.Zero(t, c.TrackedCount())
}

func TestCancellerIgnoresUnmatchedBuilder(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	resolver := newFakeResolver()
	c := startCanceller(t, b, resolver, mainOnlyFilters())

	resolver.add(1, "otherbuilder", sourcestamp.WithBranch("proj", "cb", "repo1", "main"))
	publishNewBuildRequest(t, b, 1)
	settle(b, c)

	assert.False(t, c.IsBuildRequestTracked(1))
}

func TestCancellerCompleteStopsTracking(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	resolver := newFakeResolver()
	recorder := &cancelRecorder{}
	recorder.subscribe(t, b)
	c := startCanceller(t, b, resolver, mainOnlyFilters())

	stampMain := sourcestamp.WithBranch("proj", "cb", "repo1", "main")
	resolver.add(1, "builder1", stampMain)
	publishNewBuildRequest(t, b, 1)
	publishCompleteBuildRequest(t, b, 1)
	settle(b, c)
	require.False(t, c.IsBuildRequestTracked(1))

	publishChange(t, b, "c1", "repo1", "main")
	resolver.add(2, "builder1", stampMain)
	publishNewBuildRequest(t, b, 2)
	settle(b, c)

	assert.Empty(t, recorder.cancelled())
}

func TestCancellerSeedsFromPendingBuildRequests(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	resolver := newFakeResolver()
	resolver.add(1, "builder1", sourcestamp.WithBranch("proj", "cb", "repo1", "main"))

	c := startCanceller(t, b, resolver, mainOnlyFilters())

	assert.True(t, c.IsBuildRequestTracked(1))
	assert.Equal(t, 1, c.TrackedCount())
}

func TestCancellerReconfigureRejectsInvalidFilters(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	resolver := newFakeResolver()
	resolver.add(1, "builder1", sourcestamp.WithBranch("proj", "cb", "repo1", "main"))
	c := startCanceller(t, b, resolver, mainOnlyFilters())

	err := c.Reconfigure([]config.CancellerFilter{{BranchEq: []string{"main"}}})

	require.Error(t, err)
	assert.True(t, c.IsBuildRequestTracked(1), "old configuration stays in effect")
}

func TestCancellerReconfigureRepopulatesTracker(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	resolver := newFakeResolver()
	resolver.add(1, "builder1", sourcestamp.WithBranch("proj", "cb", "repo1", "main"))
	resolver.add(2, "builder2", sourcestamp.WithBranch("proj", "cb", "repo1", "main"))
	c := startCanceller(t, b, resolver, mainOnlyFilters())
	require.True(t, c.IsBuildRequestTracked(1))
	require.False(t, c.IsBuildRequestTracked(2))

	err := c.Reconfigure([]config.CancellerFilter{{
		Builders: config.BuilderNames{"builder2"},
		BranchEq: []string{"main"},
	}})
	require.NoError(t, err)

	assert.False(t, c.IsBuildRequestTracked(1), "no longer matched after reconfiguration")
	assert.True(t, c.IsBuildRequestTracked(2))
}

func TestCancellerCompletionDeferredBehindSuspendedResolution(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	resolver := newFakeResolver()
	c := startCanceller(t, b, resolver, mainOnlyFilters())

	stampMain := sourcestamp.WithBranch("proj", "cb", "repo1", "main")
	resolver.add(1, "builder1", stampMain)

	gate := make(chan struct{})
	resolver.mu.Lock()
	resolver.gate = gate
	resolver.mu.Unlock()

	// The new event suspends on resolution; the completion queued behind it
	// must wait, so the request is first tracked and then untracked.
	publishNewBuildRequest(t, b, 1)
	publishCompleteBuildRequest(t, b, 1)
	b.Flush()

	resolver.mu.Lock()
	resolver.gate = nil
	resolver.mu.Unlock()
	close(gate)
	c.Drain()

	assert.False(t, c.IsBuildRequestTracked(1))
	assert.Zero(t, c.TrackedCount())
}

func TestCancellerReconfigureDefersQueuedCompletion(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	resolver := newFakeResolver()
	c := startCanceller(t, b, resolver, mainOnlyFilters())

	// The request shows up in the data layer only after start, so the fresh
	// tracker built during reconfiguration is what first registers it.
	resolver.add(1, "builder1", sourcestamp.WithBranch("proj", "cb", "repo1", "main"))

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	resolver.mu.Lock()
	resolver.gate = gate
	resolver.entered = entered
	resolver.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- c.Reconfigure(mainOnlyFilters()) }()
	<-entered

	// Repopulation is suspended on the resolver. The completion queues behind
	// the reconfiguration task and must run only after the request has been
	// registered, not get lost against the old tracker.
	publishCompleteBuildRequest(t, b, 1)
	b.Flush()

	resolver.mu.Lock()
	resolver.gate = nil
	resolver.entered = nil
	resolver.mu.Unlock()
	close(gate)

	require.NoError(t, <-done)
	c.Drain()

	assert.False(t, c.IsBuildRequestTracked(1), "deferred completion must untrack the freshly registered request")
	assert.Zero(t, c.TrackedCount())
}

func TestCancellerMultiCodebaseCancelsOnce(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	resolver := newFakeResolver()
	recorder := &cancelRecorder{}
	recorder.subscribe(t, b)
	c, err := New(b, resolver, []config.CancellerFilter{{
		Builders: config.BuilderNames{"builder1"},
		BranchEq: []string{"main", "release"},
	}}, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	stamps := []sourcestamp.Attrs{
		sourcestamp.WithBranch("proj", "cb1", "repo1", "main"),
		sourcestamp.WithBranch("proj", "cb2", "repo2", "release"),
	}
	resolver.add(1, "builder1", stamps...)
	publishNewBuildRequest(t, b, 1)
	settle(b, c)

	publishChange(t, b, "c1", "repo1", "main")
	publishChange(t, b, "c2", "repo2", "release")
	settle(b, c)

	resolver.add(2, "builder1", stamps...)
	publishNewBuildRequest(t, b, 2)
	settle(b, c)

	assert.Equal(t, []int64{1}, recorder.cancelled())
}

func TestCancellerIdenticalTimestampsDoNotCancel(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	resolver := newFakeResolver()
	recorder := &cancelRecorder{}
	recorder.subscribe(t, b)

	clock := time.Unix(5000, 0)
	c, err := New(b, resolver, mainOnlyFilters(), Options{
		Clock: func() time.Time { return clock },
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	stampMain := sourcestamp.WithBranch("proj", "cb", "repo1", "main")
	resolver.add(1, "builder1", stampMain)
	publishNewBuildRequest(t, b, 1)
	publishChange(t, b, "c1", "repo1", "main")
	resolver.add(2, "builder1", stampMain)
	publishNewBuildRequest(t, b, 2)
	settle(b, c)

	assert.Empty(t, recorder.cancelled())
	assert.True(t, c.IsBuildRequestTracked(1))
	assert.True(t, c.IsBuildRequestTracked(2))
}
