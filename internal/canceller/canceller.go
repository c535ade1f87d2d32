package canceller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildmaster/internal/bus"
	"git.home.luguber.info/inful/buildmaster/internal/config"
	"git.home.luguber.info/inful/buildmaster/internal/data"
	"git.home.luguber.info/inful/buildmaster/internal/logfields"
	"git.home.luguber.info/inful/buildmaster/internal/metrics"
)

// CancelReason is the reason attached to every cancel command.
const CancelReason = "Build request has been obsoleted by a newer commit"

// Options tweak coordinator construction.
type Options struct {
	// Clock overrides time.Now, used by tests.
	Clock func() time.Time
	// Recorder defaults to the noop recorder.
	Recorder metrics.Recorder
	// KeyFunc defaults to BranchKey.
	KeyFunc KeyFunc
}

// Canceller bridges the event bus to the staleness tracker: it consumes
// change and build request lifecycle events, emits cancel commands for
// superseded build requests and owns safe reconfiguration.
//
// All tracker mutations happen on a single sequential task queue, which gives
// the ordering guarantees the tracker relies on: a handler may suspend on
// resolution without any other event for this consumer being processed.
type Canceller struct {
	bus      bus.Bus
	resolver data.Resolver
	recorder metrics.Recorder
	now      func() time.Time
	keyFn    KeyFunc

	queue *bus.TaskQueue
	subs  []bus.Subscription

	ctx    context.Context
	cancel context.CancelFunc

	// mu protects the tracker pointer and its contents against concurrent
	// introspection; all mutation still happens on the queue worker only.
	mu      sync.RWMutex
	tracker *Tracker
}

// New validates the filter configuration and creates a stopped coordinator.
func New(b bus.Bus, resolver data.Resolver, filters []config.CancellerFilter, opts Options) (*Canceller, error) {
	fs, err := FiltersFromConfig(filters)
	if err != nil {
		return nil, err
	}
	c := &Canceller{
		bus:      b,
		resolver: resolver,
		recorder: opts.Recorder,
		now:      opts.Clock,
		keyFn:    opts.KeyFunc,
	}
	if c.recorder == nil {
		c.recorder = metrics.NoopRecorder{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.keyFn == nil {
		c.keyFn = BranchKey
	}
	c.tracker = NewTracker(fs, c.keyFn, SinkFunc(c.cancelBuildRequest))
	return c, nil
}

// Name implements services.ManagedService.
func (c *Canceller) Name() string { return "canceller" }

// Dependencies implements services.ManagedService.
func (c *Canceller) Dependencies() []string { return nil }

// Start seeds the tracker from the data layer's pending build requests and
// begins consuming bus events.
func (c *Canceller) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.queue = bus.NewTaskQueue(1024)

	var seedErr error
	if err := c.queue.Wait(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		seedErr = c.populate(c.tracker)
	}); err != nil {
		return err
	}
	if seedErr != nil {
		return seedErr
	}

	// Build request new and complete events share one subscription so their
	// relative publish order survives into the task queue.
	for subject, handler := range map[string]func(bus.Message){
		bus.ChangesNewWildcard:    c.handleChangeNew,
		bus.BuildRequestsWildcard: c.dispatchBuildRequestEvent,
	} {
		handler := handler
		sub, err := c.bus.Subscribe(subject, func(_ context.Context, msg bus.Message) {
			_ = c.queue.Submit(func() { handler(msg) })
		})
		if err != nil {
			c.teardown()
			return err
		}
		c.subs = append(c.subs, sub)
	}

	slog.Info("Canceller started", "tracked", c.TrackedCount())
	return nil
}

// Stop unsubscribes from the bus and drains the consumer queue.
func (c *Canceller) Stop(_ context.Context) error {
	c.teardown()
	slog.Info("Canceller stopped")
	return nil
}

func (c *Canceller) teardown() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	if c.queue != nil {
		c.queue.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// Reconfigure validates the new filter configuration, builds a fresh tracker
// seeded from the data layer's pending build requests and swaps it in. The
// swap runs as a task on the consumer queue, so event handling already in
// progress (and anything queued ahead) completes against the old tracker;
// events arriving afterwards observe the new configuration. A validation or
// seeding failure leaves the previous configuration active.
func (c *Canceller) Reconfigure(filters []config.CancellerFilter) error {
	fs, err := FiltersFromConfig(filters)
	if err != nil {
		c.recorder.IncReconfig(metrics.ReconfigRejected)
		return err
	}

	fresh := NewTracker(fs, c.keyFn, SinkFunc(c.cancelBuildRequest))

	if c.queue == nil {
		// Not started yet; swap directly.
		c.mu.Lock()
		c.tracker = fresh
		c.mu.Unlock()
		c.recorder.IncReconfig(metrics.ReconfigApplied)
		return nil
	}

	var seedErr error
	if err := c.queue.Wait(func() {
		if seedErr = c.populate(fresh); seedErr != nil {
			return
		}
		c.mu.Lock()
		c.tracker = fresh
		c.mu.Unlock()
	}); err != nil {
		c.recorder.IncReconfig(metrics.ReconfigRejected)
		return err
	}
	if seedErr != nil {
		c.recorder.IncReconfig(metrics.ReconfigRejected)
		return seedErr
	}

	c.recorder.IncReconfig(metrics.ReconfigApplied)
	c.recorder.SetTrackedBuildRequests(fresh.TrackedCount())
	slog.Info("Canceller reconfigured", "filters", len(filters), "tracked", fresh.TrackedCount())
	return nil
}

// populate registers every pending build request with the tracker. Runs on
// the consumer queue; the resolver call may block, deferring queued events.
func (c *Canceller) populate(t *Tracker) error {
	pending, err := c.resolver.PendingBuildRequests(c.resolveContext())
	if err != nil {
		return err
	}
	now := c.now()
	for _, br := range pending {
		t.OnNewBuildRequest(br.ID, br.Builder, br.SourceStamps, now)
	}
	return nil
}

func (c *Canceller) resolveContext() context.Context {
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

func (c *Canceller) handleChangeNew(msg bus.Message) {
	c.recorder.IncEventReceived(metrics.TopicChanges)

	var payload bus.ChangePayload
	if err := msg.Decode(&payload); err != nil {
		slog.Error("Dropping malformed change event", logfields.Subject(msg.Subject), logfields.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracker.OnChange(payload.Attrs(), c.now())
}

// dispatchBuildRequestEvent routes a build request event by its event token.
// Cancel commands come back on the same wildcard and are ignored.
func (c *Canceller) dispatchBuildRequestEvent(msg bus.Message) {
	event, err := bus.SubjectEvent(msg.Subject)
	if err != nil {
		slog.Error("Dropping malformed build request event", logfields.Subject(msg.Subject), logfields.Error(err))
		return
	}
	switch event {
	case "new":
		c.handleBuildRequestNew(msg)
	case "complete":
		c.handleBuildRequestComplete(msg)
	}
}

func (c *Canceller) handleBuildRequestNew(msg bus.Message) {
	c.recorder.IncEventReceived(metrics.TopicBuildRequestsNew)

	id, err := buildRequestID(msg)
	if err != nil {
		slog.Error("Dropping malformed build request event", logfields.Subject(msg.Subject), logfields.Error(err))
		return
	}

	// Resolution may suspend this consumer; later events for this consumer
	// wait in the queue, preserving arrival order.
	br, err := c.resolver.BuildRequest(c.resolveContext(), id)
	if err != nil {
		c.recorder.IncResolveFailure()
		slog.Error("Not tracking build request, resolution failed",
			logfields.BuildRequestID(id), logfields.Error(err))
		return
	}
	if br.Complete {
		return
	}

	c.mu.Lock()
	cancelled := c.tracker.OnNewBuildRequest(id, br.Builder, br.SourceStamps, c.now())
	tracked := c.tracker.TrackedCount()
	c.mu.Unlock()

	for range cancelled {
		c.recorder.IncCancellation(br.Builder)
	}
	c.recorder.SetTrackedBuildRequests(tracked)
}

func (c *Canceller) handleBuildRequestComplete(msg bus.Message) {
	c.recorder.IncEventReceived(metrics.TopicBuildRequestsComplete)

	id, err := buildRequestID(msg)
	if err != nil {
		slog.Error("Dropping malformed build request event", logfields.Subject(msg.Subject), logfields.Error(err))
		return
	}

	c.mu.Lock()
	c.tracker.OnCompleteBuildRequest(id)
	tracked := c.tracker.TrackedCount()
	c.mu.Unlock()
	c.recorder.SetTrackedBuildRequests(tracked)
}

// cancelBuildRequest is the tracker's cancellation sink: it emits the cancel
// command onto the bus. Fire-and-forget; delivery retries belong to the bus.
func (c *Canceller) cancelBuildRequest(id int64) {
	subject := bus.BuildRequestCancelSubject(id)
	if err := c.bus.Publish(c.resolveContext(), subject, bus.CancelPayload{Reason: CancelReason}); err != nil {
		slog.Error("Failed to publish cancel command", logfields.BuildRequestID(id), logfields.Error(err))
		return
	}
	slog.Info("Cancelled obsolete build request", logfields.BuildRequestID(id), logfields.Reason(CancelReason))
}

// Drain blocks until every event already on the consumer queue has been
// handled. Used by tests and by shutdown diagnostics.
func (c *Canceller) Drain() {
	if c.queue != nil {
		_ = c.queue.Wait(func() {})
	}
}

// IsBuildRequestTracked reports whether id is currently tracked. Introspection
// for diagnostics and tests.
func (c *Canceller) IsBuildRequestTracked(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracker.IsBuildRequestTracked(id)
}

// TrackedCount returns the number of tracked build requests.
func (c *Canceller) TrackedCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracker.TrackedCount()
}

func buildRequestID(msg bus.Message) (int64, error) {
	var payload bus.BuildRequestPayload
	if err := msg.Decode(&payload); err == nil && payload.BuildRequestID != 0 {
		return payload.BuildRequestID, nil
	}
	return bus.BuildRequestIDFromSubject(msg.Subject)
}
