package canceller

import (
	"slices"
	"time"

	"git.home.luguber.info/inful/buildmaster/internal/sourcestamp"
)

// KeyFunc derives the branch key used to group related build activity from a
// source stamp. Returning false excludes the stamp from tracking.
type KeyFunc func(attrs sourcestamp.Attrs) (string, bool)

// BranchKey is the default KeyFunc: the branch name, absent branch excluded.
func BranchKey(attrs sourcestamp.Attrs) (string, bool) {
	return attrs.BranchValue()
}

// CancellationSink receives ids of build requests the tracker decided to
// cancel. The sink is invoked exactly once per id, after the id has been
// removed from all tracker state.
type CancellationSink interface {
	CancelBuildRequest(id int64)
}

// SinkFunc adapts a function to a CancellationSink.
type SinkFunc func(id int64)

func (f SinkFunc) CancelBuildRequest(id int64) { f(id) }

type groupKey struct {
	builder string
	key     string
}

type trackedBuildRequest struct {
	id        int64
	builder   string
	createdAt time.Time
	keys      []string
	// seq is the registration order, used to report cancellations in
	// arrival order when a wave spans several groups.
	seq uint64
}

// Tracker is the stateful staleness core. It groups in-flight build requests
// by (builder, branch key), records the latest observed change time per key
// and decides cancellations when new build requests arrive.
//
// The tracker is not safe for concurrent use: all calls must come from one
// goroutine, which in the daemon is the coordinator's consumer queue.
type Tracker struct {
	filters *FilterSet
	keyFn   KeyFunc
	sink    CancellationSink

	requests   map[int64]*trackedBuildRequest
	groups     map[groupKey][]int64 // insertion ordered
	lastChange map[string]time.Time
	nextSeq    uint64
}

// NewTracker creates a tracker over the given filter set. keyFn may be nil,
// in which case BranchKey is used.
func NewTracker(filters *FilterSet, keyFn KeyFunc, sink CancellationSink) *Tracker {
	if keyFn == nil {
		keyFn = BranchKey
	}
	return &Tracker{
		filters:    filters,
		keyFn:      keyFn,
		sink:       sink,
		requests:   make(map[int64]*trackedBuildRequest),
		groups:     make(map[groupKey][]int64),
		lastChange: make(map[string]time.Time),
	}
}

// OnNewBuildRequest handles a new build request. Existing requests in the
// same (builder, key) groups whose creation time is strictly before the last
// observed change time for that key are cancelled; equal timestamps never
// cancel, so a change and the build it provoked observed at the same instant
// do not cancel each other. The new request is then registered under every
// matching key. Returns the cancelled ids in their arrival order.
func (t *Tracker) OnNewBuildRequest(id int64, builder string, stamps []sourcestamp.Attrs, now time.Time) []int64 {
	if _, ok := t.requests[id]; ok {
		// Duplicate delivery of an already tracked request.
		return nil
	}

	var keys []string
	for _, attrs := range stamps {
		if !t.filters.IsMatched(builder, attrs) {
			continue
		}
		key, ok := t.keyFn(attrs)
		if !ok {
			continue
		}
		if !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil
	}

	var stale []*trackedBuildRequest
	for _, key := range keys {
		last, ok := t.lastChange[key]
		if !ok {
			continue
		}
		for _, oldID := range t.groups[groupKey{builder: builder, key: key}] {
			old := t.requests[oldID]
			if !old.createdAt.Before(last) {
				continue
			}
			if !slices.Contains(stale, old) {
				stale = append(stale, old)
			}
		}
	}
	slices.SortFunc(stale, func(a, b *trackedBuildRequest) int {
		return int(a.seq) - int(b.seq)
	})

	// Remove every stale request from all of its groups before any sink
	// callback runs, so the cancellation wave is atomic.
	cancelled := make([]int64, 0, len(stale))
	for _, old := range stale {
		t.remove(old)
		cancelled = append(cancelled, old.id)
	}
	for _, oldID := range cancelled {
		t.sink.CancelBuildRequest(oldID)
	}

	req := &trackedBuildRequest{
		id:        id,
		builder:   builder,
		createdAt: now,
		keys:      keys,
		seq:       t.nextSeq,
	}
	t.nextSeq++
	t.requests[id] = req
	for _, key := range keys {
		gk := groupKey{builder: builder, key: key}
		t.groups[gk] = append(t.groups[gk], id)
	}

	if len(cancelled) == 0 {
		return nil
	}
	return cancelled
}

// OnChange records a change observation. The per-key change time only moves
// forward; no cancellation happens here, a bare commit with no subsequent
// build intent must not cancel anything.
func (t *Tracker) OnChange(attrs sourcestamp.Attrs, now time.Time) {
	key, ok := t.keyFn(attrs)
	if !ok {
		return
	}
	if last, ok := t.lastChange[key]; !ok || now.After(last) {
		t.lastChange[key] = now
	}
}

// OnCompleteBuildRequest stops tracking id. Idempotent: completing an
// already-untracked or already-cancelled id is a no-op.
func (t *Tracker) OnCompleteBuildRequest(id int64) {
	req, ok := t.requests[id]
	if !ok {
		return
	}
	t.remove(req)
}

// IsBuildRequestTracked reports whether id is currently tracked.
func (t *Tracker) IsBuildRequestTracked(id int64) bool {
	_, ok := t.requests[id]
	return ok
}

// TrackedCount returns the number of currently tracked build requests.
func (t *Tracker) TrackedCount() int {
	return len(t.requests)
}

// remove drops a request from every group it belongs to and the reverse map.
func (t *Tracker) remove(req *trackedBuildRequest) {
	for _, key := range req.keys {
		gk := groupKey{builder: req.builder, key: key}
		ids := t.groups[gk]
		idx := slices.Index(ids, req.id)
		if idx >= 0 {
			ids = slices.Delete(ids, idx, idx+1)
		}
		if len(ids) == 0 {
			delete(t.groups, gk)
		} else {
			t.groups[gk] = ids
		}
	}
	delete(t.requests, req.id)
}
