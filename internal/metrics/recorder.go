// Package metrics provides observability hooks for the canceller and its
// surrounding daemon. Components receive a Recorder by injection and default
// to NoopRecorder, so metrics can be enabled by swapping implementations
// without code changes.
package metrics

// Recorder defines observability hooks for event handling and cancellation
// decisions. Implementations may forward to Prometheus, OpenTelemetry, etc.
// All methods must be safe on the NoopRecorder zero value.
type Recorder interface {
	// IncEventReceived counts consumed bus events by topic (changes,
	// buildrequests_new, buildrequests_complete).
	IncEventReceived(topic string)
	// IncCancellation counts issued cancel commands per builder.
	IncCancellation(builder string)
	// SetTrackedBuildRequests gauges the number of currently tracked requests.
	SetTrackedBuildRequests(n int)
	// IncResolveFailure counts build requests dropped because resolution failed.
	IncResolveFailure()
	// IncReconfig counts reconfiguration attempts by result (applied|rejected).
	IncReconfig(result string)
	// IncChangePublished counts change events emitted by change sources.
	IncChangePublished(source string)
}

// Event topic labels used with IncEventReceived.
const (
	TopicChanges               = "changes"
	TopicBuildRequestsNew      = "buildrequests_new"
	TopicBuildRequestsComplete = "buildrequests_complete"
)

// Reconfig result labels used with IncReconfig.
const (
	ReconfigApplied  = "applied"
	ReconfigRejected = "rejected"
)

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncEventReceived(string)      {}
func (NoopRecorder) IncCancellation(string)       {}
func (NoopRecorder) SetTrackedBuildRequests(int)  {}
func (NoopRecorder) IncResolveFailure()           {}
func (NoopRecorder) IncReconfig(string)           {}
func (NoopRecorder) IncChangePublished(string)    {}
