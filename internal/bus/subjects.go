package bus

import (
	"fmt"
	"strconv"
	"strings"

	"git.home.luguber.info/inful/buildmaster/internal/sourcestamp"
)

// Subject layout: <collection>.<id>.<event>. The id token lets consumers
// subscribe to everything in a collection with a single wildcard while the
// bus keeps per-entity subjects addressable.
const (
	// ChangesNewWildcard matches all new change notifications.
	ChangesNewWildcard = "changes.*.new"
	// BuildRequestsNewWildcard matches all new build request notifications.
	BuildRequestsNewWildcard = "buildrequests.*.new"
	// BuildRequestsCompleteWildcard matches all build request completions.
	BuildRequestsCompleteWildcard = "buildrequests.*.complete"
	// BuildRequestsWildcard matches every build request event. Consumers that
	// need new and complete events in publish order subscribe to this and
	// dispatch on the event token, keeping a single delivery queue.
	BuildRequestsWildcard = "buildrequests.*.*"
)

// SubjectEvent extracts the event token from a <collection>.<id>.<event>
// subject.
func SubjectEvent(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("unexpected subject shape: %s", subject)
	}
	return parts[2], nil
}

// ChangeNewSubject returns the subject for a new change notification.
func ChangeNewSubject(changeID string) string {
	return fmt.Sprintf("changes.%s.new", changeID)
}

// BuildRequestNewSubject returns the subject for a new build request.
func BuildRequestNewSubject(id int64) string {
	return fmt.Sprintf("buildrequests.%d.new", id)
}

// BuildRequestCompleteSubject returns the subject for a completed build request.
func BuildRequestCompleteSubject(id int64) string {
	return fmt.Sprintf("buildrequests.%d.complete", id)
}

// BuildRequestCancelSubject returns the control subject commanding a cancel.
func BuildRequestCancelSubject(id int64) string {
	return fmt.Sprintf("buildrequests.%d.cancel", id)
}

// SubjectID extracts the id token from a <collection>.<id>.<event> subject.
func SubjectID(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("unexpected subject shape: %s", subject)
	}
	return parts[1], nil
}

// ChangePayload is the body of changes.<id>.new messages. The attribute set
// mirrors a source stamp, which is what the canceller consumes.
type ChangePayload struct {
	ChangeID   string  `json:"changeid"`
	Project    string  `json:"project"`
	Codebase   string  `json:"codebase"`
	Repository string  `json:"repository"`
	Branch     *string `json:"branch"`
	Revision   string  `json:"revision,omitempty"`
}

// Attrs converts the change payload to source stamp attributes.
func (p ChangePayload) Attrs() sourcestamp.Attrs {
	return sourcestamp.Attrs{
		Project:    p.Project,
		Codebase:   p.Codebase,
		Repository: p.Repository,
		Branch:     p.Branch,
	}
}

// BuildRequestPayload is the body of buildrequests.<id>.new and .complete
// messages. Details beyond the id are resolved through the data layer.
type BuildRequestPayload struct {
	BuildRequestID int64 `json:"buildrequestid"`
}

// CancelPayload is the body of buildrequests.<id>.cancel control messages.
type CancelPayload struct {
	Reason string `json:"reason"`
}

// matchSubject implements NATS-style subject matching: '*' matches exactly
// one token, '>' matches one or more trailing tokens.
func matchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// parseID converts a subject id token to an int64 entity id.
func parseID(token string) (int64, error) {
	id, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("subject id %q is not numeric: %w", token, err)
	}
	return id, nil
}

// BuildRequestIDFromSubject extracts the build request id from a
// buildrequests.<id>.<event> subject.
func BuildRequestIDFromSubject(subject string) (int64, error) {
	token, err := SubjectID(subject)
	if err != nil {
		return 0, err
	}
	return parseID(token)
}
