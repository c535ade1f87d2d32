// Package data is the resolution layer between bus events and the build
// request database: given a build request id it supplies the builder name and
// the source stamps the request was created from.
package data

import (
	"context"
	"errors"

	"git.home.luguber.info/inful/buildmaster/internal/sourcestamp"
)

// ErrNotFound is returned when a build request id is unknown.
var ErrNotFound = errors.New("build request not found")

// BuildRequest is the resolved view of a pending or finished build request.
type BuildRequest struct {
	ID           int64
	Builder      string
	Complete     bool
	SourceStamps []sourcestamp.Attrs
}

// Resolver resolves build request details for the canceller. Implementations
// may block; callers run on a sequential consumer queue and rely on that.
type Resolver interface {
	// BuildRequest returns the request with the given id, or ErrNotFound.
	BuildRequest(ctx context.Context, id int64) (*BuildRequest, error)

	// PendingBuildRequests returns all requests that have not completed, in
	// id order. Used to seed a fresh tracker at startup and reconfiguration.
	PendingBuildRequests(ctx context.Context) ([]*BuildRequest, error)
}
