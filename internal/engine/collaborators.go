package engine

import (
	"context"

	"stagehand/internal/actor"
)

// The collaborators below run outside this module. The engine only
// defines the contracts their implementations satisfy; the external
// reconciler wires them together and posts the resulting conditions
// back through the Mark* operations.

// SourceFetcher clones the tree identified by a source locator at an
// exact commit and returns the local checkout directory.
type SourceFetcher interface {
	Fetch(ctx context.Context, url, commit string) (dir string, err error)
}

// ImageBuilder turns an actor revision into a pushed container image,
// via the spec's Dockerfile or a buildpack builder, and returns the
// image reference it produced.
type ImageBuilder interface {
	Build(ctx context.Context, a actor.Actor) (imageRef string, err error)
}

// Deployer turns the actor's container and service port lists into a
// running workload.
type Deployer interface {
	Deploy(ctx context.Context, a actor.Actor) error
	Teardown(ctx context.Context, a actor.Actor) error
}
