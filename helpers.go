package linkage

import (
	"context"

	"github.com/zoobzio/pipz"
)

// Do creates a Run processor from a function that can fail.
//
// Example:
//
//	tag := linkage.Do("tag", func(ctx context.Context, r *linkage.Run) (*linkage.Run, error) {
//	    r.Pending = r.Pending[:1]
//	    return r, nil
//	})
func Do(name string, fn func(context.Context, *Run) (*Run, error)) pipz.Processor[*Run] {
	return pipz.Apply(pipz.NewIdentity(name, "Runs a custom step over a request"), fn)
}

// Sequence runs processors in order, stopping at the first error.
//
// Example:
//
//	pass := linkage.Sequence("attempt", planning, retrieval, disambiguation)
func Sequence(name string, processors ...pipz.Chainable[*Run]) *pipz.Sequence[*Run] {
	return pipz.NewSequence(pipz.NewIdentity(name, "Runs steps in order"), processors...)
}
