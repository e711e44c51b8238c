package sharedcache

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// InflightGroup ensures only one concurrent fetch exists per key: two
// callers racing on the same key share the first caller's result (value
// or error) rather than issuing duplicate remote requests. It wraps
// golang.org/x/sync/singleflight, which already guarantees the owning
// entry is deleted once the call completes and that an error is
// delivered to every waiter rather than leaking as an unretrieved
// exception.
type InflightGroup struct {
	g singleflight.Group
}

// NewInflightGroup returns an empty group. One instance should be shared
// per remote service (arXiv, OpenAlex, author-search) across the
// process.
func NewInflightGroup() *InflightGroup {
	return &InflightGroup{}
}

// RunWithInflightDedupe executes fetch for key if no call for that key is
// already in flight, otherwise waits for and returns the in-flight
// call's result. fetch is never invoked more than once concurrently per
// key.
func (g *InflightGroup) RunWithInflightDedupe(ctx context.Context, key string, fetch func(ctx context.Context) (any, error)) (any, error) {
	v, err, _ := g.g.Do(key, func() (any, error) {
		return fetch(ctx)
	})
	return v, err
}
