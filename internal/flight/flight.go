// Package flight coordinates concurrent fetches so that at most one call per
// key runs at a time and every caller waiting on that key observes the same
// outcome.
package flight

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Group deduplicates calls by key. The zero value is ready to use.
//
// Bookkeeping for a key is dropped under the group's lock in the same step
// that hands the result to the waiters, so a caller arriving after completion
// always starts a fresh call instead of attaching to a finished one.
type Group[V any] struct {
	sf       singleflight.Group
	inflight atomic.Int64
}

// Do runs fn for key unless a call for key is already running, in which case
// the caller joins it. cb is invoked exactly once, on its own goroutine, with
// the shared result. Results are not retained after delivery.
func (g *Group[V]) Do(key string, fn func() (V, error), cb func(v V, err error)) {
	ch := g.sf.DoChan(key, func() (any, error) {
		g.inflight.Add(1)
		defer g.inflight.Add(-1)
		return g.call(fn)
	})

	go func() {
		res := <-ch
		var v V
		if res.Val != nil {
			v = res.Val.(V)
		}
		cb(v, res.Err)
	}()
}

// Wait is the blocking form of Do. shared reports whether the result was
// delivered to more than one caller.
func (g *Group[V]) Wait(key string, fn func() (V, error)) (v V, err error, shared bool) {
	res, err, shared := g.sf.Do(key, func() (any, error) {
		g.inflight.Add(1)
		defer g.inflight.Add(-1)
		return g.call(fn)
	})
	if res != nil {
		v = res.(V)
	}
	return v, err, shared
}

// InFlight is the number of keys with a running call.
func (g *Group[V]) InFlight() int {
	return int(g.inflight.Load())
}

// call converts a panic in fn into an error so a single bad payload cannot
// take down every waiter's goroutine.
func (g *Group[V]) call(fn func() (V, error)) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			val = nil
			err = fmt.Errorf("flight: call panicked: %v", r)
		}
	}()

	v, err := fn()
	if err != nil {
		return nil, err
	}
	return v, nil
}
