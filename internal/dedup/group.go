// Package dedup collapses concurrent reads of the same key into one producer call.
package dedup

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Producer performs the underlying fetch for a key
type Producer func(ctx context.Context) (interface{}, error)

// Group is a registry of in-flight calls keyed by cache key.
// A key is registered before the producer starts and removed before its waiters are released.
type Group struct {
	mu      sync.Mutex
	flights *singleflight.Group
	pending map[string]int
	onJoin  func(key string)
}

// New creates an empty Group
func New() *Group {
	return &Group{
		flights: &singleflight.Group{},
		pending: make(map[string]int),
		onJoin:  func(string) {},
	}
}

// SetOnJoin registers a callback fired when a caller joined an existing flight
func (g *Group) SetOnJoin(fn func(key string)) {
	if fn == nil {
		fn = func(string) {}
	}
	g.mu.Lock()
	g.onJoin = fn
	g.mu.Unlock()
}

// Do returns the result of the in-flight call for key, starting one with producer if none exists.
// joined is true when this caller did not start the call. The producer is not cancelled when
// one waiter's ctx is; that waiter just stops waiting.
func (g *Group) Do(ctx context.Context, key string, producer Producer) (v interface{}, joined bool, err error) {
	g.mu.Lock()
	flights := g.flights
	onJoin := g.onJoin
	g.mu.Unlock()

	started := false
	detached := context.WithoutCancel(ctx)
	ch := flights.DoChan(key, func() (interface{}, error) {
		started = true
		return producer(detached)
	})

	g.mu.Lock()
	g.pending[key]++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.pending[key]--; g.pending[key] <= 0 {
			delete(g.pending, key)
		}
		g.mu.Unlock()
	}()

	select {
	case r := <-ch:
		joined = !started
		if joined {
			onJoin(key)
		}
		return r.Val, joined, r.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Pending returns how many callers are currently waiting on key
func (g *Group) Pending(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending[key]
}

// Forget drops the in-flight registration of key so the next caller starts a fresh call
func (g *Group) Forget(key string) {
	g.mu.Lock()
	flights := g.flights
	g.mu.Unlock()
	flights.Forget(key)
}

// ForgetFunc forgets every key with waiters for which match returns true
func (g *Group) ForgetFunc(match func(key string) bool) int {
	g.mu.Lock()
	flights := g.flights
	var keys []string
	for key := range g.pending {
		if match(key) {
			keys = append(keys, key)
		}
	}
	g.mu.Unlock()

	for _, key := range keys {
		flights.Forget(key)
	}
	return len(keys)
}

// Reset drops every registration. Calls already running still deliver to their waiters.
func (g *Group) Reset() {
	g.mu.Lock()
	g.flights = &singleflight.Group{}
	g.mu.Unlock()
}

// Do is the typed form of Group.Do
func Do[T any](ctx context.Context, g *Group, key string, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	v, joined, err := g.Do(ctx, key, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, joined, err
	}
	t, _ := v.(T)
	return t, joined, nil
}
