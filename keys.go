package rill

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zoobzio/capitan"
)

// Key is an opaque query identity. Invalidating a key refetches every watcher
// whose key starts with it, so Key{"tasks"} covers Key{"tasks", "open"}.
type Key []string

// KeyFor returns the key a LiveQuery over collection always watches.
func KeyFor(collection string, parts ...string) Key {
	return append(Key{collection}, parts...)
}

// HasPrefix reports whether prefix is a leading subsequence of k.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// String renders the key for logs.
func (k Key) String() string {
	return "[" + strings.Join(k, ",") + "]"
}

// Live is the capability shared by LiveQuery and Result: a value that can be
// fetched, refetched, observed, and torn down.
type Live interface {
	Start(ctx context.Context) error
	Refetch(ctx context.Context) error
	Updates() <-chan struct{}
	Keys() []Key
	Close() error
}

// registry tracks live watchers for key invalidation.
type registry struct {
	mu       sync.RWMutex
	watchers map[uint64]Live
	nextID   atomic.Uint64
}

func newRegistry() *registry {
	return &registry{watchers: make(map[uint64]Live)}
}

func (r *registry) add(l Live) uint64 {
	id := r.nextID.Add(1)
	r.mu.Lock()
	r.watchers[id] = l
	r.mu.Unlock()
	return id
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.watchers, id)
	r.mu.Unlock()
}

// match returns the watchers holding a key prefixed by any of keys.
func (r *registry) match(keys []Key) []Live {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Live
	for _, l := range r.watchers {
		if watches(l.Keys(), keys) {
			out = append(out, l)
		}
	}
	return out
}

func watches(held, invalidated []Key) bool {
	for _, h := range held {
		for _, k := range invalidated {
			if h.HasPrefix(k) {
				return true
			}
		}
	}
	return false
}

func emitInvalidated(ctx context.Context, k Key, refetched int) {
	capitan.Info(ctx, KeysInvalidated,
		KeyKey.Field(k.String()),
		RowsAffectedKey.Field(int64(refetched)),
	)
}
