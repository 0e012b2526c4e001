// Package registry implements the process-wide, reference-counted,
// weak-valued registry described in spec §9's redesign note for the
// "garbage-collected connection registry": a map from key to Weak<T> plus
// an explicit acquire(key) -> StrongHandle. Duplicate acquisitions of the
// same key return the same instance while at least one handle survives;
// once the last handle releases, the caller-supplied close function runs
// and the entry is dropped.
//
// It is written generically (over T, typically *connection.Connection)
// so the connection package can depend on it without registry needing to
// know anything about connections, mirroring how the teacher's connmgr
// wraps a single lazily-dialed *conn.Conn but generalized to many keys.
package registry

import (
	"sync"
	"sync/atomic"
	"weak"
)

// Registry deduplicates instances of T by a string key.
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
	closeFn func(*T)
}

type entry[T any] struct {
	weak     weak.Pointer[T]
	strong   *T // non-nil only while refcount > 0
	refcount int
}

// New returns an empty registry. closeFn, if non-nil, is invoked with the
// value once the last Handle referencing it is released.
func New[T any](closeFn func(*T)) *Registry[T] {
	return &Registry[T]{entries: make(map[string]*entry[T]), closeFn: closeFn}
}

// Handle is a strong, ref-counted reference into the registry. The value
// stays alive at least as long as any Handle obtained for its key is
// unreleased.
type Handle[T any] struct {
	reg      *Registry[T]
	key      string
	value    *T
	released atomic.Bool
}

// Value returns the held instance.
func (h *Handle[T]) Value() *T { return h.value }

// Release drops this reference. Once the last outstanding Handle for a key
// is released, the registry's close function runs and the entry is
// removed. Release is idempotent.
func (h *Handle[T]) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.reg.release(h.key)
	}
}

// Acquire returns a Handle for key, reusing the instance while another
// Handle for key is still outstanding, or else calling factory to build a
// new one. Once the last Handle for key has been released the entry is
// gone, so a later Acquire always builds a fresh instance. factory is expected to
// do only cheap, synchronous setup; any slow work (dialing, handshaking)
// belongs in a goroutine the returned value starts itself.
func (r *Registry[T]) Acquire(key string, factory func() (*T, error)) (*Handle[T], error) {
	if h := r.tryReuse(key); h != nil {
		return h, nil
	}

	v, err := factory()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok && e.refcount > 0 {
		// Lost the race: another Acquire finished first. Discard ours.
		if r.closeFn != nil {
			r.closeFn(v)
		}
		e.refcount++
		return &Handle[T]{reg: r, key: key, value: e.strong}, nil
	}

	e := &entry[T]{weak: weak.Make(v), strong: v, refcount: 1}
	r.entries[key] = e
	return &Handle[T]{reg: r, key: key, value: v}, nil
}

func (r *Registry[T]) tryReuse(key string) *Handle[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	if e.refcount > 0 {
		e.refcount++
		return &Handle[T]{reg: r, key: key, value: e.strong}
	}
	if v := e.weak.Value(); v != nil {
		e.strong = v
		e.refcount = 1
		return &Handle[T]{reg: r, key: key, value: v}
	}
	delete(r.entries, key) // stale: target was already collected
	return nil
}

func (r *Registry[T]) release(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refcount--
	if e.refcount > 0 {
		r.mu.Unlock()
		return
	}
	v := e.strong
	e.strong = nil
	delete(r.entries, key)
	r.mu.Unlock()

	if r.closeFn != nil && v != nil {
		r.closeFn(v)
	}
}

// Len reports the number of distinct keys currently tracked, that is,
// keys with at least one outstanding Handle.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
