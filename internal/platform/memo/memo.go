// Package memo provides memoization scoped to a single request. A Scope must
// be created per invocation and dropped with it; it is never shared across
// requests, so entity snapshots are always read fresh for each request.
package memo

import (
	"encoding/json"
	"sync"
)

type entry struct {
	done chan struct{}
	val  any
	err  error
}

// Scope caches function results keyed by operation name and serialized
// arguments. It is safe for concurrent use by goroutines serving the same
// request.
type Scope struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewScope returns an empty Scope.
func NewScope() *Scope {
	return &Scope{entries: make(map[string]*entry)}
}

// Key builds the cache key for an operation and its arguments.
func Key(op string, args any) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return op + ":" + string(b), nil
}

// Do returns the memoized result of fn for (op, args), calling fn at most
// once per Scope while it succeeds. Concurrent callers with the same key wait
// for the first call. Errors are returned to every waiter but not retained,
// so a later call retries. A nil Scope disables memoization.
func Do[T any](s *Scope, op string, args any, fn func() (T, error)) (T, error) {
	if s == nil {
		return fn()
	}
	key, err := Key(op, args)
	if err != nil {
		return fn()
	}

	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		s.mu.Unlock()
		<-e.done
		v, _ := e.val.(T)
		return v, e.err
	}
	e := &entry{done: make(chan struct{})}
	s.entries[key] = e
	s.mu.Unlock()

	defer func() {
		if e.err != nil {
			s.mu.Lock()
			delete(s.entries, key)
			s.mu.Unlock()
		}
		close(e.done)
	}()

	v, err := fn()
	e.val, e.err = v, err
	return v, err
}

// Put seeds the Scope with a known result for (op, args). Bulk loaders use it
// to make single-record lookups hit the cache. Existing entries are kept.
func Put[T any](s *Scope, op string, args any, v T) {
	if s == nil {
		return
	}
	key, err := Key(op, args)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return
	}
	e := &entry{done: make(chan struct{}), val: v}
	close(e.done)
	s.entries[key] = e
}

// Len reports the number of cached entries.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
