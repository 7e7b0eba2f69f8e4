// Package memstore is an in-process implementation of the store boundary.
// It backs the test suite and single-process runs: a nested document tree
// with ordered asynchronous subscription dispatch, an injectable clock for
// server timestamps, and controls to script connectivity transitions.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mkarlsen/cotimer/internal/store"
)

// Store is an in-memory realtime document store.
type Store struct {
	clock clockwork.Clock

	mu       sync.Mutex
	root     map[string]any
	online   bool
	identity string
	nextID   int
	subs     map[int]*subscription
	connSubs map[int]store.ConnFunc

	queue     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

var _ store.Store = (*Store)(nil)

// New returns an empty store. The clock supplies server timestamps.
func New(clock clockwork.Clock) *Store {
	s := &Store{
		clock:    clock,
		root:     make(map[string]any),
		online:   true,
		subs:     make(map[int]*subscription),
		connSubs: make(map[int]store.ConnFunc),
		// Large buffer: a callback that blocks on a lock held by a
		// writer must not deadlock the writer's enqueue.
		queue: make(chan func(), 1024),
		done:  make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Close stops the dispatch goroutine. Pending callbacks are dropped.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Store) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.queue:
			fn()
		}
	}
}

func (s *Store) enqueue(fn func()) {
	select {
	case s.queue <- fn:
	case <-s.done:
	}
}

// SignInAnonymously issues a per-session identity on first call and returns
// the same identity afterwards.
func (s *Store) SignInAnonymously(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == "" {
		s.identity = uuid.NewString()
	}
	return s.identity, nil
}

// ResetIdentity forgets the current identity so the next sign-in issues a
// fresh one. Test control simulating a new auth session.
func (s *Store) ResetIdentity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = ""
}

// SetOnline scripts a connectivity transition. Test control.
func (s *Store) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return
	}
	s.online = online
	for _, fn := range s.connSubs {
		fn := fn
		s.enqueue(func() { fn(online) })
	}
}

// ReadOnce fetches the subtree at path.
func (s *Store) ReadOnce(ctx context.Context, path string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.getNode(store.SplitPath(path))
	if !ok {
		return nil, false, nil
	}
	data, err := json.Marshal(node)
	if err != nil {
		return nil, false, fmt.Errorf("marshal %s: %w", path, err)
	}
	return data, true, nil
}

// Write replaces the subtree at path.
func (s *Store) Write(ctx context.Context, path string, value any) error {
	norm, err := s.normalize(value)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setNode(store.SplitPath(path), norm)
	s.notifyLocked(path)
	return nil
}

// Update merges fields into the map at path.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := store.SplitPath(path)
	node, ok := s.getNode(parts)
	target, isMap := node.(map[string]any)
	if !ok || !isMap {
		target = make(map[string]any)
		s.setNode(parts, target)
	}
	for k, v := range fields {
		norm, err := s.normalize(v)
		if err != nil {
			return fmt.Errorf("update %s: %w", path, err)
		}
		target[k] = norm
	}
	s.notifyLocked(path)
	return nil
}

// Remove deletes the subtree at path, pruning emptied parents.
func (s *Store) Remove(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := store.SplitPath(path)
	if _, ok := s.getNode(parts); !ok {
		return nil
	}
	s.removeNode(parts)
	s.notifyLocked(path)
	return nil
}

// Subscribe listens at path; the current value is delivered asynchronously
// right away.
func (s *Store) Subscribe(path string, fn store.SnapshotFunc) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sub := &subscription{s: s, id: s.nextID, path: path, fn: fn}
	s.subs[sub.id] = sub
	data := s.snapshotLocked(path)
	s.enqueue(func() { fn(data) })
	return sub, nil
}

// SubscribeConnectivity listens on the connectivity pseudo-path.
func (s *Store) SubscribeConnectivity(fn store.ConnFunc) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.connSubs[id] = fn
	online := s.online
	s.enqueue(func() { fn(online) })
	return &connSubscription{s: s, id: id}, nil
}

type subscription struct {
	s    *Store
	id   int
	path string
	fn   store.SnapshotFunc
	once sync.Once
}

func (sub *subscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.s.mu.Lock()
		defer sub.s.mu.Unlock()
		delete(sub.s.subs, sub.id)
	})
}

type connSubscription struct {
	s    *Store
	id   int
	once sync.Once
}

func (sub *connSubscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.s.mu.Lock()
		defer sub.s.mu.Unlock()
		delete(sub.s.connSubs, sub.id)
	})
}

// notifyLocked enqueues a snapshot delivery for every subscription whose
// path overlaps the changed path. Snapshots are captured at enqueue time so
// subscribers observe writes in order.
func (s *Store) notifyLocked(changed string) {
	for _, sub := range s.subs {
		if !store.Overlaps(sub.path, changed) {
			continue
		}
		fn := sub.fn
		data := s.snapshotLocked(sub.path)
		s.enqueue(func() { fn(data) })
	}
}

func (s *Store) snapshotLocked(path string) []byte {
	node, ok := s.getNode(store.SplitPath(path))
	if !ok {
		return nil
	}
	data, err := json.Marshal(node)
	if err != nil {
		return nil
	}
	return data
}

func (s *Store) getNode(parts []string) (any, bool) {
	var node any = s.root
	for _, p := range parts {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

func (s *Store) setNode(parts []string, value any) {
	if len(parts) == 0 {
		if m, ok := value.(map[string]any); ok {
			s.root = m
		}
		return
	}
	m := s.root
	for _, p := range parts[:len(parts)-1] {
		child, ok := m[p].(map[string]any)
		if !ok {
			child = make(map[string]any)
			m[p] = child
		}
		m = child
	}
	m[parts[len(parts)-1]] = value
}

func (s *Store) removeNode(parts []string) {
	if len(parts) == 0 {
		s.root = make(map[string]any)
		return
	}
	parents := make([]map[string]any, 0, len(parts))
	m := s.root
	for _, p := range parts[:len(parts)-1] {
		parents = append(parents, m)
		child, ok := m[p].(map[string]any)
		if !ok {
			return
		}
		m = child
	}
	parents = append(parents, m)
	delete(m, parts[len(parts)-1])
	// Prune emptied parents so an empty subtree reads as absent.
	for i := len(parents) - 1; i > 0; i-- {
		if len(parents[i]) != 0 {
			break
		}
		delete(parents[i-1], parts[i-1])
	}
}

// normalize resolves ServerTimestamp sentinels against the clock and
// round-trips the value through JSON so the tree only holds plain
// map/slice/scalar nodes.
func (s *Store) normalize(value any) (any, error) {
	resolved := s.resolve(value)
	data, err := json.Marshal(resolved)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) resolve(value any) any {
	if store.IsServerTimestamp(value) {
		return s.clock.Now().UnixMilli()
	}
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = s.resolve(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = s.resolve(e)
		}
		return out
	default:
		return value
	}
}
