// Package natskv implements the store boundary on NATS JetStream KV. Each
// room document is one KV entry; subpath writes are CAS read-modify-write
// against the entry revision, subscriptions ride KV watchers, and the NATS
// connection handlers feed the connectivity pseudo-path.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mkarlsen/cotimer/internal/store"
)

const roomsRoot = "rooms"

// casAttempts bounds the read-modify-write retry loop on revision conflicts.
const casAttempts = 5

// Config holds NATS connection and bucket settings.
type Config struct {
	URL           string
	Bucket        string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns the default NATS KV configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Bucket:        "cotimer_rooms",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Store is a NATS JetStream KV-backed realtime document store.
type Store struct {
	nc *nats.Conn
	kv jetstream.KeyValue

	mu       sync.Mutex
	identity string
	nextID   int
	connSubs map[int]store.ConnFunc

	queue     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

var _ store.Store = (*Store)(nil)

// New connects to NATS and ensures the KV bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	s := &Store{
		connSubs: make(map[int]store.ConnFunc),
		queue:    make(chan func(), 1024),
		done:     make(chan struct{}),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
			s.fanoutConnectivity(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			s.fanoutConnectivity(true)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "co-op room documents",
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure KV bucket %s: %w", cfg.Bucket, err)
	}

	s.nc = nc
	s.kv = kv
	go s.dispatch()
	return s, nil
}

// Close drains callbacks and closes the NATS connection.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.nc.Close()
	})
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

func (s *Store) fanoutConnectivity(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fn := range s.connSubs {
		fn := fn
		s.enqueue(func() { fn(connected) })
	}
}

// SignInAnonymously issues a per-process identity on first call. Identities
// are not persisted across restarts, matching the per-session semantics of
// the boundary.
func (s *Store) SignInAnonymously(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == "" {
		s.identity = uuid.NewString()
	}
	return s.identity, nil
}

// roomKey maps a document path onto a KV key plus the remaining segments
// inside the room document. An empty key means the rooms root itself.
func roomKey(path string) (key string, rest []string, err error) {
	parts := store.SplitPath(path)
	if len(parts) == 0 || parts[0] != roomsRoot {
		return "", nil, fmt.Errorf("unsupported path %q: must start with %s/", path, roomsRoot)
	}
	if len(parts) == 1 {
		return "", nil, nil
	}
	return roomsRoot + "." + parts[1], parts[2:], nil
}

// ReadOnce fetches the subtree at path.
func (s *Store) ReadOnce(ctx context.Context, path string) ([]byte, bool, error) {
	key, rest, err := roomKey(path)
	if err != nil {
		return nil, false, err
	}
	if key == "" {
		return s.readAllRooms(ctx)
	}

	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}

	var doc any
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	node, ok := getAt(doc, rest)
	if !ok {
		return nil, false, nil
	}
	data, err := json.Marshal(node)
	if err != nil {
		return nil, false, fmt.Errorf("marshal %s: %w", path, err)
	}
	return data, true, nil
}

func (s *Store) readAllRooms(ctx context.Context) ([]byte, bool, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("list rooms: %w", err)
	}
	rooms := make(map[string]any)
	for key := range lister.Keys() {
		code, ok := strings.CutPrefix(key, roomsRoot+".")
		if !ok {
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("read room %s: %w", code, err)
		}
		var doc any
		if err := json.Unmarshal(entry.Value(), &doc); err != nil {
			return nil, false, fmt.Errorf("decode room %s: %w", code, err)
		}
		rooms[code] = doc
	}
	if len(rooms) == 0 {
		return nil, false, nil
	}
	data, err := json.Marshal(rooms)
	if err != nil {
		return nil, false, fmt.Errorf("marshal rooms: %w", err)
	}
	return data, true, nil
}

// Write replaces the subtree at path.
func (s *Store) Write(ctx context.Context, path string, value any) error {
	return s.modify(ctx, path, func(doc any, rest []string) (any, error) {
		return setAt(doc, rest, resolveTimestamps(value)), nil
	})
}

// Update merges fields into the map at path.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	return s.modify(ctx, path, func(doc any, rest []string) (any, error) {
		node, _ := getAt(doc, rest)
		target, ok := node.(map[string]any)
		if !ok {
			target = make(map[string]any)
		}
		for k, v := range fields {
			target[k] = resolveTimestamps(v)
		}
		return setAt(doc, rest, target), nil
	})
}

// Remove deletes the subtree at path.
func (s *Store) Remove(ctx context.Context, path string) error {
	key, rest, err := roomKey(path)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("remove at rooms root not supported")
	}
	if len(rest) == 0 {
		if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		return nil
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		var doc any
		if err := json.Unmarshal(entry.Value(), &doc); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		doc = removeAt(doc, rest)
		if m, ok := doc.(map[string]any); ok && len(m) == 0 {
			if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
				return fmt.Errorf("remove %s: %w", path, err)
			}
			return nil
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		if _, err := s.kv.Update(ctx, key, data, entry.Revision()); err == nil {
			return nil
		}
		// Revision conflict: another client touched the room. Retry.
	}
	return fmt.Errorf("remove %s: too many CAS conflicts", path)
}

// modify runs a CAS read-modify-write cycle on the room document.
func (s *Store) modify(ctx context.Context, path string, apply func(doc any, rest []string) (any, error)) error {
	key, rest, err := roomKey(path)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("mutation at rooms root not supported")
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		entry, err := s.kv.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			doc, applyErr := apply(map[string]any{}, rest)
			if applyErr != nil {
				return applyErr
			}
			data, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", path, err)
			}
			if _, err := s.kv.Create(ctx, key, data); err == nil {
				return nil
			} else if !errors.Is(err, jetstream.ErrKeyExists) {
				return fmt.Errorf("create %s: %w", path, err)
			}
			// Lost the create race. Retry against the winner's revision.
		case err != nil:
			return fmt.Errorf("read %s: %w", path, err)
		default:
			var doc any
			if err := json.Unmarshal(entry.Value(), &doc); err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
			doc, applyErr := apply(doc, rest)
			if applyErr != nil {
				return applyErr
			}
			data, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", path, err)
			}
			if _, err := s.kv.Update(ctx, key, data, entry.Revision()); err == nil {
				return nil
			}
			// Revision conflict. Retry.
		}
	}
	return fmt.Errorf("write %s: too many CAS conflicts", path)
}

// Subscribe watches the room document behind path and delivers the subtree
// on every change.
func (s *Store) Subscribe(path string, fn store.SnapshotFunc) (store.Subscription, error) {
	key, rest, err := roomKey(path)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("subscribe at rooms root not supported")
	}

	ctx, cancel := context.WithCancel(context.Background())
	watcher, err := s.kv.Watch(ctx, key)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		delivered := false
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// End of initial replay. If the key was absent we
					// still owe the subscriber an initial snapshot.
					if !delivered {
						delivered = true
						s.enqueue(func() { fn(nil) })
					}
					continue
				}
				delivered = true
				data := extractSubtree(entry, rest)
				s.enqueue(func() { fn(data) })
			}
		}
	}()

	return &watchSubscription{cancel: cancel, watcher: watcher}, nil
}

func extractSubtree(entry jetstream.KeyValueEntry, rest []string) []byte {
	if entry.Operation() != jetstream.KeyValuePut {
		return nil
	}
	var doc any
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		log.Error().Err(err).Str("key", entry.Key()).Msg("corrupt room document")
		return nil
	}
	node, ok := getAt(doc, rest)
	if !ok {
		return nil
	}
	data, err := json.Marshal(node)
	if err != nil {
		return nil
	}
	return data
}

type watchSubscription struct {
	cancel  context.CancelFunc
	watcher jetstream.KeyWatcher
	once    sync.Once
}

func (w *watchSubscription) Unsubscribe() {
	w.once.Do(func() {
		w.cancel()
		_ = w.watcher.Stop()
	})
}

// SubscribeConnectivity listens on the NATS connection state.
func (s *Store) SubscribeConnectivity(fn store.ConnFunc) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.connSubs[id] = fn
	connected := s.nc.IsConnected()
	s.enqueue(func() { fn(connected) })
	return &connSubscription{s: s, id: id}, nil
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

// resolveTimestamps replaces ServerTimestamp sentinels with the current
// time. KV has no server-side sentinel, so the timestamp is stamped at
// write commit by this client; the fields it feeds (lastUpdate, joinedAt,
// lastSeen) only need ordering and liveness, not cross-client precision.
func resolveTimestamps(value any) any {
	if store.IsServerTimestamp(value) {
		return time.Now().UnixMilli()
	}
	if m, ok := value.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = resolveTimestamps(v)
		}
		return out
	}
	return value
}

func getAt(doc any, parts []string) (any, bool) {
	node := doc
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

// setAt returns doc with the subtree at parts replaced by value, creating
// intermediate maps as needed.
func setAt(doc any, parts []string, value any) any {
	if len(parts) == 0 {
		return value
	}
	m, ok := doc.(map[string]any)
	if !ok {
		m = make(map[string]any)
	}
	child := m[parts[0]]
	m[parts[0]] = setAt(child, parts[1:], value)
	return m
}

// removeAt returns doc with the subtree at parts deleted, pruning emptied
// maps.
func removeAt(doc any, parts []string) any {
	m, ok := doc.(map[string]any)
	if !ok {
		return doc
	}
	if len(parts) == 1 {
		delete(m, parts[0])
		return m
	}
	child, ok := m[parts[0]]
	if !ok {
		return m
	}
	next := removeAt(child, parts[1:])
	if cm, ok := next.(map[string]any); ok && len(cm) == 0 {
		delete(m, parts[0])
	} else {
		m[parts[0]] = next
	}
	return m
}
