// Package store defines the boundary to the external realtime document
// store: a path-addressed tree with read-once, write/merge/remove, per-path
// change subscriptions, server-assigned timestamps, a connectivity feed and
// anonymous identity issuance. The co-op core only ever talks to this
// interface; backends live in the subpackages.
package store

import "context"

// serverTimestamp is the sentinel type behind ServerTimestamp.
type serverTimestamp struct{}

// ServerTimestamp is a write-time sentinel. Backends replace it with the
// store's current time in epoch millis when the write is applied.
var ServerTimestamp = serverTimestamp{}

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// Subscription is a handle to an active listener.
type Subscription interface {
	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe()
}

// SnapshotFunc receives the JSON-encoded subtree at the subscribed path
// after every change, or nil when the subtree is absent.
//
// Backends deliver callbacks asynchronously from a single dispatch
// goroutine: one callback completes before the next begins, and a write
// never invokes a callback synchronously on the writer's goroutine.
type SnapshotFunc func(data []byte)

// ConnFunc receives connectivity transitions of the underlying transport.
// Events are delivered asynchronously and carry no ordering guarantee
// relative to data callbacks.
type ConnFunc func(connected bool)

// Store is the realtime document store boundary.
type Store interface {
	// SignInAnonymously returns the opaque per-session identity, issuing
	// one on first call. Idempotent while the session lasts.
	SignInAnonymously(ctx context.Context) (string, error)

	// ReadOnce fetches the subtree at path. The second return is false
	// when the path is absent.
	ReadOnce(ctx context.Context, path string) ([]byte, bool, error)

	// Write replaces the subtree at path with value. Values may contain
	// ServerTimestamp sentinels at any nesting level.
	Write(ctx context.Context, path string, value any) error

	// Update merges fields into the map at path, creating it if needed.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Remove deletes the subtree at path. Removing an absent path is not
	// an error.
	Remove(ctx context.Context, path string) error

	// Subscribe listens for changes at or under path. The current value is
	// delivered once shortly after subscribing.
	Subscribe(path string, fn SnapshotFunc) (Subscription, error)

	// SubscribeConnectivity listens on the connectivity pseudo-path. The
	// current state is delivered once shortly after subscribing.
	SubscribeConnectivity(fn ConnFunc) (Subscription, error)
}
