// Package room holds the co-op room data model and the pure functions over
// it: room codes, presence records, elapsed-time math, goal aggregation and
// host election. Everything here is side-effect free; the session package
// owns all store IO.
package room

// RootPath is the store path under which all rooms live.
const RootPath = "rooms"

// Presence is a participant's serialized timer state within a room. It is
// keyed by an opaque store-issued identity and mutated only by its owning
// client.
//
// Invariant: TimerRunning=false implies StartedAt=nil, and TimerPaused=true
// while running also implies StartedAt=nil, so paused time never accrues.
type Presence struct {
	Name         string `json:"name"`
	TimerRunning bool   `json:"timerRunning"`
	TimerPaused  bool   `json:"timerPaused"`
	BaseSeconds  int64  `json:"baseSeconds"`
	// StartedAt is epoch millis of the writer's local clock, nil while the
	// record is not actively accumulating.
	StartedAt *int64 `json:"startedAt"`
	// The three server timestamps below are epoch millis assigned by the
	// store at write time.
	LastUpdate int64 `json:"lastUpdate"`
	JoinedAt   int64 `json:"joinedAt"`
	LastSeen   int64 `json:"lastSeen"`
}

// Metadata is the per-room document header. Permanent rooms are exempt from
// automatic cleanup.
type Metadata struct {
	Permanent bool  `json:"permanent"`
	CreatedAt int64 `json:"createdAt"`
}

// Room is the full room document as stored under rooms/{code}. A room with
// zero users is semantically deleted.
type Room struct {
	Metadata Metadata            `json:"metadata"`
	Goal     *int64              `json:"goal,omitempty"`
	Users    map[string]Presence `json:"users,omitempty"`
}

// Path returns the store path of a room document.
func Path(code string) string {
	return RootPath + "/" + code
}

// MetadataPath returns the store path of a room's metadata.
func MetadataPath(code string) string {
	return Path(code) + "/metadata"
}

// GoalPath returns the store path of a room's goal field.
func GoalPath(code string) string {
	return Path(code) + "/goal"
}

// UsersPath returns the store path of a room's user map.
func UsersPath(code string) string {
	return Path(code) + "/users"
}

// UserPath returns the store path of one user's presence record.
func UserPath(code, userID string) string {
	return UsersPath(code) + "/" + userID
}
