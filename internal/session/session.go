// Package session implements the co-op session core: room lifecycle, live
// presence, timer-state replication, goal management and reconnection on top
// of the store boundary. A single Manager owns all session state; its
// operations and store callbacks are serialized by one mutex, so every
// handler observes and mutates a consistent snapshot.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mkarlsen/cotimer/internal/room"
	"github.com/mkarlsen/cotimer/internal/store"
)

// State is the session lifecycle phase.
type State int

const (
	// StateDisconnected means no room session is active.
	StateDisconnected State = iota
	// StateInitializing means a create, join or resume is in flight.
	StateInitializing
	// StateConnected means the session is live in a room.
	StateConnected
	// StateReconnecting means connectivity returned and the session is
	// re-establishing its presence.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its string form for UI clients.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v {
	case "disconnected":
		*s = StateDisconnected
	case "initializing":
		*s = StateInitializing
	case "connected":
		*s = StateConnected
	case "reconnecting":
		*s = StateReconnecting
	default:
		return fmt.Errorf("unknown session state %q", v)
	}
	return nil
}

// TimerState is the local timer as reported by the caller.
type TimerState struct {
	Seconds int64 `json:"seconds"`
	Running bool  `json:"running"`
	Paused  bool  `json:"paused"`
}

// Config tunes the session intervals.
type Config struct {
	// HeartbeatInterval is how often lastSeen is refreshed while connected.
	HeartbeatInterval time.Duration
	// MinUpdateInterval is the minimum spacing between presence writes
	// caused by timer transitions. A transition inside the window is
	// buffered and flushed when the window opens.
	MinUpdateInterval time.Duration
	// TickInterval is how often Run republishes a snapshot so watchers see
	// elapsed time advance.
	TickInterval time.Duration
}

// DefaultConfig returns the production intervals.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		MinUpdateInterval: 10 * time.Second,
		TickInterval:      time.Second,
	}
}

// Snapshot is an immutable view of the session handed to watchers.
type Snapshot struct {
	State        State                    `json:"state"`
	Connected    bool                     `json:"connected"`
	Online       bool                     `json:"online"`
	Reconnecting bool                     `json:"reconnecting"`
	RoomCode     string                   `json:"roomCode,omitempty"`
	UserID       string                   `json:"userId,omitempty"`
	Username     string                   `json:"username,omitempty"`
	HostID       string                   `json:"hostId,omitempty"`
	Goal         *int64                   `json:"goal,omitempty"`
	Users        map[string]room.Presence `json:"users,omitempty"`
}

// IsHost reports whether the local user currently holds the host role.
func (s Snapshot) IsHost() bool {
	return s.UserID != "" && s.UserID == s.HostID
}

// Manager owns one co-op session.
type Manager struct {
	store store.Store
	clock clockwork.Clock
	cfg   Config

	mu    sync.Mutex
	state State

	online      bool
	reconnectWG sync.WaitGroup

	// intentional marks a deliberate leave so connectivity recovery and
	// heartbeats stand down instead of re-joining.
	intentional bool

	roomCode string
	userID   string
	username string

	users  map[string]room.Presence
	goal   *int64
	hostID string

	timer       TimerState
	lastWritten TimerState
	haveWritten bool
	lastWriteAt time.Time

	pendingWrite map[string]any
	pendingState TimerState
	pendingTimer clockwork.Timer

	usersSub store.Subscription
	goalSub  store.Subscription
	connSub  store.Subscription

	heartbeatStop chan struct{}

	watchers    map[int]func(Snapshot)
	nextWatcher int
}

// New returns a disconnected Manager on top of st.
func New(st store.Store, clock clockwork.Clock, cfg Config) *Manager {
	return &Manager{
		store:    st,
		clock:    clock,
		cfg:      cfg,
		state:    StateDisconnected,
		online:   true,
		users:    make(map[string]room.Presence),
		watchers: make(map[int]func(Snapshot)),
	}
}

// Run republishes snapshots at the tick interval while connected, so
// watchers observe elapsed seconds advancing without any store traffic.
// It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			m.mu.Lock()
			if m.state == StateConnected {
				m.publishLocked()
			}
			m.mu.Unlock()
		}
	}
}

// CreateOptions carries optional create parameters.
type CreateOptions struct {
	// CustomCode, when set, is used instead of a generated code and must
	// not collide with an existing room.
	CustomCode string
}

// CreateRoom creates a room and joins it as the first user. It returns the
// room code.
func (m *Manager) CreateRoom(ctx context.Context, username string, opts CreateOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDisconnected {
		return "", ErrAlreadyInRoom
	}
	name, err := cleanUsername(username)
	if err != nil {
		return "", err
	}

	custom := opts.CustomCode != ""
	var code string
	if custom {
		code = room.NormalizeCode(opts.CustomCode)
		if !room.ValidateCode(code) {
			return "", ErrInvalidRoomCode
		}
	} else {
		code, err = room.GenerateCode()
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
	}

	m.state = StateInitializing
	m.intentional = false
	m.publishLocked()

	uid, err := m.store.SignInAnonymously(ctx)
	if err != nil {
		m.failInitLocked()
		return "", fmt.Errorf("sign in: %w", err)
	}
	if custom {
		_, exists, err := m.store.ReadOnce(ctx, room.Path(code))
		if err != nil {
			m.failInitLocked()
			return "", fmt.Errorf("check room %s: %w", code, err)
		}
		if exists {
			m.failInitLocked()
			return "", ErrRoomExists
		}
	}
	meta := map[string]any{
		"permanent": false,
		"createdAt": store.ServerTimestamp,
	}
	if err := m.store.Write(ctx, room.MetadataPath(code), meta); err != nil {
		m.failInitLocked()
		return "", fmt.Errorf("create room %s: %w", code, err)
	}
	if err := m.enterRoomLocked(ctx, code, uid, name); err != nil {
		m.failInitLocked()
		return "", err
	}
	log.Info().Str("room", code).Str("user", uid).Msg("room created")
	return code, nil
}

// JoinRoom joins an existing room.
func (m *Manager) JoinRoom(ctx context.Context, username, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDisconnected {
		return ErrAlreadyInRoom
	}
	name, err := cleanUsername(username)
	if err != nil {
		return err
	}
	code = room.NormalizeCode(code)
	if !room.ValidateCode(code) {
		return ErrInvalidRoomCode
	}

	m.state = StateInitializing
	m.intentional = false
	m.publishLocked()

	uid, err := m.store.SignInAnonymously(ctx)
	if err != nil {
		m.failInitLocked()
		return fmt.Errorf("sign in: %w", err)
	}
	r, ok, err := m.readRoom(ctx, code)
	if err != nil {
		m.failInitLocked()
		return fmt.Errorf("read room %s: %w", code, err)
	}
	if !ok {
		m.failInitLocked()
		return ErrRoomNotFound
	}
	if len(r.Users) >= room.MaxUsers {
		m.failInitLocked()
		return ErrRoomFull
	}
	// Seed the host from the pre-join roster; the users listener takes
	// over once the first snapshot lands.
	m.hostID = room.HostID(r.Users)
	if err := m.enterRoomLocked(ctx, code, uid, name); err != nil {
		m.failInitLocked()
		return err
	}
	log.Info().Str("room", code).Str("user", uid).Msg("joined room")
	return nil
}

// Resume rejoins a room from a saved session. savedUserID is the identity
// the previous session was using; if the store issues a different one the
// saved session is unusable and ErrIdentityChanged is returned.
func (m *Manager) Resume(ctx context.Context, username, code, savedUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.intentional {
		// The user left on purpose. Do not silently drag them back in.
		return nil
	}
	if m.state != StateDisconnected {
		return ErrAlreadyInRoom
	}
	name, err := cleanUsername(username)
	if err != nil {
		return err
	}
	code = room.NormalizeCode(code)
	if !room.ValidateCode(code) {
		return ErrInvalidRoomCode
	}

	m.state = StateInitializing
	m.publishLocked()

	uid, err := m.store.SignInAnonymously(ctx)
	if err != nil {
		m.failInitLocked()
		return fmt.Errorf("sign in: %w", err)
	}
	if uid != savedUserID {
		m.failInitLocked()
		return ErrIdentityChanged
	}
	_, ok, err := m.store.ReadOnce(ctx, room.Path(code))
	if err != nil {
		m.failInitLocked()
		return fmt.Errorf("read room %s: %w", code, err)
	}
	if !ok {
		m.failInitLocked()
		return ErrRoomNotFound
	}
	if err := m.enterRoomLocked(ctx, code, uid, name); err != nil {
		m.failInitLocked()
		return err
	}
	log.Info().Str("room", code).Str("user", uid).Msg("resumed room session")
	return nil
}

// LeaveRoom leaves the current room. Removal and empty-room cleanup are best
// effort; local state is always cleared and LeaveRoom never fails.
func (m *Manager) LeaveRoom(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Set before any store traffic so a connectivity flap during teardown
	// cannot re-join.
	m.intentional = true
	m.stopHeartbeatLocked()
	m.cancelPendingLocked()

	code, uid := m.roomCode, m.userID
	if code != "" && uid != "" {
		if err := m.store.Remove(ctx, room.UserPath(code, uid)); err != nil {
			log.Warn().Err(err).Str("room", code).Msg("remove presence on leave")
		}
		m.cleanupEmptyRoom(ctx, code)
	}
	m.teardownLocked()
	if code != "" {
		log.Info().Str("room", code).Msg("left room")
	}
}

// cleanupEmptyRoom deletes the room when the last user has left and the
// room is not marked permanent. Best effort.
func (m *Manager) cleanupEmptyRoom(ctx context.Context, code string) {
	r, ok, err := m.readRoom(ctx, code)
	if err != nil || !ok {
		return
	}
	if len(r.Users) != 0 || r.Metadata.Permanent {
		return
	}
	if err := m.store.Remove(ctx, room.Path(code)); err != nil {
		log.Debug().Err(err).Str("room", code).Msg("delete empty room")
		return
	}
	log.Info().Str("room", code).Msg("deleted empty room")
}

// UpdateTimerState reports the local timer. A write is issued only when the
// running or paused flag actually transitions; transitions inside the
// minimum-update window are buffered with their payload stamped at
// transition time and flushed when the window opens.
func (m *Manager) UpdateTimerState(ctx context.Context, ts TimerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timer = ts
	if m.state != StateConnected {
		return
	}
	if ts.Running == m.lastWritten.Running && ts.Paused == m.lastWritten.Paused {
		// The flags settled back to what the store already holds. Drop
		// any buffered transition instead of writing a stale one.
		m.pendingWrite = nil
		return
	}
	payload := m.timerPayloadLocked(ts)
	now := m.clock.Now()
	if m.haveWritten && now.Sub(m.lastWriteAt) < m.cfg.MinUpdateInterval {
		m.pendingWrite = payload
		m.pendingState = ts
		if m.pendingTimer == nil {
			wait := m.cfg.MinUpdateInterval - now.Sub(m.lastWriteAt)
			m.pendingTimer = m.clock.AfterFunc(wait, m.flushPending)
		}
		return
	}
	m.writeTimerLocked(ctx, payload, ts)
}

func (m *Manager) flushPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingTimer = nil
	payload := m.pendingWrite
	m.pendingWrite = nil
	if payload == nil || m.state != StateConnected {
		return
	}
	m.writeTimerLocked(context.Background(), payload, m.pendingState)
}

func (m *Manager) writeTimerLocked(ctx context.Context, payload map[string]any, ts TimerState) {
	if err := m.store.Update(ctx, room.UserPath(m.roomCode, m.userID), payload); err != nil {
		log.Error().Err(err).Str("room", m.roomCode).Msg("write timer state")
		return
	}
	m.lastWritten = ts
	m.haveWritten = true
	m.lastWriteAt = m.clock.Now()
}

// timerPayloadLocked builds the presence fields for a timer transition.
// startedAt is stamped now so elapsed time stays correct even when the
// write itself is deferred.
func (m *Manager) timerPayloadLocked(ts TimerState) map[string]any {
	payload := map[string]any{
		"timerRunning": ts.Running,
		"timerPaused":  ts.Paused,
		"baseSeconds":  ts.Seconds,
		"startedAt":    nil,
		"lastUpdate":   store.ServerTimestamp,
	}
	if ts.Running && !ts.Paused {
		payload["startedAt"] = m.clock.Now().UnixMilli()
	}
	return payload
}

// SetGoal sets the room goal in seconds from hours and minutes. Host only.
func (m *Manager) SetGoal(ctx context.Context, hours, minutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return ErrNotConnected
	}
	if m.userID != m.hostID {
		return ErrNotHost
	}
	secs := room.GoalSeconds(hours, minutes)
	if secs <= 0 {
		return ErrInvalidGoal
	}
	if err := m.store.Write(ctx, room.GoalPath(m.roomCode), secs); err != nil {
		return fmt.Errorf("set goal: %w", err)
	}
	m.goal = &secs
	m.publishLocked()
	return nil
}

// ClearGoal removes the room goal. Host only.
func (m *Manager) ClearGoal(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return ErrNotConnected
	}
	if m.userID != m.hostID {
		return ErrNotHost
	}
	if err := m.store.Remove(ctx, room.GoalPath(m.roomCode)); err != nil {
		return fmt.Errorf("clear goal: %w", err)
	}
	m.goal = nil
	m.publishLocked()
	return nil
}

// Snapshot returns the current session view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// OnSnapshot registers a watcher invoked after every state change. The
// watcher runs with the session lock held and must not call back into the
// Manager. The returned func removes the watcher.
func (m *Manager) OnSnapshot(fn func(Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWatcher++
	id := m.nextWatcher
	m.watchers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}
}

// Close releases subscriptions and timers without touching the store. Use
// LeaveRoom first for an orderly exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.intentional = true
	m.stopHeartbeatLocked()
	m.cancelPendingLocked()
	m.teardownLocked()
	m.mu.Unlock()
	m.reconnectWG.Wait()
}

// enterRoomLocked writes presence, attaches listeners and flips the session
// to connected. The caller holds the lock and has already signed in.
func (m *Manager) enterRoomLocked(ctx context.Context, code, uid, name string) error {
	if err := m.store.Write(ctx, room.UserPath(code, uid), m.presencePayloadLocked(name)); err != nil {
		return fmt.Errorf("write presence: %w", err)
	}
	usersSub, err := m.store.Subscribe(room.UsersPath(code), m.handleUsers)
	if err != nil {
		return fmt.Errorf("subscribe users: %w", err)
	}
	goalSub, err := m.store.Subscribe(room.GoalPath(code), m.handleGoal)
	if err != nil {
		usersSub.Unsubscribe()
		return fmt.Errorf("subscribe goal: %w", err)
	}
	if m.connSub == nil {
		connSub, err := m.store.SubscribeConnectivity(m.handleConnectivity)
		if err != nil {
			usersSub.Unsubscribe()
			goalSub.Unsubscribe()
			return fmt.Errorf("subscribe connectivity: %w", err)
		}
		m.connSub = connSub
	}
	m.usersSub = usersSub
	m.goalSub = goalSub

	m.roomCode = code
	m.userID = uid
	m.username = name
	m.state = StateConnected
	// The join write carries the full timer state but does not open the
	// rate-limit window; only explicit timer writes do.
	m.lastWritten = m.timer
	m.haveWritten = false
	m.startHeartbeatLocked()
	m.publishLocked()
	return nil
}

// presencePayloadLocked builds the full presence document for the local
// user from the current timer.
func (m *Manager) presencePayloadLocked(name string) map[string]any {
	payload := map[string]any{
		"name":         name,
		"timerRunning": m.timer.Running,
		"timerPaused":  m.timer.Paused,
		"baseSeconds":  m.timer.Seconds,
		"startedAt":    nil,
		"lastUpdate":   store.ServerTimestamp,
		"joinedAt":     store.ServerTimestamp,
		"lastSeen":     store.ServerTimestamp,
	}
	if m.timer.Running && !m.timer.Paused {
		payload["startedAt"] = m.clock.Now().UnixMilli()
	}
	return payload
}

// readRoom fetches and decodes the room document at code.
func (m *Manager) readRoom(ctx context.Context, code string) (room.Room, bool, error) {
	var r room.Room
	data, ok, err := m.store.ReadOnce(ctx, room.Path(code))
	if err != nil || !ok {
		return r, ok, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, false, fmt.Errorf("decode room %s: %w", code, err)
	}
	return r, true, nil
}

// failInitLocked rolls a failed create, join or resume back to disconnected.
func (m *Manager) failInitLocked() {
	m.state = StateDisconnected
	m.publishLocked()
}

// teardownLocked drops subscriptions and clears all room state.
func (m *Manager) teardownLocked() {
	if m.usersSub != nil {
		m.usersSub.Unsubscribe()
		m.usersSub = nil
	}
	if m.goalSub != nil {
		m.goalSub.Unsubscribe()
		m.goalSub = nil
	}
	if m.connSub != nil {
		m.connSub.Unsubscribe()
		m.connSub = nil
	}
	m.roomCode = ""
	m.userID = ""
	m.username = ""
	m.users = make(map[string]room.Presence)
	m.goal = nil
	m.hostID = ""
	m.haveWritten = false
	m.pendingWrite = nil
	m.state = StateDisconnected
	m.publishLocked()
}

func (m *Manager) handleUsers(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roomCode == "" {
		return
	}
	users := make(map[string]room.Presence)
	if data != nil {
		if err := json.Unmarshal(data, &users); err != nil {
			log.Warn().Err(err).Str("room", m.roomCode).Msg("decode users snapshot")
			return
		}
	}
	m.users = users
	m.hostID = room.HostID(users)
	m.publishLocked()
}

func (m *Manager) handleGoal(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roomCode == "" {
		return
	}
	if data == nil || string(data) == "null" {
		m.goal = nil
	} else {
		var g int64
		if err := json.Unmarshal(data, &g); err != nil {
			log.Warn().Err(err).Str("room", m.roomCode).Msg("decode goal snapshot")
			return
		}
		m.goal = &g
	}
	m.publishLocked()
}

func (m *Manager) startHeartbeatLocked() {
	m.stopHeartbeatLocked()
	m.beatLocked()
	stop := make(chan struct{})
	m.heartbeatStop = stop
	go m.heartbeatLoop(stop)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

func (m *Manager) heartbeatLoop(stop chan struct{}) {
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			m.mu.Lock()
			m.beatLocked()
			m.mu.Unlock()
		}
	}
}

// beatLocked refreshes lastSeen so the stale sweep keeps the user alive.
func (m *Manager) beatLocked() {
	if m.state != StateConnected || m.intentional || m.roomCode == "" {
		return
	}
	fields := map[string]any{"lastSeen": store.ServerTimestamp}
	if err := m.store.Update(context.Background(), room.UserPath(m.roomCode, m.userID), fields); err != nil {
		log.Warn().Err(err).Str("room", m.roomCode).Msg("heartbeat update")
	}
}

func (m *Manager) cancelPendingLocked() {
	m.pendingWrite = nil
	if m.pendingTimer != nil {
		m.pendingTimer.Stop()
		m.pendingTimer = nil
	}
}

func (m *Manager) snapshotLocked() Snapshot {
	users := make(map[string]room.Presence, len(m.users))
	for id, p := range m.users {
		users[id] = p
	}
	var goal *int64
	if m.goal != nil {
		g := *m.goal
		goal = &g
	}
	return Snapshot{
		State:        m.state,
		Connected:    m.state == StateConnected,
		Online:       m.online,
		Reconnecting: m.state == StateReconnecting,
		RoomCode:     m.roomCode,
		UserID:       m.userID,
		Username:     m.username,
		HostID:       m.hostID,
		Goal:         goal,
		Users:        users,
	}
}

func (m *Manager) publishLocked() {
	snap := m.snapshotLocked()
	for _, fn := range m.watchers {
		fn(snap)
	}
}

func cleanUsername(raw string) (string, error) {
	name := room.SanitizeUsername(raw)
	if name == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrEmptyUsername
		}
		return "", ErrInvalidUsername
	}
	return name, nil
}
