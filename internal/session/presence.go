package session

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mkarlsen/cotimer/internal/room"
)

// handleConnectivity reacts to transport connectivity transitions. A return
// to connected while a room session is live triggers a reconnect unless the
// user left on purpose.
func (m *Manager) handleConnectivity(connected bool) {
	m.mu.Lock()
	prev := m.online
	m.online = connected
	if !connected {
		m.publishLocked()
		m.mu.Unlock()
		return
	}
	if prev || m.intentional || m.state != StateConnected || m.roomCode == "" {
		m.publishLocked()
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	code, uid := m.roomCode, m.userID
	m.publishLocked()
	m.mu.Unlock()

	m.reconnectWG.Add(1)
	go m.reconnect(code, uid)
}

// reconnect re-establishes presence after an outage. The identity must have
// survived and the room must still exist; otherwise the session is cleared.
// Transient failures leave the session connected and rely on the next
// heartbeat.
func (m *Manager) reconnect(code, uid string) {
	defer m.reconnectWG.Done()
	ctx := context.Background()
	curID, signErr := m.store.SignInAnonymously(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReconnecting || m.roomCode != code || m.intentional {
		return
	}
	if signErr != nil {
		log.Warn().Err(signErr).Str("room", code).Msg("reconnect sign-in failed")
		m.state = StateConnected
		m.publishLocked()
		return
	}
	if curID != uid {
		log.Warn().Str("room", code).Msg("identity changed during outage, clearing session")
		m.stopHeartbeatLocked()
		m.cancelPendingLocked()
		m.teardownLocked()
		return
	}
	_, ok, err := m.store.ReadOnce(ctx, room.Path(code))
	if err != nil {
		log.Warn().Err(err).Str("room", code).Msg("reconnect room read failed")
		m.state = StateConnected
		m.publishLocked()
		return
	}
	if !ok {
		log.Info().Str("room", code).Msg("room gone after outage, clearing session")
		m.stopHeartbeatLocked()
		m.cancelPendingLocked()
		m.teardownLocked()
		return
	}
	// Presence is rewritten with a fresh joinedAt, so host election
	// restarts for this user.
	if err := m.store.Write(ctx, room.UserPath(code, uid), m.presencePayloadLocked(m.username)); err != nil {
		log.Error().Err(err).Str("room", code).Msg("reconnect presence write failed")
		m.state = StateConnected
		m.publishLocked()
		return
	}
	m.lastWritten = m.timer
	m.state = StateConnected
	m.startHeartbeatLocked()
	m.publishLocked()
	log.Info().Str("room", code).Str("user", uid).Msg("reconnected")
}
