package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/mkarlsen/cotimer/internal/session"
)

// Handler bridges UI clients to the shared session: commands flow in over
// WebSocket, snapshot events flow out to every connected client.
type Handler struct {
	sessions    *session.Manager
	cm          *ConnectionManager
	removeWatch func()
}

// NewHandler creates a handler around the session manager.
func NewHandler(sessions *session.Manager, cfg ConnectionConfig) *Handler {
	h := &Handler{sessions: sessions}
	h.cm = NewConnectionManager(cfg, h.handleCommand)
	h.removeWatch = sessions.OnSnapshot(func(snap session.Snapshot) {
		if data, ok := marshalEvent(Event{Type: EventSnapshot, Snapshot: &snap}); ok {
			h.cm.Broadcast(data)
		}
	})
	return h
}

// Start runs the broadcast loop until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) {
	h.cm.Start(ctx)
}

// Close detaches the snapshot watcher.
func (h *Handler) Close() {
	if h.removeWatch != nil {
		h.removeWatch()
		h.removeWatch = nil
	}
}

// HandleSession upgrades a UI client connection and seeds it with the
// current snapshot.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := h.cm.UpgradeConnection(w, r)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
		return
	}
	snap := h.sessions.Snapshot()
	if data, ok := marshalEvent(Event{Type: EventSnapshot, Snapshot: &snap}); ok {
		h.cm.SendTo(conn, data)
	}
}

// HandleConnectionStats returns statistics about active connections.
func (h *Handler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.cm.GetConnectionStats()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("{\"total_connections\":" + strconv.Itoa(stats["total_connections"].(int)) + "}"))
}

// RegisterRoutes registers gateway routes with an HTTP mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/session", h.HandleSession)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}

// handleCommand decodes and dispatches one client command. Failures go back
// to the issuing client only.
func (h *Handler) handleCommand(conn *Connection, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.sendError(conn, "", errors.New("malformed command"))
		return
	}
	ctx := context.Background()

	switch cmd.Type {
	case CommandCreateRoom:
		code, err := h.sessions.CreateRoom(ctx, cmd.Username, session.CreateOptions{CustomCode: cmd.CustomCode})
		if err != nil {
			h.sendError(conn, cmd.Type, err)
			return
		}
		if data, ok := marshalEvent(Event{Type: EventRoomCreated, Code: code}); ok {
			h.cm.SendTo(conn, data)
		}

	case CommandJoinRoom:
		if err := h.sessions.JoinRoom(ctx, cmd.Username, cmd.Code); err != nil {
			h.sendError(conn, cmd.Type, err)
		}

	case CommandResumeRoom:
		if err := h.sessions.Resume(ctx, cmd.Username, cmd.Code, cmd.UserID); err != nil {
			h.sendError(conn, cmd.Type, err)
		}

	case CommandLeaveRoom:
		h.sessions.LeaveRoom(ctx)

	case CommandSetGoal:
		if err := h.sessions.SetGoal(ctx, cmd.Hours, cmd.Minutes); err != nil {
			h.sendError(conn, cmd.Type, err)
		}

	case CommandClearGoal:
		if err := h.sessions.ClearGoal(ctx); err != nil {
			h.sendError(conn, cmd.Type, err)
		}

	case CommandTimer:
		if cmd.Timer == nil {
			h.sendError(conn, cmd.Type, errors.New("timer command needs a timer payload"))
			return
		}
		h.sessions.UpdateTimerState(ctx, *cmd.Timer)

	default:
		h.sendError(conn, cmd.Type, errors.New("unknown command"))
	}
}

func (h *Handler) sendError(conn *Connection, cmd CommandType, err error) {
	log.Debug().Err(err).Str("command", string(cmd)).Msg("command failed")
	if data, ok := marshalEvent(Event{Type: EventError, Command: cmd, Error: err.Error()}); ok {
		h.cm.SendTo(conn, data)
	}
}
