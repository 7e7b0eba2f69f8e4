package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/cotimer/internal/session"
	"github.com/mkarlsen/cotimer/internal/store/memstore"
)

func newTestGateway(t *testing.T) (*httptest.Server, *websocket.Conn) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	st := memstore.New(clock)
	sessions := session.New(st, clock, session.DefaultConfig())
	handler := NewHandler(sessions, DefaultConnectionConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go handler.Start(ctx)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.Close()
		cancel()
		handler.Close()
		sessions.Close()
		st.Close()
	})
	return srv, conn
}

// readEvent reads messages until one of the wanted type arrives.
func readEvent(t *testing.T, conn *websocket.Conn, want EventType) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev Event
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev.Type == want {
			return ev
		}
	}
}

func TestGatewayInitialSnapshot(t *testing.T) {
	_, conn := newTestGateway(t)

	ev := readEvent(t, conn, EventSnapshot)
	require.NotNil(t, ev.Snapshot)
	assert.Equal(t, session.StateDisconnected, ev.Snapshot.State)
}

func TestGatewayCreateRoom(t *testing.T) {
	_, conn := newTestGateway(t)
	readEvent(t, conn, EventSnapshot)

	require.NoError(t, conn.WriteJSON(Command{Type: CommandCreateRoom, Username: "John"}))

	created := readEvent(t, conn, EventRoomCreated)
	assert.Len(t, created.Code, 8)

	// The session change also fans out as a snapshot broadcast.
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no connected snapshot arrived")
		ev := readEvent(t, conn, EventSnapshot)
		if ev.Snapshot.State == session.StateConnected {
			assert.Equal(t, created.Code, ev.Snapshot.RoomCode)
			return
		}
	}
}

func TestGatewayCommandError(t *testing.T) {
	_, conn := newTestGateway(t)
	readEvent(t, conn, EventSnapshot)

	require.NoError(t, conn.WriteJSON(Command{Type: CommandJoinRoom, Username: "John", Code: "bad"}))

	ev := readEvent(t, conn, EventError)
	assert.Equal(t, CommandJoinRoom, ev.Command)
	assert.NotEmpty(t, ev.Error)
}

func TestGatewayUnknownCommand(t *testing.T) {
	_, conn := newTestGateway(t)
	readEvent(t, conn, EventSnapshot)

	require.NoError(t, conn.WriteJSON(Command{Type: "dance"}))
	ev := readEvent(t, conn, EventError)
	assert.Equal(t, "unknown command", ev.Error)
}

func TestGatewayStatsEndpoint(t *testing.T) {
	srv, _ := newTestGateway(t)

	// Registration completes just after the handshake, so poll.
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/ws/stats")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var stats struct {
			TotalConnections int `json:"total_connections"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return false
		}
		return resp.StatusCode == http.StatusOK && stats.TotalConnections == 1
	}, 2*time.Second, 10*time.Millisecond)
}
