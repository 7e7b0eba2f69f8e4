package gateway

import "github.com/mkarlsen/cotimer/internal/session"

// CommandType identifies a UI command.
type CommandType string

const (
	CommandCreateRoom CommandType = "create_room"
	CommandJoinRoom   CommandType = "join_room"
	CommandResumeRoom CommandType = "resume_room"
	CommandLeaveRoom  CommandType = "leave_room"
	CommandSetGoal    CommandType = "set_goal"
	CommandClearGoal  CommandType = "clear_goal"
	CommandTimer      CommandType = "timer"
)

// Command is a message from a UI client.
type Command struct {
	Type CommandType `json:"type"`

	// create_room, join_room, resume_room
	Username   string `json:"username,omitempty"`
	Code       string `json:"code,omitempty"`
	CustomCode string `json:"customCode,omitempty"`
	// resume_room
	UserID string `json:"userId,omitempty"`

	// set_goal
	Hours   int `json:"hours,omitempty"`
	Minutes int `json:"minutes,omitempty"`

	// timer
	Timer *session.TimerState `json:"timer,omitempty"`
}

// EventType identifies a message to a UI client.
type EventType string

const (
	// EventSnapshot carries the full session view after every change.
	EventSnapshot EventType = "snapshot"
	// EventRoomCreated acknowledges create_room with the room code.
	EventRoomCreated EventType = "room_created"
	// EventError reports a failed command to the issuing client.
	EventError EventType = "error"
)

// Event is a message to a UI client.
type Event struct {
	Type     EventType         `json:"type"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
	Code     string            `json:"code,omitempty"`
	Command  CommandType       `json:"command,omitempty"`
	Error    string            `json:"error,omitempty"`
}
