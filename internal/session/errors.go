package session

import "errors"

// Validation and conflict errors surfaced to the UI layer. Everything else
// degrades to "not connected to a room" without being fatal.
var (
	// ErrEmptyUsername is returned before any network action when the
	// supplied username is blank.
	ErrEmptyUsername = errors.New("please enter a username")

	// ErrInvalidUsername is returned when sanitizing leaves nothing.
	ErrInvalidUsername = errors.New("invalid username: use only letters, numbers, spaces, - or _")

	// ErrInvalidRoomCode is returned for codes that are not 8 uppercase
	// alphanumeric characters.
	ErrInvalidRoomCode = errors.New("room code must be 8 characters, letters and numbers only")

	// ErrRoomNotFound is returned when joining or resuming into a room
	// that does not exist.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomExists is returned when creating with a custom code that is
	// already taken.
	ErrRoomExists = errors.New("a room with this code already exists")

	// ErrRoomFull is returned when the room holds the maximum number of
	// users.
	ErrRoomFull = errors.New("room is full")

	// ErrAlreadyInRoom is returned when creating or joining while a
	// session is already active.
	ErrAlreadyInRoom = errors.New("already connected to a room")

	// ErrNotConnected is returned for operations that need an active room
	// session.
	ErrNotConnected = errors.New("not connected to a room")

	// ErrNotHost is returned for goal mutations by a non-host.
	ErrNotHost = errors.New("only the room host can change the goal")

	// ErrInvalidGoal is returned for goals that are not positive.
	ErrInvalidGoal = errors.New("goal must be greater than zero")

	// ErrIdentityChanged is returned when the store issued a different
	// identity than the one the saved session was using.
	ErrIdentityChanged = errors.New("identity changed since last session")
)
