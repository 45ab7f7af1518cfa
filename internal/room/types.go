// ABOUTME: Data types for rooms: participants, cursors, edit operations, chat messages
// ABOUTME: Includes validation for client-supplied positions and operation descriptors

package room

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRoomNotFound is returned for room-scoped calls on a room that does not exist.
	ErrRoomNotFound = errors.New("room not found")

	// ErrNotParticipant is returned when a connection acts on a room it has not joined.
	ErrNotParticipant = errors.New("connection is not a participant of the room")

	// ErrAlreadyJoined is returned when a connection that already belongs to a room joins again.
	ErrAlreadyJoined = errors.New("connection already belongs to a room")

	// ErrInvalidPosition is returned for negative line or column values.
	ErrInvalidPosition = errors.New("invalid position")

	// ErrInvalidOperation is returned for malformed edit descriptors.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrMissingID is returned when a room or connection id is empty.
	ErrMissingID = errors.New("missing identifier")
)

// Position is a zero-based line/column location in the buffer.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Validate rejects negative coordinates.
func (p Position) Validate() error {
	if p.Line < 0 || p.Column < 0 {
		return fmt.Errorf("%w: line=%d column=%d", ErrInvalidPosition, p.Line, p.Column)
	}
	return nil
}

// OperationKind names the edit an Operation describes.
type OperationKind string

const (
	OpInsert  OperationKind = "insert"
	OpDelete  OperationKind = "delete"
	OpReplace OperationKind = "replace"
)

// Operation describes a single edit. It travels alongside the full buffer
// content and is informational only.
type Operation struct {
	Kind      OperationKind `json:"kind"`
	Line      int           `json:"line"`
	Column    int           `json:"column"`
	Content   string        `json:"content,omitempty"`
	Length    int           `json:"length,omitempty"`
	AuthorID  string        `json:"authorId,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Validate checks the kind and coordinates of the descriptor.
func (o *Operation) Validate() error {
	switch o.Kind {
	case OpInsert, OpReplace, OpDelete:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, o.Kind)
	}
	if o.Line < 0 || o.Column < 0 {
		return fmt.Errorf("%w: negative position", ErrInvalidOperation)
	}
	if o.Length < 0 {
		return fmt.Errorf("%w: negative length", ErrInvalidOperation)
	}
	return nil
}

// Participant is one connection's membership in a room.
type Participant struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	Color        string    `json:"color"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Cursor       *Position `json:"cursor,omitempty"`
	Typing       bool      `json:"isTyping"`
}

// Cursor is a participant's last reported caret position.
type Cursor struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	Color        string    `json:"color"`
	Position     Position  `json:"position"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ChatMessage is a stored chat entry. ID is assigned by the room and
// increases strictly with every append.
type ChatMessage struct {
	ID           int64     `json:"id"`
	RoomID       string    `json:"roomId"`
	ConnectionID string    `json:"-"`
	AuthorID     string    `json:"authorId"`
	Author       string    `json:"author"`
	Text         string    `json:"text"`
	HTML         string    `json:"html,omitempty"`
	Timestamp    time.Time `json:"ts"`
}

// TypingState reports a typing flag change for one participant.
type TypingState struct {
	RoomID       string
	ConnectionID string
	UserID       string
	Username     string
	IsTyping     bool

	// Changed is false when the call did not alter the flag (already set
	// or already cleared). A refresh of an active flag is not a change.
	Changed bool

	// Notify lists the other connections in the room.
	Notify []string
}

// Snapshot is a consistent copy of a room's state for catch-up.
type Snapshot struct {
	RoomID       string        `json:"roomId"`
	Content      string        `json:"bufferContent"`
	Participants []Participant `json:"participants"`
	Cursors      []Cursor      `json:"cursors"`
	Typing       []string      `json:"typing"`
	ChatHistory  []ChatMessage `json:"chatHistory"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Participant returns the snapshot's record for connID.
func (s *Snapshot) Participant(connID string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ConnectionID == connID {
			return p, true
		}
	}
	return Participant{}, false
}

// Departure describes a completed Leave.
type Departure struct {
	RoomID      string
	Participant Participant

	// Remaining lists the connections still in the room.
	Remaining []string

	// RoomClosed is true when the leaver was the last participant.
	RoomClosed bool

	// WasTyping is true when the leaver had a typing flag the sweep had not
	// yet cleared, expired or not.
	WasTyping bool
}
