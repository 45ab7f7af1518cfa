// ABOUTME: Wire protocol for websocket clients: envelope, event names, payloads, error codes
// ABOUTME: Inbound payloads are decoded per event type; outbound payloads are marshaled once per fan-out

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/pairroom/internal/room"
)

// Envelope is a single websocket frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound events.
const (
	EventIdentify    = "identify"
	EventJoin        = "join"
	EventEdit        = "edit"
	EventCursor      = "cursor"
	EventChat        = "chat"
	EventTypingStart = "typing-start"
	EventTypingStop  = "typing-stop"
	EventExecute     = "execute"
	EventLeave       = "leave"
)

// Outbound events. edit, cursor and chat reuse the inbound names.
const (
	EventIdentified        = "identified"
	EventJoined            = "joined"
	EventLeft              = "left"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventTypingStatus      = "typing-status"
	EventExecutionStarted  = "execution-started"
	EventExecutionResult   = "execution-result"
	EventExecutionError    = "execution-error"
	EventError             = "error"
)

// Error codes carried in error events.
const (
	CodeInvalidPayload  = "invalid_payload"
	CodeUnidentified    = "unidentified"
	CodeUnauthorized    = "unauthorized"
	CodeNotInRoom       = "not_in_room"
	CodeRoomNotFound    = "room_not_found"
	CodeInvalidPosition = "invalid_position"
	CodeUnknownEvent    = "unknown_event"
	CodeInternal        = "internal"
)

// ProtocolError is a failure reported back to the originating connection.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Code + ": " + e.Message
}

func newEventError(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// toEventError classifies err for the wire.
func toEventError(err error) *ProtocolError {
	var ee *ProtocolError
	if errors.As(err, &ee) {
		return ee
	}
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return &ProtocolError{Code: CodeRoomNotFound, Message: err.Error()}
	case errors.Is(err, room.ErrNotParticipant):
		return &ProtocolError{Code: CodeNotInRoom, Message: err.Error()}
	case errors.Is(err, room.ErrInvalidPosition):
		return &ProtocolError{Code: CodeInvalidPosition, Message: err.Error()}
	case errors.Is(err, room.ErrInvalidOperation), errors.Is(err, room.ErrMissingID):
		return &ProtocolError{Code: CodeInvalidPayload, Message: err.Error()}
	default:
		return &ProtocolError{Code: CodeInternal, Message: "internal error"}
	}
}

// Inbound payloads.

type IdentifyPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

type JoinPayload struct {
	RoomID string `json:"roomId"`
}

type EditPayload struct {
	RoomID    string         `json:"roomId"`
	Content   *string        `json:"content"`
	Operation room.Operation `json:"operation"`
}

type CursorPayload struct {
	RoomID   string         `json:"roomId"`
	Position *room.Position `json:"position"`
}

type ChatPayload struct {
	RoomID      string `json:"roomId"`
	Text        string `json:"text"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

type TypingPayload struct {
	RoomID string `json:"roomId"`
}

type ExecutePayload struct {
	RoomID   string `json:"roomId,omitempty"`
	Code     string `json:"code"`
	Language string `json:"language"`
	Version  string `json:"version,omitempty"`
	Stdin    string `json:"stdin,omitempty"`
}

// roomAddressed is implemented by inbound payloads carrying a roomId.
// decode trims it so every handler sees the id join registered.
type roomAddressed interface {
	trimRoomID()
}

func (p *JoinPayload) trimRoomID()    { p.RoomID = strings.TrimSpace(p.RoomID) }
func (p *EditPayload) trimRoomID()    { p.RoomID = strings.TrimSpace(p.RoomID) }
func (p *CursorPayload) trimRoomID()  { p.RoomID = strings.TrimSpace(p.RoomID) }
func (p *ChatPayload) trimRoomID()    { p.RoomID = strings.TrimSpace(p.RoomID) }
func (p *TypingPayload) trimRoomID()  { p.RoomID = strings.TrimSpace(p.RoomID) }
func (p *ExecutePayload) trimRoomID() { p.RoomID = strings.TrimSpace(p.RoomID) }

// Outbound payloads.

type IdentifiedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
}

type JoinedPayload struct {
	RoomID        string             `json:"roomId"`
	ConnectionID  string             `json:"connectionId"`
	Participants  []room.Participant `json:"participants"`
	BufferContent string             `json:"bufferContent"`
	Cursors       []room.Cursor      `json:"cursors"`
	Typing        []string           `json:"typing"`
	ChatHistory   []room.ChatMessage `json:"chatHistory"`
}

type ParticipantEvent struct {
	RoomID      string           `json:"roomId"`
	Participant room.Participant `json:"participant"`
	Count       int              `json:"count"`
}

type LeftPayload struct {
	RoomID string `json:"roomId"`
}

type EditBroadcast struct {
	RoomID       string         `json:"roomId"`
	ConnectionID string         `json:"connectionId"`
	Content      string         `json:"content"`
	Operation    room.Operation `json:"operation"`
}

type CursorBroadcast struct {
	RoomID string `json:"roomId"`
	room.Cursor
}

type ChatBroadcast struct {
	room.ChatMessage
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

type TypingStatusPayload struct {
	RoomID        string `json:"roomId"`
	ParticipantID string `json:"participantId"`
	UserID        string `json:"userId"`
	Username      string `json:"username"`
	IsTyping      bool   `json:"isTyping"`
}

type ExecutionStartedPayload struct {
	RoomID      string `json:"roomId,omitempty"`
	ExecutionID string `json:"executionId"`
	RequestedBy string `json:"requestedBy"`
	Language    string `json:"language"`
}

type ExecutionResultPayload struct {
	RoomID        string `json:"roomId,omitempty"`
	ExecutionID   string `json:"executionId"`
	RequestedBy   string `json:"requestedBy"`
	Language      string `json:"language"`
	Version       string `json:"version"`
	Output        string `json:"output"`
	Stderr        string `json:"stderr"`
	CompileOutput string `json:"compileOutput,omitempty"`
	ExitCode      int    `json:"exitCode"`
	Signal        string `json:"signal,omitempty"`
	DurationMs    int64  `json:"durationMs"`
	Success       bool   `json:"success"`
	Attempts      int    `json:"attempts"`
}

type ExecutionErrorPayload struct {
	RoomID      string `json:"roomId,omitempty"`
	ExecutionID string `json:"executionId"`
	RequestedBy string `json:"requestedBy"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Attempts    int    `json:"attempts"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

func encodeEnvelope(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}
