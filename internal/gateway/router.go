// ABOUTME: Event router translating client events into registry calls and fan-out
// ABOUTME: Errors and panics are contained to the originating connection

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/pairroom/internal/auth"
	"github.com/2389/pairroom/internal/clock"
	"github.com/2389/pairroom/internal/dedupe"
	"github.com/2389/pairroom/internal/execution"
	"github.com/2389/pairroom/internal/room"
)

const (
	maxChatLength      = 4000
	chatDedupeTTL      = 5 * time.Minute
	chatDedupeMaxSize  = 10000
	chatDedupeInterval = time.Minute
)

// Executor runs execution requests. *execution.Dispatcher implements it.
type Executor interface {
	Submit(ctx context.Context, req execution.Request) (*execution.Result, error)
}

// RouterOptions wires a Router to its collaborators.
type RouterOptions struct {
	Registry *room.Registry
	Hub      *Hub
	Executor Executor
	Bridge   *Bridge

	// Verifier checks identify tokens. Nil trusts the identify payload.
	Verifier auth.TokenVerifier

	Clock  clock.Clock
	Logger *slog.Logger
}

// Router handles events for every connection.
type Router struct {
	registry *room.Registry
	hub      *Hub
	executor Executor
	bridge   *Bridge
	verifier auth.TokenVerifier
	chatSeen *dedupe.Cache[room.ChatMessage]
	render   *chatRenderer
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	ctx    context.Context
	cancel context.CancelFunc
	execWG sync.WaitGroup
}

// session is a connection's identity. It is set once by identify.
type session struct {
	mu         sync.Mutex
	connID     string
	userID     string
	username   string
	identified bool
}

func (s *session) identity() (userID, username string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.username, s.identified
}

type handlerFunc func(r *Router, sess *session, payload json.RawMessage) error

var handlers = map[string]handlerFunc{
	EventJoin:        (*Router).handleJoin,
	EventEdit:        (*Router).handleEdit,
	EventCursor:      (*Router).handleCursor,
	EventChat:        (*Router).handleChat,
	EventTypingStart: func(r *Router, s *session, p json.RawMessage) error { return r.handleTyping(s, p, true) },
	EventTypingStop:  func(r *Router, s *session, p json.RawMessage) error { return r.handleTyping(s, p, false) },
	EventExecute:     (*Router).handleExecute,
	EventLeave:       (*Router).handleLeave,
}

// NewRouter creates a router. Registry, Hub, Executor and Bridge are required.
func NewRouter(opts RouterOptions) *Router {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		registry: opts.Registry,
		hub:      opts.Hub,
		executor: opts.Executor,
		bridge:   opts.Bridge,
		verifier: opts.Verifier,
		chatSeen: dedupe.New[room.ChatMessage](chatDedupeTTL, chatDedupeMaxSize, chatDedupeInterval, opts.Clock),
		render:   newChatRenderer(),
		logger:   opts.Logger.With("component", "router"),
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect registers a new connection and returns its outbox.
func (r *Router) Connect(connID string) <-chan []byte {
	r.mu.Lock()
	r.sessions[connID] = &session{connID: connID}
	r.mu.Unlock()

	r.logger.Debug("connection opened", "conn_id", connID)
	return r.hub.Register(connID)
}

// Disconnect removes the connection from its room and closes its outbox.
// It is safe to call more than once.
func (r *Router) Disconnect(connID string) {
	r.leave(connID)

	r.mu.Lock()
	delete(r.sessions, connID)
	r.mu.Unlock()

	r.hub.Unregister(connID)
	r.logger.Debug("connection closed", "conn_id", connID)
}

// Handle processes one inbound event. Failures, including panics, are
// reported to connID as an error event and never reach other connections.
func (r *Router) Handle(connID string, env Envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic handling event",
				"conn_id", connID,
				"event", env.Type,
				"panic", p,
				"stack", string(debug.Stack()))
			r.sendError(connID, env.Type, &ProtocolError{Code: CodeInternal, Message: "internal error"})
		}
	}()

	if err := r.dispatch(connID, env); err != nil {
		ee := toEventError(err)
		if ee.Code == CodeInternal {
			r.logger.Error("event failed", "conn_id", connID, "event", env.Type, "error", err)
		} else {
			r.logger.Debug("event rejected", "conn_id", connID, "event", env.Type, "code", ee.Code, "error", err)
		}
		r.sendError(connID, env.Type, ee)
	}
}

func (r *Router) dispatch(connID string, env Envelope) error {
	sess := r.session(connID)
	if sess == nil {
		return errors.New("unknown connection")
	}

	if env.Type == EventIdentify {
		return r.handleIdentify(sess, env.Payload)
	}

	h, ok := handlers[env.Type]
	if !ok {
		return newEventError(CodeUnknownEvent, "unknown event %q", env.Type)
	}
	if _, _, identified := sess.identity(); !identified {
		return newEventError(CodeUnidentified, "identify before sending %s", env.Type)
	}
	return h(r, sess, env.Payload)
}

// TypingExpired notifies peers that a typing flag lapsed without a stop event.
func (r *Router) TypingExpired(state room.TypingState) {
	r.broadcast(state.RoomID, state.Notify, EventTypingStatus, typingStatus(state))
}

// Connections returns the number of open connections.
func (r *Router) Connections() int {
	return r.hub.Count()
}

// Close cancels in-flight execution waits and waits for their handlers.
func (r *Router) Close() {
	r.cancel()
	r.execWG.Wait()
	r.chatSeen.Close()
}

func (r *Router) session(connID string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[connID]
}

func (r *Router) handleIdentify(sess *session, raw json.RawMessage) error {
	var p IdentifyPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	p.UserID = strings.TrimSpace(p.UserID)
	p.Username = strings.TrimSpace(p.Username)
	if p.UserID == "" {
		return newEventError(CodeInvalidPayload, "userId is required")
	}
	if p.Username == "" {
		p.Username = p.UserID
	}

	if r.verifier != nil {
		if p.Token == "" {
			return newEventError(CodeUnauthorized, "token is required")
		}
		id, err := r.verifier.Verify(p.Token)
		if err != nil {
			return newEventError(CodeUnauthorized, "%v", err)
		}
		if id.UserID != p.UserID {
			return newEventError(CodeUnauthorized, "%v", auth.ErrSubjectMismatch)
		}
	}

	sess.mu.Lock()
	if sess.identified && sess.userID != p.UserID {
		sess.mu.Unlock()
		return newEventError(CodeInvalidPayload, "connection is already identified as %s", sess.userID)
	}
	if !sess.identified {
		sess.userID = p.UserID
		sess.username = p.Username
		sess.identified = true
	}
	resp := IdentifiedPayload{ConnectionID: sess.connID, UserID: sess.userID, Username: sess.username}
	sess.mu.Unlock()

	r.hub.Send(sess.connID, EventIdentified, resp)
	return nil
}

func (r *Router) handleJoin(sess *session, raw json.RawMessage) error {
	var p JoinPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	roomID := p.RoomID
	if roomID == "" {
		return newEventError(CodeInvalidPayload, "roomId is required")
	}

	if current, ok := r.registry.RoomOf(sess.connID); ok {
		if current == roomID {
			if snap, ok := r.registry.Snapshot(roomID); ok {
				r.hub.Send(sess.connID, EventJoined, joinedPayload(snap, sess.connID))
				return nil
			}
		}
		// A connection belongs to one room at a time.
		r.leave(sess.connID)
	}

	userID, username, _ := sess.identity()
	snap, err := r.registry.Join(roomID, room.Participant{
		ConnectionID: sess.connID,
		UserID:       userID,
		Username:     username,
	})
	if err != nil {
		return err
	}

	r.hub.Send(sess.connID, EventJoined, joinedPayload(snap, sess.connID))

	me, _ := snap.Participant(sess.connID)
	others := make([]string, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		if p.ConnectionID != sess.connID {
			others = append(others, p.ConnectionID)
		}
	}
	r.broadcast(roomID, others, EventParticipantJoined, ParticipantEvent{
		RoomID:      roomID,
		Participant: me,
		Count:       len(snap.Participants),
	})
	return nil
}

func (r *Router) handleEdit(sess *session, raw json.RawMessage) error {
	var p EditPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if p.RoomID == "" {
		return newEventError(CodeInvalidPayload, "roomId is required")
	}
	if p.Content == nil {
		return newEventError(CodeInvalidPayload, "content is required")
	}

	if p.Operation.Kind == "" {
		p.Operation = room.Operation{Kind: room.OpReplace, Content: *p.Content}
	}

	op, notify, err := r.registry.ApplyEdit(p.RoomID, sess.connID, *p.Content, p.Operation)
	if err != nil {
		return err
	}

	r.broadcast(p.RoomID, notify, EventEdit, EditBroadcast{
		RoomID:       p.RoomID,
		ConnectionID: sess.connID,
		Content:      *p.Content,
		Operation:    op,
	})
	r.bridge.RecordCodeSnapshot(p.RoomID, *p.Content, op.AuthorID)
	return nil
}

func (r *Router) handleCursor(sess *session, raw json.RawMessage) error {
	var p CursorPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if p.RoomID == "" {
		return newEventError(CodeInvalidPayload, "roomId is required")
	}
	if p.Position == nil {
		return newEventError(CodeInvalidPosition, "position is required")
	}

	cur, notify, err := r.registry.UpdateCursor(p.RoomID, sess.connID, *p.Position)
	if err != nil {
		return err
	}
	r.broadcast(p.RoomID, notify, EventCursor, CursorBroadcast{RoomID: p.RoomID, Cursor: cur})
	return nil
}

func (r *Router) handleChat(sess *session, raw json.RawMessage) error {
	var p ChatPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if p.RoomID == "" {
		return newEventError(CodeInvalidPayload, "roomId is required")
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return newEventError(CodeInvalidPayload, "text is required")
	}
	if utf8.RuneCountInString(text) > maxChatLength {
		return newEventError(CodeInvalidPayload, "text exceeds %d characters", maxChatLength)
	}

	var key string
	if p.ClientMsgID != "" {
		key = sess.connID + "/" + p.ClientMsgID
		if prev, ok := r.chatSeen.Get(key); ok {
			r.hub.Send(sess.connID, EventChat, ChatBroadcast{ChatMessage: prev, ClientMsgID: p.ClientMsgID})
			return nil
		}
	}

	html, err := r.render.Render(text)
	if err != nil {
		r.logger.Warn("failed to render chat markdown", "conn_id", sess.connID, "error", err)
		html = ""
	}

	msg, notify, err := r.registry.AppendChat(p.RoomID, room.ChatMessage{
		ConnectionID: sess.connID,
		Text:         text,
		HTML:         html,
	})
	if err != nil {
		return err
	}
	if key != "" {
		r.chatSeen.Remember(key, msg)
	}

	r.broadcast(p.RoomID, notify, EventChat, ChatBroadcast{ChatMessage: msg, ClientMsgID: p.ClientMsgID})
	return nil
}

func (r *Router) handleTyping(sess *session, raw json.RawMessage, isTyping bool) error {
	var p TypingPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if p.RoomID == "" {
		return newEventError(CodeInvalidPayload, "roomId is required")
	}

	state, err := r.registry.SetTyping(p.RoomID, sess.connID, isTyping)
	if err != nil {
		return err
	}
	if state.Changed {
		r.broadcast(p.RoomID, state.Notify, EventTypingStatus, typingStatus(state))
	}
	return nil
}

func (r *Router) handleExecute(sess *session, raw json.RawMessage) error {
	var p ExecutePayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.Code) == "" {
		return newEventError(CodeInvalidPayload, "code is required")
	}
	language := execution.NormalizeLanguage(p.Language)
	if language == "" {
		return newEventError(CodeInvalidPayload, "language is required")
	}

	roomID := p.RoomID
	current, inRoom := r.registry.RoomOf(sess.connID)
	if roomID == "" && inRoom {
		roomID = current
	}
	if roomID != "" && (!inRoom || current != roomID) {
		if r.registry.RoomSize(roomID) == 0 {
			return room.ErrRoomNotFound
		}
		return room.ErrNotParticipant
	}

	userID, _, _ := sess.identity()
	req := execution.Request{
		ID:          uuid.New().String(),
		RoomID:      roomID,
		RequestedBy: userID,
		Code:        p.Code,
		Language:    language,
		Version:     p.Version,
		Stdin:       p.Stdin,
	}

	r.notifyExecution(sess.connID, req.RoomID, EventExecutionStarted, ExecutionStartedPayload{
		RoomID:      req.RoomID,
		ExecutionID: req.ID,
		RequestedBy: req.RequestedBy,
		Language:    req.Language,
	})

	r.execWG.Add(1)
	go r.runExecution(sess.connID, req)
	return nil
}

// runExecution waits for the dispatcher and reports the outcome to whoever
// is in the room at that moment. A requester that disconnected does not
// cancel the request.
func (r *Router) runExecution(connID string, req execution.Request) {
	defer r.execWG.Done()

	res, err := r.executor.Submit(r.ctx, req)
	r.bridge.RecordExecution(req, res, err)

	if err != nil {
		payload := ExecutionErrorPayload{
			RoomID:      req.RoomID,
			ExecutionID: req.ID,
			RequestedBy: req.RequestedBy,
			Code:        executionErrorCode(err),
			Message:     err.Error(),
		}
		var de *execution.DispatchError
		if errors.As(err, &de) {
			payload.Attempts = de.Attempts
		}
		r.notifyExecution(connID, req.RoomID, EventExecutionError, payload)
		return
	}

	r.notifyExecution(connID, req.RoomID, EventExecutionResult, ExecutionResultPayload{
		RoomID:        req.RoomID,
		ExecutionID:   req.ID,
		RequestedBy:   req.RequestedBy,
		Language:      res.Language,
		Version:       res.Version,
		Output:        res.Stdout,
		Stderr:        res.Stderr,
		CompileOutput: res.CompileOutput,
		ExitCode:      res.ExitCode,
		Signal:        res.Signal,
		DurationMs:    res.Duration.Milliseconds(),
		Success:       res.Success,
		Attempts:      res.Attempts,
	})
}

func (r *Router) handleLeave(sess *session, _ json.RawMessage) error {
	roomID, ok := r.leave(sess.connID)
	if !ok {
		return newEventError(CodeNotInRoom, "connection is not in a room")
	}
	r.hub.Send(sess.connID, EventLeft, LeftPayload{RoomID: roomID})
	return nil
}

// leave removes connID from its room and tells the remaining participants.
func (r *Router) leave(connID string) (string, bool) {
	dep, ok := r.registry.Leave(connID)
	if !ok {
		return "", false
	}
	if dep.RoomClosed {
		return dep.RoomID, true
	}

	if dep.WasTyping {
		r.broadcast(dep.RoomID, dep.Remaining, EventTypingStatus, TypingStatusPayload{
			RoomID:        dep.RoomID,
			ParticipantID: connID,
			UserID:        dep.Participant.UserID,
			Username:      dep.Participant.Username,
			IsTyping:      false,
		})
	}
	r.broadcast(dep.RoomID, dep.Remaining, EventParticipantLeft, ParticipantEvent{
		RoomID:      dep.RoomID,
		Participant: dep.Participant,
		Count:       len(dep.Remaining),
	})
	return dep.RoomID, true
}

// notifyExecution sends an execution event to the room, or only to the
// requester for room-less requests.
func (r *Router) notifyExecution(connID, roomID, eventType string, payload any) {
	if roomID == "" {
		r.hub.Send(connID, eventType, payload)
		return
	}
	r.broadcast(roomID, r.registry.Members(roomID), eventType, payload)
}

func (r *Router) broadcast(roomID string, connIDs []string, eventType string, payload any) {
	r.hub.Broadcast(connIDs, eventType, payload)
	r.bridge.Mirror(roomID, eventType, payload)
}

func (r *Router) sendError(connID, eventType string, ee *ProtocolError) {
	r.hub.Send(connID, EventError, ErrorPayload{Code: ee.Code, Message: ee.Message, Event: eventType})
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return newEventError(CodeInvalidPayload, "payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return newEventError(CodeInvalidPayload, "malformed payload: %v", err)
	}
	if ra, ok := v.(roomAddressed); ok {
		ra.trimRoomID()
	}
	return nil
}

func joinedPayload(snap *room.Snapshot, connID string) JoinedPayload {
	return JoinedPayload{
		RoomID:        snap.RoomID,
		ConnectionID:  connID,
		Participants:  snap.Participants,
		BufferContent: snap.Content,
		Cursors:       snap.Cursors,
		Typing:        snap.Typing,
		ChatHistory:   snap.ChatHistory,
	}
}

func typingStatus(state room.TypingState) TypingStatusPayload {
	return TypingStatusPayload{
		RoomID:        state.RoomID,
		ParticipantID: state.ConnectionID,
		UserID:        state.UserID,
		Username:      state.Username,
		IsTyping:      state.IsTyping,
	}
}

func executionErrorCode(err error) string {
	switch {
	case execution.IsRateLimited(err):
		return "rate_limited"
	case errors.Is(err, execution.ErrExecutionTimeout), errors.Is(err, execution.ErrRunTimeout):
		return "timeout"
	case errors.Is(err, execution.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, execution.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, execution.ErrDispatcherClosed), errors.Is(err, context.Canceled):
		return "unavailable"
	}
	var be *execution.BackendError
	if errors.As(err, &be) {
		return "backend_error"
	}
	return "failed"
}
