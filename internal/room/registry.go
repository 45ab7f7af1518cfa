// ABOUTME: Registry of live rooms keyed by session id, with a connection-to-room index
// ABOUTME: Serializes mutations per room and sweeps expired typing flags in the background

package room

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/pairroom/internal/clock"
)

// Defaults used when Options fields are zero.
const (
	DefaultTypingTimeout = 3 * time.Second
	DefaultSweepInterval = time.Second
	DefaultChatCapacity  = 100
)

// Options configures a Registry.
type Options struct {
	// TypingTimeout is how long a typing flag lives without a refresh.
	TypingTimeout time.Duration

	// SweepInterval is how often expired typing flags are removed. A
	// negative value disables the background sweep.
	SweepInterval time.Duration

	// ChatCapacity bounds the per-room chat log.
	ChatCapacity int

	// Strategy folds edits into the buffer. Defaults to LastWriteWins.
	Strategy EditStrategy

	// OnTypingExpired is called, outside any lock, for every typing flag
	// removed by the sweep.
	OnTypingExpired func(TypingState)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Registry owns every live room. The zero value is not usable; call NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[string]*room
	connIndex map[string]string // connectionID -> roomID

	typingTimeout   time.Duration
	chatCapacity    int
	strategy        EditStrategy
	onTypingExpired func(TypingState)
	clock           clock.Clock
	logger          *slog.Logger

	done   chan struct{}
	closed bool
}

// room is the per-session state. All fields below mu are guarded by it.
type room struct {
	mu sync.Mutex

	id           string
	participants map[string]*Participant
	content      string
	cursors      map[string]*Cursor
	typing       map[string]time.Time // connectionID -> deadline
	chat         []ChatMessage
	nextChatID   int64
	createdAt    time.Time
	updatedAt    time.Time

	// closed is set once the room has been removed from the registry so
	// callers holding a stale pointer observe ErrRoomNotFound.
	closed bool
}

// NewRegistry creates a registry and starts its typing sweep.
func NewRegistry(opts Options) *Registry {
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.ChatCapacity <= 0 {
		opts.ChatCapacity = DefaultChatCapacity
	}
	if opts.Strategy == nil {
		opts.Strategy = LastWriteWins{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Registry{
		rooms:           make(map[string]*room),
		connIndex:       make(map[string]string),
		typingTimeout:   opts.TypingTimeout,
		chatCapacity:    opts.ChatCapacity,
		strategy:        opts.Strategy,
		onTypingExpired: opts.OnTypingExpired,
		clock:           opts.Clock,
		logger:          opts.Logger.With("component", "rooms"),
		done:            make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go r.sweepLoop(r.clock.NewTicker(opts.SweepInterval))
	}
	return r
}

// Join registers p in roomID, creating the room if needed, and returns a
// catch-up snapshot that includes p. The registry assigns Color, JoinedAt
// and LastActiveAt.
func (r *Registry) Join(roomID string, p Participant) (*Snapshot, error) {
	if roomID == "" || p.ConnectionID == "" {
		return nil, ErrMissingID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.connIndex[p.ConnectionID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyJoined, current)
	}

	now := r.clock.Now()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			id:           roomID,
			participants: make(map[string]*Participant),
			cursors:      make(map[string]*Cursor),
			typing:       make(map[string]time.Time),
			createdAt:    now,
			updatedAt:    now,
		}
		r.rooms[roomID] = rm
		r.logger.Debug("room created", "room_id", roomID)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	p.Color = pickColor(rm.participants)
	p.JoinedAt = now
	p.LastActiveAt = now
	p.Cursor = nil
	p.Typing = false
	rm.participants[p.ConnectionID] = &p
	r.connIndex[p.ConnectionID] = roomID

	r.logger.Debug("participant joined",
		"room_id", roomID,
		"conn_id", p.ConnectionID,
		"user_id", p.UserID,
		"participants", len(rm.participants))

	return rm.snapshotLocked(now), nil
}

// Leave removes connID from whichever room it belongs to and destroys the
// room when it becomes empty. Unknown connections return ok=false.
func (r *Registry) Leave(connID string) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.connIndex[connID]
	if !ok {
		return Departure{}, false
	}
	delete(r.connIndex, connID)

	rm, ok := r.rooms[roomID]
	if !ok {
		return Departure{}, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	p, ok := rm.participants[connID]
	if !ok {
		return Departure{}, false
	}

	_, typing := rm.typing[connID]
	dep := Departure{
		RoomID:      roomID,
		Participant: *p,
		WasTyping:   typing,
	}

	delete(rm.participants, connID)
	delete(rm.cursors, connID)
	delete(rm.typing, connID)

	if len(rm.participants) == 0 {
		rm.closed = true
		delete(r.rooms, roomID)
		dep.RoomClosed = true
		r.logger.Debug("room destroyed", "room_id", roomID)
	} else {
		dep.Remaining = rm.membersLocked("")
	}

	r.logger.Debug("participant left",
		"room_id", roomID,
		"conn_id", connID,
		"participants", len(rm.participants))

	return dep, true
}

// ApplyEdit folds submitted into the room buffer and returns the stamped
// operation together with the other connections to notify.
func (r *Registry) ApplyEdit(roomID, connID, submitted string, op Operation) (Operation, []string, error) {
	if err := op.Validate(); err != nil {
		return Operation{}, nil, err
	}

	var notify []string
	err := r.withParticipant(roomID, connID, func(rm *room, p *Participant, now time.Time) error {
		content, err := r.strategy.Apply(rm.content, submitted, &op)
		if err != nil {
			return err
		}
		rm.content = content
		rm.updatedAt = now
		op.AuthorID = p.UserID
		op.Timestamp = now
		notify = rm.membersLocked(connID)
		return nil
	})
	if err != nil {
		return Operation{}, nil, err
	}
	return op, notify, nil
}

// UpdateCursor upserts the cursor for connID and returns it with the
// other connections to notify.
func (r *Registry) UpdateCursor(roomID, connID string, pos Position) (Cursor, []string, error) {
	if err := pos.Validate(); err != nil {
		return Cursor{}, nil, err
	}

	var (
		cur    Cursor
		notify []string
	)
	err := r.withParticipant(roomID, connID, func(rm *room, p *Participant, now time.Time) error {
		position := pos
		p.Cursor = &position
		cur = Cursor{
			ConnectionID: connID,
			UserID:       p.UserID,
			Username:     p.Username,
			Color:        p.Color,
			Position:     pos,
			UpdatedAt:    now,
		}
		stored := cur
		rm.cursors[connID] = &stored
		notify = rm.membersLocked(connID)
		return nil
	})
	if err != nil {
		return Cursor{}, nil, err
	}
	return cur, notify, nil
}

// SetTyping sets or clears the typing flag for connID. Setting an active
// flag again only pushes its deadline out. Clearing a flag that is past its
// deadline but not yet swept still counts as a change, since peers were told
// about the start and the sweep will no longer see it.
func (r *Registry) SetTyping(roomID, connID string, isTyping bool) (TypingState, error) {
	var state TypingState
	err := r.withParticipant(roomID, connID, func(rm *room, p *Participant, now time.Time) error {
		deadline, had := rm.typing[connID]

		changed := had
		if isTyping {
			changed = !had || !now.Before(deadline)
			rm.typing[connID] = now.Add(r.typingTimeout)
		} else {
			delete(rm.typing, connID)
		}
		p.Typing = isTyping

		state = TypingState{
			RoomID:       roomID,
			ConnectionID: connID,
			UserID:       p.UserID,
			Username:     p.Username,
			IsTyping:     isTyping,
			Changed:      changed,
			Notify:       rm.membersLocked(connID),
		}
		return nil
	})
	return state, err
}

// AppendChat stores msg in the room's chat log, evicting the oldest entry
// beyond capacity. The author is taken from msg.ConnectionID's participant
// record. It returns the stored message and every connection in the room,
// sender included.
func (r *Registry) AppendChat(roomID string, msg ChatMessage) (ChatMessage, []string, error) {
	var (
		stored ChatMessage
		notify []string
	)
	err := r.withParticipant(roomID, msg.ConnectionID, func(rm *room, p *Participant, now time.Time) error {
		rm.nextChatID++
		msg.ID = rm.nextChatID
		msg.RoomID = roomID
		msg.AuthorID = p.UserID
		msg.Author = p.Username
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}

		rm.chat = append(rm.chat, msg)
		if over := len(rm.chat) - r.chatCapacity; over > 0 {
			copy(rm.chat, rm.chat[over:])
			rm.chat = rm.chat[:r.chatCapacity]
		}

		stored = msg
		notify = rm.membersLocked("")
		return nil
	})
	if err != nil {
		return ChatMessage{}, nil, err
	}
	return stored, notify, nil
}

// RoomSize returns the number of participants in roomID, or 0 if it does not exist.
func (r *Registry) RoomSize(roomID string) int {
	rm := r.lookup(roomID)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return 0
	}
	return len(rm.participants)
}

// Snapshot returns a copy of roomID's state, or false if it does not exist.
func (r *Registry) Snapshot(roomID string) (*Snapshot, bool) {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil, false
	}
	return rm.snapshotLocked(r.clock.Now()), true
}

// Members returns every connection currently in roomID.
func (r *Registry) Members(roomID string) []string {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil
	}
	return rm.membersLocked("")
}

// RoomOf returns the room connID currently belongs to.
func (r *Registry) RoomOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.connIndex[connID]
	return roomID, ok
}

// Stats returns the number of live rooms and participants.
func (r *Registry) Stats() (rooms, participants int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.connIndex)
}

// Close stops the background sweep. It is safe to call multiple times.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		close(r.done)
		r.closed = true
	}
}

func (r *Registry) lookup(roomID string) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// withParticipant runs fn under the room lock after checking that connID
// is a participant. LastActiveAt is refreshed on success.
func (r *Registry) withParticipant(roomID, connID string, fn func(*room, *Participant, time.Time) error) error {
	if roomID == "" || connID == "" {
		return ErrMissingID
	}
	rm := r.lookup(roomID)
	if rm == nil {
		return ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return ErrRoomNotFound
	}
	p, ok := rm.participants[connID]
	if !ok {
		return ErrNotParticipant
	}

	now := r.clock.Now()
	if err := fn(rm, p, now); err != nil {
		return err
	}
	p.LastActiveAt = now
	return nil
}

func (r *Registry) sweepLoop(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepTyping()
		case <-r.done:
			return
		}
	}
}

// sweepTyping removes expired typing flags from every room and reports
// each removal through onTypingExpired.
func (r *Registry) sweepTyping() {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	now := r.clock.Now()
	var expired []TypingState
	for _, rm := range rooms {
		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}
		for connID, deadline := range rm.typing {
			if now.Before(deadline) {
				continue
			}
			delete(rm.typing, connID)
			state := TypingState{RoomID: rm.id, ConnectionID: connID, Changed: true}
			if p, ok := rm.participants[connID]; ok {
				p.Typing = false
				state.UserID = p.UserID
				state.Username = p.Username
			}
			state.Notify = rm.membersLocked(connID)
			expired = append(expired, state)
		}
		rm.mu.Unlock()
	}

	for _, state := range expired {
		r.logger.Debug("typing expired", "room_id", state.RoomID, "conn_id", state.ConnectionID)
		if r.onTypingExpired != nil {
			r.onTypingExpired(state)
		}
	}
}

// membersLocked lists participant connection ids except exclude, sorted
// for stable fan-out order. Caller holds rm.mu.
func (rm *room) membersLocked(exclude string) []string {
	ids := make([]string, 0, len(rm.participants))
	for id := range rm.participants {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// snapshotLocked copies the room state. Expired typing flags are left
// out even if the sweep has not removed them yet. Caller holds rm.mu.
func (rm *room) snapshotLocked(now time.Time) *Snapshot {
	snap := &Snapshot{
		RoomID:       rm.id,
		Content:      rm.content,
		Participants: make([]Participant, 0, len(rm.participants)),
		Cursors:      make([]Cursor, 0, len(rm.cursors)),
		Typing:       make([]string, 0, len(rm.typing)),
		ChatHistory:  make([]ChatMessage, len(rm.chat)),
		CreatedAt:    rm.createdAt,
		UpdatedAt:    rm.updatedAt,
	}

	for _, p := range rm.participants {
		cp := *p
		if p.Cursor != nil {
			pos := *p.Cursor
			cp.Cursor = &pos
		}
		deadline, ok := rm.typing[p.ConnectionID]
		cp.Typing = ok && now.Before(deadline)
		snap.Participants = append(snap.Participants, cp)
	}
	sort.Slice(snap.Participants, func(i, j int) bool {
		a, b := snap.Participants[i], snap.Participants[j]
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.ConnectionID < b.ConnectionID
	})

	for _, c := range rm.cursors {
		snap.Cursors = append(snap.Cursors, *c)
	}
	sort.Slice(snap.Cursors, func(i, j int) bool {
		return snap.Cursors[i].ConnectionID < snap.Cursors[j].ConnectionID
	})

	for connID, deadline := range rm.typing {
		if now.Before(deadline) {
			snap.Typing = append(snap.Typing, connID)
		}
	}
	sort.Strings(snap.Typing)

	copy(snap.ChatHistory, rm.chat)
	return snap
}
