// ABOUTME: Tests for the room registry: membership lifecycle, edits, cursors, typing, chat
// ABOUTME: Uses a fake clock so typing deadlines can be crossed deterministically

package room

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairroom/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T, opts Options) (*Registry, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(epoch)
	opts.Clock = fc
	if opts.SweepInterval == 0 {
		opts.SweepInterval = -1
	}
	r := NewRegistry(opts)
	t.Cleanup(r.Close)
	return r, fc
}

func member(connID string) Participant {
	return Participant{ConnectionID: connID, UserID: "user-" + connID, Username: "name-" + connID}
}

func mustJoin(t *testing.T, r *Registry, roomID, connID string) *Snapshot {
	t.Helper()
	snap, err := r.Join(roomID, member(connID))
	require.NoError(t, err)
	return snap
}

func TestJoin_CreatesRoomAndReturnsSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	snap := mustJoin(t, r, "R7", "a")
	assert.Equal(t, "R7", snap.RoomID)
	assert.Equal(t, "", snap.Content)
	require.Len(t, snap.Participants, 1)

	p, ok := snap.Participant("a")
	require.True(t, ok)
	assert.Equal(t, "user-a", p.UserID)
	assert.Equal(t, palette[0], p.Color)
	assert.Equal(t, epoch, p.JoinedAt)
	assert.Equal(t, 1, r.RoomSize("R7"))
}

func TestJoin_CatchUpIncludesExistingState(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	mustJoin(t, r, "R7", "a")

	_, _, err := r.ApplyEdit("R7", "a", "print(1)", Operation{Kind: OpInsert})
	require.NoError(t, err)
	_, _, err = r.AppendChat("R7", ChatMessage{ConnectionID: "a", Text: "hi"})
	require.NoError(t, err)
	_, _, err = r.UpdateCursor("R7", "a", Position{Line: 0, Column: 8})
	require.NoError(t, err)

	snap := mustJoin(t, r, "R7", "b")
	assert.Equal(t, "print(1)", snap.Content)
	assert.Len(t, snap.Participants, 2)
	require.Len(t, snap.ChatHistory, 1)
	assert.Equal(t, "hi", snap.ChatHistory[0].Text)
	require.Len(t, snap.Cursors, 1)
	assert.Equal(t, Position{Line: 0, Column: 8}, snap.Cursors[0].Position)
}

func TestJoin_AssignsDistinctColors(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	seen := map[string]bool{}
	for i := 0; i < len(palette); i++ {
		snap := mustJoin(t, r, "R1", fmt.Sprintf("c%d", i))
		p, _ := snap.Participant(fmt.Sprintf("c%d", i))
		assert.False(t, seen[p.Color], "color %s reused", p.Color)
		seen[p.Color] = true
	}

	// A freed color is handed out again.
	dep, ok := r.Leave("c3")
	require.True(t, ok)
	snap := mustJoin(t, r, "R1", "late")
	p, _ := snap.Participant("late")
	assert.Equal(t, dep.Participant.Color, p.Color)
}

func TestJoin_RejectsConnectionAlreadyInARoom(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	mustJoin(t, r, "R1", "a")

	_, err := r.Join("R1", member("a"))
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	_, err = r.Join("R2", member("a"))
	assert.ErrorIs(t, err, ErrAlreadyJoined)
	assert.Equal(t, 0, r.RoomSize("R2"))
}

func TestJoin_MissingIDs(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	_, err := r.Join("", member("a"))
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = r.Join("R1", Participant{})
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestLeave_IsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	mustJoin(t, r, "R1", "a")
	mustJoin(t, r, "R1", "b")

	dep, ok := r.Leave("a")
	require.True(t, ok)
	assert.Equal(t, "R1", dep.RoomID)
	assert.Equal(t, []string{"b"}, dep.Remaining)
	assert.False(t, dep.RoomClosed)

	_, ok = r.Leave("a")
	assert.False(t, ok)
	_, ok = r.Leave("never-joined")
	assert.False(t, ok)
}

func TestLeave_LastParticipantDestroysRoom(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	mustJoin(t, r, "R1", "a")
	_, _, err := r.ApplyEdit("R1", "a", "x = 1", Operation{Kind: OpInsert})
	require.NoError(t, err)

	dep, ok := r.Leave("a")
	require.True(t, ok)
	assert.True(t, dep.RoomClosed)
	assert.Empty(t, dep.Remaining)

	_, exists := r.Snapshot("R1")
	assert.False(t, exists)
	assert.Equal(t, 0, r.RoomSize("R1"))

	// A new join starts from a clean room.
	snap := mustJoin(t, r, "R1", "b")
	assert.Equal(t, "", snap.Content)
	assert.Empty(t, snap.ChatHistory)
}

func TestLeave_ReportsActiveTyping(t *testing.T) {
	r, _ := newTestRegistry(t, Options{TypingTimeout: 2 * time.Second})
	mustJoin(t, r, "R1", "a")
	mustJoin(t, r, "R1", "b")
	_, err := r.SetTyping("R1", "a", true)
	require.NoError(t, err)

	dep, ok := r.Leave("a")
	require.True(t, ok)
	assert.True(t, dep.WasTyping)

	snap, _ := r.Snapshot("R1")
	assert.Empty(t, snap.Typing)
}

func TestRoomSize_TracksJoinsMinusLeaves(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	rng := rand.New(rand.NewSource(7))

	joined := map[string]bool{}
	for i := 0; i < 500; i++ {
		connID := fmt.Sprintf("c%d", rng.Intn(20))
		if joined[connID] {
			_, ok := r.Leave(connID)
			require.True(t, ok)
			delete(joined, connID)
		} else {
			mustJoin(t, r, "R1", connID)
			joined[connID] = true
		}

		require.Equal(t, len(joined), r.RoomSize("R1"))
		_, exists := r.Snapshot("R1")
		require.Equal(t, len(joined) > 0, exists)
	}
}

func TestApplyEdit_LastWriteWins(t *testing.T) {
	r, fc := newTestRegistry(t, Options{})
	mustJoin(t, r, "R1", "a")
	mustJoin(t, r, "R1", "b")

	contents := []string{"a", "ab", "abc", "print(1)"}
	for i, c := range contents {
		author := "a"
		if i%2 == 1 {
			author = "b"
		}
		fc.Advance(time.Millisecond)
		_, _, err := r.ApplyEdit("R1", author, c, Operation{Kind: OpReplace, Content: c})
		require.NoError(t, err)

		snap, ok := r.Snapshot("R1")
		require.True(t, ok)
		assert.Equal(t, c, snap.Content)
	}
}

func TestApplyEdit_NotifiesOthersAndStampsOperation(t *testing.T) {
	r, fc := newTestRegistry(t, Options{})
	mustJoin(t, r, "R1", "a")
	mustJoin(t, r, "R1", "b")
	mustJoin(t, r, "R1", "c")
	fc.Advance(time.Second)

	op, notify, err := r.ApplyEdit("R1", "a", "hello", Operation{Kind: OpInsert, Line: 0, Column: 0, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, notify)
	assert.Equal(t, "user-a", op.AuthorID)
	assert.Equal(t, epoch.Add(time.Second), op.Timestamp)
	assert.Equal(t, "hello", op.Content)

	snap, _ := r.Snapshot("R1")
	p, _ := snap.Participant("a")
	assert.Equal(t, epoch.Add(time.Second), p.LastActiveAt)
}

func TestApplyEdit_Errors(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	mustJoin(t, r, "R1", "a")
	mustJoin(t, r, "R2", "z")

	_, _, err := r.ApplyEdit("missing", "a", "x", Operation{Kind: OpInsert})
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, _, err = r.ApplyEdit("R1", "z", "x", Operation{Kind: OpInsert})
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, _, err = r.ApplyEdit("R1", "a", "x", Operation{Kind: "move"})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, _, err = r.ApplyEdit("R1", "a", "x", Operation{Kind: OpDelete, Length: -1})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	// None of the failures created or changed a room.
	_, exists := r.Snapshot("missing")
	assert.False(t, exists)
	snap, _ := r.Snapshot("R1")
	assert.Equal(t, "", snap.Content)
}

type failingStrategy struct{}

func (failingStrategy) Apply(string, string, *Operation) (string, error) {
	return "", errors.New("conflict")
}

func TestApplyEdit_StrategyErrorLeavesBufferUntouched(t *testing.T) {
	r, _ := newTestRegistry(t, Options{Strategy: failingStrategy{}})
	mustJoin(t, r, "R1", "a")

	_, _, err := r.ApplyEdit("R1", "a", "x", Operation{Kind: OpInsert})
	assert.EqualError(t, err, "conflict")

	snap, _ := r.Snapshot("R1")
	assert.Equal(t, "", snap.Content)
}

func TestUpdateCursor(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	mustJoin(t, r, "R1", "a")
	mustJoin(t, r, "R1", "b")

	cur, notify, err := r.UpdateCursor("R1", "a", Position{Line: 3, Column: 4})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, notify)
	assert.Equal(t, "name-a", cur.Username)
	assert.Equal(t, Position{Line: 3, Column: 4}, cur.Position)

	_, _, err = r.UpdateCursor("R1", "a", Position{Line: 5, Column: 0})
	require.NoError(t, err)

	snap, _ := r.Snapshot("R1")
	require.Len(t, snap.Cursors, 1)
	assert.Equal(t, 5, snap.Cursors[0].Position.Line)
	p, _ := snap.Participant("a")
	require.NotNil(t, p.Cursor)
	assert.Equal(t, 5, p.Cursor.Line)

	_, _, err = r.UpdateCursor("R1", "a", Position{Line: -1})
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestSetTyping_ExpiresWithoutStop(t *testing.T) {
	r, fc := newTestRegistry(t, Options{TypingTimeout: 3 * time.Second})
	mustJoin(t, r, "R1", "a")
	mustJoin(t, r, "R1", "b")

	state, err := r.SetTyping("R1", "a", true)
	require.NoError(t, err)
	assert.True(t, state.Changed)
	assert.Equal(t, []string{"b"}, state.Notify)

	snap, _ := r.Snapshot("R1")
	assert.Equal(t, []string{"a"}, snap.Typing)

	fc.Advance(3 * time.Second)

	// Hidden from reads as soon as the deadline passes, before any sweep.
	snap, _ = r.Snapshot("R1")
	assert.Empty(t, snap.Typing)
	p, _ := snap.Participant("a")
	assert.False(t, p.Typing)
}

func TestSetTyping_RefreshIsNotAChange(t *testing.T) {
	r, fc := newTestRegistry(t, Options{TypingTimeout: 3 * time.Second})
	mustJoin(t, r, "R1", "a")

	state, err := r.SetTyping("R1", "a", true)
	require.NoError(t, err)
	assert.True(t, state.Changed)

	fc.Advance(2 * time.Second)
	state, err = r.SetTyping("R1", "a", true)
	require.NoError(t, err)
	assert.False(t, state.Changed)

	// Refresh pushed the deadline out.
	fc.Advance(2 * time.Second)
	snap, _ := r.Snapshot("R1")
	assert.Equal(t, []string{"a"}, snap.Typing)

	state, err = r.SetTyping("R1", "a", false)
	require.NoError(t, err)
	assert.True(t, state.Changed)

	state, err = r.SetTyping("R1", "a", false)
	require.NoError(t, err)
	assert.False(t, state.Changed)
}

func TestSweepTyping_ReportsExpiry(t *testing.T) {
	var (
		mu      sync.Mutex
		expired []TypingState
	)
	r, fc := newTestRegistry(t, Options{
		TypingTimeout: 2 * time.Second,
		OnTypingExpired: func(s TypingState) {
			mu.Lock()
			defer mu.Unlock()
			expired = append(expired, s)
		},
	})
	mustJoin(t, r, "R1", "a")
	mustJoin(t, r, "R1", "b")
	_, err := r.SetTyping("R1", "a", true)
	require.NoError(t, err)

	r.sweepTyping()
	mu.Lock()
	assert.Empty(t, expired)
	mu.Unlock()

	fc.Advance(2 * time.Second)
	r.sweepTyping()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, expired, 1)
	assert.Equal(t, "a", expired[0].ConnectionID)
	assert.Equal(t, "R1", expired[0].RoomID)
	assert.False(t, expired[0].IsTyping)
	assert.Equal(t, []string{"b"}, expired[0].Notify)

	// A later stop is no longer a change.
	state, err := r.SetTyping("R1", "a", false)
	require.NoError(t, err)
	assert.False(t, state.Changed)
}

func TestSetTyping_StopAfterDeadlineBeforeSweep(t *testing.T) {
	var expired []TypingState
	r, fc := newTestRegistry(t, Options{
		TypingTimeout:   3 * time.Second,
		OnTypingExpired: func(s TypingState) { expired = append(expired, s) },
	})
	mustJoin(t, r, "R1", "a")
	mustJoin(t, r, "R1", "b")

	state, err := r.SetTyping("R1", "a", true)
	require.NoError(t, err)
	require.True(t, state.Changed)

	fc.Advance(3500 * time.Millisecond)

	// The sweep has not run, so this stop is the only chance to clear peers.
	state, err = r.SetTyping("R1", "a", false)
	require.NoError(t, err)
	assert.True(t, state.Changed)
	assert.False(t, state.IsTyping)
	assert.Equal(t, []string{"b"}, state.Notify)

	r.sweepTyping()
	assert.Empty(t, expired)

	// A start after expiry is a fresh change.
	state, err = r.SetTyping("R1", "a", true)
	require.NoError(t, err)
	assert.True(t, state.Changed)
}

func TestLeave_ReportsExpiredUnsweptTyping(t *testing.T) {
	r, fc := newTestRegistry(t, Options{TypingTimeout: 2 * time.Second})
	mustJoin(t, r, "R1", "a")
	mustJoin(t, r, "R1", "b")
	_, err := r.SetTyping("R1", "a", true)
	require.NoError(t, err)

	fc.Advance(5 * time.Second)

	dep, ok := r.Leave("a")
	require.True(t, ok)
	assert.True(t, dep.WasTyping)
}

func TestSweepLoop_RunsInBackground(t *testing.T) {
	fired := make(chan TypingState, 1)
	fc := clock.Fake(epoch)
	r := NewRegistry(Options{
		TypingTimeout:   time.Second,
		SweepInterval:   5 * time.Millisecond,
		Clock:           fc,
		OnTypingExpired: func(s TypingState) { fired <- s },
	})
	defer r.Close()

	mustJoin(t, r, "R1", "a")
	_, err := r.SetTyping("R1", "a", true)
	require.NoError(t, err)
	fc.Advance(time.Second)

	select {
	case s := <-fired:
		assert.Equal(t, "a", s.ConnectionID)
	case <-time.After(time.Second):
		t.Fatal("sweep did not clear expired typing flag")
	}
}

func TestAppendChat_BoundedWithIncreasingIDs(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	mustJoin(t, r, "R1", "a")
	mustJoin(t, r, "R1", "b")

	var lastID int64
	for i := 1; i <= 101; i++ {
		msg, notify, err := r.AppendChat("R1", ChatMessage{ConnectionID: "a", Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		assert.Greater(t, msg.ID, lastID)
		assert.Equal(t, []string{"a", "b"}, notify)
		lastID = msg.ID
	}

	snap, _ := r.Snapshot("R1")
	require.Len(t, snap.ChatHistory, 100)
	assert.Equal(t, "m2", snap.ChatHistory[0].Text)
	newest := snap.ChatHistory[99]
	assert.Equal(t, "m101", newest.Text)
	for _, m := range snap.ChatHistory[:99] {
		assert.Less(t, m.ID, newest.ID)
	}
}

func TestAppendChat_StampsAuthorAndTime(t *testing.T) {
	r, fc := newTestRegistry(t, Options{ChatCapacity: 2})
	mustJoin(t, r, "R1", "a")
	fc.Advance(time.Minute)

	msg, _, err := r.AppendChat("R1", ChatMessage{ConnectionID: "a", Text: "hi", AuthorID: "spoofed"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.ID)
	assert.Equal(t, "user-a", msg.AuthorID)
	assert.Equal(t, "name-a", msg.Author)
	assert.Equal(t, "R1", msg.RoomID)
	assert.Equal(t, epoch.Add(time.Minute), msg.Timestamp)

	_, _, err = r.AppendChat("R2", ChatMessage{ConnectionID: "a", Text: "hi"})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRegistry_ConcurrentRoomsIndependent(t *testing.T) {
	r := NewRegistry(Options{SweepInterval: -1})
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		roomID := fmt.Sprintf("R%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				connID := fmt.Sprintf("%s-c%d", roomID, j)
				_, err := r.Join(roomID, member(connID))
				assert.NoError(t, err)
				_, _, err = r.ApplyEdit(roomID, connID, connID, Operation{Kind: OpReplace})
				assert.NoError(t, err)
				_, _, err = r.AppendChat(roomID, ChatMessage{ConnectionID: connID, Text: "x"})
				assert.NoError(t, err)
			}
			for j := 0; j < 20; j++ {
				r.Leave(fmt.Sprintf("%s-c%d", roomID, j))
			}
		}()
	}
	wg.Wait()

	rooms, participants := r.Stats()
	assert.Equal(t, 0, rooms)
	assert.Equal(t, 0, participants)
}

func TestRoomOfAndMembers(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	mustJoin(t, r, "R1", "b")
	mustJoin(t, r, "R1", "a")

	roomID, ok := r.RoomOf("a")
	assert.True(t, ok)
	assert.Equal(t, "R1", roomID)
	assert.Equal(t, []string{"a", "b"}, r.Members("R1"))
	assert.Nil(t, r.Members("R9"))
}
