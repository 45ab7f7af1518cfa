// Package room implements the in-memory registry of live editing rooms.
//
// # Overview
//
// A Room exists exactly while it has at least one participant. The first
// Join creates it; the last Leave destroys it together with its buffer,
// cursors, typing flags and chat log.
//
//	reg := room.NewRegistry(room.Options{TypingTimeout: 3 * time.Second})
//	defer reg.Close()
//
//	snap, err := reg.Join("R7", room.Participant{ConnectionID: "c1", UserID: "u1", Username: "ada"})
//
// # Concurrency
//
// Every room carries its own mutex, so operations on one room are
// linearizable while operations on different rooms proceed in parallel.
// The registry-wide lock is only held to look rooms up and, during Join
// and Leave, to create or destroy them.
//
// # Edits
//
// ApplyEdit stores the submitted content through an EditStrategy. The
// default, LastWriteWins, replaces the buffer with whatever arrived last
// in server order; the Operation descriptor is stamped and handed back for
// observers but never used to transform state. Concurrent edits are not
// merged.
//
// # Typing
//
// SetTyping(..., true) stores a deadline. Expired flags are hidden from
// reads immediately and removed by a periodic sweep, which reports each
// removal through Options.OnTypingExpired so peers can be told.
package room
