// ABOUTME: Pluggable strategy for folding an incoming edit into the room buffer
// ABOUTME: LastWriteWins keeps the newest full-content snapshot in arrival order

package room

// EditStrategy computes the new buffer content for an incoming edit. It
// runs under the room lock, in server arrival order.
type EditStrategy interface {
	Apply(current, submitted string, op *Operation) (string, error)
}

// LastWriteWins replaces the buffer with the submitted content. The
// operation descriptor is not consulted, so concurrent edits from
// different connections are not merged: the later arrival overwrites the
// earlier one.
type LastWriteWins struct{}

// Apply returns submitted unchanged.
func (LastWriteWins) Apply(_, submitted string, _ *Operation) (string, error) {
	return submitted, nil
}
