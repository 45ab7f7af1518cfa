// ABOUTME: Participant display color assignment from a fixed palette
// ABOUTME: Picks the first color unused in the room, wrapping by head count when exhausted

package room

// palette is the set of participant colors handed out in order.
var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#42d4f4", "#f032e6", "#9a6324", "#469990", "#808000",
}

// pickColor returns the first palette entry not used by the current
// participants, or a deterministic wrap-around when all are taken.
func pickColor(participants map[string]*Participant) string {
	used := make(map[string]bool, len(participants))
	for _, p := range participants {
		used[p.Color] = true
	}
	for _, c := range palette {
		if !used[c] {
			return c
		}
	}
	return palette[len(participants)%len(palette)]
}
