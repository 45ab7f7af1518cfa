// ABOUTME: Read-only HTTP API: health, readiness, live room state and execution history
// ABOUTME: Room state comes from the registry; history comes from the configured store

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/2389/pairroom/internal/room"
	"github.com/2389/pairroom/internal/store"
)

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Status            string `json:"status"`
	Rooms             int    `json:"rooms"`
	Participants      int    `json:"participants"`
	Connections       int    `json:"connections"`
	PendingExecutions int    `json:"pendingExecutions"`
}

// RoomResponse is the body of GET /api/rooms/{roomID}.
type RoomResponse struct {
	RoomID       string             `json:"roomId"`
	Size         int                `json:"size"`
	Participants []room.Participant `json:"participants"`
	Typing       []string           `json:"typing"`
	ChatMessages int                `json:"chatMessages"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// ExecutionsResponse is the body of GET /api/rooms/{roomID}/executions.
type ExecutionsResponse struct {
	RoomID     string                   `json:"roomId"`
	Executions []*store.ExecutionRecord `json:"executions"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports live counts. The gateway is ready as soon as it serves.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	rooms, participants := g.registry.Stats()
	g.sendJSON(w, http.StatusOK, ReadyResponse{
		Status:            "ready",
		Rooms:             rooms,
		Participants:      participants,
		Connections:       g.router.Connections(),
		PendingExecutions: g.dispatcher.Pending(),
	})
}

func (g *Gateway) handleRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	snap, ok := g.registry.Snapshot(roomID)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "room not found")
		return
	}
	g.sendJSON(w, http.StatusOK, RoomResponse{
		RoomID:       snap.RoomID,
		Size:         len(snap.Participants),
		Participants: snap.Participants,
		Typing:       snap.Typing,
		ChatMessages: len(snap.ChatHistory),
		CreatedAt:    snap.CreatedAt,
		UpdatedAt:    snap.UpdatedAt,
	})
}

// handleExecutions lists persisted executions for a room, newest first.
// History outlives the room, so an absent live room is not an error.
func (g *Gateway) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "execution history is disabled")
		return
	}

	roomID := mux.Vars(r)["roomID"]
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := g.store.ListExecutions(r.Context(), roomID, limit)
	if err != nil {
		g.logger.Error("failed to list executions", "room_id", roomID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if records == nil {
		records = []*store.ExecutionRecord{}
	}
	g.sendJSON(w, http.StatusOK, ExecutionsResponse{RoomID: roomID, Executions: records})
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
