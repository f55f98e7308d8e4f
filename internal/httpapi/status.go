// Package httpapi exposes a read-only JSON view of a room.Manager's
// state: which rooms exist and how many peers each holds.
//
// cmd/monitor polls this endpoint to drive its termui dashboard; it is
// also mounted by the websocket wire's server next to its upgrade
// route so a single listener serves both concerns.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/webitel/syncfabric/internal/room"
)

// RoomStatus is one room's point-in-time summary.
type RoomStatus struct {
	ID    string `json:"id"`
	Peers int    `json:"peers"`
}

// Handler serves room-status endpoints for a RoomManager.
type Handler struct {
	rooms *room.Manager
}

// NewHandler builds a Handler over rooms.
func NewHandler(rooms *room.Manager) *Handler {
	return &Handler{rooms: rooms}
}

// Routes mounts the handler's endpoints on r:
//
//	GET /rooms       -> []RoomStatus, sorted by id
//	GET /rooms/{id}  -> single RoomStatus (404 if the manager holds no such room)
func (h *Handler) Routes(r chi.Router) {
	r.Get("/rooms", h.listRooms)
	r.Get("/rooms/{id}", h.getRoom)
}

func (h *Handler) listRooms(w http.ResponseWriter, _ *http.Request) {
	snap := h.rooms.Snapshot()
	out := make([]RoomStatus, 0, len(snap))
	for id, rm := range snap {
		out = append(out, RoomStatus{ID: id, Peers: rm.PeerCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap := h.rooms.Snapshot()
	rm, ok := snap[id]
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RoomStatus{ID: id, Peers: rm.PeerCount()})
}
