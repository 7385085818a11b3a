package ws

import (
	"errors"
	"log"
	"sync"

	"github.com/showjihyun/trellis/internal/changelog"
	"github.com/showjihyun/trellis/internal/ratelimit"
	"github.com/showjihyun/trellis/internal/session"
	"github.com/showjihyun/trellis/internal/store"
)

// Hub tracks the live rooms and revives persisted ones on demand. Rooms
// remove themselves once they close, so the map only ever holds rooms a
// client could still join.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*session.Room

	store *store.Store
	cfg   session.Config

	limiters *ratelimit.Registry
}

// NewHub creates a hub. store may be nil, in which case rooms live purely
// in memory and history is lost when they close.
func NewHub(st *store.Store, cfg session.Config) *Hub {
	return &Hub{
		rooms:    make(map[string]*session.Room),
		store:    st,
		cfg:      cfg,
		limiters: ratelimit.NewRegistry(messagesPerSecond, messageBurst),
	}
}

// Room returns a live room, if there is one.
func (h *Hub) Room(id string) (*session.Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[id]
	return room, ok
}

// getOrCreate returns the live room for id, reviving it from the store if
// it has history there.
func (h *Hub) getOrCreate(id string) *session.Room {
	h.mu.RLock()
	room, ok := h.rooms[id]
	h.mu.RUnlock()
	if ok {
		return room
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[id]; ok {
		return room
	}

	// A nil *store.Store must become a nil interface, not an interface
	// wrapping nil.
	var recorder session.Recorder
	if h.store != nil {
		recorder = h.store
	}

	room = session.NewRoom(id, h.cfg, recorder, h.removeRoom)
	if h.store != nil {
		h.seed(room, id)
	}
	h.rooms[id] = room
	log.Printf("Room %s opened", id)
	return room
}

// seed loads a room's stored history. Failures leave the room empty
// rather than unavailable; a corrupt op tail is discarded and the room
// resumes from its last snapshot.
func (h *Hub) seed(room *session.Room, id string) {
	if err := h.store.CreateRoom(id, id); err != nil {
		log.Printf("Room %s: store unavailable: %v", id, err)
		return
	}

	blob, baseSeq, err := h.store.GetSnapshot(id)
	if err != nil {
		log.Printf("Room %s: could not load snapshot: %v", id, err)
		return
	}
	tail, err := h.store.OpsAfter(id, baseSeq)
	if err != nil {
		log.Printf("Room %s: could not load ops: %v", id, err)
		return
	}

	err = room.Seed(blob, baseSeq, tail)
	if errors.Is(err, changelog.ErrCorrupted) {
		log.Printf("⚠️ Room %s: %v, discarding op tail and resuming from snapshot", id, err)
		if clearErr := h.store.ClearOps(id); clearErr != nil {
			log.Printf("Room %s: could not clear ops: %v", id, clearErr)
		}
		err = room.Seed(blob, baseSeq, nil)
	}
	if err != nil {
		log.Printf("Room %s: seed failed: %v", id, err)
		return
	}

	if seq := room.LastSeq(); seq > 0 {
		log.Printf("Room %s resumed at seq %d (%d ops from store)", id, seq, len(tail))
	}
}

// removeRoom is handed to each room as its close callback.
func (h *Hub) removeRoom(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[id]; ok && room.State() == session.StateClosed {
		delete(h.rooms, id)
		log.Printf("Room %s released", id)
	}
}

// Shutdown closes every live room and stops the shared rate limiters.
func (h *Hub) Shutdown(reason string) {
	h.mu.Lock()
	rooms := make([]*session.Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()

	for _, room := range rooms {
		room.Close(reason)
	}
	h.limiters.Stop()
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, room := range h.rooms {
		total += room.Info().OnlineUsers
	}
	return total
}

// Rooms returns a point-in-time view of every live room.
func (h *Hub) Rooms() []session.RoomInfo {
	h.mu.RLock()
	rooms := make([]*session.Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.RUnlock()

	infos := make([]session.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		infos = append(infos, room.Info())
	}
	return infos
}

// ActiveRooms maps room ids to their online participant counts.
func (h *Hub) ActiveRooms() map[string]int {
	counts := make(map[string]int)
	for _, info := range h.Rooms() {
		counts[info.ID] = info.OnlineUsers
	}
	return counts
}
