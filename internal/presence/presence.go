package presence

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/showjihyun/trellis/internal/protocol"
)

// Display colors assigned to participants. The palette is fixed so a
// participant keeps the same color across rooms and reconnects.
var palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9",
}

// ColorFor maps a participant id onto the palette.
func ColorFor(participantID string) string {
	h := fnv.New32a()
	h.Write([]byte(participantID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Registry tracks everyone who has joined a room. Entries are kept after
// a participant goes offline so a reconnect resumes the same identity and
// roster position.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*protocol.Participant
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*protocol.Participant),
	}
}

// Join records a participant coming online. The returned flag reports
// whether this participant had been in the room before.
func (r *Registry) Join(p protocol.Profile, now time.Time) (protocol.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[p.ID]; ok {
		existing.DisplayName = pick(p.DisplayName, existing.DisplayName)
		existing.Email = pick(p.Email, existing.Email)
		existing.AvatarURL = pick(p.AvatarURL, existing.AvatarURL)
		existing.Online = true
		existing.LastSeen = now
		return *existing, true
	}

	entry := &protocol.Participant{
		ID:          p.ID,
		DisplayName: pick(p.DisplayName, p.ID),
		Email:       p.Email,
		AvatarURL:   p.AvatarURL,
		Color:       ColorFor(p.ID),
		Online:      true,
		LastSeen:    now,
		JoinedAt:    now,
	}
	r.entries[p.ID] = entry
	r.order = append(r.order, p.ID)
	return *entry, false
}

// MarkOffline flips a participant to offline without forgetting them.
func (r *Registry) MarkOffline(id string, now time.Time) (protocol.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return protocol.Participant{}, false
	}
	entry.Online = false
	entry.LastSeen = now
	return *entry, true
}

// Touch refreshes a participant's last-seen time.
func (r *Registry) Touch(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return false
	}
	entry.LastSeen = now
	return true
}

func (r *Registry) Get(id string) (protocol.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return protocol.Participant{}, false
	}
	return *entry, true
}

// Snapshot returns every known participant in join order.
func (r *Registry) Snapshot() []protocol.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roster := make([]protocol.Participant, 0, len(r.order))
	for _, id := range r.order {
		roster = append(roster, *r.entries[id])
	}
	return roster
}

func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, entry := range r.entries {
		if entry.Online {
			count++
		}
	}
	return count
}

// StaleOnline lists participants still marked online whose last activity
// predates the cutoff.
func (r *Registry) StaleOnline(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []string
	for _, id := range r.order {
		entry := r.entries[id]
		if entry.Online && entry.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

func pick(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}
