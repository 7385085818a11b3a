package pointer

import (
	"sort"
	"sync"
	"time"

	"github.com/showjihyun/trellis/internal/protocol"
)

// State is the last known cursor position for a participant.
type State struct {
	ParticipantID string
	Cursor        protocol.Cursor
	UpdatedAt     time.Time
}

// Selection records that a participant holds an element.
type Selection struct {
	ParticipantID string
	ElementID     string
	Kind          string
	UpdatedAt     time.Time
}

// Tracker holds the ephemeral per-room pointer state. Updates overwrite
// unconditionally; the newest report wins and nothing here is persisted
// or replayed.
type Tracker struct {
	mu         sync.RWMutex
	cursors    map[string]State
	selections map[string]map[string]Selection
}

func NewTracker() *Tracker {
	return &Tracker{
		cursors:    make(map[string]State),
		selections: make(map[string]map[string]Selection),
	}
}

func (t *Tracker) SetCursor(participantID string, c protocol.Cursor, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cursors[participantID] = State{
		ParticipantID: participantID,
		Cursor:        c,
		UpdatedAt:     now,
	}
}

func (t *Tracker) Cursor(participantID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.cursors[participantID]
	return s, ok
}

func (t *Tracker) SetSelection(participantID, elementID, kind string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	held, ok := t.selections[participantID]
	if !ok {
		held = make(map[string]Selection)
		t.selections[participantID] = held
	}
	held[elementID] = Selection{
		ParticipantID: participantID,
		ElementID:     elementID,
		Kind:          kind,
		UpdatedAt:     now,
	}
}

func (t *Tracker) ClearSelection(participantID, elementID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	held, ok := t.selections[participantID]
	if !ok {
		return false
	}
	if _, ok := held[elementID]; !ok {
		return false
	}
	delete(held, elementID)
	if len(held) == 0 {
		delete(t.selections, participantID)
	}
	return true
}

// Clear removes every cursor and selection a participant holds. Called
// when their connection goes away.
func (t *Tracker) Clear(participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.cursors, participantID)
	delete(t.selections, participantID)
}

// Selections returns all held selections sorted by participant then
// element, so callers see a stable order.
func (t *Tracker) Selections() []Selection {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var all []Selection
	for _, held := range t.selections {
		for _, sel := range held {
			all = append(all, sel)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ParticipantID != all[j].ParticipantID {
			return all[i].ParticipantID < all[j].ParticipantID
		}
		return all[i].ElementID < all[j].ElementID
	})
	return all
}

// HeldBy reports which participants hold a given element.
func (t *Tracker) HeldBy(elementID string) []Selection {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var holders []Selection
	for _, held := range t.selections {
		if sel, ok := held[elementID]; ok {
			holders = append(holders, sel)
		}
	}
	sort.Slice(holders, func(i, j int) bool {
		return holders[i].ParticipantID < holders[j].ParticipantID
	})
	return holders
}

func (t *Tracker) Counts() (cursors, selections int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cursors = len(t.cursors)
	for _, held := range t.selections {
		selections += len(held)
	}
	return
}
