package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/showjihyun/trellis/internal/changelog"
	"github.com/showjihyun/trellis/internal/pointer"
	"github.com/showjihyun/trellis/internal/presence"
	"github.com/showjihyun/trellis/internal/protocol"
	"github.com/showjihyun/trellis/internal/resolve"
)

// State is a room's lifecycle phase.
type State int

const (
	StateEmpty State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrRoomClosed = errors.New("room closed")
	ErrRoomFull   = errors.New("room full")
)

type Config struct {
	// How long an empty room lingers before closing. A rejoin during
	// the window cancels the close.
	GracePeriod time.Duration

	// Cadence clients are expected to report in at.
	HeartbeatInterval time.Duration

	// Participants silent this long are treated as gone.
	PresenceTimeout time.Duration

	// How often the room checks for silent participants.
	SweepInterval time.Duration

	// Connection cap per room, 0 for unlimited.
	MaxParticipants int

	// Conflict policy applied to racing changes.
	Policy resolve.Policy

	// In-memory log folding: when the tail reaches CompactThreshold
	// changes, all but CompactKeep are folded into the base snapshot.
	CompactThreshold int
	CompactKeep      int
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:       60 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		PresenceTimeout:   90 * time.Second,
		SweepInterval:     30 * time.Second,
		MaxParticipants:   32,
		Policy:            resolve.LastWriteWins{},
		CompactThreshold:  256,
		CompactKeep:       64,
	}
}

// Conn is the send side of one participant's transport connection. Send
// must not block: a full buffer is an error, and the room reacts by
// dropping the connection.
type Conn interface {
	ParticipantID() string
	Send(env *protocol.Envelope) error
	Close(reason string)
}

// Recorder receives accepted changes for durable storage. Failures are
// logged but do not stall the live room.
type Recorder interface {
	AppendOp(roomID string, ch protocol.Change) error
}

// Room owns all state for one collaboration session: who is present,
// where their pointers are, and the ordered change log. All mutations
// funnel through its mutex, so message handling within a room is
// serialized.
type Room struct {
	ID  string
	cfg Config

	mu       sync.Mutex
	state    State
	presence *presence.Registry
	pointers *pointer.Tracker
	log      *changelog.Log
	conns    map[string]Conn

	handlers map[string]func(string, *protocol.Envelope)

	graceTimer *time.Timer
	stopSweep  chan struct{}

	recorder Recorder
	onClosed func(roomID string)
}

// NewRoom creates an empty room. onClosed is invoked once when the room
// reaches the closed state, however it gets there.
func NewRoom(id string, cfg Config, recorder Recorder, onClosed func(string)) *Room {
	if cfg.Policy == nil {
		cfg.Policy = resolve.LastWriteWins{}
	}

	r := &Room{
		ID:        id,
		cfg:       cfg,
		state:     StateEmpty,
		presence:  presence.NewRegistry(),
		pointers:  pointer.NewTracker(),
		log:       changelog.NewLog(),
		conns:     make(map[string]Conn),
		stopSweep: make(chan struct{}),
		recorder:  recorder,
		onClosed:  onClosed,
	}

	r.handlers = map[string]func(string, *protocol.Envelope){
		protocol.MessageHeartbeat:      r.handleHeartbeat,
		protocol.MessageCursorUpdate:   r.handleCursor,
		protocol.MessageNodeSelection:  r.handleSelection,
		protocol.MessageWorkflowChange: r.handleChange,
	}

	// A room nobody ever joins expires the same way a drained one does.
	if cfg.GracePeriod > 0 {
		r.graceTimer = time.AfterFunc(cfg.GracePeriod, r.expireIfEmpty)
	}

	go r.sweepLoop()
	return r
}

// Seed loads persisted history before the first participant arrives.
func (r *Room) Seed(base []byte, baseSeq uint64, tail []protocol.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Seed(base, baseSeq, tail)
}

// AcceptConnection admits a participant. The new connection receives the
// roster and full replay state before anyone else hears about the join,
// and a lingering connection for the same participant is displaced.
func (r *Room) AcceptConnection(c Conn, profile protocol.Profile) error {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateClosed {
		return ErrRoomClosed
	}
	if r.cfg.MaxParticipants > 0 && len(r.conns) >= r.cfg.MaxParticipants {
		if _, resuming := r.conns[profile.ID]; !resuming {
			return ErrRoomFull
		}
	}

	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}

	p, rejoined := r.presence.Join(profile, now)

	if prev, ok := r.conns[p.ID]; ok && prev != c {
		prev.Close("superseded by a newer connection")
	}
	r.conns[p.ID] = c
	r.state = StateActive

	// Roster and replay go to the new connection first, under the room
	// lock, so no concurrent change can interleave with the catch-up.
	listEnv := protocol.NewEnvelope(protocol.MessageUsersList)
	listEnv.Users = r.presence.Snapshot()
	listEnv.Snapshot, listEnv.BaseSequence = r.log.Base()
	listEnv.Sequence = r.log.LastSeq()
	if err := c.Send(listEnv); err != nil {
		log.Printf("Room %s: could not deliver roster to %s: %v", r.ID, p.ID, err)
	}

	for _, op := range r.log.Tail() {
		op := op
		env := protocol.NewEnvelope(protocol.MessageWorkflowChange)
		env.Change = &op
		env.UserID = op.Origin
		if err := c.Send(env); err != nil {
			log.Printf("Room %s: replay to %s stalled: %v", r.ID, p.ID, err)
			break
		}
	}

	joinEnv := protocol.NewEnvelope(protocol.MessageUserJoin)
	joinEnv.User = &p
	joinEnv.UserID = p.ID
	r.broadcastLocked(joinEnv, p.ID)

	if rejoined {
		log.Printf("Room %s: %s rejoined (online: %d)", r.ID, p.ID, len(r.conns))
	} else {
		log.Printf("Room %s: %s joined (online: %d)", r.ID, p.ID, len(r.conns))
	}
	return nil
}

// RemoveConnection handles a departure. It is a no-op unless c is still
// the participant's current connection, so a displaced connection tearing
// down cannot evict its replacement.
func (r *Room) RemoveConnection(c Conn) {
	id := c.ParticipantID()
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.conns[id]
	if !ok || cur != c {
		return
	}
	delete(r.conns, id)

	r.presence.MarkOffline(id, now)
	r.pointers.Clear(id)

	left := protocol.NewEnvelope(protocol.MessageUserLeft)
	left.UserID = id
	r.broadcastLocked(left, id)

	log.Printf("Room %s: %s left (online: %d)", r.ID, id, len(r.conns))
	r.drainIfEmptyLocked()
}

// HandleMessage dispatches one inbound message from a participant.
func (r *Room) HandleMessage(from string, env *protocol.Envelope) {
	h, ok := r.handlers[env.Type]
	if !ok {
		log.Printf("Room %s: ignoring %q from %s", r.ID, env.Type, from)
		return
	}
	h(from, env)
}

func (r *Room) handleHeartbeat(from string, _ *protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence.Touch(from, time.Now().UTC())
}

func (r *Room) handleCursor(from string, env *protocol.Envelope) {
	if env.Cursor == nil {
		return
	}
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pointers.SetCursor(from, *env.Cursor, now)
	r.presence.Touch(from, now)

	out := protocol.NewEnvelope(protocol.MessageCursorUpdate)
	out.UserID = from
	out.Cursor = env.Cursor
	r.broadcastLocked(out, from)
}

func (r *Room) handleSelection(from string, env *protocol.Envelope) {
	if env.Selection == nil {
		return
	}
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if env.Selection.Active {
		r.pointers.SetSelection(from, env.Selection.ElementID, env.Selection.Kind, now)
	} else {
		r.pointers.ClearSelection(from, env.Selection.ElementID)
	}
	r.presence.Touch(from, now)

	out := protocol.NewEnvelope(protocol.MessageNodeSelection)
	out.UserID = from
	out.Selection = env.Selection
	r.broadcastLocked(out, from)
}

func (r *Room) handleChange(from string, env *protocol.Envelope) {
	if env.Change == nil {
		return
	}
	ch := *env.Change
	ch.Origin = from
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateClosed {
		return
	}
	r.presence.Touch(from, now)

	// A change we already hold gets its original ack again. The log,
	// the counter, and the other participants see nothing.
	if seq, ok := r.log.SeqOf(ch.ID); ok {
		r.sendToLocked(from, ackEnvelope(ch.ID, seq))
		return
	}

	last := r.log.LastSeq()
	if ch.BaseSequence > last {
		log.Printf("Room %s: dropping change %s from %s, base %d is ahead of the log at %d",
			r.ID, ch.ID, from, ch.BaseSequence, last)
		return
	}

	applied, err := r.log.Since(ch.BaseSequence)
	if errors.Is(err, changelog.ErrTruncated) {
		r.sendToLocked(from, rejectEnvelope(ch.ID,
			fmt.Sprintf("base sequence %d predates retained history", ch.BaseSequence)))
		return
	}
	if err != nil {
		log.Printf("Room %s: cannot read log since %d: %v", r.ID, ch.BaseSequence, err)
		return
	}

	d := r.cfg.Policy.Resolve(ch, applied)
	if !d.Accepted {
		log.Printf("Room %s: rejecting change %s from %s: %s", r.ID, ch.ID, from, d.Reason)
		r.sendToLocked(from, rejectEnvelope(ch.ID, d.Reason))
		return
	}
	if len(d.Conflicts) > 0 {
		log.Printf("Room %s: change %s raced %d earlier edit(s) on %s",
			r.ID, ch.ID, len(d.Conflicts), ch.TargetID)
	}

	accepted, err := r.log.Append(d.Change)
	if errors.Is(err, changelog.ErrDuplicate) {
		r.sendToLocked(from, ackEnvelope(accepted.ID, accepted.SequenceNumber))
		return
	}
	if err != nil {
		log.Printf("Room %s: change log corrupted: %v", r.ID, err)
		r.failLocked("change log corrupted")
		return
	}

	if r.recorder != nil {
		if err := r.recorder.AppendOp(r.ID, accepted); err != nil {
			log.Printf("Room %s: failed to persist change %s: %v", r.ID, accepted.ID, err)
		}
	}

	r.sendToLocked(from, ackEnvelope(accepted.ID, accepted.SequenceNumber))

	out := protocol.NewEnvelope(protocol.MessageWorkflowChange)
	cp := accepted
	out.Change = &cp
	out.UserID = accepted.Origin
	r.broadcastLocked(out, from)

	if r.cfg.CompactThreshold > 0 && r.log.TailLen() >= r.cfg.CompactThreshold {
		if err := r.log.Compact(r.cfg.CompactKeep); err != nil {
			log.Printf("Room %s: log fold failed: %v", r.ID, err)
		}
	}
}

func ackEnvelope(changeID string, seq uint64) *protocol.Envelope {
	env := protocol.NewEnvelope(protocol.MessageChangeAck)
	env.ChangeID = changeID
	env.SequenceNumber = seq
	return env
}

func rejectEnvelope(changeID, reason string) *protocol.Envelope {
	env := protocol.NewEnvelope(protocol.MessageChangeReject)
	env.ChangeID = changeID
	env.Reason = reason
	return env
}

// broadcastLocked fans an envelope out to everyone except exclude. A
// connection that cannot keep up is dropped, and its departure is then
// announced to the rest.
func (r *Room) broadcastLocked(env *protocol.Envelope, exclude string) {
	dropped := r.sendAllLocked(env, exclude)
	for len(dropped) > 0 {
		var next []string
		for _, id := range dropped {
			left := protocol.NewEnvelope(protocol.MessageUserLeft)
			left.UserID = id
			next = append(next, r.sendAllLocked(left, id)...)
		}
		dropped = next
	}
	r.drainIfEmptyLocked()
}

func (r *Room) sendAllLocked(env *protocol.Envelope, exclude string) (dropped []string) {
	for id, c := range r.conns {
		if id == exclude {
			continue
		}
		if err := c.Send(env); err != nil {
			log.Printf("Room %s: dropping %s, send failed: %v", r.ID, id, err)
			c.Close("send buffer full")
			delete(r.conns, id)
			r.presence.MarkOffline(id, time.Now().UTC())
			r.pointers.Clear(id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}

func (r *Room) sendToLocked(id string, env *protocol.Envelope) {
	c, ok := r.conns[id]
	if !ok {
		return
	}
	if err := c.Send(env); err != nil {
		log.Printf("Room %s: dropping %s, send failed: %v", r.ID, id, err)
		c.Close("send buffer full")
		delete(r.conns, id)
		r.presence.MarkOffline(id, time.Now().UTC())
		r.pointers.Clear(id)

		left := protocol.NewEnvelope(protocol.MessageUserLeft)
		left.UserID = id
		r.broadcastLocked(left, id)
	}
}

func (r *Room) drainIfEmptyLocked() {
	if len(r.conns) > 0 || r.state != StateActive {
		return
	}
	r.state = StateDraining
	if r.graceTimer != nil {
		r.graceTimer.Stop()
	}
	r.graceTimer = time.AfterFunc(r.cfg.GracePeriod, r.expireIfEmpty)
	log.Printf("Room %s: empty, closing in %v unless someone returns", r.ID, r.cfg.GracePeriod)
}

func (r *Room) expireIfEmpty() {
	r.mu.Lock()
	if (r.state != StateEmpty && r.state != StateDraining) || len(r.conns) > 0 {
		r.mu.Unlock()
		return
	}
	r.closeLocked("")
	r.mu.Unlock()

	log.Printf("Room %s closed (empty past grace period)", r.ID)
	if r.onClosed != nil {
		r.onClosed(r.ID)
	}
}

// closeLocked transitions to closed exactly once. With a reason, the
// remaining participants are told before their connections drop.
func (r *Room) closeLocked(reason string) {
	if r.state == StateClosed {
		return
	}
	r.state = StateClosed

	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
	close(r.stopSweep)

	if reason != "" {
		env := protocol.NewEnvelope(protocol.MessageRoomClosed)
		env.Reason = reason
		for _, c := range r.conns {
			c.Send(env)
		}
	}
	for id, c := range r.conns {
		c.Close(reason)
		delete(r.conns, id)
	}
}

func (r *Room) failLocked(reason string) {
	r.closeLocked(reason)
	if r.onClosed != nil {
		go r.onClosed(r.ID)
	}
}

// Close shuts the room down immediately, telling anyone still connected
// why.
func (r *Room) Close(reason string) {
	r.mu.Lock()
	wasClosed := r.state == StateClosed
	if !wasClosed {
		r.closeLocked(reason)
	}
	r.mu.Unlock()

	if !wasClosed && r.onClosed != nil {
		r.onClosed(r.ID)
	}
}

func (r *Room) sweepLoop() {
	if r.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.sweepStale()
		}
	}
}

// sweepStale closes connections whose participants stopped reporting in.
// The normal removal path then handles presence and pointer cleanup.
func (r *Room) sweepStale() {
	cutoff := time.Now().UTC().Add(-r.cfg.PresenceTimeout)

	r.mu.Lock()
	var stale []Conn
	for _, id := range r.presence.StaleOnline(cutoff) {
		if c, ok := r.conns[id]; ok {
			log.Printf("Room %s: %s missed heartbeats, disconnecting", r.ID, id)
			stale = append(stale, c)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		c.Close("heartbeat timeout")
		r.RemoveConnection(c)
	}
}

// RoomInfo is a point-in-time view for the HTTP surface.
type RoomInfo struct {
	ID           string                 `json:"id"`
	State        string                 `json:"state"`
	Sequence     uint64                 `json:"sequence"`
	OnlineUsers  int                    `json:"online_users"`
	Participants []protocol.Participant `json:"participants"`
	Selections   int                    `json:"selections"`
}

func (r *Room) Info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, selections := r.pointers.Counts()
	return RoomInfo{
		ID:           r.ID,
		State:        r.state.String(),
		Sequence:     r.log.LastSeq(),
		OnlineUsers:  len(r.conns),
		Participants: r.presence.Snapshot(),
		Selections:   selections,
	}
}

func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Room) LastSeq() uint64 {
	return r.log.LastSeq()
}

func (r *Room) Roster() []protocol.Participant {
	return r.presence.Snapshot()
}
