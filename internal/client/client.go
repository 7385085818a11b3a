// Package client is the Go client for a collaboration server. It keeps a
// room connection alive across network failures, queues durable updates
// while reconnecting, and replays missed history so the caller's view of
// the workflow converges with everyone else's.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/showjihyun/trellis/internal/changelog"
	"github.com/showjihyun/trellis/internal/protocol"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

var ErrNotConnected = errors.New("not connected")

const writeWait = 10 * time.Second

type Config struct {
	// URL is the server base, e.g. ws://localhost:8080.
	URL     string
	Room    string
	Profile protocol.Profile

	// How often to report liveness to the room.
	HeartbeatInterval time.Duration

	// Delay before the first reconnect attempt. With BackoffMultiplier
	// above 1 each further attempt waits longer, up to
	// MaxReconnectDelay.
	ReconnectDelay    time.Duration
	BackoffMultiplier float64
	MaxReconnectDelay time.Duration

	DialTimeout time.Duration

	// How many durable updates may wait while reconnecting. When the
	// queue is full the oldest update gives way.
	QueueLimit int
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		ReconnectDelay:    3 * time.Second,
		BackoffMultiplier: 1.0,
		MaxReconnectDelay: 30 * time.Second,
		DialTimeout:       5 * time.Second,
		QueueLimit:        64,
	}
}

// Presence event kinds
const (
	PresenceRoster = "roster"
	PresenceJoin   = "join"
	PresenceLeave  = "leave"
)

type PresenceEvent struct {
	Kind   string
	User   *protocol.Participant
	UserID string
	Roster []protocol.Participant
}

type PointerEvent struct {
	UserID    string
	Cursor    *protocol.Cursor
	Selection *protocol.Selection
}

// Handlers receive room events. All callbacks run on the connection's
// read goroutine, one at a time, in arrival order. A nil handler drops
// its events.
type Handlers struct {
	OnPresence func(PresenceEvent)
	OnPointer  func(PointerEvent)
	OnChange   func(protocol.Change)
	OnReject   func(changeID, reason string)
}

// Conn is a client connection to one room. The zero value is not usable;
// use New.
type Conn struct {
	cfg      Config
	handlers Handlers

	mu       sync.Mutex
	state    State
	wantOpen bool

	// gen invalidates goroutines and timers from earlier connection
	// attempts. Anything holding a stale gen gives up instead of acting
	// on a connection it no longer owns.
	gen uint64

	ws         *websocket.Conn
	writeMu    sync.Mutex
	retry      *backoff.ExponentialBackOff
	retryTimer *time.Timer

	pending  []*protocol.Envelope
	inflight map[string]protocol.Change

	roster    []protocol.Participant
	rosterIdx map[string]int
	lastSeq   uint64
}

func New(cfg Config, handlers Handlers) (*Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("server url is required")
	}
	if cfg.Room == "" {
		return nil, errors.New("room is required")
	}
	if cfg.Profile.ID == "" {
		return nil, errors.New("profile id is required")
	}

	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = def.QueueLimit
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.ReconnectDelay
	retry.RandomizationFactor = 0
	retry.Multiplier = cfg.BackoffMultiplier
	retry.MaxInterval = cfg.MaxReconnectDelay
	retry.MaxElapsedTime = 0
	retry.Reset()

	return &Conn{
		cfg:       cfg,
		handlers:  handlers,
		retry:     retry,
		inflight:  make(map[string]protocol.Change),
		rosterIdx: make(map[string]int),
	}, nil
}

func (c *Conn) endpoint() string {
	return strings.TrimSuffix(c.cfg.URL, "/") + "/ws/" + c.cfg.Room
}

// Connect starts the connection. Calling it while already connected or
// connecting does nothing.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.wantOpen {
		c.mu.Unlock()
		return
	}
	c.wantOpen = true
	c.state = Connecting
	c.gen++
	gen := c.gen
	c.retry.Reset()
	c.mu.Unlock()

	go c.dial(gen)
}

// Disconnect drops the connection and cancels any pending reconnect.
// Queued updates are discarded.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if !c.wantOpen && c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.wantOpen = false
	c.gen++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	ws := c.ws
	c.ws = nil
	c.state = Disconnected
	c.pending = nil
	c.inflight = make(map[string]protocol.Change)
	c.mu.Unlock()

	if ws != nil {
		frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
		ws.Close()
	}
	log.Printf("Left room %s", c.cfg.Room)
}

func (c *Conn) dial(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || !c.wantOpen {
		c.mu.Unlock()
		return
	}
	url := c.endpoint()
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		log.Printf("Connect to %s failed: %v", url, err)
		c.scheduleRetry(gen, err)
		return
	}

	join := protocol.NewEnvelope(protocol.MessageUserJoin)
	profile := c.cfg.Profile
	join.Profile = &profile
	data, err := join.Encode()
	if err == nil {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		err = ws.WriteMessage(websocket.TextMessage, data)
	}
	if err != nil {
		ws.Close()
		c.scheduleRetry(gen, err)
		return
	}

	c.mu.Lock()
	if c.gen != gen || !c.wantOpen {
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = ws
	c.state = Connected
	c.retry.Reset()
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	log.Printf("Joined room %s as %s", c.cfg.Room, c.cfg.Profile.ID)

	go c.readLoop(gen, ws)
	go c.heartbeatLoop(gen, ws)

	for i, env := range queued {
		if err := c.writeEnvelope(ws, env); err != nil {
			c.mu.Lock()
			if c.gen == gen {
				c.pending = append(append([]*protocol.Envelope(nil), queued[i:]...), c.pending...)
			}
			c.mu.Unlock()
			c.connectionLost(gen, err)
			return
		}
	}
}

// scheduleRetry arms the reconnect timer for a failed attempt. The timer
// carries the next generation so a Disconnect in the meantime wins.
func (c *Conn) scheduleRetry(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || !c.wantOpen {
		c.mu.Unlock()
		return
	}
	c.gen++
	next := c.gen
	c.state = Connecting
	delay := c.retry.NextBackOff()
	if delay == backoff.Stop {
		delay = c.cfg.MaxReconnectDelay
	}
	c.retryTimer = time.AfterFunc(delay, func() { c.dial(next) })
	c.mu.Unlock()

	log.Printf("Room %s unreachable (%v), retrying in %v", c.cfg.Room, cause, delay)
}

// connectionLost tears down the current socket and begins reconnecting,
// unless the caller's view of the connection is already stale.
func (c *Conn) connectionLost(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	next := c.gen
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	if !c.wantOpen {
		c.state = Disconnected
		c.mu.Unlock()
		return
	}
	c.state = Connecting
	delay := c.retry.NextBackOff()
	if delay == backoff.Stop {
		delay = c.cfg.MaxReconnectDelay
	}
	c.retryTimer = time.AfterFunc(delay, func() { c.dial(next) })
	c.mu.Unlock()

	log.Printf("Connection to room %s lost (%v), reconnecting in %v", c.cfg.Room, cause, delay)
}

func (c *Conn) readLoop(gen uint64, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.connectionLost(gen, err)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			log.Printf("⚠️ Dropping malformed frame: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

// heartbeatLoop reports liveness on a fixed cadence. A failed write is
// how a half-dead connection gets noticed between reads.
func (c *Conn) heartbeatLoop(gen uint64, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}

		if err := c.writeEnvelope(ws, protocol.NewEnvelope(protocol.MessageHeartbeat)); err != nil {
			c.connectionLost(gen, err)
			return
		}
	}
}

func (c *Conn) writeEnvelope(ws *websocket.Conn, env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// send delivers an envelope now, or queues it while reconnecting when
// durable. Ephemeral updates are never queued: a stale cursor position is
// worse than none.
func (c *Conn) send(env *protocol.Envelope, durable bool) error {
	c.mu.Lock()
	switch c.state {
	case Connected:
		ws := c.ws
		gen := c.gen
		c.mu.Unlock()
		if err := c.writeEnvelope(ws, env); err != nil {
			c.connectionLost(gen, err)
			return err
		}
		return nil

	case Connecting:
		if !durable {
			c.mu.Unlock()
			return ErrNotConnected
		}
		if len(c.pending) >= c.cfg.QueueLimit {
			c.pending = c.pending[1:]
		}
		c.pending = append(c.pending, env)
		c.mu.Unlock()
		return nil

	default:
		c.mu.Unlock()
		return ErrNotConnected
	}
}

// EmitPointer reports the local cursor position.
func (c *Conn) EmitPointer(x, y float64, elementID string) error {
	env := protocol.NewEnvelope(protocol.MessageCursorUpdate)
	env.Cursor = &protocol.Cursor{X: x, Y: y, ElementID: elementID}
	return c.send(env, false)
}

// EmitSelection marks an element as held (or released, with active
// false).
func (c *Conn) EmitSelection(elementID, kind string, active bool) error {
	env := protocol.NewEnvelope(protocol.MessageNodeSelection)
	env.Selection = &protocol.Selection{ElementID: elementID, Kind: kind, Active: active}
	return c.send(env, true)
}

// SubmitChange proposes a workflow edit. The returned id identifies the
// change in later OnChange or OnReject callbacks; the change only becomes
// part of the workflow once the room acknowledges it.
func (c *Conn) SubmitChange(kind, targetID string, payload json.RawMessage) (string, error) {
	c.mu.Lock()
	ch := protocol.Change{
		ID:           protocol.NewChangeID(c.cfg.Profile.ID),
		Kind:         kind,
		TargetID:     targetID,
		Payload:      payload,
		Origin:       c.cfg.Profile.ID,
		BaseSequence: c.lastSeq,
	}
	if err := ch.Validate(); err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.inflight[ch.ID] = ch
	c.mu.Unlock()

	env := protocol.NewEnvelope(protocol.MessageWorkflowChange)
	cp := ch
	env.Change = &cp

	if err := c.send(env, true); err != nil {
		c.mu.Lock()
		delete(c.inflight, ch.ID)
		c.mu.Unlock()
		return "", err
	}
	return ch.ID, nil
}

// dispatch applies one server frame. State changes happen under the lock;
// handler callbacks run after it is released so they may call back into
// the connection.
func (c *Conn) dispatch(env *protocol.Envelope) {
	switch env.Type {
	case protocol.MessageUsersList:
		c.handleRoster(env)
	case protocol.MessageUserJoin:
		c.handleJoin(env)
	case protocol.MessageUserLeft:
		c.handleLeave(env)
	case protocol.MessageCursorUpdate, protocol.MessageNodeSelection:
		c.handlePointer(env)
	case protocol.MessageWorkflowChange:
		c.handleChange(env)
	case protocol.MessageChangeAck:
		c.handleAck(env)
	case protocol.MessageChangeReject:
		c.handleReject(env)
	case protocol.MessageRoomClosed:
		log.Printf("Room %s closed by the server: %s", c.cfg.Room, env.Reason)
	default:
		log.Printf("Ignoring %q frame", env.Type)
	}
}

// handleRoster applies the catch-up state sent on join: the full roster,
// the folded snapshot, and the sequence the tail replay will continue
// from. Changes the connection already saw in an earlier session are not
// replayed twice, unless the room restarted with shorter history, in
// which case its state wins.
func (c *Conn) handleRoster(env *protocol.Envelope) {
	c.mu.Lock()
	c.roster = append([]protocol.Participant(nil), env.Users...)
	c.rosterIdx = make(map[string]int, len(c.roster))
	for i, p := range c.roster {
		c.rosterIdx[p.ID] = i
	}

	seen := c.lastSeq
	if env.Sequence < seen {
		seen = 0
	}
	c.lastSeq = seen
	if env.BaseSequence > c.lastSeq {
		c.lastSeq = env.BaseSequence
	}

	snapshot := env.Snapshot
	roster := append([]protocol.Participant(nil), c.roster...)
	handlers := c.handlers
	c.mu.Unlock()

	if len(snapshot) > 0 {
		ops, err := changelog.Unfold(snapshot)
		if err != nil {
			log.Printf("⚠️ Could not unfold room snapshot: %v", err)
		} else if handlers.OnChange != nil {
			for _, op := range ops {
				if op.SequenceNumber > seen {
					handlers.OnChange(op)
				}
			}
		}
	}

	if handlers.OnPresence != nil {
		handlers.OnPresence(PresenceEvent{Kind: PresenceRoster, Roster: roster})
	}
}

func (c *Conn) handleJoin(env *protocol.Envelope) {
	if env.User == nil {
		return
	}
	p := *env.User

	c.mu.Lock()
	if i, ok := c.rosterIdx[p.ID]; ok {
		c.roster[i] = p
	} else {
		c.rosterIdx[p.ID] = len(c.roster)
		c.roster = append(c.roster, p)
	}
	onPresence := c.handlers.OnPresence
	c.mu.Unlock()

	if onPresence != nil {
		onPresence(PresenceEvent{Kind: PresenceJoin, User: &p})
	}
}

func (c *Conn) handleLeave(env *protocol.Envelope) {
	c.mu.Lock()
	if i, ok := c.rosterIdx[env.UserID]; ok {
		c.roster[i].Online = false
		c.roster[i].LastSeen = env.Timestamp
	}
	onPresence := c.handlers.OnPresence
	c.mu.Unlock()

	if onPresence != nil {
		onPresence(PresenceEvent{Kind: PresenceLeave, UserID: env.UserID})
	}
}

func (c *Conn) handlePointer(env *protocol.Envelope) {
	if c.handlers.OnPointer == nil {
		return
	}
	c.handlers.OnPointer(PointerEvent{
		UserID:    env.UserID,
		Cursor:    env.Cursor,
		Selection: env.Selection,
	})
}

func (c *Conn) handleChange(env *protocol.Envelope) {
	if env.Change == nil {
		return
	}
	ch := *env.Change

	c.mu.Lock()
	if ch.SequenceNumber <= c.lastSeq {
		c.mu.Unlock()
		return
	}
	c.lastSeq = ch.SequenceNumber
	onChange := c.handlers.OnChange
	c.mu.Unlock()

	if onChange != nil {
		onChange(ch)
	}
}

// handleAck confirms one of our own changes. The acknowledged change
// flows through OnChange like everyone else's so the caller applies edits
// in one place, in sequence order.
func (c *Conn) handleAck(env *protocol.Envelope) {
	c.mu.Lock()
	if env.SequenceNumber > c.lastSeq {
		c.lastSeq = env.SequenceNumber
	}
	ch, ok := c.inflight[env.ChangeID]
	if ok {
		delete(c.inflight, env.ChangeID)
		ch.SequenceNumber = env.SequenceNumber
		ch.Applied = true
	}
	onChange := c.handlers.OnChange
	c.mu.Unlock()

	if ok && onChange != nil {
		onChange(ch)
	}
}

func (c *Conn) handleReject(env *protocol.Envelope) {
	c.mu.Lock()
	delete(c.inflight, env.ChangeID)
	onReject := c.handlers.OnReject
	c.mu.Unlock()

	log.Printf("Change %s rejected: %s", env.ChangeID, env.Reason)
	if onReject != nil {
		onReject(env.ChangeID, env.Reason)
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Roster returns the connection's view of the room's participants.
func (c *Conn) Roster() []protocol.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Participant(nil), c.roster...)
}

// LastSequence is the newest change sequence this connection has applied.
func (c *Conn) LastSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// PendingCount reports how many durable updates wait for reconnection.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Conn) String() string {
	return fmt.Sprintf("client{room=%s user=%s state=%s}", c.cfg.Room, c.cfg.Profile.ID, c.State())
}
