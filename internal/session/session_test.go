package session

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/showjihyun/trellis/internal/changelog"
	"github.com/showjihyun/trellis/internal/protocol"
	"github.com/showjihyun/trellis/internal/resolve"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	sent   []*protocol.Envelope
	full   bool
	closed bool
	reason string
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ParticipantID() string { return f.id }

func (f *fakeConn) Send(env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return errors.New("send buffer full")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.reason = reason
	}
}

func (f *fakeConn) envelopes() []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeConn) byType(msgType string) []*protocol.Envelope {
	var out []*protocol.Envelope
	for _, env := range f.envelopes() {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeConn) closedWith() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.reason
}

// quietConfig disables the background timers so tests control the room
// lifecycle explicitly.
func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.GracePeriod = time.Hour
	cfg.SweepInterval = 0
	return cfg
}

func changeEnv(id, kind, target string, base uint64) *protocol.Envelope {
	env := protocol.NewEnvelope(protocol.MessageWorkflowChange)
	env.Change = &protocol.Change{ID: id, Kind: kind, TargetID: target, BaseSequence: base}
	return env
}

func join(t *testing.T, r *Room, c *fakeConn) {
	t.Helper()
	if err := r.AcceptConnection(c, protocol.Profile{ID: c.id}); err != nil {
		t.Fatalf("AcceptConnection(%s) failed: %v", c.id, err)
	}
}

func TestJoinReceivesRosterThenReplay(t *testing.T) {
	r := NewRoom("design-1", quietConfig(), nil, nil)
	defer r.Close("")

	alice := newFakeConn("alice")
	join(t, r, alice)

	r.HandleMessage("alice", changeEnv("c1", protocol.ChangeNodeAdd, "n1", 0))
	r.HandleMessage("alice", changeEnv("c2", protocol.ChangeNodeUpdate, "n1", 1))

	bob := newFakeConn("bob")
	join(t, r, bob)

	got := bob.envelopes()
	if len(got) < 3 {
		t.Fatalf("Expected at least 3 envelopes for joiner, got %d", len(got))
	}
	if got[0].Type != protocol.MessageUsersList {
		t.Errorf("Expected users_list first, got %s", got[0].Type)
	}
	if len(got[0].Users) != 2 {
		t.Errorf("Expected 2 users in roster, got %d", len(got[0].Users))
	}
	if got[0].Sequence != 2 {
		t.Errorf("Expected roster sequence 2, got %d", got[0].Sequence)
	}
	if got[1].Type != protocol.MessageWorkflowChange || got[1].Change.SequenceNumber != 1 {
		t.Errorf("Expected replay of seq 1, got %s seq %d", got[1].Type, got[1].Change.SequenceNumber)
	}
	if got[2].Type != protocol.MessageWorkflowChange || got[2].Change.SequenceNumber != 2 {
		t.Errorf("Expected replay of seq 2, got %s seq %d", got[2].Type, got[2].Change.SequenceNumber)
	}
}

func TestJoinIsBroadcast(t *testing.T) {
	r := NewRoom("design-1", quietConfig(), nil, nil)
	defer r.Close("")

	alice := newFakeConn("alice")
	bob := newFakeConn("bob")
	join(t, r, alice)
	join(t, r, bob)

	joins := alice.byType(protocol.MessageUserJoin)
	if len(joins) != 1 {
		t.Fatalf("Expected 1 user_join at alice, got %d", len(joins))
	}
	if joins[0].User == nil || joins[0].User.ID != "bob" {
		t.Errorf("Expected join broadcast for bob, got %+v", joins[0].User)
	}
	if joins[0].User.Color == "" {
		t.Error("Expected joined user to carry a color")
	}

	// The joiner does not hear about itself.
	if n := len(bob.byType(protocol.MessageUserJoin)); n != 0 {
		t.Errorf("Expected no user_join echo at bob, got %d", n)
	}
}

func TestChangeAckAndFanOut(t *testing.T) {
	r := NewRoom("design-1", quietConfig(), nil, nil)
	defer r.Close("")

	alice := newFakeConn("alice")
	bob := newFakeConn("bob")
	join(t, r, alice)
	join(t, r, bob)

	r.HandleMessage("alice", changeEnv("c1", protocol.ChangeNodeAdd, "n1", 0))

	acks := alice.byType(protocol.MessageChangeAck)
	if len(acks) != 1 {
		t.Fatalf("Expected 1 ack at alice, got %d", len(acks))
	}
	if acks[0].ChangeID != "c1" || acks[0].SequenceNumber != 1 {
		t.Errorf("Expected ack c1 seq 1, got %s seq %d", acks[0].ChangeID, acks[0].SequenceNumber)
	}

	fan := bob.byType(protocol.MessageWorkflowChange)
	if len(fan) != 1 {
		t.Fatalf("Expected 1 workflow_change at bob, got %d", len(fan))
	}
	if fan[0].Change.SequenceNumber != 1 || !fan[0].Change.Applied {
		t.Errorf("Expected applied change seq 1, got seq %d applied=%v",
			fan[0].Change.SequenceNumber, fan[0].Change.Applied)
	}
	if fan[0].Change.Origin != "alice" {
		t.Errorf("Expected origin alice, got %s", fan[0].Change.Origin)
	}

	// The submitter does not receive its own change back.
	if n := len(alice.byType(protocol.MessageWorkflowChange)); n != 0 {
		t.Errorf("Expected no fan-out echo at alice, got %d", n)
	}
}

func TestDuplicateChangeReAcked(t *testing.T) {
	r := NewRoom("design-1", quietConfig(), nil, nil)
	defer r.Close("")

	alice := newFakeConn("alice")
	bob := newFakeConn("bob")
	join(t, r, alice)
	join(t, r, bob)

	r.HandleMessage("alice", changeEnv("c1", protocol.ChangeNodeAdd, "n1", 0))
	r.HandleMessage("alice", changeEnv("c1", protocol.ChangeNodeAdd, "n1", 0))

	acks := alice.byType(protocol.MessageChangeAck)
	if len(acks) != 2 {
		t.Fatalf("Expected 2 acks for retransmission, got %d", len(acks))
	}
	for i, ack := range acks {
		if ack.SequenceNumber != 1 {
			t.Errorf("Ack %d: expected seq 1, got %d", i, ack.SequenceNumber)
		}
	}

	if n := len(bob.byType(protocol.MessageWorkflowChange)); n != 1 {
		t.Errorf("Expected duplicate suppressed from fan-out, bob saw %d", n)
	}
	if r.LastSeq() != 1 {
		t.Errorf("Expected counter to stay at 1, got %d", r.LastSeq())
	}
}

func TestFutureBaseDropped(t *testing.T) {
	r := NewRoom("design-1", quietConfig(), nil, nil)
	defer r.Close("")

	alice := newFakeConn("alice")
	join(t, r, alice)

	r.HandleMessage("alice", changeEnv("c1", protocol.ChangeNodeAdd, "n1", 99))

	if n := len(alice.byType(protocol.MessageChangeAck)); n != 0 {
		t.Errorf("Expected no ack for impossible base, got %d", n)
	}
	if n := len(alice.byType(protocol.MessageChangeReject)); n != 0 {
		t.Errorf("Expected silent drop, got %d rejects", n)
	}
	if r.LastSeq() != 0 {
		t.Errorf("Expected log untouched, got seq %d", r.LastSeq())
	}
}

func TestConcurrentEditsAcceptedUnderLastWriteWins(t *testing.T) {
	r := NewRoom("design-1", quietConfig(), nil, nil)
	defer r.Close("")

	alice := newFakeConn("alice")
	bob := newFakeConn("bob")
	join(t, r, alice)
	join(t, r, bob)

	// Both edit n1 from the same base: the later submission still lands.
	r.HandleMessage("alice", changeEnv("c1", protocol.ChangeNodeUpdate, "n1", 0))
	r.HandleMessage("bob", changeEnv("c2", protocol.ChangeNodeUpdate, "n1", 0))

	acks := bob.byType(protocol.MessageChangeAck)
	if len(acks) != 1 || acks[0].SequenceNumber != 2 {
		t.Fatalf("Expected bob's racing edit acked at seq 2, got %+v", acks)
	}
	if n := len(alice.byType(protocol.MessageWorkflowChange)); n != 1 {
		t.Errorf("Expected alice to see bob's change, got %d", n)
	}
}

func TestUntransformableChangeRejected(t *testing.T) {
	cfg := quietConfig()
	cfg.Policy = resolve.NewOperationalTransform()
	r := NewRoom("design-1", cfg, nil, nil)
	defer r.Close("")

	alice := newFakeConn("alice")
	bob := newFakeConn("bob")
	join(t, r, alice)
	join(t, r, bob)

	r.HandleMessage("alice", changeEnv("c1", protocol.ChangeNodeUpdate, "n1", 0))
	r.HandleMessage("bob", changeEnv("c2", protocol.ChangeNodeUpdate, "n1", 0))

	rejects := bob.byType(protocol.MessageChangeReject)
	if len(rejects) != 1 {
		t.Fatalf("Expected 1 reject, got %d", len(rejects))
	}
	if rejects[0].ChangeID != "c2" || rejects[0].Reason == "" {
		t.Errorf("Expected reasoned reject for c2, got %+v", rejects[0])
	}
	if r.LastSeq() != 1 {
		t.Errorf("Expected rejected change kept out of the log, seq is %d", r.LastSeq())
	}
}

func TestStaleBaseBeyondHistoryRejected(t *testing.T) {
	base, err := changelog.Fold(nil, []protocol.Change{
		{ID: "old-1", Kind: protocol.ChangeNodeAdd, TargetID: "n1", SequenceNumber: 1, Applied: true},
		{ID: "old-2", Kind: protocol.ChangeNodeAdd, TargetID: "n2", SequenceNumber: 2, Applied: true},
		{ID: "old-3", Kind: protocol.ChangeNodeAdd, TargetID: "n3", SequenceNumber: 3, Applied: true},
	})
	if err != nil {
		t.Fatalf("Fold failed: %v", err)
	}

	r := NewRoom("design-1", quietConfig(), nil, nil)
	defer r.Close("")
	if err := r.Seed(base, 3, nil); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	alice := newFakeConn("alice")
	join(t, r, alice)

	r.HandleMessage("alice", changeEnv("c1", protocol.ChangeNodeUpdate, "n1", 1))

	rejects := alice.byType(protocol.MessageChangeReject)
	if len(rejects) != 1 {
		t.Fatalf("Expected reject for compacted base, got %d", len(rejects))
	}
	if !strings.Contains(rejects[0].Reason, "predates retained history") {
		t.Errorf("Unexpected reject reason: %q", rejects[0].Reason)
	}

	// Current history still works.
	r.HandleMessage("alice", changeEnv("c2", protocol.ChangeNodeUpdate, "n1", 3))
	acks := alice.byType(protocol.MessageChangeAck)
	if len(acks) != 1 || acks[0].SequenceNumber != 4 {
		t.Fatalf("Expected seq to continue at 4, got %+v", acks)
	}
}

func TestLogFoldsAtThreshold(t *testing.T) {
	cfg := quietConfig()
	cfg.CompactThreshold = 4
	cfg.CompactKeep = 2
	r := NewRoom("design-1", cfg, nil, nil)
	defer r.Close("")

	alice := newFakeConn("alice")
	join(t, r, alice)

	targets := []string{"n1", "n2", "n3", "n4"}
	for i, target := range targets {
		r.HandleMessage("alice", changeEnv(target+"-add", protocol.ChangeNodeAdd, target, uint64(i)))
	}

	bob := newFakeConn("bob")
	join(t, r, bob)

	got := bob.envelopes()
	if got[0].Type != protocol.MessageUsersList {
		t.Fatalf("Expected users_list first, got %s", got[0].Type)
	}
	if len(got[0].Snapshot) == 0 {
		t.Error("Expected folded snapshot in roster message")
	}
	if got[0].BaseSequence != 2 {
		t.Errorf("Expected base sequence 2 after fold, got %d", got[0].BaseSequence)
	}
	if got[0].Sequence != 4 {
		t.Errorf("Expected sequence 4, got %d", got[0].Sequence)
	}

	replayed := bob.byType(protocol.MessageWorkflowChange)
	if len(replayed) != 2 {
		t.Fatalf("Expected 2 tail replays after fold, got %d", len(replayed))
	}
	if replayed[0].Change.SequenceNumber != 3 || replayed[1].Change.SequenceNumber != 4 {
		t.Errorf("Expected tail seqs 3,4, got %d,%d",
			replayed[0].Change.SequenceNumber, replayed[1].Change.SequenceNumber)
	}

	ops, err := changelog.Unfold(got[0].Snapshot)
	if err != nil {
		t.Fatalf("Snapshot did not unfold: %v", err)
	}
	if len(ops) != 2 {
		t.Errorf("Expected 2 folded changes, got %d", len(ops))
	}
}

func TestCursorFanOutSkipsSender(t *testing.T) {
	r := NewRoom("design-1", quietConfig(), nil, nil)
	defer r.Close("")

	alice := newFakeConn("alice")
	bob := newFakeConn("bob")
	join(t, r, alice)
	join(t, r, bob)

	env := protocol.NewEnvelope(protocol.MessageCursorUpdate)
	env.Cursor = &protocol.Cursor{X: 10, Y: 20}
	r.HandleMessage("alice", env)

	got := bob.byType(protocol.MessageCursorUpdate)
	if len(got) != 1 {
		t.Fatalf("Expected 1 cursor_update at bob, got %d", len(got))
	}
	if got[0].UserID != "alice" || got[0].Cursor.X != 10 {
		t.Errorf("Unexpected cursor broadcast: %+v", got[0])
	}
	if n := len(alice.byType(protocol.MessageCursorUpdate)); n != 0 {
		t.Errorf("Expected no cursor echo at alice, got %d", n)
	}
}

func TestDisconnectClearsPointersAndNotifies(t *testing.T) {
	r := NewRoom("design-1", quietConfig(), nil, nil)
	defer r.Close("")

	alice := newFakeConn("alice")
	bob := newFakeConn("bob")
	join(t, r, alice)
	join(t, r, bob)

	cur := protocol.NewEnvelope(protocol.MessageCursorUpdate)
	cur.Cursor = &protocol.Cursor{X: 1, Y: 2}
	r.HandleMessage("alice", cur)

	sel := protocol.NewEnvelope(protocol.MessageNodeSelection)
	sel.Selection = &protocol.Selection{ElementID: "n1", Kind: protocol.SelectionEdit, Active: true}
	r.HandleMessage("alice", sel)

	r.RemoveConnection(alice)

	info := r.Info()
	if info.Selections != 0 {
		t.Errorf("Expected selections cleared on disconnect, got %d", info.Selections)
	}
	if info.OnlineUsers != 1 {
		t.Errorf("Expected 1 online user, got %d", info.OnlineUsers)
	}

	left := bob.byType(protocol.MessageUserLeft)
	if len(left) != 1 || left[0].UserID != "alice" {
		t.Fatalf("Expected user_left for alice at bob, got %+v", left)
	}

	// The roster still remembers alice, offline.
	roster := r.Roster()
	if len(roster) != 2 {
		t.Fatalf("Expected 2 roster entries, got %d", len(roster))
	}
	if roster[0].ID != "alice" || roster[0].Online {
		t.Errorf("Expected alice retained offline, got %+v", roster[0])
	}
}

func TestSupersededConnectionCannotEvictReplacement(t *testing.T) {
	r := NewRoom("design-1", quietConfig(), nil, nil)
	defer r.Close("")

	bob := newFakeConn("bob")
	join(t, r, bob)

	first := newFakeConn("alice")
	join(t, r, first)

	second := newFakeConn("alice")
	join(t, r, second)

	closed, reason := first.closedWith()
	if !closed || !strings.Contains(reason, "superseded") {
		t.Fatalf("Expected first connection superseded, closed=%v reason=%q", closed, reason)
	}

	// The stale connection tearing down must not remove the new one.
	r.RemoveConnection(first)
	if r.Info().OnlineUsers != 2 {
		t.Errorf("Expected replacement to survive, online=%d", r.Info().OnlineUsers)
	}
	if n := len(bob.byType(protocol.MessageUserLeft)); n != 0 {
		t.Errorf("Expected no user_left during handover, bob saw %d", n)
	}
}

func TestMaxParticipants(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxParticipants = 1
	r := NewRoom("design-1", cfg, nil, nil)
	defer r.Close("")

	alice := newFakeConn("alice")
	join(t, r, alice)

	bob := newFakeConn("bob")
	if err := r.AcceptConnection(bob, protocol.Profile{ID: "bob"}); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("Expected ErrRoomFull, got %v", err)
	}

	// A participant already holding a slot may replace their connection.
	again := newFakeConn("alice")
	if err := r.AcceptConnection(again, protocol.Profile{ID: "alice"}); err != nil {
		t.Fatalf("Expected resume within cap, got %v", err)
	}
}

func TestGraceTimerCancelledOnRejoin(t *testing.T) {
	cfg := quietConfig()
	cfg.GracePeriod = 50 * time.Millisecond

	closed := make(chan string, 1)
	r := NewRoom("design-1", cfg, nil, func(id string) { closed <- id })

	alice := newFakeConn("alice")
	join(t, r, alice)
	r.RemoveConnection(alice)

	if r.State() != StateDraining {
		t.Fatalf("Expected draining after last leave, got %s", r.State())
	}

	time.Sleep(20 * time.Millisecond)
	back := newFakeConn("alice")
	join(t, r, back)

	time.Sleep(80 * time.Millisecond)
	if r.State() != StateActive {
		t.Errorf("Expected rejoin to cancel the close, got %s", r.State())
	}
	select {
	case id := <-closed:
		t.Errorf("Room %s closed despite rejoin", id)
	default:
	}
	r.Close("")
}

func TestEmptyRoomClosesAfterGrace(t *testing.T) {
	cfg := quietConfig()
	cfg.GracePeriod = 30 * time.Millisecond

	closed := make(chan string, 1)
	r := NewRoom("design-1", cfg, nil, func(id string) { closed <- id })

	alice := newFakeConn("alice")
	join(t, r, alice)
	r.RemoveConnection(alice)

	select {
	case id := <-closed:
		if id != "design-1" {
			t.Errorf("Expected close callback for design-1, got %s", id)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Room never closed after grace period")
	}
	if r.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", r.State())
	}

	// A closed room refuses new connections.
	late := newFakeConn("bob")
	if err := r.AcceptConnection(late, protocol.Profile{ID: "bob"}); !errors.Is(err, ErrRoomClosed) {
		t.Errorf("Expected ErrRoomClosed, got %v", err)
	}
}

func TestCloseNotifiesParticipants(t *testing.T) {
	closed := make(chan string, 1)
	r := NewRoom("design-1", quietConfig(), nil, func(id string) { closed <- id })

	alice := newFakeConn("alice")
	join(t, r, alice)

	r.Close("closed by operator")

	notices := alice.byType(protocol.MessageRoomClosed)
	if len(notices) != 1 || notices[0].Reason != "closed by operator" {
		t.Fatalf("Expected room_closed notice, got %+v", notices)
	}
	if isClosed, _ := alice.closedWith(); !isClosed {
		t.Error("Expected connection closed with the room")
	}
	select {
	case <-closed:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Close callback never fired")
	}

	// Closing again is a no-op.
	r.Close("again")
	select {
	case <-closed:
		t.Error("Close callback fired twice")
	default:
	}
}

func TestSlowConsumerDropped(t *testing.T) {
	r := NewRoom("design-1", quietConfig(), nil, nil)
	defer r.Close("")

	alice := newFakeConn("alice")
	bob := newFakeConn("bob")
	join(t, r, alice)
	join(t, r, bob)

	bob.mu.Lock()
	bob.full = true
	bob.mu.Unlock()

	cur := protocol.NewEnvelope(protocol.MessageCursorUpdate)
	cur.Cursor = &protocol.Cursor{X: 5, Y: 5}
	r.HandleMessage("alice", cur)

	isClosed, reason := bob.closedWith()
	if !isClosed || reason != "send buffer full" {
		t.Fatalf("Expected bob dropped for full buffer, closed=%v reason=%q", isClosed, reason)
	}

	left := alice.byType(protocol.MessageUserLeft)
	if len(left) != 1 || left[0].UserID != "bob" {
		t.Errorf("Expected user_left for bob at alice, got %+v", left)
	}
	if r.Info().OnlineUsers != 1 {
		t.Errorf("Expected 1 online user after drop, got %d", r.Info().OnlineUsers)
	}
}

func TestHeartbeatSweepDisconnectsSilent(t *testing.T) {
	cfg := quietConfig()
	cfg.PresenceTimeout = 30 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	r := NewRoom("design-1", cfg, nil, nil)
	defer r.Close("")

	alice := newFakeConn("alice")
	join(t, r, alice)

	time.Sleep(100 * time.Millisecond)

	isClosed, reason := alice.closedWith()
	if !isClosed || reason != "heartbeat timeout" {
		t.Fatalf("Expected sweep to disconnect alice, closed=%v reason=%q", isClosed, reason)
	}
	if r.State() != StateDraining {
		t.Errorf("Expected draining after sweep emptied the room, got %s", r.State())
	}
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	cfg := quietConfig()
	cfg.PresenceTimeout = 60 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	r := NewRoom("design-1", cfg, nil, nil)
	defer r.Close("")

	alice := newFakeConn("alice")
	join(t, r, alice)

	for i := 0; i < 5; i++ {
		time.Sleep(25 * time.Millisecond)
		r.HandleMessage("alice", protocol.NewEnvelope(protocol.MessageHeartbeat))
	}

	if isClosed, reason := alice.closedWith(); isClosed {
		t.Fatalf("Expected heartbeats to keep alice connected, closed with %q", reason)
	}
}

func TestSeedRejectsGappedTail(t *testing.T) {
	r := NewRoom("design-1", quietConfig(), nil, nil)
	defer r.Close("")

	err := r.Seed(nil, 0, []protocol.Change{
		{ID: "c2", Kind: protocol.ChangeNodeAdd, TargetID: "n2", SequenceNumber: 2},
	})
	if !errors.Is(err, changelog.ErrCorrupted) {
		t.Fatalf("Expected ErrCorrupted for gapped tail, got %v", err)
	}
}

type captureRecorder struct {
	mu  sync.Mutex
	ops []protocol.Change
}

func (c *captureRecorder) AppendOp(roomID string, ch protocol.Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, ch)
	return nil
}

func TestAcceptedChangesReachRecorder(t *testing.T) {
	rec := &captureRecorder{}
	r := NewRoom("design-1", quietConfig(), rec, nil)
	defer r.Close("")

	alice := newFakeConn("alice")
	join(t, r, alice)

	r.HandleMessage("alice", changeEnv("c1", protocol.ChangeNodeAdd, "n1", 0))
	r.HandleMessage("alice", changeEnv("c1", protocol.ChangeNodeAdd, "n1", 0))
	r.HandleMessage("alice", changeEnv("c2", protocol.ChangeNodeUpdate, "n1", 1))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.ops) != 2 {
		t.Fatalf("Expected 2 persisted ops, got %d", len(rec.ops))
	}
	if rec.ops[0].SequenceNumber != 1 || rec.ops[1].SequenceNumber != 2 {
		t.Errorf("Expected persisted seqs 1,2, got %d,%d",
			rec.ops[0].SequenceNumber, rec.ops[1].SequenceNumber)
	}
}
