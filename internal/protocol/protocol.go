package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message types carried in the envelope's "type" field
const (
	MessageUserJoin       = "user_join"
	MessageUserLeft       = "user_left"
	MessageUsersList      = "users_list"
	MessageCursorUpdate   = "cursor_update"
	MessageNodeSelection  = "node_selection"
	MessageWorkflowChange = "workflow_change"
	MessageHeartbeat      = "heartbeat"
	MessageChangeAck      = "change_ack"
	MessageChangeReject   = "change_reject"
	MessageRoomClosed     = "room_closed"
)

// Graph edit kinds accepted in workflow_change messages
const (
	ChangeNodeAdd    = "node_add"
	ChangeNodeRemove = "node_remove"
	ChangeNodeUpdate = "node_update"
	ChangeLinkAdd    = "link_add"
	ChangeLinkRemove = "link_remove"
	ChangeLinkUpdate = "link_update"
)

// Selection kinds for node_selection messages
const (
	SelectionSelect = "select"
	SelectionEdit   = "edit"
	SelectionDrag   = "drag"
)

var changeKinds = map[string]bool{
	ChangeNodeAdd:    true,
	ChangeNodeRemove: true,
	ChangeNodeUpdate: true,
	ChangeLinkAdd:    true,
	ChangeLinkRemove: true,
	ChangeLinkUpdate: true,
}

var selectionKinds = map[string]bool{
	SelectionSelect: true,
	SelectionEdit:   true,
	SelectionDrag:   true,
}

// Profile is the identity a client announces when joining a room.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Participant is a profile as the room sees it, with the server-assigned
// color and liveness metadata.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName,omitempty"`
	Email       string    `json:"email,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Color       string    `json:"color"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"lastSeen"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Cursor is a pointer position on the shared canvas.
type Cursor struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ElementID string  `json:"elementId,omitempty"`
}

// Selection marks an element as held by a participant. Active false
// releases the element instead.
type Selection struct {
	ElementID string `json:"elementId"`
	Kind      string `json:"kind,omitempty"`
	Active    bool   `json:"active"`
}

// Change is a single graph edit. BaseSequence is the last sequence number
// the submitter had observed; SequenceNumber is assigned by the room when
// the change is accepted and is zero before that.
type Change struct {
	ID             string          `json:"changeId"`
	Kind           string          `json:"changeType"`
	TargetID       string          `json:"targetElementId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Origin         string          `json:"origin,omitempty"`
	BaseSequence   uint64          `json:"baseSequence"`
	SequenceNumber uint64          `json:"sequenceNumber,omitempty"`
	Applied        bool            `json:"applied,omitempty"`
}

// Envelope is the wire format shared by every message. Only the fields
// relevant to a given type are populated.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// user_join (inbound carries Profile, the broadcast carries User)
	Profile *Profile     `json:"profile,omitempty"`
	User    *Participant `json:"user,omitempty"`

	// Sender on fan-out messages, subject on user_left
	UserID string `json:"userId,omitempty"`

	// users_list
	Users        []Participant `json:"users,omitempty"`
	Snapshot     []byte        `json:"snapshot,omitempty"`
	BaseSequence uint64        `json:"baseSequence,omitempty"`
	Sequence     uint64        `json:"sequence,omitempty"`

	// cursor_update / node_selection
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`

	// workflow_change / change_ack / change_reject
	Change         *Change `json:"change,omitempty"`
	ChangeID       string  `json:"changeId,omitempty"`
	SequenceNumber uint64  `json:"sequenceNumber,omitempty"`

	// change_reject / room_closed
	Reason string `json:"reason,omitempty"`
}

// NewEnvelope builds an envelope of the given type stamped with the
// current time.
func NewEnvelope(msgType string) *Envelope {
	return &Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
}

// NewChangeID derives a change id from the origin participant, the local
// clock, and a random suffix so retransmissions stay recognizable.
func NewChangeID(origin string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", origin, time.Now().UnixMilli(), suffix)
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates a wire frame. Frames that do not carry the
// fields their type requires are rejected rather than partially applied.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Envelope) validate() error {
	switch e.Type {
	case MessageUserJoin:
		if e.Profile == nil && e.User == nil {
			return fmt.Errorf("user_join without profile")
		}
		if e.Profile != nil && e.Profile.ID == "" {
			return fmt.Errorf("user_join with empty participant id")
		}
	case MessageUserLeft:
		if e.UserID == "" {
			return fmt.Errorf("user_left without userId")
		}
	case MessageCursorUpdate:
		if e.Cursor == nil {
			return fmt.Errorf("cursor_update without cursor")
		}
	case MessageNodeSelection:
		if e.Selection == nil {
			return fmt.Errorf("node_selection without selection")
		}
		if e.Selection.ElementID == "" {
			return fmt.Errorf("node_selection with empty elementId")
		}
		if e.Selection.Active && !selectionKinds[e.Selection.Kind] {
			return fmt.Errorf("invalid selection kind: %q", e.Selection.Kind)
		}
	case MessageWorkflowChange:
		if e.Change == nil {
			return fmt.Errorf("workflow_change without change")
		}
		return e.Change.Validate()
	case MessageChangeAck, MessageChangeReject:
		if e.ChangeID == "" {
			return fmt.Errorf("%s without changeId", e.Type)
		}
	case MessageUsersList, MessageHeartbeat, MessageRoomClosed:
		// no required payload
	case "":
		return fmt.Errorf("message without type")
	default:
		return fmt.Errorf("unknown message type: %q", e.Type)
	}
	return nil
}

// Validate checks the fields a change needs before it can enter a room's
// log.
func (c *Change) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("change without id")
	}
	if !changeKinds[c.Kind] {
		return fmt.Errorf("invalid change kind: %q", c.Kind)
	}
	if c.TargetID == "" {
		return fmt.Errorf("change %s without target element", c.ID)
	}
	return nil
}
