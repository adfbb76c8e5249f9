// Package message contains the core domain types shared across all listq
// internal packages. It deliberately imports no other listq package so that
// the switchboard, pipeline, and runner layers can all depend on it without
// creating import cycles.
package message

import (
	"encoding/json"
	"fmt"
)

// Queue kinds. Each kind maps to one switchboard directory.
const (
	QueueIn       = "in"       // inbound postings awaiting the post pipeline
	QueueBounces  = "bounces"  // delivery-failure notifications
	QueueCommands = "commands" // subscribe/unsubscribe/help command mail
	QueueOut      = "out"      // accepted mail awaiting transport injection
	QueueVirgin   = "virgin"   // notices listq generated itself
	QueueHeld     = "held"     // quarantined pairs backing pending holds
	QueueShunt    = "shunt"    // pairs that repeatedly failed processing
	QueueBad      = "bad"      // orphan halves swept out by maintenance
)

// Pipeline names. The runner executes the pipeline named in Meta.Pipeline;
// the set is closed and built at startup.
const (
	PipelinePost    = "post"
	PipelineOwner   = "owner"
	PipelineCommand = "command"
	PipelineBounce  = "bounce"
)

// Role is the list-related address class a message was submitted to.
type Role string

const (
	RolePost    Role = "post"    // listname@host
	RoleOwner   Role = "owner"   // listname-owner@host
	RoleJoin    Role = "join"    // listname-join@host
	RoleLeave   Role = "leave"   // listname-leave@host
	RoleBounce  Role = "bounce"  // listname-bounces@host (and VERP variants)
	RoleCommand Role = "command" // listname-request@host
)

// Valid reports whether r is one of the known role addresses.
func (r Role) Valid() bool {
	switch r {
	case RolePost, RoleOwner, RoleJoin, RoleLeave, RoleBounce, RoleCommand:
		return true
	}
	return false
}

// Pipeline returns the pipeline name that processes messages of this role.
func (r Role) Pipeline() string {
	switch r {
	case RoleOwner:
		return PipelineOwner
	case RoleJoin, RoleLeave, RoleCommand:
		return PipelineCommand
	case RoleBounce:
		return PipelineBounce
	default:
		return PipelinePost
	}
}

// Queue returns the switchboard kind that messages of this role are
// enqueued into by the queue entry.
func (r Role) Queue() string {
	switch r {
	case RoleBounce:
		return QueueBounces
	case RoleJoin, RoleLeave, RoleCommand:
		return QueueCommands
	default:
		return QueueIn
	}
}

// Meta is the mutable routing and progress envelope stored beside each
// payload as a JSON sidecar file.
//
// Design rules:
//   - Fields are only added, never renamed or removed — queued entries from
//     an older binary must always be readable after an upgrade.
//   - Timestamps are UTC milliseconds since the Unix epoch.
//   - The payload itself is immutable; handlers record progress here.
type Meta struct {
	// List is the target list name (without host).
	List string `json:"list"`

	// Pipeline names the handler sequence that processes this message.
	Pipeline string `json:"pipeline"`

	// Role is the address class the message was submitted to.
	Role Role `json:"role"`

	// Sender is the envelope sender address, empty for null reverse-path
	// (most bounces arrive with MAIL FROM:<>).
	Sender string `json:"sender"`

	// Recipient is the full local address the transport delivered to,
	// kept so the bounce pipeline can recover a VERP-encoded original
	// recipient from it.
	Recipient string `json:"recipient,omitempty"`

	// Received is when the queue entry accepted the message.
	Received int64 `json:"received"`

	// PipelinePos is the index of the next handler to run. Persisted after
	// every completed handler so a crash resumes after the last completed
	// step, not from scratch.
	PipelinePos int `json:"pipeline_pos"`

	// Failures counts pipeline attempts that ended in an uncaught handler
	// error. Past the runner's limit the message is shunted.
	Failures int `json:"failures,omitempty"`

	// LastError is the most recent handler error, kept for diagnosis.
	LastError string `json:"last_error,omitempty"`

	// ShuntReason is recorded when the pair is moved to the shunt queue.
	ShuntReason string `json:"shunt_reason,omitempty"`

	// Approved marks a message re-enqueued by an explicit moderator
	// approval; the moderation handler lets it straight through.
	Approved bool `json:"approved,omitempty"`

	// HoldReasons accumulates every hold criterion that matched, so the
	// moderator review shows all of them, not just the first.
	HoldReasons []string `json:"hold_reasons,omitempty"`

	// Recipients is the resolved delivery set, filled in by the post
	// pipeline before hand-off to the outgoing queue.
	Recipients []string `json:"recipients,omitempty"`

	// Extra holds handler scratch values that do not merit a field.
	Extra map[string]string `json:"extra,omitempty"`
}

// Message pairs an immutable payload with its metadata under one identifier.
type Message struct {
	ID      string
	Payload []byte
	Meta    Meta
}

// Clone returns a copy whose Meta slices and map are independent of m.
func (m *Message) Clone() *Message {
	c := *m
	c.Meta.HoldReasons = append([]string(nil), m.Meta.HoldReasons...)
	c.Meta.Recipients = append([]string(nil), m.Meta.Recipients...)
	if m.Meta.Extra != nil {
		c.Meta.Extra = make(map[string]string, len(m.Meta.Extra))
		for k, v := range m.Meta.Extra {
			c.Meta.Extra[k] = v
		}
	}
	return &c
}

// SetExtra records a scratch key, allocating the map on first use.
func (m *Meta) SetExtra(key, val string) {
	if m.Extra == nil {
		m.Extra = make(map[string]string, 1)
	}
	m.Extra[key] = val
}

// MarshalMeta serializes meta for the sidecar file.
func MarshalMeta(meta *Meta) ([]byte, error) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("message: marshal meta: %w", err)
	}
	return append(data, '\n'), nil
}

// UnmarshalMeta parses a sidecar file.
func UnmarshalMeta(data []byte) (*Meta, error) {
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("message: unmarshal meta: %w", err)
	}
	return &meta, nil
}
