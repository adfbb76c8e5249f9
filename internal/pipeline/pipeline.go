// Package pipeline defines the ordered handler sequences that every queued
// message passes through, and the concrete handlers for the post, owner,
// and command pipelines (bounce handlers live in the bounce package, next
// to the ledger they feed).
//
// The set of pipelines is closed and built once at startup: a message's
// metadata names its pipeline, the table resolves the name to an ordered
// handler slice, and the runner drives the message through it exactly once
// per run, resuming at the persisted position after a crash.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lindenmail/listq/internal/list"
	"github.com/lindenmail/listq/internal/message"
)

// ErrUnknownPipeline is returned when a message names a pipeline that is
// not in the table. The runner shunts such messages.
var ErrUnknownPipeline = errors.New("pipeline: unknown pipeline")

// Kind is the decision a handler returns for a message.
type Kind int

const (
	// Continue passes the message to the next handler.
	Continue Kind = iota

	// Defer stops this cycle's processing and leaves the message queued;
	// used for rate limiting and transient external failures.
	Defer

	// Held quarantines the message pending a moderator decision. The
	// accumulated reasons live in Meta.HoldReasons. Terminal for now.
	Held

	// Rejected bounces the message back to its sender with an
	// explanation. Terminal.
	Rejected

	// Discarded silently drops the message. Terminal.
	Discarded

	// Delivered means the message has been handed to the outgoing
	// switchboard. Terminal.
	Delivered
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Defer:
		return "defer"
	case Held:
		return "held"
	case Rejected:
		return "rejected"
	case Discarded:
		return "discarded"
	case Delivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// Outcome is a handler's decision plus its reason (for reject/discard).
type Outcome struct {
	Kind   Kind
	Reason string
}

// Task is the unit a handler operates on. Msg.Payload is the immutable
// queued bytes; Working is the content as shaped so far by the accepted
// path's transform handlers, and is what ultimately reaches the outgoing
// queue. Held messages always quarantine Msg.Payload, never Working, so a
// moderator approval resumes the original message.
type Task struct {
	Msg     *message.Message
	List    *list.List
	Working []byte
	Log     *slog.Logger
}

// Handler is one step of a pipeline.
//
// Handlers before the acceptance decision must be side-effect-free: the
// runner persists the pipeline position after each of them, and a crash
// retries only the step that was interrupted. Transform handlers (those
// also implementing Volatile() true) shape Working in memory and are
// re-run as a group on resume; their side effects must tolerate
// at-least-once execution.
type Handler interface {
	Name() string
	Process(ctx context.Context, t *Task) (Outcome, error)
}

// volatileHandler marks handlers whose progress is not persisted.
type volatileHandler interface {
	Volatile() bool
}

// IsVolatile reports whether h's completion should be persisted.
func IsVolatile(h Handler) bool {
	v, ok := h.(volatileHandler)
	return ok && v.Volatile()
}

// Transform is embedded by content-shaping handlers to mark them volatile.
type Transform struct{}

// Volatile implements the marker.
func (Transform) Volatile() bool { return true }

// Pipeline is a named, ordered handler sequence.
type Pipeline struct {
	Name     string
	Handlers []Handler
}

// Table maps pipeline names to their handler sequences. Built at startup;
// read-only afterwards.
type Table map[string]*Pipeline

// Lookup resolves a pipeline by name.
func (t Table) Lookup(name string) (*Pipeline, error) {
	p, ok := t[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, name)
	}
	return p, nil
}

// Register adds p to the table, replacing any previous entry of that name.
func (t Table) Register(p *Pipeline) { t[p.Name] = p }
