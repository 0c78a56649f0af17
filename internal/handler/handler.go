// Package handler defines the collaborator interface host applications
// implement to react to inbound Slack events, slash commands, and
// interactive payloads.
package handler

import "context"

// Context carries everything Dispatch needs beyond the event payload
// itself. It is a read-only snapshot: handlers never mutate limiter or
// cache internals directly, they only read off Context and call back
// through the Instance surface.
type Context struct {
	// InstanceName identifies which Instance produced this dispatch, for
	// handlers shared across multiple bot instances in one process.
	InstanceName string
	// EnvelopeID is the originating envelope_id, empty for synthetic
	// (replayed or test) dispatches.
	EnvelopeID string
	// Synthetic is true when this dispatch bypassed ack/dedupe, e.g. a
	// diagnostics replay or an injected test event.
	Synthetic bool
	// Assigns is a freeform bag a handler may use to thread state across
	// a dispatch's own helper calls; Dispatch owns its lifetime.
	Assigns map[string]any
	// Context is the caller's cancellation/deadline context.
	Context context.Context
}

// Outcome classifies how a Dispatch call resolved, so the manager's
// telemetry span can record ok/error/halted without needing to understand
// the handler's own return values.
type Outcome int

const (
	// Ok means the handler ran to completion with no reported error.
	Ok Outcome = iota
	// Error means the handler reported a recoverable failure.
	Error
	// Halted means the handler deliberately stopped further processing
	// and supplied a response payload (e.g. for a slash command ack).
	Halted
)

func (o Outcome) String() string {
	switch o {
	case Error:
		return "error"
	case Halted:
		return "halted"
	default:
		return "ok"
	}
}

// Result is what Dispatch returns.
type Result struct {
	Outcome  Outcome
	Err      error
	Response map[string]any
}

// Handler is the collaborator interface host applications implement.
// Dispatch is called once per inbound envelope (or synthetic event) after
// ack/dedupe/cache side effects have already run.
type Handler interface {
	Dispatch(eventType string, payload map[string]any, ctx Context) Result
}

// Func adapts a plain function to a Handler.
type Func func(eventType string, payload map[string]any, ctx Context) Result

// Dispatch implements Handler.
func (f Func) Dispatch(eventType string, payload map[string]any, ctx Context) Result {
	return f(eventType, payload, ctx)
}
