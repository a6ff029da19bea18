// Package agent talks to the external coding agent. A Session is one live
// conversation; the orchestrator subscribes to its raw events and translates
// them into work-session steps. Nothing in here knows about issues, work
// sessions, or HTTP.
package agent

import "context"

// Raw event types emitted by a session.
const (
	EventTextDelta = "text_delta"
	EventToolStart = "tool_start"
	EventToolEnd   = "tool_end"
	EventAgentEnd  = "agent_end"
	EventError     = "error"
)

// Event is a single raw occurrence inside an agent session.
type Event struct {
	Type string
	// Text carries delta content for text_delta and the final result text
	// for agent_end.
	Text string
	// Tool and Input describe the invocation for tool_start; Tool repeats
	// on tool_end.
	Tool  string
	Input map[string]any
	// Err holds the failure text for error events and failed tool_ends.
	Err       string
	Timestamp int64
}

// Session is a live conversation with one external agent.
type Session interface {
	// Subscribe registers a callback for every raw event, invoked in
	// arrival order. The returned function unsubscribes and is idempotent.
	Subscribe(fn func(Event)) (unsubscribe func())

	// Prompt sends one user message. It returns once the message has been
	// handed to the agent; completion arrives later as an agent_end event.
	Prompt(ctx context.Context, text string) error

	// Close tears the session down. In-flight agent work is not
	// interrupted gracefully; the agent process is asked to exit and
	// killed if it lingers.
	Close() error
}

// Launcher creates sessions. The pool hands out agent slots; the launcher
// provides the conversation bound to that slot.
type Launcher interface {
	Launch(ctx context.Context, workDir string) (Session, error)
}
