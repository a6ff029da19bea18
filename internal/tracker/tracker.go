// Package tracker is the issue tracker boundary. The orchestrator only
// needs a handful of operations; adapters map them onto an external
// tracker CLI or onto the bundled SQLite backend.
package tracker

import (
	"context"
	"errors"
	"fmt"
)

// Issue statuses the orchestrator writes.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusClosed     = "closed"
)

// ErrIssueNotFound means the tracker has no issue with the given id.
var ErrIssueNotFound = errors.New("issue not found")

// Issue is the minimal view of a tracked issue.
type Issue struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Body      string   `json:"body,omitempty"`
	Status    string   `json:"status"`
	Assignee  string   `json:"assignee,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	UpdatedAt int64    `json:"updatedAt,omitempty"`
}

// Tracker abstracts the external issue system.
type Tracker interface {
	GetIssue(ctx context.Context, id string) (Issue, error)
	UpdateStatus(ctx context.Context, id, status string) error
	AddComment(ctx context.Context, id, body string) error
	CloseIssue(ctx context.Context, id string) error
}

// CollaboratorError wraps a tracker failure so callers can tell external
// breakage apart from local errors.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("tracker %s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

func collabErr(op string, err error) error {
	return &CollaboratorError{Op: op, Err: err}
}
