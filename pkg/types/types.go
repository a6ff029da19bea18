package types

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewWorkID generates the unique identifier for a work session.
func NewWorkID() string {
	return uuid.NewString()
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewEventID generates a ULID for a published event. ULIDs sort
// lexicographically by creation time, so merged event streams stay ordered.
func NewEventID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

// Common response types

type ErrorResponse struct {
	Error string `json:"error"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

// Work API types

type StartWorkRequest struct {
	IssueID     string `json:"issue_id" binding:"required"`
	ProjectPath string `json:"project_path"`
	// TimeoutSeconds overrides the server default work timeout when > 0.
	TimeoutSeconds int `json:"timeout_seconds"`
}

type StartWorkResponse struct {
	WorkID string `json:"workId"`
	Status string `json:"status"`
}

type CancelWorkResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	WorkID  string `json:"workId"`
}

// Planning API types

type BreakdownRequest struct {
	IssueID string `json:"issue_id" binding:"required"`
}

// Health types

type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}
