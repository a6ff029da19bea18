package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forgeline/foreman/internal/jsonrepair"
	"github.com/forgeline/foreman/internal/orchestrator"
	"github.com/forgeline/foreman/internal/pool"
	"github.com/forgeline/foreman/internal/tracker"
	"github.com/forgeline/foreman/internal/work"
	"github.com/forgeline/foreman/pkg/types"
)

// WorkHandler exposes the work lifecycle over HTTP.
type WorkHandler struct {
	orch *orchestrator.Orchestrator
}

func NewWorkHandler(orch *orchestrator.Orchestrator) *WorkHandler {
	return &WorkHandler{orch: orch}
}

// StartWork handles POST /work/start
func (h *WorkHandler) StartWork(c *gin.Context) {
	var req types.StartWorkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	opts := orchestrator.StartOptions{ProjectPath: req.ProjectPath}
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	sess, err := h.orch.StartWork(c.Request.Context(), req.IssueID, opts)
	if err != nil {
		writeError(c, err)
		return
	}

	// A fixed acknowledgment; live state is on the status endpoints.
	c.JSON(http.StatusOK, types.StartWorkResponse{
		WorkID: sess.WorkID,
		Status: "started",
	})
}

// WorkStatus handles GET /work/status/:issueId
func (h *WorkHandler) WorkStatus(c *gin.Context) {
	sess, err := h.orch.WorkStatus(c.Param("issueId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// WorkSession handles GET /work/session/:workId. Unlike WorkStatus it also
// serves sessions that already finished.
func (h *WorkHandler) WorkSession(c *gin.Context) {
	sess, err := h.orch.Session(c.Param("workId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ActiveWork handles GET /work/active
func (h *WorkHandler) ActiveWork(c *gin.Context) {
	sessions := h.orch.ActiveWork()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// CancelWork handles POST /work/cancel/:issueId. Cancelling an issue with no
// running work is a client mistake, not a missing resource.
func (h *WorkHandler) CancelWork(c *gin.Context) {
	issueID := c.Param("issueId")
	sess, err := h.orch.CancelWork(issueID)
	if err != nil {
		if errors.Is(err, work.ErrNotFound) {
			c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "no active work for issue " + issueID})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.CancelWorkResponse{
		Success: true,
		Status:  string(work.StatusCancelled),
		WorkID:  sess.WorkID,
	})
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var parseErr *jsonrepair.ParseError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, work.ErrValidation), errors.Is(err, work.ErrConflict):
		status = http.StatusBadRequest
	case errors.Is(err, work.ErrNotFound), errors.Is(err, tracker.ErrIssueNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pool.ErrExhausted):
		status = http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case errors.As(err, &parseErr):
		status = http.StatusBadGateway
	}
	c.JSON(status, types.ErrorResponse{Error: err.Error()})
}
