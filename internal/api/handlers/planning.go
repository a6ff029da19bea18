package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgeline/foreman/internal/orchestrator"
	"github.com/forgeline/foreman/internal/pool"
	"github.com/forgeline/foreman/pkg/types"
)

// PlanningHandler exposes the planning agent and pool state.
type PlanningHandler struct {
	orch   *orchestrator.Orchestrator
	agents *pool.Pool
}

func NewPlanningHandler(orch *orchestrator.Orchestrator, agents *pool.Pool) *PlanningHandler {
	return &PlanningHandler{orch: orch, agents: agents}
}

// PoolStatus handles GET /planning/pool/status
func (h *PlanningHandler) PoolStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"agents": h.agents.Agents(),
		"stats":  h.agents.Stats(),
	})
}

// Breakdown handles POST /planning/breakdown. The call blocks while the
// planning agent works. When the planner and its wait queue are both full
// the request fails fast with 429.
func (h *PlanningHandler) Breakdown(c *gin.Context) {
	var req types.BreakdownRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	tasks, err := h.orch.PlanBreakdown(c.Request.Context(), req.IssueID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"issueId": req.IssueID,
		"tasks":   tasks,
		"count":   len(tasks),
	})
}
