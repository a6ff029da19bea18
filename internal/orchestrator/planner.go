package orchestrator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/forgeline/foreman/internal/agent"
	"github.com/forgeline/foreman/internal/jsonrepair"
	"github.com/forgeline/foreman/internal/tracker"
	"github.com/forgeline/foreman/pkg/logger"
)

const planTimeout = 2 * time.Minute

// PlannedTask is one step of a breakdown produced by the planning agent.
type PlannedTask struct {
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
	Estimate int    `json:"estimate,omitempty"`
}

// PlanBreakdown asks the planning agent to split an issue into concrete
// tasks. The call is synchronous and exclusive; concurrent requests queue
// on the planner and overflow with pool.ErrExhausted.
func (o *Orchestrator) PlanBreakdown(ctx context.Context, issueID string) ([]PlannedTask, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	o.mu.Unlock()

	issue, err := o.tracker.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}

	if _, err := o.pool.AssignPlanner(ctx, "breakdown:"+issueID); err != nil {
		return nil, err
	}
	defer o.pool.ReleasePlanner()

	session, err := o.launcher.Launch(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("planner launch failed: %w", err)
	}
	defer session.Close()

	var (
		mu     sync.Mutex
		text   strings.Builder
		result string
		errMsg string
	)
	done := make(chan struct{})
	var once sync.Once

	unsubscribe := session.Subscribe(func(ev agent.Event) {
		switch ev.Type {
		case agent.EventTextDelta:
			mu.Lock()
			text.WriteString(ev.Text)
			mu.Unlock()
		case agent.EventAgentEnd:
			mu.Lock()
			result = ev.Text
			mu.Unlock()
			once.Do(func() { close(done) })
		case agent.EventError:
			mu.Lock()
			if errMsg == "" {
				errMsg = ev.Err
			}
			mu.Unlock()
			once.Do(func() { close(done) })
		}
	})
	defer unsubscribe()

	if err := session.Prompt(ctx, breakdownPrompt(issue)); err != nil {
		return nil, fmt.Errorf("prompting planner failed: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(planTimeout):
		return nil, fmt.Errorf("planning timed out after %s", planTimeout)
	}

	mu.Lock()
	failure := errMsg
	output := result
	if strings.TrimSpace(output) == "" {
		output = text.String()
	}
	mu.Unlock()

	if failure != "" {
		return nil, fmt.Errorf("planner failed: %s", failure)
	}

	tasks, err := parseBreakdown(output)
	if err != nil {
		return nil, err
	}
	logger.Infof("[orchestrator] planned %d tasks for issue %s", len(tasks), issueID)
	return tasks, nil
}

func breakdownPrompt(issue tracker.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Break issue %s into concrete engineering tasks.\n", issue.ID)
	if issue.Title != "" {
		fmt.Fprintf(&b, "\nTitle: %s\n", issue.Title)
	}
	if issue.Body != "" {
		fmt.Fprintf(&b, "\n%s\n", issue.Body)
	}
	b.WriteString("\nRespond with JSON only, shaped like " +
		`{"tasks": [{"title": "...", "detail": "...", "estimate": 2}]}` +
		" where estimate is in hours.")
	return b.String()
}

// parseBreakdown accepts either {"tasks": [...]} or a bare task array,
// running the output through the repair parser first. Entries without a
// title are dropped.
func parseBreakdown(output string) ([]PlannedTask, error) {
	v, err := jsonrepair.Parse(output)
	if err != nil {
		return nil, err
	}

	var raw []any
	switch typed := v.(type) {
	case []any:
		raw = typed
	case map[string]any:
		inner, ok := typed["tasks"].([]any)
		if !ok {
			return nil, &jsonrepair.ParseError{Reason: "object has no tasks array"}
		}
		raw = inner
	}

	tasks := make([]PlannedTask, 0, len(raw))
	for _, entry := range raw {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		title, _ := obj["title"].(string)
		if strings.TrimSpace(title) == "" {
			continue
		}
		task := PlannedTask{Title: strings.TrimSpace(title)}
		if detail, ok := obj["detail"].(string); ok {
			task.Detail = strings.TrimSpace(detail)
		} else if detail, ok := obj["description"].(string); ok {
			task.Detail = strings.TrimSpace(detail)
		}
		if est, ok := obj["estimate"].(float64); ok {
			task.Estimate = int(math.Round(est))
		}
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		return nil, &jsonrepair.ParseError{Reason: "no usable tasks in planner output"}
	}
	return tasks, nil
}
