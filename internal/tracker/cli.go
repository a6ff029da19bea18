package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/forgeline/foreman/pkg/logger"
)

const defaultCLITimeout = 30 * time.Second

// CLI shells out to an external issue tracker binary. The binary is
// expected to support `show <id> --json`, `update <id> --status <s>`,
// `comment <id> --message <m>`, and `close <id>`.
type CLI struct {
	binary  string
	dir     string
	timeout time.Duration

	// runner is swapped out in tests.
	runner func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewCLI builds an adapter for the given tracker binary. dir is the working
// directory for invocations; empty means the process working directory.
func NewCLI(binary, dir string) *CLI {
	return &CLI{
		binary:  binary,
		dir:     dir,
		timeout: defaultCLITimeout,
		runner: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, name, args...)
			if dir != "" {
				cmd.Dir = dir
			}
			var stderr bytes.Buffer
			cmd.Stderr = &stderr
			out, err := cmd.Output()
			if err != nil {
				if msg := strings.TrimSpace(stderr.String()); msg != "" {
					return nil, fmt.Errorf("%w: %s", err, msg)
				}
				return nil, err
			}
			return out, nil
		},
	}
}

// GetIssue implements Tracker.
func (c *CLI) GetIssue(ctx context.Context, id string) (Issue, error) {
	out, err := c.run(ctx, "show", id, "--json")
	if err != nil {
		if isNotFoundOutput(err) {
			return Issue{}, fmt.Errorf("%w: %s", ErrIssueNotFound, id)
		}
		return Issue{}, collabErr("show", err)
	}
	issue, err := parseIssueJSON(out)
	if err != nil {
		return Issue{}, collabErr("show", err)
	}
	if issue.ID == "" {
		issue.ID = id
	}
	return issue, nil
}

// UpdateStatus implements Tracker.
func (c *CLI) UpdateStatus(ctx context.Context, id, status string) error {
	if _, err := c.run(ctx, "update", id, "--status", status); err != nil {
		if isNotFoundOutput(err) {
			return fmt.Errorf("%w: %s", ErrIssueNotFound, id)
		}
		return collabErr("update", err)
	}
	return nil
}

// AddComment implements Tracker.
func (c *CLI) AddComment(ctx context.Context, id, body string) error {
	if _, err := c.run(ctx, "comment", id, "--message", body); err != nil {
		return collabErr("comment", err)
	}
	return nil
}

// CloseIssue implements Tracker.
func (c *CLI) CloseIssue(ctx context.Context, id string) error {
	if _, err := c.run(ctx, "close", id); err != nil {
		return collabErr("close", err)
	}
	return nil
}

func (c *CLI) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	logger.Tracef("[tracker] %s %s", c.binary, strings.Join(args, " "))
	return c.runner(ctx, c.binary, args...)
}

// parseIssueJSON accepts the shapes tracker CLIs actually emit: a bare
// issue object, or the object wrapped under "issue" or as the sole element
// of an array.
func parseIssueJSON(data []byte) (Issue, error) {
	var issue Issue
	if err := json.Unmarshal(data, &issue); err == nil && (issue.ID != "" || issue.Title != "") {
		return issue, nil
	}

	var wrapper struct {
		Issue *Issue `json:"issue"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.Issue != nil {
		return *wrapper.Issue, nil
	}

	var arr []Issue
	if err := json.Unmarshal(data, &arr); err == nil && len(arr) > 0 {
		return arr[0], nil
	}

	return Issue{}, fmt.Errorf("unexpected tracker output: %s", truncate(string(data), 120))
}

func isNotFoundOutput(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "no such issue") || strings.Contains(msg, "unknown issue")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
