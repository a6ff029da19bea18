package tracker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteIssueLifecycle(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	err := s.CreateIssue(ctx, Issue{
		ID:     "ISSUE-1",
		Title:  "login times out",
		Body:   "Login takes 30s on slow networks.",
		Labels: []string{"bug", "auth"},
	})
	require.NoError(t, err)

	issue, err := s.GetIssue(ctx, "ISSUE-1")
	require.NoError(t, err)
	require.Equal(t, StatusOpen, issue.Status)
	require.Equal(t, []string{"auth", "bug"}, issue.Labels)

	require.NoError(t, s.UpdateStatus(ctx, "ISSUE-1", StatusInProgress))
	issue, err = s.GetIssue(ctx, "ISSUE-1")
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, issue.Status)

	require.NoError(t, s.AddComment(ctx, "ISSUE-1", "work finished, see summary"))
	comments, err := s.Comments(ctx, "ISSUE-1")
	require.NoError(t, err)
	require.Equal(t, []string{"work finished, see summary"}, comments)

	require.NoError(t, s.CloseIssue(ctx, "ISSUE-1"))
	issue, err = s.GetIssue(ctx, "ISSUE-1")
	require.NoError(t, err)
	require.Equal(t, StatusClosed, issue.Status)
}

func TestSQLiteNotFound(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	_, err := s.GetIssue(ctx, "MISSING")
	require.ErrorIs(t, err, ErrIssueNotFound)

	require.ErrorIs(t, s.UpdateStatus(ctx, "MISSING", StatusClosed), ErrIssueNotFound)
	require.ErrorIs(t, s.AddComment(ctx, "MISSING", "hello"), ErrIssueNotFound)
}

func TestSQLiteCreateValidation(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	require.Error(t, s.CreateIssue(ctx, Issue{Title: "no id"}))
	require.Error(t, s.CreateIssue(ctx, Issue{ID: "no-title"}))

	require.NoError(t, s.CreateIssue(ctx, Issue{ID: "DUP", Title: "first"}))
	err := s.CreateIssue(ctx, Issue{ID: "DUP", Title: "second"})
	var collab *CollaboratorError
	require.ErrorAs(t, err, &collab)
}

func TestSQLiteListIssues(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.CreateIssue(ctx, Issue{ID: "A", Title: "a"}))
	require.NoError(t, s.CreateIssue(ctx, Issue{ID: "B", Title: "b"}))
	require.NoError(t, s.UpdateStatus(ctx, "B", StatusClosed))

	all, err := s.ListIssues(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	open, err := s.ListIssues(ctx, StatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "A", open[0].ID)
}

func TestSQLiteMigrationIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.db")

	s1, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s1.CreateIssue(context.Background(), Issue{ID: "KEEP", Title: "kept"}))
	require.NoError(t, s1.Close())

	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s2.Close()

	issue, err := s2.GetIssue(context.Background(), "KEEP")
	require.NoError(t, err)
	require.Equal(t, "kept", issue.Title)
}
