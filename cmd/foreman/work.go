package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeline/foreman/pkg/client"
	"github.com/forgeline/foreman/pkg/types"
)

func workCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Start and inspect automated work",
	}
	cmd.AddCommand(workStartCmd())
	cmd.AddCommand(workStatusCmd())
	cmd.AddCommand(workSessionCmd())
	cmd.AddCommand(workActiveCmd())
	cmd.AddCommand(workCancelCmd())
	cmd.AddCommand(workWatchCmd())
	return cmd
}

func workStartCmd() *cobra.Command {
	var (
		flagPath    string
		flagTimeout time.Duration
		flagWatch   bool
	)

	cmd := &cobra.Command{
		Use:   "start ISSUE",
		Short: "Start automated work on an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient().StartWork(cmd.Context(), types.StartWorkRequest{
				IssueID:        args[0],
				ProjectPath:    flagPath,
				TimeoutSeconds: int(flagTimeout.Seconds()),
			})
			if err != nil {
				return err
			}

			if flagJSON && !flagWatch {
				return printJSON(resp)
			}
			fmt.Printf("✓ Work started: %s\n", resp.WorkID)

			if flagWatch {
				return watchStream(client.StreamOptions{WorkID: resp.WorkID})
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagPath, "path", "", "Project directory the agent works in")
	cmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "Per-work timeout, overrides the server default")
	cmd.Flags().BoolVar(&flagWatch, "watch", false, "Stream events until the work finishes")

	return cmd
}

func workStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status ISSUE",
		Short: "Show the active work session for an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := apiClient().WorkStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(sess)
			}
			renderSession(sess)
			return nil
		},
	}
}

func workSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session WORK_ID",
		Short: "Show a work session by id, finished ones included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := apiClient().WorkSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(sess)
			}
			renderSession(sess)
			return nil
		},
	}
}

func workActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List sessions that have not finished yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := apiClient().ActiveWork(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(sessions)
			}
			if len(sessions) == 0 {
				fmt.Println("No active work.")
				return nil
			}
			for _, sess := range sessions {
				fmt.Printf("%s  %-12s %3d%%  %s\n", sess.WorkID, sess.Status, sess.Progress, sess.IssueID)
			}
			return nil
		},
	}
}

func workCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ISSUE",
		Short: "Cancel the active work session for an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient().CancelWork(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			fmt.Printf("✓ Work cancelled: %s\n", resp.WorkID)
			return nil
		},
	}
}

func workWatchCmd() *cobra.Command {
	var flagWorkID string

	cmd := &cobra.Command{
		Use:   "watch [ISSUE]",
		Short: "Stream work events until the session finishes",
		Long: `Stream work events until the session finishes.

With an issue argument the stream follows whatever session is active
for that issue; --work-id pins it to one session instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := client.StreamOptions{WorkID: flagWorkID}
			if len(args) == 1 {
				opts.IssueID = args[0]
			}
			if opts.IssueID == "" && opts.WorkID == "" {
				return fmt.Errorf("an issue argument or --work-id is required")
			}
			return watchStream(opts)
		},
	}

	cmd.Flags().StringVar(&flagWorkID, "work-id", "", "Watch one session by work id")

	return cmd
}

// watchStream follows the event stream and renders it until a terminal
// event arrives or the user interrupts.
func watchStream(opts client.StreamOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := apiClient().StreamEvents(ctx, opts, func(ev client.Event) error {
		if flagJSON {
			line, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
		} else {
			renderEvent(ev)
		}
		if ev.Terminal() {
			return client.ErrStopStream
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func renderSession(sess client.Session) {
	fmt.Printf("Work:     %s\n", sess.WorkID)
	fmt.Printf("Issue:    %s\n", sess.IssueID)
	fmt.Printf("Status:   %s", sess.Status)
	if sess.StatusMessage != "" {
		fmt.Printf(" (%s)", sess.StatusMessage)
	}
	fmt.Println()
	fmt.Printf("Progress: %d%%\n", sess.Progress)
	if sess.Result != nil {
		fmt.Printf("Summary:  %s\n", sess.Result.Summary)
		for _, file := range sess.Result.FilesChanged {
			fmt.Printf("  changed: %s\n", file)
		}
	}
	if sess.Error != nil {
		fmt.Printf("Error:    %s\n", sess.Error.Message)
	}
}

func renderEvent(ev client.Event) {
	switch ev.Type {
	case client.EventConnected:
		// Connection bookkeeping, nothing to show.
	case client.EventStatus:
		status, _ := ev.Data["status"].(string)
		message, _ := ev.Data["message"].(string)
		if message != "" {
			fmt.Printf("status: %s (%s)\n", status, message)
		} else {
			fmt.Printf("status: %s\n", status)
		}
	case client.EventProgress:
		progress, _ := ev.Data["progress"].(float64)
		fmt.Printf("progress: %.0f%%\n", progress)
	case client.EventStep:
		renderStep(ev)
	case client.EventComplete:
		summary, _ := ev.Data["summary"].(string)
		fmt.Printf("✓ complete: %s\n", summary)
	case client.EventError:
		message, _ := ev.Data["message"].(string)
		fmt.Printf("✗ failed: %s\n", message)
	}
}

func renderStep(ev client.Event) {
	stepType, _ := ev.Data["stepType"].(string)
	content, _ := ev.Data["content"].(string)
	switch stepType {
	case "text_delta":
		if text := strings.TrimSpace(content); text != "" {
			fmt.Printf("  %s\n", text)
		}
	case "tool_call":
		line := "  tool: " + content
		if meta, ok := ev.Data["metadata"].(map[string]any); ok {
			if file, ok := meta["file_path"].(string); ok && file != "" {
				line += " " + file
			}
		}
		fmt.Println(line)
	case "tool_error":
		fmt.Printf("  tool error: %s\n", content)
	}
}
