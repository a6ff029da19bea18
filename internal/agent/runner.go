package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/forgeline/foreman/pkg/logger"
)

const (
	// maxScannerBuffer bounds a single agent output line. Agents echo whole
	// file contents inside tool results, so this is generous.
	maxScannerBuffer = 10 * 1024 * 1024

	defaultReadyTimeout = 15 * time.Second
	stopGracePeriod     = 5 * time.Second
)

// wireMessage is one line of the agent CLI's stream-JSON protocol, both
// directions. Unknown fields are ignored so agent upgrades do not break us.
type wireMessage struct {
	Type  string         `json:"type"`
	ID    string         `json:"id,omitempty"`
	Text  string         `json:"text,omitempty"`
	Tool  string         `json:"tool,omitempty"`
	Input map[string]any `json:"input,omitempty"`
	Error string         `json:"error,omitempty"`
	// Result carries the final text on agent_end lines.
	Result string `json:"result,omitempty"`
}

// CLILauncher launches an agent CLI subprocess per session, speaking
// line-delimited JSON on stdin/stdout.
type CLILauncher struct {
	// Binary is the agent executable. Args are prepended before the
	// stream flags.
	Binary string
	Args   []string
	// ReadyTimeout bounds how long Launch waits for the agent's ready
	// line. Zero means the default.
	ReadyTimeout time.Duration
}

// Launch starts the agent process rooted at workDir and waits for its
// ready signal.
func (l *CLILauncher) Launch(ctx context.Context, workDir string) (Session, error) {
	if l.Binary == "" {
		return nil, fmt.Errorf("agent binary not configured")
	}

	args := append(append([]string(nil), l.Args...), "--input-format", "stream-json", "--output-format", "stream-json")
	cmd := exec.Command(l.Binary, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	r := &Runner{
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		stdout: stdout,
		stderr: stderr,
		subs:   make(map[int64]func(Event)),
		ready:  make(chan struct{}),
		errs:   make(chan error, 4),
		stopCh: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start agent %s: %w", l.Binary, err)
	}
	logger.Infof("[agent] started %s (pid %d) in %s", l.Binary, cmd.Process.Pid, workDir)

	go r.readLoop()
	go r.drainStderr()

	readyTimeout := l.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}
	select {
	case <-r.ready:
		return r, nil
	case err := <-r.errs:
		r.Close()
		return nil, fmt.Errorf("agent failed before ready: %w", err)
	case <-time.After(readyTimeout):
		r.Close()
		return nil, fmt.Errorf("agent ready timeout after %s", readyTimeout)
	case <-ctx.Done():
		r.Close()
		return nil, ctx.Err()
	}
}

// Runner is the subprocess-backed Session implementation.
type Runner struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu sync.Mutex
	enc     *json.Encoder

	mu      sync.Mutex
	subs    map[int64]func(Event)
	nextSub int64
	sawEnd  bool

	// seenIDs deduplicates lines when the agent replays history after an
	// internal resume.
	seenIDs sync.Map

	ready    chan struct{}
	errs     chan error
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Subscribe implements Session.
func (r *Runner) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.subs[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Prompt implements Session.
func (r *Runner) Prompt(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-r.stopCh:
		return fmt.Errorf("agent session closed")
	default:
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.enc.Encode(wireMessage{Type: "prompt", Text: text}); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	return nil
}

// Close implements Session. Closing stdin asks the agent to exit; if it is
// still alive after the grace period it is killed.
func (r *Runner) Close() error {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.writeMu.Lock()
		r.stdin.Close()
		r.writeMu.Unlock()

		done := make(chan struct{})
		go func() {
			r.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(stopGracePeriod):
			logger.Warnf("[agent] pid %d did not exit, killing", r.cmd.Process.Pid)
			r.cmd.Process.Kill()
			<-done
		}
	})
	return nil
}

func (r *Runner) readLoop() {
	scanner := bufio.NewScanner(r.stdout)
	scanner.Buffer(make([]byte, 1024*1024), maxScannerBuffer)

	for scanner.Scan() {
		select {
		case <-r.stopCh:
			return
		default:
		}
		r.handleLine(scanner.Bytes())
	}

	if err := scanner.Err(); err != nil {
		logger.Debugf("[agent] stdout error: %v", err)
	}

	// EOF. If the agent never finished its turn this is a failure the
	// orchestrator needs to hear about.
	r.mu.Lock()
	finished := r.sawEnd
	r.mu.Unlock()
	select {
	case <-r.stopCh:
		return
	default:
	}
	if !finished {
		r.emit(Event{Type: EventError, Err: "agent stream closed unexpectedly", Timestamp: time.Now().UnixMilli()})
		select {
		case r.errs <- io.ErrUnexpectedEOF:
		default:
		}
	}
}

// handleLine parses one stdout line and fans the event out. Blank and
// malformed lines are skipped; duplicate ids are dropped.
func (r *Runner) handleLine(line []byte) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return
	}

	var msg wireMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		logger.Debugf("[agent] skipping malformed line: %v", err)
		return
	}

	if msg.ID != "" {
		if _, dup := r.seenIDs.LoadOrStore(msg.ID, struct{}{}); dup {
			return
		}
	}

	now := time.Now().UnixMilli()
	switch msg.Type {
	case "ready":
		select {
		case <-r.ready:
		default:
			close(r.ready)
		}
	case EventTextDelta:
		r.emit(Event{Type: EventTextDelta, Text: msg.Text, Timestamp: now})
	case EventToolStart:
		r.emit(Event{Type: EventToolStart, Tool: msg.Tool, Input: msg.Input, Timestamp: now})
	case EventToolEnd:
		r.emit(Event{Type: EventToolEnd, Tool: msg.Tool, Err: msg.Error, Timestamp: now})
	case EventAgentEnd:
		r.mu.Lock()
		r.sawEnd = true
		r.mu.Unlock()
		r.emit(Event{Type: EventAgentEnd, Text: msg.Result, Timestamp: now})
	case EventError:
		r.emit(Event{Type: EventError, Err: msg.Error, Timestamp: now})
		select {
		case r.errs <- fmt.Errorf("agent error: %s", msg.Error):
		default:
		}
	default:
		logger.Tracef("[agent] ignoring %q line", msg.Type)
	}
}

func (r *Runner) emit(ev Event) {
	r.mu.Lock()
	fns := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (r *Runner) drainStderr() {
	scanner := bufio.NewScanner(r.stderr)
	for scanner.Scan() {
		logger.Debugf("[agent stderr] %s", scanner.Text())
	}
}
