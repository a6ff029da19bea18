package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is a pure in-memory Session for tests and for --dev mode, where
// spawning a real agent process is unwanted. Behavior is injected through
// Script; without one, each prompt is answered with a short text delta and
// an agent_end.
type Fake struct {
	mu      sync.Mutex
	subs    map[int64]func(Event)
	nextSub int64
	prompts []string
	script  func(prompt string, emit func(Event))
	closed  bool
}

// NewFake returns an idle fake session.
func NewFake() *Fake {
	return &Fake{subs: make(map[int64]func(Event))}
}

// Script replaces the canned response behavior. The script runs on its own
// goroutine per prompt, mirroring how real agent output arrives.
func (f *Fake) Script(fn func(prompt string, emit func(Event))) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = fn
}

// Subscribe implements Session.
func (f *Fake) Subscribe(fn func(Event)) (unsubscribe func()) {
	f.mu.Lock()
	f.nextSub++
	id := f.nextSub
	f.subs[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Prompt implements Session.
func (f *Fake) Prompt(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("agent session closed")
	}
	f.prompts = append(f.prompts, text)
	script := f.script
	f.mu.Unlock()

	if script == nil {
		script = func(prompt string, emit func(Event)) {
			emit(Event{Type: EventTextDelta, Text: "ok: " + prompt})
			emit(Event{Type: EventAgentEnd, Text: "ok: " + prompt})
		}
	}
	go script(text, f.Emit)
	return nil
}

// Emit delivers an event to all subscribers, stamping a timestamp when the
// caller left it zero.
func (f *Fake) Emit(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	fns := make([]func(Event), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Prompts returns every prompt sent so far.
func (f *Fake) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Close implements Session.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// FakeLauncher satisfies Launcher with scripted sessions that walk through
// a believable coding run. Used by --dev mode so the whole pipeline can be
// exercised without an agent binary.
type FakeLauncher struct {
	// Delay paces the scripted events. Zero means 200ms.
	Delay time.Duration
}

// Launch implements Launcher.
func (l *FakeLauncher) Launch(ctx context.Context, workDir string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	delay := l.Delay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	f := NewFake()
	f.Script(func(prompt string, emit func(Event)) {
		pace := func() { time.Sleep(delay) }

		emit(Event{Type: EventTextDelta, Text: "Reading the issue and the surrounding code."})
		pace()
		emit(Event{Type: EventToolStart, Tool: "Read", Input: map[string]any{"file_path": "main.go"}})
		pace()
		emit(Event{Type: EventToolEnd, Tool: "Read"})
		pace()
		emit(Event{Type: EventTextDelta, Text: "Applying the change."})
		pace()
		emit(Event{Type: EventToolStart, Tool: "Edit", Input: map[string]any{"file_path": "main.go"}})
		pace()
		emit(Event{Type: EventToolEnd, Tool: "Edit"})
		pace()
		result := "SUMMARY\nAdjusted main.go per the issue description.\n"
		emit(Event{Type: EventTextDelta, Text: result})
		emit(Event{Type: EventAgentEnd, Text: result})
	})
	return f, nil
}
