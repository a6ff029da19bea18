package work

// Status is the lifecycle state of a work session.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusThinking  Status = "thinking"
	StatusWorking   Status = "working"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal sessions never
// change again and never emit further events.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusThinking, StatusWorking,
		StatusComplete, StatusError, StatusCancelled:
		return true
	}
	return false
}

// validStatusChanges lists the allowed non-terminal moves. Terminal states
// are entered through Complete, Fail, or Cancel only.
var validStatusChanges = map[Status]map[Status]bool{
	StatusStarting: {StatusStarting: true, StatusThinking: true, StatusWorking: true},
	StatusThinking: {StatusThinking: true, StatusWorking: true},
	StatusWorking:  {StatusWorking: true},
}

// Step event types recorded in the session log.
const (
	StepTextDelta = "text_delta"
	StepToolCall  = "tool_call"
	StepToolError = "tool_error"
)

// StepEvent is one entry in a session's bounded step log.
type StepEvent struct {
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// WorkError captures a failure recorded against a session.
type WorkError struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	CanRetry    bool   `json:"canRetry"`
}

// WorkResult captures a successful (or unsuccessful but finished) outcome.
type WorkResult struct {
	Success      bool     `json:"success"`
	Summary      string   `json:"summary"`
	FilesChanged []string `json:"filesChanged,omitempty"`
	DurationMs   int64    `json:"durationMs"`
}

// Session is the externally visible snapshot of a work session. All
// timestamps are unix milliseconds.
type Session struct {
	WorkID        string `json:"workId"`
	IssueID       string `json:"issueId"`
	ProjectPath   string `json:"projectPath,omitempty"`
	Status        Status `json:"status"`
	StatusMessage string `json:"statusMessage,omitempty"`
	Progress      int    `json:"progress"`

	// Events holds the most recent step events, oldest first. TotalEvents
	// counts every step ever appended, including ones already rotated out.
	Events      []StepEvent `json:"events"`
	TotalEvents int64       `json:"totalEvents"`

	StartTime int64 `json:"startTime"`
	EndTime   int64 `json:"endTime,omitempty"`

	Error  *WorkError  `json:"error,omitempty"`
	Result *WorkResult `json:"result,omitempty"`

	// LastSeq is the highest event sequence number assigned so far. Stream
	// gateways snapshot it to separate replayed events from live ones.
	LastSeq     int64 `json:"lastSeq"`
	statusSeq   int64
	progressSeq int64
}
