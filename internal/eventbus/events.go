package eventbus

// Event types published through the bus.
const (
	TypeStatus    = "status"
	TypeProgress  = "progress"
	TypeStep      = "step"
	TypeError     = "error"
	TypeComplete  = "complete"
	TypeConnected = "connected"
)

// Event is a single observable change in a work session. Seq is assigned by
// the work store and is monotonic per work session; stream consumers use it
// to deduplicate replayed events against live ones. Connected events are
// synthetic per-connection markers and carry no seq.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	IssueID   string         `json:"issueId,omitempty"`
	WorkID    string         `json:"workId,omitempty"`
	Seq       int64          `json:"seq,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}
