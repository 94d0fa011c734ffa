package model

import "time"

// Role identifies who produced a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message belongs to exactly one session and carries an ordered sequence of
// Parts. Message IDs are time-sortable (see IDGenerator) so clients can sort
// conversations by raw string comparison.
type Message struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Role        Role      `json:"role"`
	Created     time.Time `json:"created"`
	Completed   *time.Time `json:"completed,omitempty"`
	Parts       []*Part   `json:"parts"`
	Tokens      *TokenUsage `json:"tokens,omitempty"`
	Cost        *float64  `json:"cost,omitempty"`
	ModelID     string    `json:"modelId,omitempty"`
	Mode        string    `json:"mode,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// TokenUsage records input/output token counts annotated on a completed
// assistant message.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// PartKind discriminates the tagged Part variants from §3 of the spec.
type PartKind string

const (
	PartText        PartKind = "text"
	PartReasoning   PartKind = "reasoning"
	PartTool        PartKind = "tool"
	PartFile        PartKind = "file"
	PartStepStart   PartKind = "step-start"
	PartStepFinish  PartKind = "step-finish"
	PartSnapshot    PartKind = "snapshot"
	PartPatch       PartKind = "patch"
)

// ToolStatus is the tool call state machine from §3: pending -> running ->
// (completed | error). Once a part enters a terminal state it is never
// re-entered into running.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// ToolTiming carries the start/end/duration fields attached to a tool part as
// it moves through its state machine.
type ToolTiming struct {
	Start    time.Time  `json:"start"`
	End      *time.Time `json:"end,omitempty"`
	Duration *time.Duration `json:"duration,omitempty"`
}

// ToolState is the full state attached to a PartTool variant.
type ToolState struct {
	Status          ToolStatus `json:"status"`
	Input           any        `json:"input,omitempty"`
	Output          any        `json:"output,omitempty"`
	Error           string     `json:"error,omitempty"`
	Time            ToolTiming `json:"time"`
}

// Part is a single unit of message content. Only the fields relevant to Kind
// are populated; the rest remain zero. A pointer receiver everywhere below
// keeps part identity stable as the assembler mutates it in place while
// streaming deltas arrive.
type Part struct {
	ID        string   `json:"id"`
	MessageID string   `json:"messageId"`
	SessionID string   `json:"sessionId"`
	Kind      PartKind `json:"kind"`

	// text / reasoning
	Text string `json:"text,omitempty"`

	// tool
	CallID         string     `json:"callId,omitempty"`
	NormalizedTool string     `json:"normalizedTool,omitempty"`
	OriginalTool   string     `json:"originalTool,omitempty"`
	Title          string     `json:"title,omitempty"`
	ToolKind       string     `json:"toolKind,omitempty"` // "read", "edit", "other"
	State          *ToolState `json:"state,omitempty"`
	Locations      []string   `json:"locations,omitempty"`
	Diff           string     `json:"diff,omitempty"`

	// file
	Mime     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`

	// snapshot
	Files []string `json:"files,omitempty"`

	// patch
	Content string `json:"content,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Clone returns a deep-enough copy of the part suitable for emitting as an
// event snapshot without aliasing the assembler's live buffer.
func (p *Part) Clone() *Part {
	cp := *p
	if p.State != nil {
		st := *p.State
		cp.State = &st
	}
	if p.Locations != nil {
		cp.Locations = append([]string(nil), p.Locations...)
	}
	if p.Files != nil {
		cp.Files = append([]string(nil), p.Files...)
	}
	return &cp
}
