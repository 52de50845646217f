package types

import "encoding/json"

// Part represents a component of an assistant message.
// SDK compatible: all parts must have sessionID and messageID fields.
type Part interface {
	PartType() string
	PartID() string
	PartSessionID() string
	PartMessageID() string
}

// PartTime contains timing information for a message part.
type PartTime struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// TextPart represents a text content part.
// SDK compatible: includes sessionID and messageID fields.
type TextPart struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"` // SDK compatible
	MessageID string         `json:"messageID"` // SDK compatible
	Type      string         `json:"type"`      // always "text"
	Text      string         `json:"text"`
	Time      PartTime       `json:"time,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (p *TextPart) PartType() string      { return "text" }
func (p *TextPart) PartID() string        { return p.ID }
func (p *TextPart) PartSessionID() string { return p.SessionID }
func (p *TextPart) PartMessageID() string { return p.MessageID }

// ReasoningPart represents extended thinking/reasoning content.
// SDK compatible: includes sessionID and messageID fields.
type ReasoningPart struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"` // SDK compatible
	MessageID string   `json:"messageID"` // SDK compatible
	Type      string   `json:"type"`      // always "reasoning"
	Text      string   `json:"text"`
	Time      PartTime `json:"time,omitempty"`
}

func (p *ReasoningPart) PartType() string      { return "reasoning" }
func (p *ReasoningPart) PartID() string        { return p.ID }
func (p *ReasoningPart) PartSessionID() string { return p.SessionID }
func (p *ReasoningPart) PartMessageID() string { return p.MessageID }

// ToolTime contains start/end timestamps for a tool call, tracked separately
// from the part's own PartTime since a tool's state can be replaced wholesale
// as it moves from pending to running to completed.
type ToolTime struct {
	Start int64  `json:"start"`
	End   *int64 `json:"end,omitempty"`
	// Compacted is set once the post-turn pruner has rewritten this tool
	// result's content to a compacted marker; nil means the content is intact.
	Compacted *int64 `json:"compacted,omitempty"`
}

// ToolState carries the current status, input, and result of a tool call.
// It is replaced as a unit rather than field-by-field as the call progresses,
// since streaming providers resend the full accumulated input on every delta.
type ToolState struct {
	Status      string          `json:"status"` // "pending" | "running" | "completed" | "error"
	Input       map[string]any  `json:"input,omitempty"`
	Raw         string          `json:"raw,omitempty"` // accumulated, possibly-incomplete JSON input
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Title       string          `json:"title,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Attachments []FilePart      `json:"attachments,omitempty"`
	Time        *ToolTime       `json:"time,omitempty"`
}

// ToolPart represents a tool call and its result.
// SDK compatible: includes sessionID and messageID fields.
type ToolPart struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"` // SDK compatible
	MessageID string         `json:"messageID"` // SDK compatible
	Type      string         `json:"type"`      // always "tool"
	CallID    string         `json:"callID"`
	Tool      string         `json:"tool"`
	State     ToolState      `json:"state"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (p *ToolPart) PartType() string      { return "tool" }
func (p *ToolPart) PartID() string        { return p.ID }
func (p *ToolPart) PartSessionID() string { return p.SessionID }
func (p *ToolPart) PartMessageID() string { return p.MessageID }

// FilePart represents a file attachment.
// SDK compatible: includes sessionID and messageID fields.
type FilePart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"` // SDK compatible
	MessageID string `json:"messageID"` // SDK compatible
	Type      string `json:"type"`      // always "file"
	Filename  string `json:"filename"`
	Mime      string `json:"mime"`
	URL       string `json:"url"`
}

func (p *FilePart) PartType() string      { return "file" }
func (p *FilePart) PartID() string        { return p.ID }
func (p *FilePart) PartSessionID() string { return p.SessionID }
func (p *FilePart) PartMessageID() string { return p.MessageID }

// StepStartPart marks the beginning of one agentic-loop inference step.
type StepStartPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "step-start"
}

func (p *StepStartPart) PartType() string      { return "step-start" }
func (p *StepStartPart) PartID() string        { return p.ID }
func (p *StepStartPart) PartSessionID() string { return p.SessionID }
func (p *StepStartPart) PartMessageID() string { return p.MessageID }

// StepFinishPart marks the end of one agentic-loop inference step, carrying
// the finish reason and the running cost/token totals at that point.
type StepFinishPart struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	MessageID string      `json:"messageID"`
	Type      string      `json:"type"` // always "step-finish"
	Reason    string      `json:"reason"`
	Cost      float64     `json:"cost,omitempty"`
	Tokens    *TokenUsage `json:"tokens,omitempty"`
}

func (p *StepFinishPart) PartType() string      { return "step-finish" }
func (p *StepFinishPart) PartID() string        { return p.ID }
func (p *StepFinishPart) PartSessionID() string { return p.SessionID }
func (p *StepFinishPart) PartMessageID() string { return p.MessageID }

// CompactionPart marks a user-message part requesting (or reporting) context
// compaction. Auto distinguishes an automatic overflow-triggered compaction
// from one the user asked for explicitly.
type CompactionPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "compaction"
	Auto      bool   `json:"auto"`
}

func (p *CompactionPart) PartType() string      { return "compaction" }
func (p *CompactionPart) PartID() string        { return p.ID }
func (p *CompactionPart) PartSessionID() string { return p.SessionID }
func (p *CompactionPart) PartMessageID() string { return p.MessageID }

// SubtaskPart records a prompt dispatched to a named subagent, rendered by
// the TUI as a subtask marker and, when converted for a provider, replaced
// by a fixed placeholder rather than the literal sub-prompt text.
type SubtaskPart struct {
	ID          string   `json:"id"`
	SessionID   string   `json:"sessionID"`
	MessageID   string   `json:"messageID"`
	Type        string   `json:"type"` // always "subtask"
	Prompt      string   `json:"prompt"`
	Description string   `json:"description,omitempty"`
	Agent       string   `json:"agent"`
	Model       *ModelRef `json:"model,omitempty"`
	Command     string   `json:"command,omitempty"`
}

func (p *SubtaskPart) PartType() string      { return "subtask" }
func (p *SubtaskPart) PartID() string        { return p.ID }
func (p *SubtaskPart) PartSessionID() string { return p.SessionID }
func (p *SubtaskPart) PartMessageID() string { return p.MessageID }

// RetryTime carries the timestamp a retry attempt was recorded at.
type RetryTime struct {
	Created int64 `json:"created"`
}

// RetryPart is emitted each time the agentic loop retries a completion
// request after a retryable provider error, so the transcript keeps a
// visible record of every attempt rather than silently replacing it.
type RetryPart struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionID"`
	MessageID string    `json:"messageID"`
	Type      string    `json:"type"` // always "retry"
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Time      RetryTime `json:"time"`
}

func (p *RetryPart) PartType() string      { return "retry" }
func (p *RetryPart) PartID() string        { return p.ID }
func (p *RetryPart) PartSessionID() string { return p.SessionID }
func (p *RetryPart) PartMessageID() string { return p.MessageID }

// SnapshotPart records the VCS snapshot hash taken at a step boundary, so a
// revert can restore working-tree state alongside message history.
type SnapshotPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "snapshot"
	Snapshot  string `json:"snapshot"`
}

func (p *SnapshotPart) PartType() string      { return "snapshot" }
func (p *SnapshotPart) PartID() string        { return p.ID }
func (p *SnapshotPart) PartSessionID() string { return p.SessionID }
func (p *SnapshotPart) PartMessageID() string { return p.MessageID }

// PatchPart records the set of files a step touched and the content hash of
// the resulting diff, kept separate from Session.Summary.Diffs because a
// patch part is scoped to one message rather than the whole session.
type PatchPart struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	MessageID string   `json:"messageID"`
	Type      string   `json:"type"` // always "patch"
	Hash      string   `json:"hash"`
	Files     []string `json:"files"`
}

func (p *PatchPart) PartType() string      { return "patch" }
func (p *PatchPart) PartID() string        { return p.ID }
func (p *PatchPart) PartSessionID() string { return p.SessionID }
func (p *PatchPart) PartMessageID() string { return p.MessageID }

// AgentSource locates the span of text (in a user prompt) that named the
// agent this part records, e.g. an "@reviewer" mention.
type AgentSource struct {
	Value string `json:"value"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// AgentPart marks that a message was addressed to (or produced by) a named
// agent other than the session's default, distinct from SubtaskPart which
// carries the dispatched prompt itself.
type AgentPart struct {
	ID        string       `json:"id"`
	SessionID string       `json:"sessionID"`
	MessageID string       `json:"messageID"`
	Type      string       `json:"type"` // always "agent"
	Name      string       `json:"name"`
	Source    *AgentSource `json:"source,omitempty"`
}

func (p *AgentPart) PartType() string      { return "agent" }
func (p *AgentPart) PartID() string        { return p.ID }
func (p *AgentPart) PartSessionID() string { return p.SessionID }
func (p *AgentPart) PartMessageID() string { return p.MessageID }

// RawPart is used for JSON unmarshaling of parts.
type RawPart struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"-"`
}

// UnmarshalPart unmarshals a JSON part into the appropriate type.
func UnmarshalPart(data []byte) (Part, error) {
	var raw RawPart
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	switch raw.Type {
	case "text":
		var p TextPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "reasoning":
		var p ReasoningPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "tool":
		var p ToolPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "file":
		var p FilePart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "step-start":
		var p StepStartPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "step-finish":
		var p StepFinishPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "compaction":
		var p CompactionPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "subtask":
		var p SubtaskPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "retry":
		var p RetryPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "snapshot":
		var p SnapshotPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "patch":
		var p PatchPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "agent":
		var p AgentPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		// Return raw part for unknown types
		var p TextPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	}
}
