package types

import "strings"

// Message represents either a User or Assistant message in a conversation.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      string      `json:"role"` // "user" | "assistant"
	ParentID  string      `json:"parentID,omitempty"`
	Time      MessageTime `json:"time"`

	// Set on assistant messages that carry a compaction summary in place of
	// the conversation they replace.
	IsSummary bool `json:"isSummary,omitempty"`

	// Path records the working/root directory the message was produced in,
	// so tool execution and diff recording stay anchored to it even if the
	// session's own directory later changes.
	Path *MessagePath `json:"path,omitempty"`

	// User-specific fields
	Agent  string          `json:"agent,omitempty"`
	Model  *ModelRef       `json:"model,omitempty"`
	System *string         `json:"system,omitempty"`
	Tools  map[string]bool `json:"tools,omitempty"`

	// Assistant-specific fields
	ModelID    string        `json:"modelID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	Mode       string        `json:"mode,omitempty"`
	Finish     *string       `json:"finish,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
	Tokens     *TokenUsage   `json:"tokens,omitempty"`
	Error      *MessageError `json:"error,omitempty"`
}

// MessagePath records the working and project-root directories a message
// was produced in.
type MessagePath struct {
	Cwd  string `json:"cwd"`
	Root string `json:"root"`
}

// MessageTime contains timestamps for a message.
type MessageTime struct {
	Created int64  `json:"created"`
	Updated *int64 `json:"updated,omitempty"`
}

// ModelRef references a specific model from a provider.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// ParseModelRef parses a model reference string in either the
// "provider/model" or "provider:model" form. The first separator wins, so a
// model ID may itself contain the other separator ("ollama/llama3:8b").
// Returns false when either side is empty or no separator is present.
func ParseModelRef(s string) (ModelRef, bool) {
	sep := strings.IndexAny(s, "/:")
	if sep <= 0 || sep == len(s)-1 {
		return ModelRef{}, false
	}
	return ModelRef{ProviderID: s[:sep], ModelID: s[sep+1:]}, true
}

// TokenUsage contains token usage statistics for a message.
type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning,omitempty"`
	Cache     CacheUsage `json:"cache,omitempty"`
}

// CacheUsage contains cache hit/write statistics.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// MessageError represents an error that occurred during message processing.
type MessageError struct {
	Type    string `json:"type"` // "api" | "auth" | "output_length" | "abort" | "max_steps" | "unknown"
	Message string `json:"message"`
}

// NewUnknownError builds a MessageError for a failure that doesn't fit one
// of the classified error types — a safe fallback so a handler always has
// something to attach to the message rather than dropping the failure.
func NewUnknownError(message string) *MessageError {
	return &MessageError{Type: "unknown", Message: message}
}
