// Package errs provides the typed error taxonomy shared across the agent
// executor, tool runner, MCP client and storage layer, generalizing the
// permission package's RejectedError/IsRejectedError pattern to every error
// family the core distinguishes.
package errs

import "fmt"

// ProviderError wraps a failure talking to an LM provider (auth, rate limit,
// malformed response, retries exhausted).
type ProviderError struct {
	ProviderID string
	Reason     string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.ProviderID, e.Reason, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.ProviderID, e.Reason)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ToolErrorKind distinguishes the named tool-dispatch failure categories
// spec.md §7 calls out: InvalidArguments is rerouted through the `invalid`
// tool rather than failing the call outright, the others end the call as a
// regular error tool-result.
type ToolErrorKind string

const (
	ToolInvalidArguments ToolErrorKind = "invalid_arguments"
	ToolPermissionDenied ToolErrorKind = "permission_denied"
	ToolExecutionError   ToolErrorKind = "execution_error"
	ToolNotFoundKind     ToolErrorKind = "tool_not_found"
)

// ToolError wraps a tool execution failure.
type ToolError struct {
	Tool   string
	CallID string
	Kind   ToolErrorKind
	Reason string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s (%s): %s: %v", e.Tool, e.CallID, e.Reason, e.Err)
	}
	return fmt.Sprintf("tool %s (%s): %s", e.Tool, e.CallID, e.Reason)
}

func (e *ToolError) Unwrap() error { return e.Err }

// NewToolError builds a ToolError of the given kind.
func NewToolError(tool, callID string, kind ToolErrorKind, reason string, err error) *ToolError {
	return &ToolError{Tool: tool, CallID: callID, Kind: kind, Reason: reason, Err: err}
}

// AgentError wraps an agent-executor-level failure: max steps exceeded,
// unknown agent, aborted run.
type AgentError struct {
	AgentName string
	Reason    string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %s", e.AgentName, e.Reason)
}

// MaxStepsExceeded reports the agent executor reaching its step budget
// without the model producing a terminal finish reason.
func MaxStepsExceeded(agentName string, maxSteps int) *AgentError {
	return &AgentError{AgentName: agentName, Reason: fmt.Sprintf("max steps exceeded (%d)", maxSteps)}
}

// MCPErrorKind distinguishes the named MCP failure categories the core
// treats differently (e.g. Unauthorized triggers an auth-flow prompt,
// Timeout is retryable, ProtocolError is not).
type MCPErrorKind string

const (
	MCPTransportError  MCPErrorKind = "transport_error"
	MCPProtocolError   MCPErrorKind = "protocol_error"
	MCPServerError     MCPErrorKind = "server_error"
	MCPNotInitialized  MCPErrorKind = "not_initialized"
	MCPTimeout         MCPErrorKind = "timeout"
	MCPUnauthorized    MCPErrorKind = "unauthorized"
	MCPOAuthError      MCPErrorKind = "oauth_error"
)

// MCPError wraps an MCP client/server interaction failure.
type MCPError struct {
	ServerID string
	Kind     MCPErrorKind
	Reason   string
	Err      error
}

func (e *MCPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mcp server %s: %s: %s: %v", e.ServerID, e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("mcp server %s: %s: %s", e.ServerID, e.Kind, e.Reason)
}

func (e *MCPError) Unwrap() error { return e.Err }

// NewMCPError builds an MCPError of the given kind.
func NewMCPError(serverID string, kind MCPErrorKind, reason string, err error) *MCPError {
	return &MCPError{ServerID: serverID, Kind: kind, Reason: reason, Err: err}
}

// StorageError wraps a storage-layer failure (transaction rollback, schema
// migration, document (de)serialization).
type StorageError struct {
	Op     string
	Reason string
	Err    error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("storage %s: %s", e.Op, e.Reason)
}

func (e *StorageError) Unwrap() error { return e.Err }
