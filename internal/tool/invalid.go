package tool

import (
	"context"
	"encoding/json"
	"fmt"

	einotool "github.com/cloudwego/eino/components/tool"
)

const invalidDescription = `Synthetic tool used internally to report that another tool call could not
be executed because its arguments were invalid. Not meant to be invoked
directly by the model.`

// InvalidInput carries the rerouted call's original tool name and the
// reason it was rejected.
type InvalidInput struct {
	Tool  string `json:"tool"`
	Error string `json:"error"`
}

// InvalidTool is the reroute target for a tool call whose arguments failed
// validation. The executor rewrites the offending tool-call part's Tool
// field to "invalid" and its Input to {tool, error} rather than failing the
// call outright, so the model sees a structured explanation it can react to
// instead of an opaque execution error.
type InvalidTool struct{}

// NewInvalidTool creates the invalid-arguments reroute tool.
func NewInvalidTool() *InvalidTool {
	return &InvalidTool{}
}

func (t *InvalidTool) ID() string          { return "invalid" }
func (t *InvalidTool) Description() string { return invalidDescription }

func (t *InvalidTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"tool": {
				"type": "string",
				"description": "Name of the tool that was called with invalid arguments"
			},
			"error": {
				"type": "string",
				"description": "Why the call was rejected"
			}
		},
		"required": ["tool", "error"]
	}`)
}

func (t *InvalidTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var in InvalidInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid: failed to parse input: %w", err)
	}

	return &Result{
		Title:  fmt.Sprintf("invalid arguments: %s", in.Tool),
		Output: fmt.Sprintf("Tool '%s' was called with invalid arguments: %s", in.Tool, in.Error),
	}, nil
}

// EinoTool returns an Eino-compatible tool implementation.
func (t *InvalidTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
