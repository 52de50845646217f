package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/loomcode/loom/internal/event"
)

const applyPatchDescription = `Applies a contextual patch to a file by finding oldString (with surrounding
context) and replacing it with newString. Safer than a bare string
replacement for code edits: it refuses to apply when the surrounding
context doesn't match on both sides of the change, or when oldString is
not unique in the file.

Usage:
- The filePath parameter must be an absolute path to an existing file
- oldString should include a few lines of context before and after the change
- newString should preserve that same context
- The patch is rejected if oldString doesn't appear exactly once in the file`

// ApplyPatchTool applies a contextual patch (find-with-context, replace) to
// a file, distinct from EditTool's bare string replacement in that it
// additionally validates the leading/trailing context lines are unchanged
// between oldString and newString before writing anything.
type ApplyPatchTool struct {
	workDir      string
	contextLines int
}

// ApplyPatchInput represents the input for the apply_patch tool.
type ApplyPatchInput struct {
	FilePath          string `json:"filePath"`
	OldString         string `json:"oldString"`
	NewString         string `json:"newString"`
	ContextValidation *bool  `json:"contextValidation,omitempty"`
}

// NewApplyPatchTool creates a new apply_patch tool.
func NewApplyPatchTool(workDir string) *ApplyPatchTool {
	return &ApplyPatchTool{workDir: workDir, contextLines: 3}
}

func (t *ApplyPatchTool) ID() string          { return "apply_patch" }
func (t *ApplyPatchTool) Description() string { return applyPatchDescription }

func (t *ApplyPatchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "The absolute path to the file to patch"
			},
			"oldString": {
				"type": "string",
				"description": "Text to find, with a few lines of surrounding context"
			},
			"newString": {
				"type": "string",
				"description": "Replacement text, preserving the same surrounding context"
			},
			"contextValidation": {
				"type": "boolean",
				"description": "Validate that surrounding context lines match (default: true)"
			}
		},
		"required": ["filePath", "oldString", "newString"]
	}`)
}

func (t *ApplyPatchTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params ApplyPatchInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if params.OldString == params.NewString {
		return nil, fmt.Errorf("oldString and newString must be different")
	}

	content, err := os.ReadFile(params.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	original := string(content)

	count := strings.Count(original, params.OldString)
	if count == 0 {
		return nil, fmt.Errorf("patch context not found in file: oldString must match exactly, including whitespace")
	}
	if count > 1 {
		return nil, fmt.Errorf("ambiguous patch: oldString appears %d times. Add more context to make it unique", count)
	}

	validateContext := params.ContextValidation == nil || *params.ContextValidation
	if validateContext {
		if err := t.validateContextLines(params.OldString, params.NewString); err != nil {
			return nil, fmt.Errorf("context validation failed: %w", err)
		}
	}

	updated := strings.Replace(original, params.OldString, params.NewString, 1)
	if err := os.WriteFile(params.FilePath, []byte(updated), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	if toolCtx != nil && toolCtx.SessionID != "" {
		event.Publish(event.Event{
			Type: event.FileEdited,
			Data: event.FileEditedData{File: params.FilePath},
		})
	}

	oldLines := strings.Count(params.OldString, "\n") + 1
	newLines := strings.Count(params.NewString, "\n") + 1

	return &Result{
		Title:  fmt.Sprintf("Patched %s", filepath.Base(params.FilePath)),
		Output: fmt.Sprintf("Applied patch to %s (%d lines -> %d lines)", params.FilePath, oldLines, newLines),
		Metadata: map[string]any{
			"file":              params.FilePath,
			"oldLines":          oldLines,
			"newLines":          newLines,
			"contextValidated":  validateContext,
			"sizeChangeInBytes": len(updated) - len(original),
		},
	}, nil
}

// validateContextLines requires the leading and trailing contextLines lines
// of oldString and newString to agree, so a patch can't silently rewrite the
// anchor lines it was supposed to be matched against.
func (t *ApplyPatchTool) validateContextLines(oldString, newString string) error {
	oldLines := strings.Split(oldString, "\n")
	newLines := strings.Split(newString, "\n")

	if len(oldLines) < t.contextLines*2+1 {
		return fmt.Errorf("insufficient context: provide at least %d lines before and after the change", t.contextLines)
	}

	matches := 0
	for i := 0; i < t.contextLines && i < len(oldLines) && i < len(newLines); i++ {
		if oldLines[i] == newLines[i] {
			matches++
		}
	}
	for i := 1; i <= t.contextLines && i <= len(oldLines) && i <= len(newLines); i++ {
		if oldLines[len(oldLines)-i] == newLines[len(newLines)-i] {
			matches++
		}
	}

	if matches < 2*t.contextLines {
		return fmt.Errorf("context mismatch: oldString and newString must share matching surrounding lines")
	}
	return nil
}

func (t *ApplyPatchTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
