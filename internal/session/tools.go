package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loomcode/loom/internal/event"
	"github.com/loomcode/loom/internal/permission"
	"github.com/loomcode/loom/internal/tool"
	"github.com/loomcode/loom/pkg/types"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// executeToolCalls executes all pending tool calls in the state.
func (p *Processor) executeToolCalls(
	ctx context.Context,
	state *sessionState,
	agent *Agent,
	callback ProcessCallback,
) error {
	// Find all running tool parts
	var pendingTools []*types.ToolPart
	for _, part := range state.parts {
		if toolPart, ok := part.(*types.ToolPart); ok {
			if toolPart.State.Status == "running" {
				pendingTools = append(pendingTools, toolPart)
			}
		}
	}

	// Execute each tool
	for _, toolPart := range pendingTools {
		err := p.executeSingleTool(ctx, state, agent, toolPart, callback)
		if err != nil {
			// Error is captured in tool part, don't stop processing
			continue
		}
	}

	return nil
}

// executeSingleTool executes a single tool call.
func (p *Processor) executeSingleTool(
	ctx context.Context,
	state *sessionState,
	agent *Agent,
	toolPart *types.ToolPart,
	callback ProcessCallback,
) error {
	// Get the tool from registry, repairing an unrecognized name before
	// giving up: models occasionally emit a tool name in the wrong case. A
	// name with no case-insensitive match reroutes to the `invalid` tool so
	// the model gets a structured explanation; rerouteInvalid itself falls
	// back to a plain failure when no `invalid` tool is registered.
	t, ok := p.resolveToolByName(toolPart.Tool)
	if !ok {
		return p.rerouteInvalid(ctx, state, agent, toolPart, callback,
			fmt.Sprintf("unknown tool: %s", toolPart.Tool))
	}

	// Check permissions
	if err := p.checkToolPermission(ctx, state, agent, toolPart); err != nil {
		return p.failTool(ctx, state, toolPart, callback,
			fmt.Sprintf("Tool '%s' is denied: %v", toolPart.Tool, err))
	}

	// Check for doom loop
	if err := p.checkDoomLoop(ctx, state, agent, toolPart); err != nil {
		return p.failTool(ctx, state, toolPart, callback, err.Error())
	}

	// Validate required parameters against the tool's own schema before
	// spending an execution attempt. A tool call missing a required
	// argument is InvalidArguments territory: reroute to the `invalid`
	// tool rather than ending the call as a plain error (spec.md §4.1/§7).
	if reason := missingRequiredParams(t, toolPart.State.Input); reason != "" && t.ID() != "invalid" {
		return p.rerouteInvalid(ctx, state, agent, toolPart, callback, reason)
	}

	// Prepare input JSON
	inputJSON, err := json.Marshal(toolPart.State.Input)
	if err != nil {
		return p.failTool(ctx, state, toolPart, callback,
			fmt.Sprintf("Failed to marshal input: %v", err))
	}

	// Create tool context
	abortCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(abortCh)
	}()

	toolCtx := &tool.Context{
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		CallID:    toolPart.CallID,
		Agent:     agent.Name,
		WorkDir: func() string {
			if state.message.Path != nil {
				return state.message.Path.Cwd
			}
			return ""
		}(),
		AbortCh: abortCh,
		Extra: map[string]any{
			"model": state.message.ModelID,
		},
	}

	// Set metadata callback for real-time updates
	toolCtx.OnMetadata = func(title string, meta map[string]any) {
		toolPart.State.Title = title
		if toolPart.State.Metadata == nil {
			toolPart.State.Metadata = make(map[string]any)
		}
		for k, v := range meta {
			toolPart.State.Metadata[k] = v
		}

		// Publish event (SDK compatible: uses MessagePartUpdated)
		event.PublishSync(event.Event{
			Type: event.MessagePartUpdated,
			Data: event.MessagePartUpdatedData{
				Part: toolPart,
			},
		})

		callback(state.message, state.parts)
	}

	// Execute tool
	result, err := t.Execute(ctx, inputJSON, toolCtx)
	if err != nil {
		return p.failTool(ctx, state, toolPart, callback, err.Error())
	}

	// Update tool part with result
	now := time.Now().UnixMilli()
	toolPart.State.Status = "completed"
	toolPart.State.Output = result.Output
	toolPart.State.Title = result.Title
	toolPart.State.Time.End = &now

	if result.Metadata != nil {
		if toolPart.State.Metadata == nil {
			toolPart.State.Metadata = make(map[string]any)
		}
		for k, v := range result.Metadata {
			toolPart.State.Metadata[k] = v
		}
	}

	// Handle attachments - convert to types.FilePart and add to state
	if len(result.Attachments) > 0 {
		toolPart.State.Attachments = make([]types.FilePart, len(result.Attachments))
		for i, att := range result.Attachments {
			toolPart.State.Attachments[i] = types.FilePart{
				ID:        generatePartID(),
				SessionID: state.message.SessionID,
				MessageID: state.message.ID,
				Type:      "file",
				Filename:  att.Filename,
				Mime:      att.MediaType,
				URL:       att.URL,
			}
		}
	}

	// Record diff for edit-like tools when metadata contains before/after
	p.recordDiff(ctx, state, toolPart)

	// A completed "task" call dispatched a subtask to a named subagent;
	// record it as its own part so the transcript shows the dispatch
	// distinctly from the tool-call/result pair itself (spec.md §3/§4.2).
	if toolPart.Tool == "task" {
		p.recordSubtask(ctx, state, toolPart)
	}

	// Save updated part
	p.savePart(ctx, state.message.ID, toolPart)

	// Publish event (SDK compatible: uses MessagePartUpdated)
	event.PublishSync(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{
			Part: toolPart,
		},
	})

	callback(state.message, state.parts)
	return nil
}

// resolveToolByName looks up a tool by its exact name, falling back to a
// case-insensitive match. Models occasionally echo a tool name with the
// wrong casing; rather than reroute every such call to a synthetic failure,
// the common case is repaired transparently and only a genuinely unknown
// name reaches the caller as a failure.
func (p *Processor) resolveToolByName(name string) (tool.Tool, bool) {
	if t, ok := p.toolRegistry.Get(name); ok {
		return t, true
	}
	for _, id := range p.toolRegistry.IDs() {
		if strings.EqualFold(id, name) {
			t, ok := p.toolRegistry.Get(id)
			return t, ok
		}
	}
	return nil, false
}

// missingRequiredParams checks a tool call's parsed input against the
// tool's own JSON-schema "required" list and returns a human-readable
// reason if any are absent, or "" if the call looks well-formed.
func missingRequiredParams(t tool.Tool, input map[string]any) string {
	var schema struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(t.Parameters(), &schema); err != nil {
		return ""
	}
	var missing []string
	for _, name := range schema.Required {
		if _, ok := input[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return ""
	}
	return fmt.Sprintf("missing required parameter(s): %s", strings.Join(missing, ", "))
}

// rerouteInvalid rewrites a tool-call part that failed argument validation
// into a call to the synthetic `invalid` tool, carrying {tool, error} as
// its input, and records that call's result instead of a plain failure.
// The call-id is unchanged, so the "every tool-call has exactly one result"
// invariant holds for the original call-id as well as the rerouted one.
func (p *Processor) rerouteInvalid(
	ctx context.Context,
	state *sessionState,
	agent *Agent,
	toolPart *types.ToolPart,
	callback ProcessCallback,
	reason string,
) error {
	originalTool := toolPart.Tool
	invalidTool, ok := p.resolveToolByName("invalid")
	if !ok {
		// No invalid tool registered: fall back to a plain failure.
		return p.failTool(ctx, state, toolPart, callback,
			fmt.Sprintf("tool '%s' called with invalid arguments: %s", originalTool, reason))
	}

	toolPart.Tool = "invalid"
	toolPart.State.Input = map[string]any{"tool": originalTool, "error": reason}
	toolPart.State.Raw = ""

	inputJSON, err := json.Marshal(toolPart.State.Input)
	if err != nil {
		return p.failTool(ctx, state, toolPart, callback, fmt.Sprintf("Failed to marshal input: %v", err))
	}

	abortCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(abortCh)
	}()

	toolCtx := &tool.Context{
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		CallID:    toolPart.CallID,
		Agent:     agent.Name,
		AbortCh:   abortCh,
	}

	result, err := invalidTool.Execute(ctx, inputJSON, toolCtx)
	if err != nil {
		return p.failTool(ctx, state, toolPart, callback, fmt.Sprintf("tool '%s' called with invalid arguments: %s", originalTool, reason))
	}

	now := time.Now().UnixMilli()
	toolPart.State.Status = "completed"
	toolPart.State.Output = result.Output
	toolPart.State.Title = result.Title
	if toolPart.State.Time == nil {
		toolPart.State.Time = &types.ToolTime{Start: now}
	}
	toolPart.State.Time.End = &now

	p.savePart(ctx, state.message.ID, toolPart)
	event.PublishSync(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: toolPart},
	})

	callback(state.message, state.parts)
	return nil
}

// failTool marks a tool as failed with an error.
func (p *Processor) failTool(
	ctx context.Context,
	state *sessionState,
	toolPart *types.ToolPart,
	callback ProcessCallback,
	errMsg string,
) error {
	now := time.Now().UnixMilli()
	toolPart.State.Status = "error"
	toolPart.State.Error = errMsg
	toolPart.State.Time.End = &now

	p.savePart(ctx, state.message.ID, toolPart)

	// Publish event (SDK compatible: uses MessagePartUpdated)
	event.PublishSync(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{
			Part: toolPart,
		},
	})

	callback(state.message, state.parts)
	return errors.New(errMsg)
}

// checkToolPermission evaluates the agent's permission ruleset for a tool
// call. The tool's call name is first mapped to the permission name that
// governs it (the whole write/edit/multiedit/apply_patch/patch family maps
// to "edit", per spec.md §4.3), then an ordered ruleset is scanned and the
// first rule whose permission name and glob pattern both match wins. A bash
// command is segmented into sub-commands before evaluation and the most
// restrictive verdict across segments applies. Only
// the two permission-bearing families the agent config carries a default
// for (bash, edit) are gated here; every other tool name maps to itself and
// is allowed by default, same as before this was generalized.
func (p *Processor) checkToolPermission(
	ctx context.Context,
	state *sessionState,
	agent *Agent,
	toolPart *types.ToolPart,
) error {
	if p.permissionChecker == nil {
		return nil
	}

	mapped := permission.MapToolName(toolPart.Tool)
	if mapped != string(permission.PermBash) && mapped != string(permission.PermEdit) {
		return nil
	}

	operands := permissionOperands(mapped, toolPart)
	rules := permission.Compose(agent.Permission.Rules, agentDefaultRuleset(agent))
	action := permission.EvaluateAll(rules, toolPart.Tool, operands)

	req := permission.Request{
		Type:      permission.PermissionType(mapped),
		Pattern:   operands,
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		CallID:    toolPart.CallID,
		Title:     fmt.Sprintf("Allow %s?", toolPart.Tool),
	}

	return p.permissionChecker.Check(ctx, req, action)
}

// permissionOperands extracts the operand strings a permission rule's glob
// pattern is matched against. A bash call is segmented into its sub-commands
// first, so a compound command like "ls && rm -rf /" is checked per segment
// rather than as one opaque line; a command the parser can't handle falls
// back to the whole line as a single operand.
func permissionOperands(mapped string, toolPart *types.ToolPart) []string {
	switch mapped {
	case string(permission.PermBash):
		cmd, ok := toolPart.State.Input["command"].(string)
		if !ok || cmd == "" {
			return nil
		}
		parsed, err := permission.ParseBashCommand(cmd)
		if err != nil || len(parsed) == 0 {
			return []string{cmd}
		}
		operands := make([]string, 0, len(parsed))
		for _, c := range parsed {
			operand := c.Name
			if len(c.Args) > 0 {
				operand += " " + strings.Join(c.Args, " ")
			}
			operands = append(operands, operand)
		}
		return operands
	case string(permission.PermEdit):
		if path, ok := toolPart.State.Input["filePath"].(string); ok {
			return []string{path}
		}
	}
	return nil
}

// agentDefaultRuleset turns an agent's flat per-permission default action
// (set by the built-in agent profiles) into a catch-all "*" rule so it
// composes with any finer-grained, pattern-specific rules the agent or user
// configured in agent.Permission.Rules.
func agentDefaultRuleset(agent *Agent) permission.Ruleset {
	var rules permission.Ruleset
	if agent.Permission.Bash != "" {
		rules = append(rules, permission.Rule{
			Permission: string(permission.PermBash),
			Pattern:    "*",
			Action:     permission.PermissionAction(agent.Permission.Bash),
		})
	}
	if agent.Permission.Write != "" {
		rules = append(rules, permission.Rule{
			Permission: string(permission.PermEdit),
			Pattern:    "*",
			Action:     permission.PermissionAction(agent.Permission.Write),
		})
	}
	return rules
}

// recordSubtask emits a SubtaskPart for a completed "task" tool call,
// carrying the subagent name/prompt the task tool dispatched. The tool
// itself only returns a *tool.Result; it has no access to session state or
// parts, so the part is created here instead of inside internal/tool/task.go.
func (p *Processor) recordSubtask(ctx context.Context, state *sessionState, toolPart *types.ToolPart) {
	prompt, _ := toolPart.State.Input["prompt"].(string)
	subagentType, _ := toolPart.State.Input["subagentType"].(string)
	description, _ := toolPart.State.Input["description"].(string)
	if subagentType == "" {
		return
	}

	subtaskPart := &types.SubtaskPart{
		ID:          generatePartID(),
		SessionID:   state.message.SessionID,
		MessageID:   state.message.ID,
		Type:        "subtask",
		Prompt:      prompt,
		Description: description,
		Agent:       subagentType,
	}
	if modelStr, ok := toolPart.State.Input["model"].(string); ok && modelStr != "" {
		subtaskPart.Model = &types.ModelRef{ModelID: modelStr}
	} else if state.message.ModelID != "" {
		subtaskPart.Model = &types.ModelRef{
			ProviderID: state.message.ProviderID,
			ModelID:    state.message.ModelID,
		}
	}

	state.parts = append(state.parts, subtaskPart)
	p.savePart(ctx, state.message.ID, subtaskPart)
	event.PublishSync(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: subtaskPart},
	})
}

// recordDiff captures file diffs from tool metadata and updates session summary/state.
func (p *Processor) recordDiff(ctx context.Context, state *sessionState, toolPart *types.ToolPart) error {
	if toolPart.State.Metadata == nil {
		toolPart.State.Metadata = make(map[string]any)
	}

	pathVal, ok := toolPart.State.Metadata["file"].(string)
	if !ok || pathVal == "" {
		return nil
	}

	before, okBefore := toolPart.State.Metadata["before"].(string)
	after, okAfter := toolPart.State.Metadata["after"].(string)
	if !okBefore || !okAfter {
		return nil
	}

	root := ""
	if state.message.Path != nil {
		root = state.message.Path.Root
	}
	relPath := pathVal
	if root != "" {
		if rp, err := filepath.Rel(root, pathVal); err == nil {
			relPath = rp
		}
	}

	diffText, additions, deletions, err := computeDiff(before, after, relPath)
	if err != nil {
		return err
	}

	fileDiff := types.FileDiff{
		File:      relPath,
		Additions: additions,
		Deletions: deletions,
		Before:    before,
		After:     after,
	}

	// Load session to update summary
	session, err := p.loadSession(state.message.SessionID)
	if err != nil {
		return err
	}

	// Replace existing diff for same path, then append
	var filtered []types.FileDiff
	for _, d := range session.Summary.Diffs {
		if d.File != relPath {
			filtered = append(filtered, d)
		}
	}
	filtered = append(filtered, fileDiff)
	session.Summary.Diffs = filtered

	// Recompute summary totals
	adds, dels, files := 0, 0, len(session.Summary.Diffs)
	for _, d := range session.Summary.Diffs {
		adds += d.Additions
		dels += d.Deletions
	}
	session.Summary.Additions = adds
	session.Summary.Deletions = dels
	session.Summary.Files = files
	session.Time.Updated = time.Now().UnixMilli()

	if err := p.saveSession(session); err != nil {
		return err
	}

	// Publish updated session diff
	event.PublishSync(event.Event{
		Type: event.SessionDiff,
		Data: event.SessionDiffData{SessionID: session.ID, Diff: session.Summary.Diffs},
	})

	// Attach diff text to metadata for consumers (non-breaking)
	toolPart.State.Metadata["diff"] = diffText
	if toolPart.Metadata == nil {
		toolPart.Metadata = map[string]any{}
	}
	toolPart.Metadata["diff"] = diffText

	// Record the patch as its own part, distinct from Session.Summary's
	// running diff accumulation above: a patch part is pinned to the
	// message/step that produced it, while the summary is a
	// continuously-rewritten aggregate across the whole session.
	sum := sha256.Sum256([]byte(diffText))
	patchPart := &types.PatchPart{
		ID:        generatePartID(),
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		Type:      "patch",
		Hash:      hex.EncodeToString(sum[:]),
		Files:     []string{relPath},
	}
	state.parts = append(state.parts, patchPart)
	p.savePart(ctx, state.message.ID, patchPart)
	event.PublishSync(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: patchPart},
	})

	return nil
}

func computeDiff(before, after, path string) (string, int, int, error) {
	dmp := diffmatchpatch.New()

	// Compute line-based diff for accurate line counting
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	// Count additions and deletions by lines
	additions, deletions := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			lines := countLines(d.Text)
			additions += lines
		case diffmatchpatch.DiffDelete:
			lines := countLines(d.Text)
			deletions += lines
		}
	}

	// Generate proper unified diff text for display
	diffText := generateUnifiedDiff(diffs, path)

	return diffText, additions, deletions, nil
}

// countLines counts the number of lines in text
func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	// If text doesn't end with newline, count it as a line
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}

// generateUnifiedDiff creates a proper unified diff format from diffs with context lines
func generateUnifiedDiff(diffs []diffmatchpatch.Diff, path string) string {
	if len(diffs) == 0 {
		return ""
	}

	// Check if there are any actual changes
	hasChanges := false
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffEqual {
			hasChanges = true
			break
		}
	}
	if !hasChanges {
		return ""
	}

	// Convert diffs to lines with their types
	type diffLine struct {
		text     string
		diffType diffmatchpatch.Operation
	}
	var allLines []diffLine

	for _, d := range diffs {
		text := d.Text
		lines := strings.Split(text, "\n")
		// Handle trailing newline - if text ends with \n, the last split element is empty
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		for _, line := range lines {
			allLines = append(allLines, diffLine{text: line, diffType: d.Type})
		}
	}

	// Find ranges of changes with context (3 lines before and after)
	const contextLines = 3
	type hunk struct {
		startOld, countOld int
		startNew, countNew int
		lines              []diffLine
	}

	var hunks []hunk
	var currentHunk *hunk
	oldLineNum := 1
	newLineNum := 1

	for i, line := range allLines {
		isChange := line.diffType != diffmatchpatch.DiffEqual

		if isChange {
			// Start a new hunk or extend current one
			if currentHunk == nil {
				// Calculate start positions including context
				contextStart := i - contextLines
				if contextStart < 0 {
					contextStart = 0
				}

				// Calculate old/new line numbers at context start
				startOld := 1
				startNew := 1
				for j := 0; j < contextStart; j++ {
					switch allLines[j].diffType {
					case diffmatchpatch.DiffEqual:
						startOld++
						startNew++
					case diffmatchpatch.DiffDelete:
						startOld++
					case diffmatchpatch.DiffInsert:
						startNew++
					}
				}

				currentHunk = &hunk{
					startOld: startOld,
					startNew: startNew,
				}

				// Add context lines before the change
				for j := contextStart; j < i; j++ {
					currentHunk.lines = append(currentHunk.lines, allLines[j])
				}
			}
			currentHunk.lines = append(currentHunk.lines, line)
		} else if currentHunk != nil {
			// Check if we should end the hunk or continue with context
			// Look ahead to see if there's another change within context range
			nextChangeIdx := -1
			for j := i + 1; j < len(allLines) && j <= i+contextLines*2; j++ {
				if allLines[j].diffType != diffmatchpatch.DiffEqual {
					nextChangeIdx = j
					break
				}
			}

			if nextChangeIdx != -1 && nextChangeIdx <= i+contextLines*2 {
				// Another change is close, include this line and continue
				currentHunk.lines = append(currentHunk.lines, line)
			} else {
				// Add remaining context lines and close hunk
				for j := i; j < len(allLines) && j < i+contextLines; j++ {
					if allLines[j].diffType == diffmatchpatch.DiffEqual {
						currentHunk.lines = append(currentHunk.lines, allLines[j])
					} else {
						break
					}
				}

				// Calculate counts
				for _, l := range currentHunk.lines {
					switch l.diffType {
					case diffmatchpatch.DiffEqual:
						currentHunk.countOld++
						currentHunk.countNew++
					case diffmatchpatch.DiffDelete:
						currentHunk.countOld++
					case diffmatchpatch.DiffInsert:
						currentHunk.countNew++
					}
				}

				hunks = append(hunks, *currentHunk)
				currentHunk = nil
			}
		}

		// Track line numbers
		switch line.diffType {
		case diffmatchpatch.DiffEqual:
			oldLineNum++
			newLineNum++
		case diffmatchpatch.DiffDelete:
			oldLineNum++
		case diffmatchpatch.DiffInsert:
			newLineNum++
		}
	}

	// Close any remaining hunk
	if currentHunk != nil {
		for _, l := range currentHunk.lines {
			switch l.diffType {
			case diffmatchpatch.DiffEqual:
				currentHunk.countOld++
				currentHunk.countNew++
			case diffmatchpatch.DiffDelete:
				currentHunk.countOld++
			case diffmatchpatch.DiffInsert:
				currentHunk.countNew++
			}
		}
		hunks = append(hunks, *currentHunk)
	}

	// Build output
	var buf strings.Builder

	// Write file headers
	buf.WriteString("Index: ")
	buf.WriteString(path)
	buf.WriteString("\n")
	buf.WriteString("===================================================================\n")
	buf.WriteString("--- ")
	buf.WriteString(path)
	buf.WriteString("\n")
	buf.WriteString("+++ ")
	buf.WriteString(path)
	buf.WriteString("\n")

	// Write each hunk
	for _, h := range hunks {
		buf.WriteString(fmt.Sprintf("@@ -%d,%d +%d,%d @@\n", h.startOld, h.countOld, h.startNew, h.countNew))
		for _, line := range h.lines {
			switch line.diffType {
			case diffmatchpatch.DiffEqual:
				buf.WriteString(" ")
			case diffmatchpatch.DiffDelete:
				buf.WriteString("-")
			case diffmatchpatch.DiffInsert:
				buf.WriteString("+")
			}
			buf.WriteString(line.text)
			buf.WriteString("\n")
		}
	}

	return buf.String()
}

func (p *Processor) loadSession(sessionID string) (*types.Session, error) {
	projects, err := p.storage.List(context.Background(), []string{"session"})
	if err != nil {
		return nil, err
	}

	for _, projectID := range projects {
		var session types.Session
		if err := p.storage.Get(context.Background(), []string{"session", projectID, sessionID}, &session); err == nil {
			return &session, nil
		}
	}
	return nil, fmt.Errorf("session %s not found", sessionID)
}

func (p *Processor) saveSession(session *types.Session) error {
	return p.storage.Put(context.Background(), []string{"session", session.ProjectID, session.ID}, session)
}

// checkDoomLoop detects and handles repetitive tool calls.
func (p *Processor) checkDoomLoop(
	ctx context.Context,
	state *sessionState,
	agent *Agent,
	toolPart *types.ToolPart,
) error {
	// Count identical tool calls
	count := 0
	inputJSON, _ := json.Marshal(toolPart.State.Input)
	inputStr := string(inputJSON)

	for _, part := range state.parts {
		if tp, ok := part.(*types.ToolPart); ok {
			if tp.Tool == toolPart.Tool && tp.State.Status == "completed" {
				otherInput, _ := json.Marshal(tp.State.Input)
				if string(otherInput) == inputStr {
					count++
				}
			}
		}
	}

	// Threshold for doom loop detection
	if count < 3 {
		return nil
	}

	// Check permission policy
	switch agent.Permission.DoomLoop {
	case "allow":
		return nil

	case "deny":
		return fmt.Errorf("doom loop detected: %s called %d times with same input", toolPart.Tool, count)

	case "ask", "":
		if p.permissionChecker == nil {
			return nil
		}

		// Request permission from user
		req := permission.Request{
			Type:      permission.PermDoomLoop,
			Pattern:   []string{toolPart.Tool},
			SessionID: state.message.SessionID,
			MessageID: state.message.ID,
			CallID:    toolPart.CallID,
			Title:     fmt.Sprintf("Allow repeated %s call?", toolPart.Tool),
		}

		return p.permissionChecker.Ask(ctx, req)
	}

	return nil
}

// ToolState represents the current state of tool execution.
type ToolState string

const (
	ToolStatePending   ToolState = "pending"
	ToolStateRunning   ToolState = "running"
	ToolStateCompleted ToolState = "completed"
	ToolStateError     ToolState = "error"
)
