package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/loomcode/loom/internal/errs"
	"github.com/loomcode/loom/internal/event"
	"github.com/loomcode/loom/internal/logging"
	"github.com/loomcode/loom/internal/provider"
	"github.com/loomcode/loom/pkg/types"
)

const (
	// MaxSteps is the maximum number of agentic loop iterations.
	MaxSteps = 50
	// MaxRetries is the maximum number of retries for API errors.
	MaxRetries = 3
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = time.Second
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 30 * time.Second
	// RetryMaxElapsedTime is the maximum total time for retries.
	RetryMaxElapsedTime = 2 * time.Minute
	// MaxContextTokens is the fallback token threshold for triggering context
	// compaction when a model reports no context window of its own.
	MaxContextTokens = 150000
	// maxBodyBytes is the hard content-size cap (spec: 5 MB) above which we
	// compact regardless of token estimate, to stay under provider
	// request-size limits.
	maxBodyBytes = 5 * 1024 * 1024
	// softBodyBytes is the estimated-token soft cap (spec: 200 kB) used as a
	// cheaper proxy for token counting when message usage isn't populated yet.
	softBodyBytes = 200 * 1024
)

// newRetryBackoff creates a new exponential backoff with jitter for API retries.
// Uses cenkalti/backoff for better retry behavior including jitter to prevent
// thundering herd problems and context-aware cancellation.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5 // Add jitter
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// runLoop executes the agentic loop.
func (p *Processor) runLoop(
	ctx context.Context,
	sessionID string,
	state *sessionState,
	agent *Agent,
	callback ProcessCallback,
) error {
	// Confirm the session exists, trying the direct key first and falling
	// back to a cross-project lookup for callers that only have the ID.
	var session types.Session
	if err := p.storage.Get(ctx, []string{"session", sessionID}, &session); err != nil {
		if _, err := p.findSession(ctx, sessionID); err != nil {
			return fmt.Errorf("session not found: %w", err)
		}
	}

	// Load messages
	messages, err := p.loadMessages(ctx, sessionID)
	if err != nil {
		return err
	}

	if len(messages) == 0 {
		return fmt.Errorf("no messages in session")
	}

	lastMsg := messages[len(messages)-1]
	if lastMsg.Role != "user" {
		return fmt.Errorf("expected user message, got %s", lastMsg.Role)
	}

	// A user message carrying a compaction marker is a request to summarize
	// the conversation, not a prompt for the normal loop.
	if lastParts, err := p.loadParts(ctx, lastMsg.ID); err == nil {
		for _, part := range lastParts {
			if cp, ok := part.(*types.CompactionPart); ok {
				return p.processCompaction(ctx, sessionID, messages, cp, callback)
			}
		}
	}

	// Get provider and model
	providerID := "anthropic"
	modelID := "claude-sonnet-4-20250514"

	if lastMsg.Model != nil {
		providerID = lastMsg.Model.ProviderID
		modelID = lastMsg.Model.ModelID
	}

	prov, err := p.providerRegistry.Get(providerID)
	if err != nil {
		return fmt.Errorf("provider not found: %w", err)
	}

	model, err := p.providerRegistry.GetModel(providerID, modelID)
	if err != nil {
		return fmt.Errorf("model not found: %w", err)
	}

	// Create assistant message
	now := time.Now().UnixMilli()
	assistantMsg := &types.Message{
		ID:         generatePartID(),
		SessionID:  sessionID,
		Role:       "assistant",
		ProviderID: providerID,
		ModelID:    modelID,
		Time: types.MessageTime{
			Created: now,
		},
	}
	state.message = assistantMsg

	// Save initial message
	if err := p.storage.Put(ctx, []string{"message", sessionID, assistantMsg.ID}, assistantMsg); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	// Notify callback
	callback(assistantMsg, nil)

	// Publish event
	event.Publish(event.Event{
		Type: event.MessageCreated,
		Data: event.MessageCreatedData{Info: assistantMsg},
	})

	// Get agent config
	if agent == nil {
		agent = DefaultAgent()
	}

	maxSteps := agent.MaxSteps
	if maxSteps <= 0 {
		maxSteps = MaxSteps
	}

	// Run loop
	step := 0
	retryAttempt := 0
	retryBackoff := newRetryBackoff(ctx)

	for {
		// Check context cancellation
		select {
		case <-ctx.Done():
			p.abortPendingTools(ctx, state)
			assistantMsg.Error = &types.MessageError{
				Type:    "abort",
				Message: "Processing aborted",
			}
			p.saveMessage(ctx, sessionID, assistantMsg)
			return ctx.Err()
		default:
		}

		// Check step limit. One step is one LM call, regardless of whether
		// it came back with tool calls or a final answer.
		if step >= maxSteps {
			p.abortPendingTools(ctx, state)
			stepErr := errs.MaxStepsExceeded(agent.Name, maxSteps)
			assistantMsg.Error = &types.MessageError{
				Type:    "max_steps",
				Message: stepErr.Error(),
			}
			p.saveMessage(ctx, sessionID, assistantMsg)
			return stepErr
		}
		step++

		// Check for context overflow and compact if needed
		if p.shouldCompact(ctx, messages, model) {
			if err := p.compactMessages(ctx, sessionID, messages); err != nil {
				// Log but don't fail
			}
			// Reload messages
			messages, _ = p.loadMessages(ctx, sessionID)
		}

		// Build completion request
		req, err := p.buildCompletionRequest(ctx, sessionID, messages, assistantMsg, agent, model)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}

		// Call LLM with streaming
		stream, err := prov.CreateCompletion(ctx, req)
		if err != nil {
			// Use exponential backoff with jitter for retries
			nextInterval := retryBackoff.NextBackOff()
			if nextInterval == backoff.Stop {
				assistantMsg.Error = &types.MessageError{
					Type:    "api",
					Message: err.Error(),
				}
				p.saveMessage(ctx, sessionID, assistantMsg)
				return err
			}
			retryAttempt++
			p.emitRetryPart(ctx, state, retryAttempt, err)
			time.Sleep(nextInterval)
			continue
		}

		// Process stream
		finishReason, err := p.processStream(ctx, stream, state, callback)
		stream.Close()

		if err != nil {
			// Use exponential backoff with jitter for retries
			nextInterval := retryBackoff.NextBackOff()
			if nextInterval == backoff.Stop {
				assistantMsg.Error = &types.MessageError{
					Type:    "api",
					Message: err.Error(),
				}
				p.saveMessage(ctx, sessionID, assistantMsg)
				return err
			}
			retryAttempt++
			p.emitRetryPart(ctx, state, retryAttempt, err)
			time.Sleep(nextInterval)
			continue
		}

		// Reset backoff on success
		retryAttempt = 0
		retryBackoff.Reset()

		// Check finish reason
		switch finishReason {
		case "stop", "end_turn":
			// Normal completion
			finish := "stop"
			assistantMsg.Finish = &finish
			p.saveMessage(ctx, sessionID, assistantMsg)
			p.pruneAfterLoop(ctx, sessionID)
			return nil

		case "tool_use", "tool_calls":
			// Execute tools and continue loop. Tool execution errors don't
			// stop the loop; each failure is captured on its own tool part.
			p.executeToolCalls(ctx, state, agent, callback)
			continue

		case "max_tokens", "length":
			// Output limit reached
			finish := "max_tokens"
			assistantMsg.Finish = &finish
			assistantMsg.Error = &types.MessageError{
				Type:    "output_length",
				Message: "Output length limit reached",
			}
			p.saveMessage(ctx, sessionID, assistantMsg)
			p.pruneAfterLoop(ctx, sessionID)
			return nil

		case "error":
			// Use exponential backoff with jitter for retries
			nextInterval := retryBackoff.NextBackOff()
			if nextInterval == backoff.Stop {
				return fmt.Errorf("stream error: max retries exceeded")
			}
			retryAttempt++
			p.emitRetryPart(ctx, state, retryAttempt, fmt.Errorf("stream error"))
			time.Sleep(nextInterval)
			continue

		default:
			// Unknown finish reason, treat as stop
			assistantMsg.Finish = &finishReason
			p.saveMessage(ctx, sessionID, assistantMsg)
			p.pruneAfterLoop(ctx, sessionID)
			return nil
		}
	}
}

// emitRetryPart records a provider-call retry as a part on the in-flight
// assistant message so the transcript shows every attempt rather than
// silently replacing the failed one.
func (p *Processor) emitRetryPart(ctx context.Context, state *sessionState, attempt int, cause error) {
	part := &types.RetryPart{
		ID:        generatePartID(),
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		Type:      "retry",
		Attempt:   attempt,
		Error:     cause.Error(),
		Time:      types.RetryTime{Created: time.Now().UnixMilli()},
	}
	state.parts = append(state.parts, part)
	p.savePart(ctx, state.message.ID, part)
	event.Publish(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: part},
	})
}

// findSession finds a session by ID across all projects.
func (p *Processor) findSession(ctx context.Context, sessionID string) (*types.Session, error) {
	projects, err := p.storage.List(ctx, []string{"session"})
	if err != nil {
		return nil, err
	}

	for _, projectID := range projects {
		var session types.Session
		if err := p.storage.Get(ctx, []string{"session", projectID, sessionID}, &session); err == nil {
			return &session, nil
		}
	}

	return nil, fmt.Errorf("session not found: %s", sessionID)
}

// loadMessages loads all messages for a session. A row that fails to decode
// (e.g. left behind by an interrupted write) is skipped with a warning rather
// than failing the whole load, so one bad row never bricks a session.
func (p *Processor) loadMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	var messages []*types.Message
	err := p.storage.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Logger.Warn().Err(err).Str("sessionID", sessionID).Str("messageID", key).
				Msg("session: skipping undecodable message")
			return nil
		}
		messages = append(messages, &msg)
		return nil
	})
	return messages, err
}

// abortPendingTools synthesizes an error result for every tool-call part
// still pending or running when the loop exits early (cancellation, max
// steps), so every tool-call part keeps its "one tool-call, one result"
// invariant even when the model never got the result back.
func (p *Processor) abortPendingTools(ctx context.Context, state *sessionState) {
	now := time.Now().UnixMilli()
	for _, part := range state.parts {
		toolPart, ok := part.(*types.ToolPart)
		if !ok {
			continue
		}
		if toolPart.State.Status != "pending" && toolPart.State.Status != "running" {
			continue
		}
		toolPart.State.Status = "error"
		toolPart.State.Error = "Tool execution aborted"
		if toolPart.State.Time == nil {
			toolPart.State.Time = &types.ToolTime{Start: now}
		}
		toolPart.State.Time.End = &now

		p.savePart(ctx, state.message.ID, toolPart)
		event.PublishSync(event.Event{
			Type: event.MessagePartUpdated,
			Data: event.MessagePartUpdatedData{Part: toolPart},
		})
	}
}

// saveMessage saves an assistant message.
func (p *Processor) saveMessage(ctx context.Context, sessionID string, msg *types.Message) error {
	now := time.Now().UnixMilli()
	msg.Time.Updated = &now

	if err := p.storage.Put(ctx, []string{"message", sessionID, msg.ID}, msg); err != nil {
		return err
	}

	event.Publish(event.Event{
		Type: event.MessageUpdated,
		Data: event.MessageUpdatedData{Info: msg},
	})

	return nil
}

// savePart saves a part for a message.
func (p *Processor) savePart(ctx context.Context, messageID string, part types.Part) error {
	return p.storage.Put(ctx, []string{"part", messageID, part.PartID()}, part)
}

// shouldCompact checks if messages should be compacted. It is monotone by
// construction: every term it sums only grows as messages are appended, so
// once true for a prefix it stays true for any superset.
//
// Returns true if any of: (a) token usage exceeds the model's context
// window (or MaxContextTokens when the model reports none), (b) total part
// content exceeds the 5 MB hard body-size cap, or (c) total part content
// exceeds the 200 kB soft cap used as an estimated-token proxy.
func (p *Processor) shouldCompact(ctx context.Context, messages []*types.Message, model *types.Model) bool {
	limit := MaxContextTokens
	if model != nil && model.ContextLength > 0 {
		limit = model.ContextLength
	}

	totalTokens := 0
	totalBytes := 0
	for _, msg := range messages {
		if msg.Tokens != nil {
			totalTokens += msg.Tokens.Input + msg.Tokens.Output + msg.Tokens.Reasoning + msg.Tokens.Cache.Read + msg.Tokens.Cache.Write
		}
		totalBytes += p.partContentBytes(ctx, msg.ID)
	}

	if totalTokens > limit {
		return true
	}
	if totalBytes > maxBodyBytes {
		return true
	}
	if totalBytes > softBodyBytes {
		return true
	}
	return false
}

// partContentBytes sums the byte size of a message's renderable content
// (text, reasoning, tool output) for the body-size caps in shouldCompact.
func (p *Processor) partContentBytes(ctx context.Context, messageID string) int {
	parts, err := p.loadParts(ctx, messageID)
	if err != nil {
		return 0
	}
	total := 0
	for _, part := range parts {
		switch pt := part.(type) {
		case *types.TextPart:
			total += len(pt.Text)
		case *types.ReasoningPart:
			total += len(pt.Text)
		case *types.ToolPart:
			total += len(pt.State.Output) + len(pt.State.Raw)
		}
	}
	return total
}

// buildCompletionRequest builds an LLM completion request.
func (p *Processor) buildCompletionRequest(
	ctx context.Context,
	sessionID string,
	messages []*types.Message,
	currentMsg *types.Message,
	agent *Agent,
	model *types.Model,
) (*provider.CompletionRequest, error) {
	// Build system prompt
	session, _ := p.findSession(ctx, sessionID)
	systemPrompt := NewSystemPrompt(session, agent, currentMsg.ProviderID, currentMsg.ModelID)

	// Convert messages to Eino format
	var einoMessages []*schema.Message

	// Add system message
	einoMessages = append(einoMessages, &schema.Message{
		Role:    schema.System,
		Content: systemPrompt.Build(),
	})

	// Add conversation history
	for _, msg := range messages {
		// Skip errored messages without content
		if msg.Error != nil && !p.hasUsableContent(ctx, msg) {
			continue
		}

		// Load parts for this message
		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}

		einoMessages = append(einoMessages, p.convertMessage(msg, parts, currentMsg.ProviderID, currentMsg.ModelID)...)
	}

	// Get enabled tools
	tools, err := p.resolveTools(agent, model)
	if err != nil {
		return nil, err
	}

	// Build request
	maxTokens := model.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	req := &provider.CompletionRequest{
		Model:       model.ID,
		Messages:    einoMessages,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: agent.Temperature,
		TopP:        agent.TopP,
	}

	return req, nil
}

// loadParts loads all parts for a message, skipping undecodable rows the
// same way loadMessages does.
func (p *Processor) loadParts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := p.storage.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			logging.Logger.Warn().Err(err).Str("messageID", messageID).Str("partID", key).
				Msg("session: skipping undecodable part")
			return nil
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

// hasUsableContent checks if a message has content worth including.
func (p *Processor) hasUsableContent(ctx context.Context, msg *types.Message) bool {
	parts, err := p.loadParts(ctx, msg.ID)
	if err != nil {
		return false
	}
	return len(parts) > 0
}

// compactionPlaceholderText replaces a compaction marker's real content when
// a message is sent to a provider: the marker exists to trigger/record
// compaction, not to carry a literal prompt of its own.
const compactionPlaceholderText = "What did we do so far?"

// subtaskPlaceholderText replaces a subtask marker's dispatched prompt when
// sent to a provider, so the subagent's own prompt text (which the parent
// model never needs to see verbatim) doesn't leak into the parent's context.
const subtaskPlaceholderText = "The following tool was executed by the user"

// convertMessage converts a types.Message to one or more schema.Messages.
// A tool-call and its result both live on the same ToolPart (the pending ->
// running -> completed/error state machine), but the provider wire contract
// needs them as two messages: the assistant's tool_calls, immediately
// followed by a tool-role message per call-id carrying that call's result.
// So an assistant message whose parts include resolved tool calls expands
// into [assistant, tool, tool, ...] here rather than a single message.
//
// targetProviderID/targetModelID identify the model the resulting messages
// are being built for; a part's own provider-specific metadata (e.g. a
// prompt-cache hint recorded on a ToolPart) is only forwarded when it was
// produced by that same provider/model, since hints tuned for one vendor's
// wire format are meaningless (or actively wrong) sent to another.
func (p *Processor) convertMessage(msg *types.Message, parts []types.Part, targetProviderID, targetModelID string) []*schema.Message {
	role := schema.Assistant
	switch msg.Role {
	case "user":
		role = schema.User
	case "system":
		role = schema.System
	case "tool":
		role = schema.Tool
	}

	sameModel := msg.ProviderID == targetProviderID && msg.ModelID == targetModelID

	var content string
	var toolCalls []schema.ToolCall
	var results []*schema.Message
	var mediaMessages []*schema.Message

	for _, part := range parts {
		switch pt := part.(type) {
		case *types.TextPart:
			content += pt.Text
		case *types.CompactionPart:
			content += compactionPlaceholderText
		case *types.SubtaskPart:
			content += subtaskPlaceholderText
		case *types.ToolPart:
			if msg.Role == "assistant" {
				inputJSON, _ := json.Marshal(pt.State.Input)
				toolCalls = append(toolCalls, schema.ToolCall{
					ID: pt.CallID,
					Function: schema.FunctionCall{
						Name:      pt.Tool,
						Arguments: string(inputJSON),
					},
				})

				if pt.State.Status == "completed" || pt.State.Status == "error" {
					resultContent := pt.State.Output
					if pt.State.Status == "error" {
						resultContent = "Error: " + pt.State.Error
					}
					if sameModel {
						resultContent = applyCacheHint(resultContent, pt.Metadata)
					}
					results = append(results, &schema.Message{
						Role:       schema.Tool,
						Content:    resultContent,
						ToolCallID: pt.CallID,
					})
					if len(pt.State.Attachments) > 0 {
						mediaMessages = append(mediaMessages, attachmentsToMessage(pt.State.Attachments))
					}
				}
			} else {
				// Legacy shape: a tool result recorded directly on a
				// tool-role message rather than embedded in the
				// assistant's own ToolPart. Tolerated on load only.
				resultContent := pt.State.Output
				if pt.State.Output == "" && pt.State.Error != "" {
					resultContent = "Error: " + pt.State.Error
				}
				results = append(results, &schema.Message{
					Role:       schema.Tool,
					Content:    resultContent,
					ToolCallID: pt.CallID,
				})
				if len(pt.State.Attachments) > 0 {
					mediaMessages = append(mediaMessages, attachmentsToMessage(pt.State.Attachments))
				}
			}
		}
	}

	if msg.Role == "tool" {
		return append(results, mediaMessages...)
	}

	// A message whose parts contributed nothing renderable (only step
	// markers, reasoning, ...) is omitted entirely rather than sent as an
	// empty message.
	var out []*schema.Message
	if content != "" || len(toolCalls) > 0 {
		out = append(out, &schema.Message{
			Role:      role,
			Content:   content,
			ToolCalls: toolCalls,
		})
	}
	out = append(out, results...)
	return append(out, mediaMessages...)
}

// attachmentsToMessage re-injects a completed tool call's file attachments
// as a synthetic user message immediately following that call's result,
// since a provider's tool-role message can't itself carry non-text media.
func attachmentsToMessage(attachments []types.FilePart) *schema.Message {
	var sb strings.Builder
	sb.WriteString("Attachment(s) from the preceding tool result:\n")
	for _, att := range attachments {
		fmt.Fprintf(&sb, "- %s (%s): %s\n", att.Filename, att.Mime, att.URL)
	}
	return &schema.Message{
		Role:    schema.User,
		Content: sb.String(),
	}
}

// applyCacheHint appends a provider cache-control hint recorded on a tool
// part's metadata, when present, so repeated identical tool output can be
// served from the provider's own prompt cache rather than rebilled. Only
// called by the caller when the hint's producing model matches the target
// model, since a cache breakpoint tuned for one vendor's wire format means
// nothing to another.
func applyCacheHint(content string, metadata map[string]any) string {
	if metadata == nil {
		return content
	}
	hint, ok := metadata["cacheControl"].(string)
	if !ok || hint == "" {
		return content
	}
	return content + "\n<!-- cache-control: " + hint + " -->"
}

// resolveTools returns tools enabled for the agent.
func (p *Processor) resolveTools(agent *Agent, model *types.Model) ([]*schema.ToolInfo, error) {
	if !model.SupportsTools {
		return nil, nil
	}

	allTools := p.toolRegistry.List()

	var result []*schema.ToolInfo

	for _, t := range allTools {
		// "invalid" is a reroute target (spec.md §4.1/§4.3), never offered
		// to the model as something it can call directly.
		if t.ID() == "invalid" {
			continue
		}
		if !agent.ToolEnabled(t.ID()) {
			continue
		}

		params := parseJSONSchemaToParams(t.Parameters())
		result = append(result, &schema.ToolInfo{
			Name:        t.ID(),
			Desc:        t.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}

	return result, nil
}

// parseJSONSchemaToParams converts JSON Schema to Eino ParameterInfo.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}

		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}

// generatePartID generates a new ULID for parts.
func generatePartID() string {
	return ulid.Make().String()
}

// ptr returns a pointer to the given value.
func ptr[T any](v T) *T {
	return &v
}
