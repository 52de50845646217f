package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/loomcode/loom/internal/event"
	"github.com/loomcode/loom/internal/logging"
	"github.com/loomcode/loom/internal/provider"
	"github.com/loomcode/loom/internal/vcs"
	"github.com/loomcode/loom/pkg/types"
)

// processStream processes events from the LLM stream.
func (p *Processor) processStream(
	ctx context.Context,
	stream *provider.CompletionStream,
	state *sessionState,
	callback ProcessCallback,
) (string, error) {
	var currentTextPart *types.TextPart
	var currentReasoningPart *types.ReasoningPart
	var currentToolParts map[string]*types.ToolPart
	var finishReason string
	var accumulatedContent string
	var accumulatedToolInputs map[string]string

	currentToolParts = make(map[string]*types.ToolPart)
	accumulatedToolInputs = make(map[string]string)

	// Emit step-start part at the beginning of inference
	stepStartPart := &types.StepStartPart{
		ID:        generatePartID(),
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		Type:      "step-start",
	}
	state.parts = append(state.parts, stepStartPart)
	p.savePart(ctx, state.message.ID, stepStartPart)
	event.Publish(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: stepStartPart},
	})
	callback(state.message, state.parts)

	// Stamp the step boundary with the working tree's commit, when the
	// session's directory is inside a git repository, so a later revert or
	// diff review can tell what state the step ran against.
	workDir := ""
	if state.message.Path != nil {
		workDir = state.message.Path.Cwd
	}
	if workDir != "" {
		if head := vcs.GetHeadSnapshot(workDir); head != "" {
			snapshotPart := &types.SnapshotPart{
				ID:        generatePartID(),
				SessionID: state.message.SessionID,
				MessageID: state.message.ID,
				Type:      "snapshot",
				Snapshot:  head,
			}
			state.parts = append(state.parts, snapshotPart)
			p.savePart(ctx, state.message.ID, snapshotPart)
			event.Publish(event.Event{
				Type: event.MessagePartUpdated,
				Data: event.MessagePartUpdatedData{Part: snapshotPart},
			})
			callback(state.message, state.parts)
		}
	}

	logging.Logger.Debug().Msg("stream: starting to receive chunks")
	chunkCount := 0
	var lastChunkTime time.Time
	var lastEventTime time.Time // For throttling event publishing

	for {
		select {
		case <-ctx.Done():
			logging.Logger.Debug().Msg("stream: context cancelled")
			return "error", ctx.Err()
		default:
		}

		msg, err := stream.Recv()
		if err == io.EOF {
			logging.Logger.Debug().Int("chunks", chunkCount).Msg("stream: received EOF")
			break
		}
		if err != nil {
			logging.Logger.Debug().Err(err).Msg("stream: error receiving chunk")
			return "error", err
		}
		chunkCount++
		now := time.Now()
		var delta time.Duration
		if !lastChunkTime.IsZero() {
			delta = now.Sub(lastChunkTime)
		}
		lastChunkTime = now
		logging.Logger.Debug().Msgf("stream: chunk %d (+%v): content=%q, toolCalls=%d, responseMeta=%v",
			chunkCount, delta, truncate(msg.Content, 50), len(msg.ToolCalls), msg.ResponseMeta != nil)

		// Process the message chunk
		finishReason = p.processMessageChunk(ctx, msg, state, callback,
			&currentTextPart, &currentReasoningPart, currentToolParts,
			&accumulatedContent, accumulatedToolInputs, &lastEventTime)

		if finishReason != "" {
			break
		}
	}

	// Finalize any open parts
	if currentTextPart != nil {
		now := time.Now().UnixMilli()
		currentTextPart.Time.End = &now
		p.savePart(ctx, state.message.ID, currentTextPart)
	}

	if currentReasoningPart != nil {
		now := time.Now().UnixMilli()
		currentReasoningPart.Time.End = &now
		p.savePart(ctx, state.message.ID, currentReasoningPart)
	}

	// Finalize tool parts
	logging.Logger.Debug().Int("count", len(currentToolParts)).Msg("stream: finalizing tool parts")
	for id, toolPart := range currentToolParts {
		logging.Logger.Debug().Msgf("stream: finalizing toolPart id=%s, tool=%s, callID=%s, currentStatus=%s",
			id, toolPart.Tool, toolPart.CallID, toolPart.State.Status)
		if accInput, ok := accumulatedToolInputs[id]; ok && toolPart.State.Input == nil {
			var input map[string]any
			if err := json.Unmarshal([]byte(accInput), &input); err == nil {
				toolPart.State.Input = input
			}
		}
		toolPart.State.Status = "running"
		logging.Logger.Debug().Msgf("stream: set toolPart status to running: tool=%s", toolPart.Tool)
		p.savePart(ctx, state.message.ID, toolPart)
	}

	// Determine finish reason from accumulated state
	if finishReason == "" {
		if len(currentToolParts) > 0 {
			finishReason = "tool-calls" // SDK compatible: TypeScript uses "tool-calls"
		} else {
			finishReason = "stop"
		}
	}

	// Normalize finish reason to SDK-compatible format
	// TypeScript uses "tool-calls" but some providers return "tool_use"
	if finishReason == "tool_use" {
		finishReason = "tool-calls"
	}

	// Emit step-finish part at the end of inference with cost and token info
	stepFinishPart := &types.StepFinishPart{
		ID:        generatePartID(),
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		Type:      "step-finish",
		Reason:    finishReason,
		Cost:      state.message.Cost,
		Tokens:    state.message.Tokens,
	}
	state.parts = append(state.parts, stepFinishPart)
	p.savePart(ctx, state.message.ID, stepFinishPart)
	event.Publish(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: stepFinishPart},
	})
	callback(state.message, state.parts)

	logging.Logger.Debug().Msgf("stream: finished with reason=%s, parts=%d, tokens=%v",
		finishReason, len(state.parts), state.message.Tokens)

	return finishReason, nil
}

// truncate truncates a string to the specified length.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// MinEventInterval is the minimum time between streaming events.
// This ensures the TUI has time to process each event before the next arrives.
// Set to slightly above TUI's 16ms batching window to prevent batching.
const MinEventInterval = 20 * time.Millisecond

// throttledPublish publishes an event with optional throttling to prevent TUI batching.
func throttledPublish(e event.Event, lastEventTime *time.Time) {
	if lastEventTime != nil && !lastEventTime.IsZero() {
		elapsed := time.Since(*lastEventTime)
		if elapsed < MinEventInterval {
			sleepTime := MinEventInterval - elapsed
			logging.Logger.Debug().Msgf("stream: throttle sleep=%v (elapsed=%v)", sleepTime, elapsed)
			time.Sleep(sleepTime)
		}
	}
	event.Publish(e)
	if lastEventTime != nil {
		*lastEventTime = time.Now()
	}
}

// processMessageChunk handles a single message chunk from the stream.
func (p *Processor) processMessageChunk(
	ctx context.Context,
	msg *schema.Message,
	state *sessionState,
	callback ProcessCallback,
	currentTextPart **types.TextPart,
	currentReasoningPart **types.ReasoningPart,
	currentToolParts map[string]*types.ToolPart,
	accumulatedContent *string,
	accumulatedToolInputs map[string]string,
	lastEventTime *time.Time,
) string {
	var finishReason string

	// Handle text content
	if msg.Content != "" {
		// Check if this is new content (delta)
		if *currentTextPart == nil {
			// Start new text part
			now := time.Now().UnixMilli()
			*currentTextPart = &types.TextPart{
				ID:        generatePartID(),
				SessionID: state.message.SessionID,
				MessageID: state.message.ID,
				Type:      "text",
				Text:      msg.Content,
				Time:      types.PartTime{Start: &now},
			}
			state.parts = append(state.parts, *currentTextPart)
			*accumulatedContent = msg.Content

			// Publish delta event for FIRST chunk (SDK compatible)
			// This ensures the TUI receives and displays the first text chunk
			// Note: Uses throttledPublish to prevent TUI batching
			throttledPublish(event.Event{
				Type: event.MessagePartUpdated,
				Data: event.MessagePartUpdatedData{
					Part:  *currentTextPart,
					Delta: msg.Content, // First chunk IS the delta
				},
			}, lastEventTime)

			callback(state.message, state.parts)
		} else {
			// Check if this is accumulated content (starts with previous) or delta content (new chunk only)
			var delta string
			if strings.HasPrefix(msg.Content, *accumulatedContent) {
				// Accumulated mode: new content STARTS WITH all previous content
				delta = msg.Content[len(*accumulatedContent):]
				(*currentTextPart).Text = msg.Content
				*accumulatedContent = msg.Content
			} else {
				// Delta mode: new content is just the new part
				delta = msg.Content
				*accumulatedContent += msg.Content
				(*currentTextPart).Text = *accumulatedContent
			}

			// Publish delta event (SDK compatible: uses MessagePartUpdated)
			// Note: Uses throttledPublish to prevent TUI batching
			throttledPublish(event.Event{
				Type: event.MessagePartUpdated,
				Data: event.MessagePartUpdatedData{
					Part:  *currentTextPart,
					Delta: delta,
				},
			}, lastEventTime)

			callback(state.message, state.parts)
		}
	}

	// Handle reasoning content (extended thinking)
	if msg.ReasoningContent != "" {
		if *currentReasoningPart == nil {
			now := time.Now().UnixMilli()
			*currentReasoningPart = &types.ReasoningPart{
				ID:        generatePartID(),
				SessionID: state.message.SessionID,
				MessageID: state.message.ID,
				Type:      "reasoning",
				Text:      msg.ReasoningContent,
				Time:      types.PartTime{Start: &now},
			}
			state.parts = append(state.parts, *currentReasoningPart)
			callback(state.message, state.parts)
		} else {
			(*currentReasoningPart).Text = msg.ReasoningContent
			callback(state.message, state.parts)
		}
	}

	// Handle tool calls. The eino streaming model uses Index to track tool
	// calls: a start chunk carries Index/ID/Name, later delta chunks carry
	// only Index and Arguments. Each chunk is normalized to a StreamEvent
	// before it touches session state, so the "ID synthesized when a vendor
	// omits one" and "a complete call's input wins over prior deltas" rules
	// live in one place instead of being re-derived at every call site.
	for _, tc := range msg.ToolCalls {
		var toolIndex int
		hasIndex := tc.Index != nil
		if hasIndex {
			toolIndex = *tc.Index
		} else if tc.ID != "" {
			toolIndex = -1 // fall back to ID-keyed tracking
		} else {
			logging.Logger.Debug().Msg("stream: skipping tool call chunk with no index and no id")
			continue
		}

		var lookupKey string
		if toolIndex >= 0 {
			lookupKey = fmt.Sprintf("idx:%d", toolIndex)
		} else {
			lookupKey = tc.ID
		}

		_, exists := currentToolParts[lookupKey]
		for _, ev := range adaptToolCallChunk(tc, toolIndex, exists) {
			p.applyToolCallEvent(state, ev, lookupKey, currentToolParts, accumulatedToolInputs)
			callback(state.message, state.parts)
		}

		if toolPart, ok := currentToolParts[lookupKey]; ok {
			event.Publish(event.Event{
				Type: event.MessagePartUpdated,
				Data: event.MessagePartUpdatedData{Part: toolPart},
			})
		}
	}

	// Check for response metadata (token usage)
	if msg.ResponseMeta != nil {
		if state.message.Tokens == nil {
			state.message.Tokens = &types.TokenUsage{}
		}

		if msg.ResponseMeta.Usage != nil {
			state.message.Tokens.Input = msg.ResponseMeta.Usage.PromptTokens
			state.message.Tokens.Output = msg.ResponseMeta.Usage.CompletionTokens
		}

		// Check finish reason
		if msg.ResponseMeta.FinishReason != "" {
			finishReason = msg.ResponseMeta.FinishReason
		}
	}

	return finishReason
}

// StreamEvent represents different types of stream events.
type StreamEvent interface {
	streamEvent()
}

// TextStartEvent indicates the start of text content.
type TextStartEvent struct{}

func (TextStartEvent) streamEvent() {}

// TextDeltaEvent contains a text delta.
type TextDeltaEvent struct {
	Text string
}

func (TextDeltaEvent) streamEvent() {}

// TextEndEvent indicates the end of text content.
type TextEndEvent struct{}

func (TextEndEvent) streamEvent() {}

// ReasoningStartEvent indicates the start of reasoning content.
type ReasoningStartEvent struct{}

func (ReasoningStartEvent) streamEvent() {}

// ReasoningDeltaEvent contains a reasoning delta.
type ReasoningDeltaEvent struct {
	Text string
}

func (ReasoningDeltaEvent) streamEvent() {}

// ReasoningEndEvent indicates the end of reasoning content.
type ReasoningEndEvent struct{}

func (ReasoningEndEvent) streamEvent() {}

// ToolCallStartEvent indicates the start of a tool call.
type ToolCallStartEvent struct {
	ID   string
	Name string
}

func (ToolCallStartEvent) streamEvent() {}

// ToolCallDeltaEvent contains input delta for a tool call.
type ToolCallDeltaEvent struct {
	ID    string
	Delta string
}

func (ToolCallDeltaEvent) streamEvent() {}

// ToolCallEndEvent indicates completion of a tool call.
type ToolCallEndEvent struct {
	ID    string
	Input json.RawMessage
}

func (ToolCallEndEvent) streamEvent() {}

// FinishEvent indicates stream completion.
type FinishEvent struct {
	Reason string
	Error  error
}

func (FinishEvent) streamEvent() {}

// adaptToolCallChunk normalizes one schema.ToolCall chunk from the provider
// adapter into the StreamEvent(s) it represents. exists reports whether a
// tool part is already tracked under this chunk's lookup key.
//
// A chunk that carries Name and Arguments together (rather than Arguments
// trickling in alone across later chunks) is a complete, self-contained
// call: its Arguments is authoritative and emitted as a ToolCallEndEvent
// rather than a ToolCallDeltaEvent, so it overrides any partial
// accumulation a caller may already have for the same key.
func adaptToolCallChunk(tc schema.ToolCall, toolIndex int, exists bool) []StreamEvent {
	var events []StreamEvent

	if !exists {
		if tc.Function.Name == "" {
			if tc.Function.Arguments != "" {
				logging.Logger.Warn().Str("callID", tc.ID).Int("index", toolIndex).
					Msg("stream: dropping tool call with empty name")
			}
			return nil
		}

		id := tc.ID
		if id == "" {
			// Vendor omitted a call ID; synthesize one from the stream
			// position so the call can still be tracked and replayed.
			id = fmt.Sprintf("tool-call-%d", toolIndex)
		}
		events = append(events, ToolCallStartEvent{ID: id, Name: tc.Function.Name})

		if tc.Function.Arguments != "" {
			events = append(events, ToolCallEndEvent{ID: id, Input: json.RawMessage(tc.Function.Arguments)})
		}
		return events
	}

	if tc.Function.Name != "" && tc.Function.Arguments != "" {
		// A fully-formed call arriving after the part already exists:
		// treat it as the authoritative final input.
		events = append(events, ToolCallEndEvent{Input: json.RawMessage(tc.Function.Arguments)})
		return events
	}

	if tc.Function.Arguments != "" {
		events = append(events, ToolCallDeltaEvent{Delta: tc.Function.Arguments})
	}
	return events
}

// applyToolCallEvent applies a normalized tool-call stream event to session
// state, creating, accumulating, or finalizing the tracked ToolPart for
// lookupKey as appropriate.
func (p *Processor) applyToolCallEvent(
	state *sessionState,
	ev StreamEvent,
	lookupKey string,
	currentToolParts map[string]*types.ToolPart,
	accumulatedToolInputs map[string]string,
) {
	switch e := ev.(type) {
	case ToolCallStartEvent:
		now := time.Now().UnixMilli()
		toolPart := &types.ToolPart{
			ID:        generatePartID(),
			SessionID: state.message.SessionID,
			MessageID: state.message.ID,
			Type:      "tool",
			CallID:    e.ID,
			Tool:      e.Name,
			State: types.ToolState{
				Status: "pending",
				Input:  make(map[string]any),
				Time:   &types.ToolTime{Start: now},
			},
		}
		logging.Logger.Debug().Msgf("stream: created new ToolPart: tool=%s, callID=%s", toolPart.Tool, toolPart.CallID)
		currentToolParts[lookupKey] = toolPart
		accumulatedToolInputs[lookupKey] = ""
		state.parts = append(state.parts, toolPart)

	case ToolCallDeltaEvent:
		toolPart, ok := currentToolParts[lookupKey]
		if !ok {
			return
		}
		accumulatedToolInputs[lookupKey] += e.Delta
		toolPart.State.Raw = accumulatedToolInputs[lookupKey]
		var input map[string]any
		if err := json.Unmarshal([]byte(accumulatedToolInputs[lookupKey]), &input); err == nil {
			toolPart.State.Input = input
		}

	case ToolCallEndEvent:
		toolPart, ok := currentToolParts[lookupKey]
		if !ok {
			return
		}
		toolPart.State.Raw = string(e.Input)
		accumulatedToolInputs[lookupKey] = string(e.Input)
		var input map[string]any
		if err := json.Unmarshal(e.Input, &input); err == nil {
			toolPart.State.Input = input
		}
	}
}
