// Package question implements the blocking ask-the-user flow backing the
// `question` built-in tool, generalizing the permission package's
// pending-request/Respond pattern from yes/no/always decisions to
// free-form or multiple-choice answers.
package question

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"github.com/loomcode/loom/internal/event"
)

// Prompt is one question to ask, optionally with a fixed set of options.
type Prompt struct {
	Question string
	Options  []Option
}

// Option is one selectable answer to a Prompt.
type Option struct {
	Label       string
	Description string
}

// Asker collects answers to question-tool prompts from whatever surface is
// driving the session (TUI, SDK client, headless runner).
type Asker struct {
	mu         sync.RWMutex
	pending    map[string]chan []string
	autoAnswer atomic.Bool
}

// NewAsker creates a new Asker.
func NewAsker() *Asker {
	return &Asker{pending: make(map[string]chan []string)}
}

// SetAutoAnswer makes every subsequent Ask return immediately with an empty
// answer per question instead of blocking, for headless/auto-approve runs
// where nothing is listening for question.asked events.
func (a *Asker) SetAutoAnswer(auto bool) {
	a.autoAnswer.Store(auto)
}

// Ask publishes a question.asked event and blocks until a matching Respond
// call arrives, the context is canceled, or auto-answer mode is on.
func (a *Asker) Ask(ctx context.Context, sessionID string, prompts []Prompt) ([]string, error) {
	if a.autoAnswer.Load() {
		return make([]string, len(prompts)), nil
	}

	id := ulid.Make().String()
	respCh := make(chan []string, 1)

	a.mu.Lock()
	a.pending[id] = respCh
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}()

	event.Publish(event.Event{
		Type: event.QuestionAsked,
		Data: event.QuestionAskedData{
			ID:        id,
			SessionID: sessionID,
			Questions: toEventPrompts(prompts),
		},
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case answers := <-respCh:
		return answers, nil
	}
}

// Respond delivers answers for a pending question batch. A call for an
// unknown or already-resolved ID is silently ignored, mirroring the
// permission checker's Respond semantics.
func (a *Asker) Respond(id string, answers []string) {
	a.mu.RLock()
	ch, ok := a.pending[id]
	a.mu.RUnlock()

	if ok {
		ch <- answers
	}

	event.Publish(event.Event{
		Type: event.QuestionAnswered,
		Data: event.QuestionAnsweredData{ID: id, Answers: answers},
	})
}

func toEventPrompts(prompts []Prompt) []event.QuestionPrompt {
	out := make([]event.QuestionPrompt, len(prompts))
	for i, p := range prompts {
		opts := make([]event.QuestionOption, len(p.Options))
		for j, o := range p.Options {
			opts[j] = event.QuestionOption{Label: o.Label, Description: o.Description}
		}
		out[i] = event.QuestionPrompt{Question: p.Question, Options: opts}
	}
	return out
}
