package tool

import (
	"context"
	"encoding/json"
	"fmt"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/loomcode/loom/internal/question"
)

const questionDescription = `Asks the user one or more clarifying questions and waits for their answers
before continuing. Use this when a request is ambiguous or a decision needs
human input rather than guessing. Each question may offer a fixed set of
options, or be left open for a free-form answer.`

// QuestionTool pauses the agent loop to collect human input, the
// interactive counterpart to the permission package's Ask/Respond flow.
type QuestionTool struct {
	asker *question.Asker
}

// QuestionInputItem is one question in a questions batch.
type QuestionInputItem struct {
	Question string               `json:"question"`
	Options  []QuestionInputOption `json:"options,omitempty"`
}

// QuestionInputOption is one selectable answer to a QuestionInputItem.
type QuestionInputOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// QuestionInput represents the input for the question tool.
type QuestionInput struct {
	Questions []QuestionInputItem `json:"questions"`
}

// QuestionOutput is the tool's structured result: one answer per question,
// in the same order as the input.
type QuestionOutput struct {
	Answers []string `json:"answers"`
}

// NewQuestionTool creates a new question tool backed by asker.
func NewQuestionTool(asker *question.Asker) *QuestionTool {
	return &QuestionTool{asker: asker}
}

func (t *QuestionTool) ID() string          { return "question" }
func (t *QuestionTool) Description() string { return questionDescription }

func (t *QuestionTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"questions": {
				"type": "array",
				"description": "One or more questions to ask the user",
				"items": {
					"type": "object",
					"properties": {
						"question": {
							"type": "string",
							"description": "The question text"
						},
						"options": {
							"type": "array",
							"description": "Optional fixed set of choices",
							"items": {
								"type": "object",
								"properties": {
									"label": {"type": "string"},
									"description": {"type": "string"}
								},
								"required": ["label"]
							}
						}
					},
					"required": ["question"]
				}
			}
		},
		"required": ["questions"]
	}`)
}

func (t *QuestionTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params QuestionInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if len(params.Questions) == 0 {
		return nil, fmt.Errorf("at least one question is required")
	}

	prompts := make([]question.Prompt, len(params.Questions))
	for i, q := range params.Questions {
		opts := make([]question.Option, len(q.Options))
		for j, o := range q.Options {
			opts[j] = question.Option{Label: o.Label, Description: o.Description}
		}
		prompts[i] = question.Prompt{Question: q.Question, Options: opts}
	}

	sessionID := ""
	if toolCtx != nil {
		sessionID = toolCtx.SessionID
	}

	answers, err := t.asker.Ask(ctx, sessionID, prompts)
	if err != nil {
		return nil, fmt.Errorf("question: %w", err)
	}

	out := QuestionOutput{Answers: answers}
	outputJSON, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal answers: %w", err)
	}

	return &Result{
		Title:  fmt.Sprintf("Asked %d question(s)", len(prompts)),
		Output: string(outputJSON),
		Metadata: map[string]any{
			"questionCount": len(prompts),
		},
	}, nil
}

func (t *QuestionTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
