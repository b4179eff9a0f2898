package task

import (
	"context"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/escrow/pkg/llm"
)

const defaultInstructions = "Complete the task described by the user input. Reply with the result only."

// LLMExecutor runs a task as a single chat completion: the task instructions as
// the system message and the run input as the user message.
type LLMExecutor struct {
	client  llm.Client
	options *llm.SamplingOptions
}

func NewLLMExecutor(client llm.Client, options *llm.SamplingOptions) *LLMExecutor {
	return &LLMExecutor{client: client, options: options}
}

func (e *LLMExecutor) Execute(ctx context.Context, spec Spec, input string) (*Output, error) {
	instructions := spec.Instructions
	if instructions == "" {
		instructions = defaultInstructions
	}
	resp, err := e.client.Chat(ctx, []llm.Message{
		{Role: "system", Content: instructions},
		{Role: "user", Content: input},
	}, e.options)
	if err != nil {
		return nil, Fail(spec.ID, "model call failed", err)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return nil, Fail(spec.ID, "model returned no content", nil)
	}
	return &Output{
		Content: content,
		Metadata: map[string]string{
			"model":        resp.Model,
			"total_tokens": strconv.Itoa(resp.Usage.TotalTokens),
		},
	}, nil
}
