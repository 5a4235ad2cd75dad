// Package assistant connects the dispatcher to the OpenAI Assistants API:
// threads, streamed runs, tool output submission and assistant setup.
package assistant

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/triage-ai/palisade/services/sql_guard/internal/dispatch"
	"github.com/triage-ai/palisade/services/sql_guard/internal/toolcall"
	"go.uber.org/zap"
)

// Client drives one assistant. It satisfies dispatch.Submitter.
type Client struct {
	api         openai.Client
	assistantID string
	logger      *zap.Logger
}

// NewClient creates a client for assistantID. Extra request options (base
// URL, HTTP client, retries) are passed through to the SDK.
func NewClient(apiKey, assistantID string, logger *zap.Logger, opts ...option.RequestOption) *Client {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		api:         openai.NewClient(opts...),
		assistantID: assistantID,
		logger:      logger,
	}
}

// AssistantID returns the assistant this client drives.
func (c *Client) AssistantID() string { return c.assistantID }

// NewThread creates an empty conversation thread.
func (c *Client) NewThread(ctx context.Context) (string, error) {
	thread, err := c.api.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", fmt.Errorf("Client.NewThread: %w", err)
	}
	return thread.ID, nil
}

// AddMessage appends a user message to a thread.
func (c *Client) AddMessage(ctx context.Context, threadID, text string) error {
	_, err := c.api.Beta.Threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
		Content: openai.BetaThreadMessageNewParamsContentUnion{OfString: openai.String(text)},
		Role:    openai.BetaThreadMessageNewParamsRoleUser,
	})
	if err != nil {
		return fmt.Errorf("Client.AddMessage: %w", err)
	}
	return nil
}

// StartRun starts a streamed run of the assistant on threadID with
// per-run additional instructions. Transport errors surface through the
// returned stream.
func (c *Client) StartRun(ctx context.Context, threadID, additionalInstructions string) (dispatch.Stream, error) {
	params := openai.BetaThreadRunNewParams{AssistantID: c.assistantID}
	if additionalInstructions != "" {
		params.AdditionalInstructions = openai.String(additionalInstructions)
	}
	c.logger.Debug("starting run", zap.String("thread_id", threadID), zap.String("assistant_id", c.assistantID))
	return newEventStream(c.api.Beta.Threads.Runs.NewStreaming(ctx, threadID, params)), nil
}

// SubmitToolOutputs resumes a paused run with the whole batch of outputs.
func (c *Client) SubmitToolOutputs(ctx context.Context, session dispatch.Session, outputs []dispatch.ToolOutput) (dispatch.Stream, error) {
	if session.ThreadID == "" || session.RunID == "" {
		return nil, fmt.Errorf("Client.SubmitToolOutputs: incomplete session %+v", session)
	}
	params := openai.BetaThreadRunSubmitToolOutputsParams{
		ToolOutputs: make([]openai.BetaThreadRunSubmitToolOutputsParamsToolOutput, len(outputs)),
	}
	for i, o := range outputs {
		params.ToolOutputs[i] = openai.BetaThreadRunSubmitToolOutputsParamsToolOutput{
			ToolCallID: openai.String(o.CallID),
			Output:     openai.String(o.Output),
		}
	}
	return newEventStream(c.api.Beta.Threads.Runs.SubmitToolOutputsStreaming(ctx, session.ThreadID, session.RunID, params)), nil
}

// SyncAssistant pushes the standing instructions, model and the sql_query
// tool definition to the assistant.
func (c *Client) SyncAssistant(ctx context.Context, name, model string) error {
	params := openai.BetaAssistantUpdateParams{
		Instructions: openai.String(Instructions),
		Tools:        []openai.AssistantToolUnionParam{ToolDefinition()},
	}
	if name != "" {
		params.Name = openai.String(name)
	}
	if model != "" {
		params.Model = openai.BetaAssistantUpdateParamsModel(model)
	}
	if _, err := c.api.Beta.Assistants.Update(ctx, c.assistantID, params); err != nil {
		return fmt.Errorf("Client.SyncAssistant: %w", err)
	}
	c.logger.Info("assistant synchronized",
		zap.String("assistant_id", c.assistantID),
		zap.String("model", model),
	)
	return nil
}

// ToolDefinition is the sql_query function tool as the assistant sees it.
func ToolDefinition() openai.AssistantToolUnionParam {
	return openai.AssistantToolUnionParam{
		OfFunction: &openai.FunctionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        toolcall.FunctionName,
				Description: openai.String(toolcall.Description),
				Parameters:  openai.FunctionParameters(toolcall.Parameters()),
			},
		},
	}
}
