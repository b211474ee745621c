package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/corvid-labs/huginn/internal/config"
	"github.com/corvid-labs/huginn/internal/httpkit"
)

// AnthropicClient adapts the Anthropic Messages API to the Client
// interface.
type AnthropicClient struct {
	api       anthropic.Client
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, maxTokens int, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	// Responses can take significant time before headers arrive
	// (thinking, long prompts). Use a transport with a generous
	// response header timeout and rely on ctx deadlines for the
	// overall bound.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		api: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithHTTPClient(httpkit.NewClient(
				httpkit.WithTimeout(0),
				httpkit.WithTransport(t),
			)),
		),
		maxTokens: int64(maxTokens),
		logger:    logger.With("provider", "anthropic"),
	}
}

// Complete sends one inference request.
func (c *AnthropicClient) Complete(ctx context.Context, model string, messages []Message, tools []ToolDescriptor) (*Completion, error) {
	msgs, system := convertToAnthropic(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: c.maxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = convertToolsToAnthropic(tools)
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(msgs),
		"tools", len(tools),
		"system_len", len(system),
	)

	resp, err := c.api.Messages.New(ctx, params)
	if err != nil {
		var apierr *anthropic.Error
		if errors.As(err, &apierr) {
			return nil, &ProviderError{Provider: "anthropic", Status: apierr.StatusCode, Err: err}
		}
		return nil, &ProviderError{Provider: "anthropic", Err: err}
	}

	completion := convertFromAnthropic(resp)

	c.logger.Debug("response received",
		"model", completion.Model,
		"kind", completion.Kind,
		"input_tokens", completion.InputTokens,
		"output_tokens", completion.OutputTokens,
		"tool_calls", len(completion.ToolCalls),
	)
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", completion.Text)

	return completion, nil
}

// Ping checks if the Anthropic API is reachable. There is no health
// endpoint, so a minimal one-token request verifies the API key.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	_, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.ModelClaudeSonnet4_20250514,
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		var apierr *anthropic.Error
		if errors.As(err, &apierr) && apierr.StatusCode == 401 {
			return fmt.Errorf("invalid API key")
		}
		return fmt.Errorf("anthropic unreachable: %w", err)
	}
	return nil
}

// convertToAnthropic converts internal messages to API params.
// System messages are extracted into a separate system prompt.
func convertToAnthropic(messages []Message) ([]anthropic.MessageParam, string) {
	var system string
	var result []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content

		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var blocks []anthropic.ContentBlockParamUnion
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for i, tc := range msg.ToolCalls {
					args := tc.Arguments
					if args == nil {
						args = map[string]any{}
					}
					id := tc.ID
					if id == "" {
						id = fmt.Sprintf("toolu_%s_%d", tc.Name, i)
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(id, args, tc.Name))
				}
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			} else {
				result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			}

		case "tool":
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		case "user":
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	return result, system
}

// convertToolsToAnthropic converts tool descriptors to API params.
func convertToolsToAnthropic(tools []ToolDescriptor) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		inputSchema := anthropic.ToolInputSchemaParam{
			Properties: schema["properties"],
		}
		if req, ok := schema["required"].([]any); ok {
			required := make([]string, 0, len(req))
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			inputSchema.Required = required
		} else if req, ok := schema["required"].([]string); ok {
			inputSchema.Required = req
		}

		result = append(result, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: inputSchema,
			},
		})
	}
	return result
}

// convertFromAnthropic normalizes an API response to a Completion.
func convertFromAnthropic(resp *anthropic.Message) *Completion {
	var text string
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			args := map[string]any{}
			if raw, err := json.Marshal(tu.Input); err == nil {
				_ = json.Unmarshal(raw, &args)
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: args,
			})
		}
	}

	kind := KindFinalAnswer
	if len(toolCalls) > 0 {
		kind = KindToolCall
	}

	return &Completion{
		Kind:         kind,
		Text:         text,
		ToolCalls:    toolCalls,
		Model:        string(resp.Model),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
}
