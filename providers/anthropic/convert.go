package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"autopilot/core/provider"
)

const defaultMaxTokens = 4096

func buildMessageParams(req provider.Request) (anthropic.MessageNewParams, error) {
	msgs, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(ResolveModel(req.Model)),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	return params, nil
}

func toAnthropicMessages(msgs []provider.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		am, err := toAnthropicMessage(m)
		if err != nil {
			return nil, err
		}
		out = append(out, am)
	}
	return out, nil
}

func toAnthropicMessage(m provider.Message) (anthropic.MessageParam, error) {
	role, err := toAnthropicRole(m.Role)
	if err != nil {
		return anthropic.MessageParam{}, err
	}

	var blocks []anthropic.ContentBlockParamUnion

	if m.Content != "" {
		blocks = append(blocks, anthropic.NewTextBlock(m.Content))
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Input, tc.Name))
	}
	for _, tr := range m.ToolResults {
		blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolUseID, tr.Content, tr.IsError))
	}

	if len(blocks) == 0 {
		return anthropic.MessageParam{}, fmt.Errorf("message with role %q has no content (need text, tool calls, or tool results)", m.Role)
	}

	return anthropic.MessageParam{Role: role, Content: blocks}, nil
}

func toAnthropicRole(r provider.Role) (anthropic.MessageParamRole, error) {
	switch r {
	case provider.RoleUser:
		return anthropic.MessageParamRoleUser, nil
	case provider.RoleAssistant:
		return anthropic.MessageParamRoleAssistant, nil
	default:
		return "", fmt.Errorf("unknown message role: %q", r)
	}
}

func toAnthropicTools(tools []provider.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshaling schema for tool %q: %w", t.Name, err)
		}
		var inputSchema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schema, &inputSchema); err != nil {
			return nil, fmt.Errorf("converting schema for tool %q: %w", t.Name, err)
		}
		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: inputSchema,
			},
		}
	}
	return out, nil
}
