package provider

import (
	"context"
	"io"
	"testing"
)

// fakeIterator is a minimal StreamIterator that returns EOF immediately.
type fakeIterator struct{}

func (f *fakeIterator) Next() (StreamChunk, error) { return StreamChunk{}, io.EOF }
func (f *fakeIterator) Close() error               { return nil }

// fakeProvider is a minimal Provider implementation for compile-time checks.
type fakeProvider struct{}

func (f *fakeProvider) Send(_ context.Context, _ Request) (StreamIterator, error) {
	return &fakeIterator{}, nil
}

func (f *fakeProvider) ListModels(_ context.Context) ([]ModelInfo, error) {
	return nil, nil
}

// Compile-time interface satisfaction checks.
var _ Provider = (*fakeProvider)(nil)
var _ StreamIterator = (*fakeIterator)(nil)

func TestMessageConstruction(t *testing.T) {
	// One orchestrator turn: user task, assistant dispatches a tool, tool result comes back.
	conversation := []Message{
		{
			Role:    RoleUser,
			Content: "Fix the failing test in checkout_test.go",
		},
		{
			Role:    RoleAssistant,
			Content: "Let me look at that file first.",
			ToolCalls: []ToolCall{
				{
					ID:   "toolu_001",
					Name: "read_file",
					Input: map[string]any{
						"path":   "checkout_test.go",
						"offset": float64(1),
					},
				},
			},
		},
		{
			Role: RoleUser,
			ToolResults: []ToolResult{
				{
					ToolUseID: "toolu_001",
					Content:   "1\tpackage checkout\n2\t\n3\tfunc TestCheckout(t *testing.T) {\n",
					IsError:   false,
				},
			},
		},
	}

	if len(conversation) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(conversation))
	}

	if conversation[0].Role != RoleUser {
		t.Errorf("message 0: expected role %q, got %q", RoleUser, conversation[0].Role)
	}
	if conversation[0].Content != "Fix the failing test in checkout_test.go" {
		t.Errorf("message 0: unexpected content %q", conversation[0].Content)
	}

	assistant := conversation[1]
	if assistant.Role != RoleAssistant {
		t.Errorf("message 1: expected role %q, got %q", RoleAssistant, assistant.Role)
	}
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("message 1: expected 1 tool call, got %d", len(assistant.ToolCalls))
	}
	tc := assistant.ToolCalls[0]
	if tc.ID != "toolu_001" || tc.Name != "read_file" {
		t.Errorf("tool call: got ID=%q Name=%q", tc.ID, tc.Name)
	}
	if tc.Input["path"] != "checkout_test.go" {
		t.Errorf("tool call input path: got %v", tc.Input["path"])
	}

	if len(conversation[2].ToolResults) != 1 {
		t.Fatalf("message 2: expected 1 tool result, got %d", len(conversation[2].ToolResults))
	}
	tr := conversation[2].ToolResults[0]
	if tr.ToolUseID != "toolu_001" {
		t.Errorf("tool result: expected ToolUseID %q, got %q", "toolu_001", tr.ToolUseID)
	}
	if tr.IsError {
		t.Error("tool result: expected IsError=false")
	}
}

func TestStreamChunkPerEvent(t *testing.T) {
	chunks := []StreamChunk{
		{
			Event: EventTextDelta,
			Text:  "Looking at the test now.",
		},
		{
			Event:      EventToolStart,
			ToolCallID: "toolu_002",
			ToolName:   "bash",
		},
		{
			Event:      EventToolDelta,
			InputDelta: `{"command": "go test ./`,
		},
		{
			Event: EventToolEnd,
		},
		{
			Event:      EventMessageStop,
			StopReason: "tool_use",
			Usage:      &Usage{InputTokens: 100, OutputTokens: 50, CacheReadTokens: 20},
		},
	}

	if chunks[0].Event != EventTextDelta || chunks[0].Text != "Looking at the test now." {
		t.Errorf("EventTextDelta chunk: got event=%d text=%q", chunks[0].Event, chunks[0].Text)
	}

	if chunks[1].Event != EventToolStart || chunks[1].ToolCallID != "toolu_002" || chunks[1].ToolName != "bash" {
		t.Errorf("EventToolStart chunk: got event=%d id=%q name=%q", chunks[1].Event, chunks[1].ToolCallID, chunks[1].ToolName)
	}

	if chunks[2].Event != EventToolDelta || chunks[2].InputDelta != `{"command": "go test ./` {
		t.Errorf("EventToolDelta chunk: got event=%d delta=%q", chunks[2].Event, chunks[2].InputDelta)
	}

	if chunks[3].Event != EventToolEnd {
		t.Errorf("EventToolEnd chunk: got event=%d", chunks[3].Event)
	}

	stop := chunks[4]
	if stop.Event != EventMessageStop || stop.StopReason != "tool_use" {
		t.Errorf("EventMessageStop chunk: got event=%d reason=%q", stop.Event, stop.StopReason)
	}
	if stop.Usage == nil {
		t.Fatal("EventMessageStop: expected non-nil Usage")
	}
	if stop.Usage.InputTokens != 100 || stop.Usage.OutputTokens != 50 || stop.Usage.CacheReadTokens != 20 {
		t.Errorf("Usage: got input=%d output=%d cacheRead=%d", stop.Usage.InputTokens, stop.Usage.OutputTokens, stop.Usage.CacheReadTokens)
	}
}
