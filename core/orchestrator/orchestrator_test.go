package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"autopilot/core/checkpoint"
	"autopilot/core/cost"
	"autopilot/core/provider"
)

// fakeIterator replays a fixed sequence of chunks.
type fakeIterator struct {
	chunks []provider.StreamChunk
	pos    int
}

func (it *fakeIterator) Next() (provider.StreamChunk, error) {
	if it.pos >= len(it.chunks) {
		return provider.StreamChunk{}, io.EOF
	}
	c := it.chunks[it.pos]
	it.pos++
	return c, nil
}

func (it *fakeIterator) Close() error { return nil }

// fakeProvider returns one scripted response per call, in order.
type fakeProvider struct {
	responses [][]provider.StreamChunk
	calls     int
}

func (p *fakeProvider) Send(ctx context.Context, req provider.Request) (provider.StreamIterator, error) {
	resp := p.responses[p.calls]
	p.calls++
	return &fakeIterator{chunks: resp}, nil
}

func (p *fakeProvider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) { return nil, nil }

func textResponse(text string) []provider.StreamChunk {
	return []provider.StreamChunk{
		{Event: provider.EventTextDelta, Text: text},
		{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 10, OutputTokens: 10}},
	}
}

func toolCallResponse(toolName string, input map[string]any) []provider.StreamChunk {
	raw, _ := json.Marshal(input)
	return []provider.StreamChunk{
		{Event: provider.EventToolStart, ToolCallID: "t1", ToolName: toolName},
		{Event: provider.EventToolDelta, InputDelta: string(raw)},
		{Event: provider.EventToolEnd},
		{Event: provider.EventMessageStop, StopReason: "tool_use", Usage: &provider.Usage{InputTokens: 10, OutputTokens: 10}},
	}
}

// fakeTools always returns a fixed result for whatever tool is dispatched.
type fakeTools struct {
	result  string
	isError bool
}

func (f *fakeTools) Execute(ctx context.Context, name string, input map[string]any) (string, bool) {
	return f.result, f.isError
}

func (f *fakeTools) Definitions() []provider.ToolDefinition { return nil }

func newTestOrchestrator(t *testing.T, p provider.Provider, tools ToolExecutor) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	store, err := checkpoint.New(dir)
	if err != nil {
		t.Fatalf("checkpoint.New: %v", err)
	}
	tracker := cost.New(cost.DefaultConfig(), nil, nil, nil)
	cfg := DefaultConfig()
	cfg.Model = "sonnet"
	cfg.MaxIterations = 10
	return New(dir, cfg, p, tools, store, tracker, Callbacks{})
}

func TestRunCompletesOnTaskComplete(t *testing.T) {
	p := &fakeProvider{responses: [][]provider.StreamChunk{
		toolCallResponse("task_complete", map[string]any{"summary": "done"}),
	}}
	tools := &fakeTools{result: "done"}
	orch := newTestOrchestrator(t, p, tools)
	orch.Initialize("do the thing")

	result, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Complete {
		t.Errorf("result.Complete = false, want true")
	}
	if orch.State() != StateCompleted {
		t.Errorf("State() = %v, want StateCompleted", orch.State())
	}
}

func TestRunStopsOnCostLimit(t *testing.T) {
	p := &fakeProvider{responses: [][]provider.StreamChunk{textResponse("working")}}
	tools := &fakeTools{}
	orch := newTestOrchestrator(t, p, tools)
	orch.Initialize("task")
	orch.tracker = cost.New(cost.Config{Warn: 1, Alert: 2, Max: 3}, nil, nil, nil)
	orch.tracker.SetInitialCost(3)
	// A total already at Max means ShouldStop is true before the first model call.

	result, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Complete {
		t.Error("result.Complete = true, want false (cost limit)")
	}
	if result.Reason != "cost_limit" {
		t.Errorf("result.Reason = %q, want cost_limit", result.Reason)
	}
	if orch.State() != StateCostStopped {
		t.Errorf("State() = %v, want StateCostStopped", orch.State())
	}
}

func TestRunPausesOnRequestHelp(t *testing.T) {
	p := &fakeProvider{responses: [][]provider.StreamChunk{
		toolCallResponse("request_help", map[string]any{"question": "which approach?"}),
	}}
	tools := &fakeTools{result: "which approach?"}
	orch := newTestOrchestrator(t, p, tools)
	orch.Initialize("task")

	result, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Complete {
		t.Error("result.Complete = true, want false (waiting on human)")
	}
	if result.Reason != "human_input_needed" {
		t.Errorf("result.Reason = %q, want human_input_needed", result.Reason)
	}
	if orch.State() != StateWaitingHuman {
		t.Errorf("State() = %v, want StateWaitingHuman", orch.State())
	}
}

func TestRunReachesMaxIterations(t *testing.T) {
	responses := make([][]provider.StreamChunk, 3)
	for i := range responses {
		responses[i] = textResponse("still working")
	}
	p := &fakeProvider{responses: responses}
	tools := &fakeTools{}
	orch := newTestOrchestrator(t, p, tools)
	orch.config.MaxIterations = 3
	orch.Initialize("task")

	result, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Complete {
		t.Error("result.Complete = true, want false (iteration cap)")
	}
	if result.Reason != "max_iterations" {
		t.Errorf("result.Reason = %q, want max_iterations", result.Reason)
	}
}

func TestStatusReflectsProgress(t *testing.T) {
	p := &fakeProvider{responses: [][]provider.StreamChunk{
		toolCallResponse("task_complete", map[string]any{"summary": "shipped"}),
	}}
	tools := &fakeTools{result: "shipped"}
	orch := newTestOrchestrator(t, p, tools)
	orch.Initialize("ship it")

	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	status := orch.Status()
	if status.Task != "ship it" {
		t.Errorf("Status().Task = %q, want %q", status.Task, "ship it")
	}
	if !status.IsComplete {
		t.Error("Status().IsComplete = false, want true")
	}
	if status.CompletedTasks != 1 {
		t.Errorf("Status().CompletedTasks = %d, want 1", status.CompletedTasks)
	}
	if status.RunID == "" {
		t.Error("Status().RunID = \"\", want a generated run id")
	}
}

func TestInitializeAndResumeStampDistinctRunIDs(t *testing.T) {
	p := &fakeProvider{responses: [][]provider.StreamChunk{textResponse("working")}}
	tools := &fakeTools{}
	orch := newTestOrchestrator(t, p, tools)

	orch.Initialize("task")
	first := orch.RunID()
	if first == "" {
		t.Fatal("Initialize should stamp a non-empty RunID")
	}

	if err := orch.saveCheckpoint("manual"); err != nil {
		t.Fatalf("saveCheckpoint: %v", err)
	}

	ok, err := orch.Resume()
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !ok {
		t.Fatal("Resume should find the checkpoint just saved")
	}
	if orch.RunID() == first {
		t.Error("Resume should stamp a fresh RunID distinct from Initialize's")
	}
}
