// Package orchestrator implements the control loop described in spec §4.5:
// prepare a turn from Context Manager state, call the model, dispatch any
// tool calls to the Tool Executor, feed results back, and consult the Cost
// Tracker and Context Manager for threshold actions.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"autopilot/core/checkpoint"
	"autopilot/core/contextmgr"
	"autopilot/core/cost"
	"autopilot/core/provider"
)

// decodeToolInput parses the accumulated JSON fragment from a tool_use
// block's input deltas. A provider that sends no deltas for an
// argument-less tool call leaves raw empty, which is not an error.
func decodeToolInput(raw string, out *map[string]any) {
	if raw == "" {
		return
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		*out = parsed
	}
}

// State is the Orchestrator's lifecycle state (spec §4.5).
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateReady           State = "ready"
	StateRunning         State = "running"
	StateWaitingHuman    State = "waiting_human"
	StateCostStopped     State = "cost_stopped"
	StateContextExhaust  State = "context_exhausted"
	StateCompleted       State = "completed"
	StateErrored         State = "errored"
)

// ToolExecutor is the contract the Orchestrator requires of the Tool
// Executor: execute a named tool against a JSON-shaped input and return its
// result. Every failure is reported through isError; there is no Go error
// return.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input map[string]any) (content string, isError bool)
	Definitions() []provider.ToolDefinition
}

// Callbacks are the injected, fire-and-forget event hooks of spec §5,
// except OnHelpRequested, which is synchronous request/response; shell-command
// confirmation goes through the Tool Executor's own callback. All are
// optional (nil-safe).
type Callbacks struct {
	OnOutput        func(text string)
	OnToolStart     func(name string, input map[string]any)
	OnToolEnd       func(name, result string, isError bool)
	OnCheckpoint    func()
	OnCostWarning   func(totalCost float64)
	OnCostAlert     func(totalCost float64)
	OnHelpRequested func(question string) (response string, ok bool)
}

// Config bundles the tunables read from configuration (spec §6).
type Config struct {
	Model               string
	MaxTokens           int
	MaxContextTokens    int
	CheckpointThreshold float64
	SummaryThreshold    float64

	MaxIterations        int
	MaxToolCallsPerTurn  int
	CooldownOnError      time.Duration

	GitAutoCommit          bool
	GitCommitPrefix        string
	GitRequireVerification bool
}

// DefaultConfig mirrors the reference implementation's execution defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:              8192,
		MaxContextTokens:       contextmgr.DefaultMaxContextTokens,
		CheckpointThreshold:    contextmgr.DefaultCheckpointThreshold,
		SummaryThreshold:       contextmgr.DefaultSummaryThreshold,
		MaxIterations:          500,
		MaxToolCallsPerTurn:    20,
		CooldownOnError:        5 * time.Second,
		GitAutoCommit:          true,
		GitCommitPrefix:        "feat",
		GitRequireVerification: true,
	}
}

// keepRecentPairs is the retention window used for in-place summarization
// (spec §4.5 step 2): the reference implementation compacts to the last 6
// message pairs.
const keepRecentPairs = 6

// Orchestrator drives one project's control loop. It is single-threaded:
// Run must not be called concurrently with itself on the same instance
// (spec §5's "single writer" assumption extends to the in-process state).
type Orchestrator struct {
	projectDir string
	config     Config
	provider   provider.Provider
	tools      ToolExecutor
	checkpoint *checkpoint.Store
	tracker    *cost.Tracker
	callbacks  Callbacks

	state State
	runID string

	ctx            *contextmgr.Manager
	usage          checkpoint.TokenUsage
	taskDesc       string
	completedTasks []string
	currentPhase   string

	isComplete       bool
	needsHumanInput  bool
	humanInputNote   string
}

// New wires an Orchestrator for a single project run.
func New(projectDir string, config Config, p provider.Provider, tools ToolExecutor, store *checkpoint.Store, tracker *cost.Tracker, callbacks Callbacks) *Orchestrator {
	return &Orchestrator{
		projectDir: projectDir,
		config:     config,
		provider:   p,
		tools:      tools,
		checkpoint: store,
		tracker:    tracker,
		callbacks:  callbacks,
		state:      StateUninitialized,
	}
}

// State returns the Orchestrator's current lifecycle state.
func (o *Orchestrator) State() State { return o.state }

// RunID returns the identifier of the current process's attempt at this
// project — freshly generated by Initialize or Resume, distinct from the
// checkpoint's own identity. Useful for correlating log lines and metrics
// from the same invocation, especially across repeated resumes of one task.
func (o *Orchestrator) RunID() string { return o.runID }

// buildSystemPrompt composes the system prompt deterministically from the
// project directory, task description, completed task list, and learnings
// (spec §4.5's "System prompt composition").
func (o *Orchestrator) buildSystemPrompt() string {
	learnings, _ := o.checkpoint.LoadLearnings()

	var b strings.Builder
	fmt.Fprintf(&b, "You are an expert software engineer working on a project.\n\n")
	fmt.Fprintf(&b, "PROJECT DIRECTORY: %s\n\n", o.projectDir)
	fmt.Fprintf(&b, "TASK: %s\n\n", o.taskDesc)
	b.WriteString(`INSTRUCTIONS:
1. Break down the task into phases (logical units of work)
2. For each phase:
   a. Implement the changes
   b. Verify it works (run tests, check syntax, manual verification)
   c. Call phase_complete with a phase_name, summary, and verification details
   d. This will automatically commit the changes
3. If stuck or need clarification, use request_help tool
4. When ALL phases are done, use task_complete tool

CONSTRAINTS:
- Only modify files within the project directory
- Follow existing code style and patterns
- Write tests for new functionality
- Keep changes minimal and focused
`)

	if len(learnings) > 0 {
		b.WriteString("\nPROJECT LEARNINGS (from previous sessions):\n")
		for k, v := range learnings {
			if k == "last_updated" {
				continue
			}
			fmt.Fprintf(&b, "%s: %v\n", k, v)
		}
	}

	if len(o.completedTasks) > 0 {
		b.WriteString("\nCOMPLETED SO FAR:\n")
		for _, t := range o.completedTasks {
			fmt.Fprintf(&b, "- %s\n", t)
		}
		b.WriteString("\nContinue from where you left off.\n")
	}

	return b.String()
}

// Initialize starts a fresh session for the given task description.
func (o *Orchestrator) Initialize(taskDescription string) {
	o.runID = uuid.New().String()
	o.taskDesc = taskDescription
	o.completedTasks = nil
	o.isComplete = false
	o.ctx = contextmgr.New(o.buildSystemPrompt(), contextmgr.Config{
		MaxContextTokens:    o.config.MaxContextTokens,
		CheckpointThreshold: o.config.CheckpointThreshold,
		SummaryThreshold:    o.config.SummaryThreshold,
	})
	o.state = StateReady
	if o.callbacks.OnOutput != nil {
		o.callbacks.OnOutput(fmt.Sprintf("Starting run %s", o.runID))
	}
}

// Resume restores state from the latest checkpoint. Returns false if no
// checkpoint exists. Cost latches are reset because resuming under a fresh
// process means the warning/alert callbacks have not fired in this lifetime;
// SetInitialCost below re-evaluates them immediately against the restored
// total, matching spec's "resets cost latches" resume semantics.
func (o *Orchestrator) Resume() (bool, error) {
	o.runID = uuid.New().String()
	restored, warning, err := o.checkpoint.Restore(contextmgr.Config{
		MaxContextTokens:    o.config.MaxContextTokens,
		CheckpointThreshold: o.config.CheckpointThreshold,
		SummaryThreshold:    o.config.SummaryThreshold,
	})
	if err != nil {
		return false, err
	}
	if warning != "" && o.callbacks.OnOutput != nil {
		o.callbacks.OnOutput("Warning: " + warning)
	}
	if restored == nil {
		return false, nil
	}

	o.ctx = restored.Context
	o.usage = restored.TokenUsage
	o.taskDesc = restored.TaskDescription
	o.completedTasks = restored.CompletedTasks
	o.currentPhase = restored.CurrentPhase

	o.tracker.ResetAlerts()
	o.tracker.SetInitialCost(restored.TotalCost)

	// Rebuild the system prompt so it reflects current completed-tasks and
	// learnings rather than the stale text that was checkpointed.
	o.ctx.SystemPrompt = o.buildSystemPrompt()

	o.state = StateReady

	if o.callbacks.OnOutput != nil {
		o.callbacks.OnOutput("Resumed from checkpoint")
		o.callbacks.OnOutput(fmt.Sprintf("  Task: %s", o.taskDesc))
		o.callbacks.OnOutput(fmt.Sprintf("  Completed: %d tasks", len(o.completedTasks)))
		o.callbacks.OnOutput(fmt.Sprintf("  Cost so far: $%.2f", restored.TotalCost))
	}

	return true, nil
}

// saveCheckpoint writes a checkpoint with the given reason and notifies
// OnCheckpoint.
func (o *Orchestrator) saveCheckpoint(reason string) error {
	err := o.checkpoint.Save(
		o.ctx.ToSnapshot(),
		o.usage,
		o.tracker.TotalCost(),
		o.taskDesc,
		o.currentPhase,
		o.completedTasks,
		nil,
		reason,
	)
	if err != nil {
		return err
	}
	if o.callbacks.OnCheckpoint != nil {
		o.callbacks.OnCheckpoint()
	}
	if o.callbacks.OnOutput != nil {
		o.callbacks.OnOutput(fmt.Sprintf("[Checkpoint saved: %s]", reason))
	}
	return nil
}

// callModel sends the current conversation to the model, ingests usage into
// the Cost Tracker and Token Usage, and returns the assistant's text,
// tool calls, and stop reason.
func (o *Orchestrator) callModel(ctx context.Context) (text string, toolCalls []provider.ToolCall, stopReason string, err error) {
	req := provider.Request{
		Model:     o.config.Model,
		System:    o.ctx.SystemPrompt,
		Messages:  o.ctx.Messages,
		Tools:     o.tools.Definitions(),
		MaxTokens: o.config.MaxTokens,
	}

	it, err := o.provider.Send(ctx, req)
	if err != nil {
		return "", nil, "", err
	}
	defer it.Close()

	var b strings.Builder
	var usage *provider.Usage
	var toolInputJSON strings.Builder

	for {
		chunk, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, "", err
		}

		switch chunk.Event {
		case provider.EventTextDelta:
			b.WriteString(chunk.Text)
		case provider.EventToolStart:
			toolInputJSON.Reset()
			toolCalls = append(toolCalls, provider.ToolCall{ID: chunk.ToolCallID, Name: chunk.ToolName, Input: map[string]any{}})
		case provider.EventToolDelta:
			toolInputJSON.WriteString(chunk.InputDelta)
		case provider.EventToolEnd:
			if n := len(toolCalls); n > 0 {
				decodeToolInput(toolInputJSON.String(), &toolCalls[n-1].Input)
			}
			toolInputJSON.Reset()
		case provider.EventMessageStop:
			stopReason = chunk.StopReason
			usage = chunk.Usage
		}
	}

	if usage != nil {
		o.usage.Add(usage.InputTokens, usage.OutputTokens, usage.CacheReadTokens, usage.CacheCreationTokens)
		o.tracker.AddUsage(o.config.Model, usage.InputTokens, usage.OutputTokens)
	}

	return b.String(), toolCalls, stopReason, nil
}

// handleContextPressure implements spec §4.5 step 2.
func (o *Orchestrator) handleContextPressure(ctx context.Context) error {
	if o.ctx.ShouldCheckpoint() {
		if err := o.saveCheckpoint("context_threshold"); err != nil {
			return err
		}
	}

	if o.ctx.ShouldSummarize() {
		if o.callbacks.OnOutput != nil {
			o.callbacks.OnOutput("[Context pressure - requesting summary]")
		}
		o.ctx.AddUserText(
			"Please provide a brief summary of what has been accomplished so far, " +
				"including key decisions and current state. This will be used to compress context.",
		)

		text, _, _, err := o.callModel(ctx)
		if err != nil {
			return err
		}

		if text != "" {
			o.ctx.SummarizeOld(text, keepRecentPairs)
			if o.callbacks.OnOutput != nil {
				o.callbacks.OnOutput("[Context summarized]")
			}
		}
	}

	return nil
}

// executeTools implements spec §4.5 step 6: enforce MaxToolCallsPerTurn by
// keeping only the first MaxToolCallsPerTurn calls and dropping the rest,
// then dispatch the kept calls sequentially in order.
func (o *Orchestrator) executeTools(ctx context.Context, toolCalls []provider.ToolCall) []provider.ToolResult {
	maxTools := o.config.MaxToolCallsPerTurn
	if maxTools > 0 && len(toolCalls) > maxTools {
		if o.callbacks.OnOutput != nil {
			o.callbacks.OnOutput(fmt.Sprintf("Limiting tool calls from %d to %d per turn", len(toolCalls), maxTools))
		}
		toolCalls = toolCalls[:maxTools]
	}

	results := make([]provider.ToolResult, 0, len(toolCalls))
	for _, tc := range toolCalls {
		if o.callbacks.OnToolStart != nil {
			o.callbacks.OnToolStart(tc.Name, tc.Input)
		}

		content, isError := o.tools.Execute(ctx, tc.Name, tc.Input)

		if o.callbacks.OnToolEnd != nil {
			preview := content
			if len(preview) > 200 {
				preview = preview[:200]
			}
			o.callbacks.OnToolEnd(tc.Name, preview, isError)
		}

		switch tc.Name {
		case "task_complete":
			o.isComplete = true
			summary, _ := tc.Input["summary"].(string)
			if summary == "" {
				summary = "Task completed"
			}
			o.completedTasks = append(o.completedTasks, summary)

		case "request_help":
			o.needsHumanInput = true
			o.humanInputNote = content
			if o.callbacks.OnHelpRequested != nil {
				if response, ok := o.callbacks.OnHelpRequested(content); ok && response != "" {
					content = "Human response: " + response
					o.needsHumanInput = false
				}
			}
		}

		results = append(results, provider.ToolResult{ToolUseID: tc.ID, Content: content, IsError: isError})
	}

	return results
}

// Result is returned by Run when the loop exits.
type Result struct {
	Complete bool
	Reason   string // reason the loop stopped, when not complete
}

// Run executes the control loop until the task completes, a budget or
// iteration limit is hit, human input is needed, or ctx is cancelled.
// Initialize or Resume must be called first.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	if o.ctx == nil {
		return Result{}, fmt.Errorf("orchestrator: call Initialize or Resume before Run")
	}

	o.state = StateRunning
	iterations := 0

	o.ctx.AddUserText(
		"Please begin working on the task. Start by exploring the project structure " +
			"and understanding what needs to be done, then proceed with implementation.",
	)

	for iterations < o.config.MaxIterations {
		select {
		case <-ctx.Done():
			o.saveCheckpoint("cancelled")
			o.state = StateReady
			return Result{Complete: false, Reason: "cancelled"}, nil
		default:
		}

		iterations++

		// Step 1: hard budget gate.
		if o.tracker.ShouldStop() {
			if o.callbacks.OnOutput != nil {
				o.callbacks.OnOutput(fmt.Sprintf("Cost limit reached: $%.2f", o.tracker.TotalCost()))
			}
			if err := o.saveCheckpoint("cost_limit"); err != nil {
				return Result{}, err
			}
			o.state = StateCostStopped
			return Result{Complete: false, Reason: "cost_limit"}, nil
		}

		// Step 2: context pressure.
		if err := o.handleContextPressure(ctx); err != nil {
			return Result{}, err
		}
		if o.ctx.UsageFraction() >= 1.0 {
			if o.callbacks.OnOutput != nil {
				o.callbacks.OnOutput("Context window exhausted even after summarization")
			}
			if err := o.saveCheckpoint("context_exhausted"); err != nil {
				return Result{}, err
			}
			o.state = StateContextExhaust
			return Result{Complete: false, Reason: "context_exhausted"}, nil
		}

		// Step 3: model call, with cooldown-and-retry on transient transport error.
		text, toolCalls, stopReason, err := o.callModel(ctx)
		if err != nil {
			if isTransientTransportError(err) {
				if o.callbacks.OnOutput != nil {
					o.callbacks.OnOutput(fmt.Sprintf("API error: %v", err))
				}
				select {
				case <-time.After(o.config.CooldownOnError):
				case <-ctx.Done():
					o.saveCheckpoint("cancelled")
					return Result{Complete: false, Reason: "cancelled"}, nil
				}
				continue
			}
			o.saveCheckpoint("error")
			o.state = StateErrored
			return Result{}, fmt.Errorf("orchestrator: %w", err)
		}

		// Step 4: response ingestion.
		o.ctx.AddAssistantBlocks(text, toolCalls)

		if text != "" && o.callbacks.OnOutput != nil {
			o.callbacks.OnOutput(text)
		}

		// Step 5: termination check (no tool uses).
		if stopReason == "end_turn" && len(toolCalls) == 0 {
			if o.isComplete {
				if o.callbacks.OnOutput != nil {
					o.callbacks.OnOutput("Task completed!")
				}
				o.checkpoint.Clear()
				o.state = StateCompleted
				return Result{Complete: true}, nil
			}
			o.ctx.AddUserText(
				"Are you finished with the task? If so, use the task_complete tool. " +
					"If not, continue working.",
			)
			continue
		}

		// Step 6/7: tool dispatch and signal handling.
		if len(toolCalls) > 0 {
			results := o.executeTools(ctx, toolCalls)
			o.ctx.AddToolResults(results)

			if o.isComplete {
				if o.callbacks.OnOutput != nil {
					o.callbacks.OnOutput("Task completed!")
				}
				o.checkpoint.Clear()
				o.state = StateCompleted
				return Result{Complete: true}, nil
			}

			if o.needsHumanInput {
				if err := o.saveCheckpoint("human_input_needed"); err != nil {
					return Result{}, err
				}
				o.state = StateWaitingHuman
				return Result{Complete: false, Reason: "human_input_needed"}, nil
			}
		}
	}

	// Step 8: iteration bound.
	if o.callbacks.OnOutput != nil {
		o.callbacks.OnOutput(fmt.Sprintf("Max iterations (%d) reached", o.config.MaxIterations))
	}
	if err := o.saveCheckpoint("max_iterations"); err != nil {
		return Result{}, err
	}
	o.state = StateReady
	return Result{Complete: false, Reason: "max_iterations"}, nil
}

func isTransientTransportError(err error) bool {
	return errors.Is(err, provider.ErrThrottled) || errors.Is(err, provider.ErrModelNotReady)
}

// Status is a read-only snapshot of orchestrator progress, restored from the
// reference implementation's get_status() (supplemental feature, see
// SPEC_FULL.md).
type Status struct {
	RunID          string
	Task           string
	CompletedTasks int
	IsComplete     bool
	Cost           cost.Summary
	ContextUsage   float64
}

// Status returns a snapshot usable by a dashboard or CLI without touching
// orchestrator internals.
func (o *Orchestrator) Status() Status {
	var usage float64
	if o.ctx != nil {
		usage = o.ctx.UsageFraction()
	}
	return Status{
		RunID:          o.runID,
		Task:           o.taskDesc,
		CompletedTasks: len(o.completedTasks),
		IsComplete:     o.isComplete,
		Cost:           o.tracker.Summary(),
		ContextUsage:   usage,
	}
}
