// Package contextmgr holds the conversation the Orchestrator exchanges with
// the model: the system prompt plus an ordered message log, a length-based
// token estimate, and the windowing/summarization policy that keeps that
// estimate under the configured context ceiling.
package contextmgr

import (
	"encoding/json"
	"strconv"

	"autopilot/core/provider"
)

const (
	// DefaultMaxContextTokens is the context window ceiling assumed when a
	// caller does not configure one explicitly.
	DefaultMaxContextTokens = 150_000

	// DefaultCheckpointThreshold is the usage fraction at which a checkpoint
	// should be saved.
	DefaultCheckpointThreshold = 0.6

	// DefaultSummaryThreshold is the usage fraction at which older messages
	// should be summarized.
	DefaultSummaryThreshold = 0.8

	// charsPerToken is the length-based token estimate used throughout:
	// four characters per token, the same rough heuristic the reference
	// implementation uses (len(text) // 4).
	charsPerToken = 4
)

// Manager holds system prompt and a mutable ordered sequence of messages,
// and estimates their token footprint.
//
// Manager is not safe for concurrent use; the Orchestrator serializes all
// access to it as part of its single-threaded turn loop (spec §5).
type Manager struct {
	SystemPrompt string
	Messages     []provider.Message

	maxContextTokens    int
	checkpointThreshold float64
	summaryThreshold    float64

	estimatedTokens int
}

// Config carries the tunables a Manager is constructed with.
type Config struct {
	MaxContextTokens    int
	CheckpointThreshold float64
	SummaryThreshold    float64
}

// New creates a Manager with the given system prompt and configuration.
// Zero-valued Config fields fall back to the package defaults.
func New(systemPrompt string, cfg Config) *Manager {
	m := &Manager{
		SystemPrompt:        systemPrompt,
		maxContextTokens:    orDefault(cfg.MaxContextTokens, DefaultMaxContextTokens),
		checkpointThreshold: orDefaultF(cfg.CheckpointThreshold, DefaultCheckpointThreshold),
		summaryThreshold:    orDefaultF(cfg.SummaryThreshold, DefaultSummaryThreshold),
	}
	m.updateEstimate()
	return m
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultF(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

// estimateTokens is the rough four-characters-per-token heuristic. In
// production, a real tokenizer or the API's own usage counters can replace
// this without changing the semantics of the fractional thresholds below.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text) / charsPerToken
}

// estimateMessageTokens estimates a single message's token footprint,
// summing the text, each tool call's serialized input, and each tool
// result's content independently.
func estimateMessageTokens(msg provider.Message) int {
	total := estimateTokens(msg.Content)
	for _, tc := range msg.ToolCalls {
		// Tool inputs are JSON-decoded maps; marshal cannot fail on them.
		input, _ := json.Marshal(tc.Input)
		total += estimateTokens(string(input))
	}
	for _, tr := range msg.ToolResults {
		total += estimateTokens(tr.Content)
	}
	return total
}

func (m *Manager) updateEstimate() int {
	total := estimateTokens(m.SystemPrompt)
	for _, msg := range m.Messages {
		total += estimateMessageTokens(msg)
	}
	m.estimatedTokens = total
	return total
}

// EstimatedTokens returns the most recently computed token estimate.
func (m *Manager) EstimatedTokens() int { return m.estimatedTokens }

// UsageFraction returns the estimated usage as a fraction of the configured
// context ceiling (0.0 to 1.0, or above 1.0 when over budget).
func (m *Manager) UsageFraction() float64 {
	return float64(m.estimatedTokens) / float64(m.maxContextTokens)
}

// ShouldCheckpoint reports whether usage has crossed the checkpoint threshold.
func (m *Manager) ShouldCheckpoint() bool {
	return m.UsageFraction() >= m.checkpointThreshold
}

// ShouldSummarize reports whether usage has crossed the summary threshold.
func (m *Manager) ShouldSummarize() bool {
	return m.UsageFraction() >= m.summaryThreshold
}

// AddUserText appends a plain-text user message.
func (m *Manager) AddUserText(content string) {
	m.Messages = append(m.Messages, provider.Message{Role: provider.RoleUser, Content: content})
	m.updateEstimate()
}

// AddAssistantBlocks appends an assistant message carrying text and/or tool
// calls, as extracted from a model response.
func (m *Manager) AddAssistantBlocks(text string, toolCalls []provider.ToolCall) {
	m.Messages = append(m.Messages, provider.Message{
		Role:      provider.RoleAssistant,
		Content:   text,
		ToolCalls: toolCalls,
	})
	m.updateEstimate()
}

// AddToolResults appends a single user message carrying all of the given
// tool results — preserving the one-message-per-turn pairing invariant
// required by spec §3 and §8.1.
func (m *Manager) AddToolResults(results []provider.ToolResult) {
	m.Messages = append(m.Messages, provider.Message{
		Role:        provider.RoleUser,
		ToolResults: results,
	})
	m.updateEstimate()
}

// Snapshot is the serializable form of a Manager, as persisted by the
// Checkpoint Store.
type Snapshot struct {
	SystemPrompt    string             `json:"system_prompt"`
	Messages        []provider.Message `json:"messages"`
	EstimatedTokens int                `json:"estimated_tokens"`
}

// ToSnapshot exports the manager's state for checkpointing.
func (m *Manager) ToSnapshot() Snapshot {
	return Snapshot{
		SystemPrompt:    m.SystemPrompt,
		Messages:        append([]provider.Message{}, m.Messages...),
		EstimatedTokens: m.estimatedTokens,
	}
}

// FromSnapshot rebuilds a Manager from a checkpointed Snapshot. The token
// estimate is always recomputed from the restored messages rather than
// trusting the saved value, so a stale or truncated snapshot cannot wedge
// the pressure thresholds.
func FromSnapshot(snap Snapshot, cfg Config) *Manager {
	m := &Manager{
		SystemPrompt:        snap.SystemPrompt,
		Messages:            append([]provider.Message{}, snap.Messages...),
		maxContextTokens:    orDefault(cfg.MaxContextTokens, DefaultMaxContextTokens),
		checkpointThreshold: orDefaultF(cfg.CheckpointThreshold, DefaultCheckpointThreshold),
		summaryThreshold:    orDefaultF(cfg.SummaryThreshold, DefaultSummaryThreshold),
	}
	m.updateEstimate()
	return m
}

// SummarizeOld replaces the prefix of the message list (everything before
// the last 2*keepRecentPairs messages) with a single synthetic user message
// wrapping summary in a delimited envelope. If the conversation does not
// exceed the retention bound, it is left untouched. The system prompt is
// never modified.
func (m *Manager) SummarizeOld(summary string, keepRecentPairs int) {
	keep := keepRecentPairs * 2
	if len(m.Messages) <= keep {
		return
	}

	cutoff := len(m.Messages) - keep
	oldMessages := m.Messages[:cutoff]
	recent := m.Messages[cutoff:]

	summaryMsg := provider.Message{
		Role: provider.RoleUser,
		Content: "[CONTEXT SUMMARY - " + strconv.Itoa(len(oldMessages)) + " previous messages]\n\n" +
			summary + "\n\n[END SUMMARY - Recent conversation follows]",
	}

	m.Messages = append([]provider.Message{summaryMsg}, recent...)
	m.updateEstimate()
}

// Clear removes all messages, keeping the system prompt.
func (m *Manager) Clear() {
	m.Messages = nil
	m.updateEstimate()
}
