// Package checkpoint persists and restores Orchestrator state to a hidden
// project subdirectory: a single latest-wins checkpoint document, an
// append-only history journal, and a merge-only learnings store.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"autopilot/core/contextmgr"
)

// DirName is the hidden subdirectory created under a project root.
const DirName = ".autopilot"

const schemaVersion = 1

// TokenUsage mirrors the four monotonic counters of spec §3.
type TokenUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens"`
}

// Total is the sum of input and output tokens, matching the reference
// implementation's TokenUsage.total property.
func (u TokenUsage) Total() int { return u.InputTokens + u.OutputTokens }

// Add accumulates usage counters reported by one model response.
func (u *TokenUsage) Add(inputTokens, outputTokens, cacheReadTokens, cacheCreationTokens int) {
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	u.CacheReadTokens += cacheReadTokens
	u.CacheCreationTokens += cacheCreationTokens
}

// Document is the on-disk shape of checkpoint.json (spec §6).
type Document struct {
	Version         int                 `json:"version"`
	Timestamp       time.Time           `json:"timestamp"`
	TaskDescription string              `json:"task_description"`
	CurrentPhase    string              `json:"current_phase"`
	CompletedTasks  []string            `json:"completed_tasks"`
	TokenUsage      TokenUsage          `json:"token_usage"`
	TotalCost       float64             `json:"total_cost"`
	Context         contextmgr.Snapshot `json:"context"`
	ExtraState      map[string]any      `json:"extra_state"`
}

// HistoryEntry is one line of history.jsonl.
type HistoryEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	Action         string    `json:"action"`
	Phase          string    `json:"phase"`
	TasksCompleted int       `json:"tasks_completed"`
	Cost           float64   `json:"cost"`
	Tokens         int       `json:"tokens"`
}

// Restored is the rebuilt-from-disk state returned by Restore.
type Restored struct {
	Context         *contextmgr.Manager
	TokenUsage      TokenUsage
	TotalCost       float64
	TaskDescription string
	CompletedTasks  []string
	CurrentPhase    string
	ExtraState      map[string]any
}

// Store manages the three on-disk files living under <projectDir>/.autopilot.
type Store struct {
	projectDir string
	dir        string
}

// New creates a Store rooted at the given project directory, creating the
// hidden subdirectory if it does not already exist.
func New(projectDir string) (*Store, error) {
	dir := filepath.Join(projectDir, DirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return &Store{projectDir: projectDir, dir: dir}, nil
}

func (s *Store) checkpointPath() string { return filepath.Join(s.dir, "checkpoint.json") }
func (s *Store) historyPath() string    { return filepath.Join(s.dir, "history.jsonl") }
func (s *Store) learningsPath() string  { return filepath.Join(s.dir, "learnings.json") }

// Save writes the checkpoint document atomically (write to *.tmp, then
// rename) and appends one line to the history journal.
func (s *Store) Save(ctxSnap contextmgr.Snapshot, usage TokenUsage, totalCost float64, taskDescription, currentPhase string, completedTasks []string, extraState map[string]any, reason string) error {
	if completedTasks == nil {
		completedTasks = []string{}
	}
	if extraState == nil {
		extraState = map[string]any{}
	}

	now := time.Now().UTC()
	doc := Document{
		Version:         schemaVersion,
		Timestamp:       now,
		TaskDescription: taskDescription,
		CurrentPhase:    currentPhase,
		CompletedTasks:  completedTasks,
		TokenUsage:      usage,
		TotalCost:       totalCost,
		Context:         ctxSnap,
		ExtraState:      extraState,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	if err := atomicWrite(s.checkpointPath(), data); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}

	entry := HistoryEntry{
		Timestamp:      now,
		Action:         reason,
		Phase:          currentPhase,
		TasksCompleted: len(completedTasks),
		Cost:           totalCost,
		Tokens:         usage.Total(),
	}
	if err := s.appendHistory(entry); err != nil {
		return fmt.Errorf("appending history: %w", err)
	}

	return nil
}

// atomicWrite writes data to path via a temp file in the same directory
// followed by a rename, so readers always observe either the previous
// complete file or the new one, never a partial document.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *Store) appendHistory(entry HistoryEntry) error {
	f, err := os.OpenFile(s.historyPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// Load reads the latest checkpoint document, or nil if none exists.
// Corrupted files surface as (nil, warning) — never an error — per spec §7.
func (s *Store) Load() (*Document, string) {
	data, err := os.ReadFile(s.checkpointPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ""
		}
		return nil, fmt.Sprintf("could not read checkpoint: %v", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Sprintf("could not parse checkpoint: %v", err)
	}
	return &doc, ""
}

// Restore loads the latest checkpoint and rebuilds the Context Manager,
// Token Usage, and total cost from it. Returns (nil, "", nil) if no
// checkpoint exists.
func (s *Store) Restore(ctxCfg contextmgr.Config) (*Restored, string, error) {
	doc, warning := s.Load()
	if doc == nil {
		return nil, warning, nil
	}

	mgr := contextmgr.FromSnapshot(doc.Context, ctxCfg)

	return &Restored{
		Context:         mgr,
		TokenUsage:      doc.TokenUsage,
		TotalCost:       doc.TotalCost,
		TaskDescription: doc.TaskDescription,
		CompletedTasks:  doc.CompletedTasks,
		CurrentPhase:    doc.CurrentPhase,
		ExtraState:      doc.ExtraState,
	}, "", nil
}

// Clear renames the checkpoint to a timestamped completed-<ts>.json on
// terminal success — it is archived, not deleted. A no-op if no checkpoint
// exists.
func (s *Store) Clear() error {
	path := s.checkpointPath()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat checkpoint: %w", err)
	}

	archived := filepath.Join(s.dir, fmt.Sprintf("completed-%s.json", time.Now().UTC().Format("20060102-150405")))
	if err := os.Rename(path, archived); err != nil {
		return fmt.Errorf("archiving checkpoint: %w", err)
	}
	return nil
}

// SaveLearnings merges the given key/value pairs into learnings.json,
// last-writer-wins per top-level key, and stamps last_updated.
func (s *Store) SaveLearnings(learnings map[string]any) error {
	existing, _ := s.LoadLearnings()
	if existing == nil {
		existing = map[string]any{}
	}
	for k, v := range learnings {
		existing[k] = v
	}
	existing["last_updated"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling learnings: %w", err)
	}
	if err := os.WriteFile(s.learningsPath(), data, 0o600); err != nil {
		return fmt.Errorf("writing learnings: %w", err)
	}
	return nil
}

// LoadLearnings reads the learnings store, or an empty map if it does not
// exist or is corrupted.
func (s *Store) LoadLearnings() (map[string]any, error) {
	data, err := os.ReadFile(s.learningsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return map[string]any{}, nil
	}
	var learnings map[string]any
	if err := json.Unmarshal(data, &learnings); err != nil {
		return map[string]any{}, nil
	}
	return learnings, nil
}

// History returns the most recent history entries, newest last, up to limit.
func (s *Store) History(limit int) ([]HistoryEntry, error) {
	data, err := os.ReadFile(s.historyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading history: %w", err)
	}

	var entries []HistoryEntry
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var entry HistoryEntry
		if err := dec.Decode(&entry); err != nil {
			break
		}
		entries = append(entries, entry)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Exists reports whether a checkpoint document is present on disk.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.checkpointPath())
	return err == nil
}
