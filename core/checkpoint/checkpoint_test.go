package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"autopilot/core/contextmgr"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctxSnap := contextmgr.New("system", contextmgr.Config{}).ToSnapshot()
	usage := TokenUsage{InputTokens: 100, OutputTokens: 50}

	if err := store.Save(ctxSnap, usage, 1.23, "build the thing", "phase-1", []string{"did a"}, nil, "manual"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	doc, warning := store.Load()
	if warning != "" {
		t.Fatalf("Load returned warning: %s", warning)
	}
	if doc == nil {
		t.Fatal("Load returned nil document after Save")
	}
	if doc.TaskDescription != "build the thing" {
		t.Errorf("TaskDescription = %q", doc.TaskDescription)
	}
	if doc.TotalCost != 1.23 {
		t.Errorf("TotalCost = %v, want 1.23", doc.TotalCost)
	}
	if doc.TokenUsage.Total() != 150 {
		t.Errorf("TokenUsage.Total() = %d, want 150", doc.TokenUsage.Total())
	}
}

func TestLoadMissingReturnsNilNoWarning(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	doc, warning := store.Load()
	if doc != nil || warning != "" {
		t.Errorf("Load() on fresh store = (%v, %q), want (nil, \"\")", doc, warning)
	}
}

func TestLoadCorruptedReturnsWarningNotError(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, DirName, "checkpoint.json"), []byte("{not valid json"), 0o600); err != nil {
		t.Fatalf("writing corrupt checkpoint: %v", err)
	}

	doc, warning := store.Load()
	if doc != nil {
		t.Errorf("Load() on corrupt file returned a document, want nil")
	}
	if warning == "" {
		t.Errorf("Load() on corrupt file returned no warning")
	}
}

func TestRestoreRebuildsContextManager(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mgr := contextmgr.New("system prompt", contextmgr.Config{})
	mgr.AddUserText("do the thing")

	if err := store.Save(mgr.ToSnapshot(), TokenUsage{}, 0, "task", "", nil, nil, "manual"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored, warning, err := store.Restore(contextmgr.Config{})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if warning != "" {
		t.Fatalf("Restore warning: %s", warning)
	}
	if restored == nil {
		t.Fatal("Restore returned nil after Save")
	}
	if restored.Context.SystemPrompt != "system prompt" {
		t.Errorf("restored system prompt = %q", restored.Context.SystemPrompt)
	}
	if len(restored.Context.Messages) != 1 {
		t.Errorf("restored messages = %d, want 1", len(restored.Context.Messages))
	}
}

func TestClearArchivesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := store.Save(contextmgr.Snapshot{}, TokenUsage{}, 0, "task", "", nil, nil, "manual"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !store.Exists() {
		t.Fatal("Exists() = false after Save")
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if store.Exists() {
		t.Error("Exists() = true after Clear")
	}

	entries, err := os.ReadDir(filepath.Join(dir, DirName))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	found := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" && e.Name() != "checkpoint.json" && e.Name() != "learnings.json" {
			found = true
		}
	}
	if !found {
		t.Error("Clear did not archive the checkpoint as a completed-*.json file")
	}
}

func TestClearIsNoopWithoutCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Errorf("Clear on empty store returned error: %v", err)
	}
}

func TestLearningsMergeAcrossSaves(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := store.SaveLearnings(map[string]any{"build_command": "make test"}); err != nil {
		t.Fatalf("SaveLearnings: %v", err)
	}
	if err := store.SaveLearnings(map[string]any{"lint_command": "make lint"}); err != nil {
		t.Fatalf("SaveLearnings: %v", err)
	}

	learnings, err := store.LoadLearnings()
	if err != nil {
		t.Fatalf("LoadLearnings: %v", err)
	}
	if learnings["build_command"] != "make test" {
		t.Errorf("build_command = %v, want to survive the second merge", learnings["build_command"])
	}
	if learnings["lint_command"] != "make lint" {
		t.Errorf("lint_command = %v", learnings["lint_command"])
	}
	if _, ok := learnings["last_updated"]; !ok {
		t.Error("last_updated not stamped")
	}
}

func TestHistoryAppendsAndLimits(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := store.Save(contextmgr.Snapshot{}, TokenUsage{}, float64(i), "task", "", nil, nil, "tick"); err != nil {
			t.Fatalf("Save #%d: %v", i, err)
		}
	}

	history, err := store.History(2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(History(2)) = %d, want 2", len(history))
	}
	if history[len(history)-1].Cost != 4 {
		t.Errorf("last history entry cost = %v, want 4 (most recent save)", history[len(history)-1].Cost)
	}
}
