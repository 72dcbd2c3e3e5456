package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"autopilot/engine/policy"
)

func newTestTools(t *testing.T) (*Tools, string) {
	t.Helper()
	dir := t.TempDir()
	tl, err := New(dir, Options{ShellPolicy: policy.DefaultShellPolicy()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tl, dir
}

func TestReadFileLineNumbersAndOffset(t *testing.T) {
	tl, dir := newTestTools(t)
	content := "line1\nline2\nline3\nline4\n"
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	out, isErr := tl.Execute(context.Background(), "read_file", map[string]any{"path": "f.txt"})
	if isErr {
		t.Fatalf("read_file returned error: %s", out)
	}
	if !strings.Contains(out, "1\tline1") || !strings.Contains(out, "4\tline4") {
		t.Errorf("unexpected output: %s", out)
	}

	out, isErr = tl.Execute(context.Background(), "read_file", map[string]any{"path": "f.txt", "offset": float64(2), "limit": float64(1)})
	if isErr {
		t.Fatalf("read_file with offset returned error: %s", out)
	}
	if !strings.Contains(out, "2\tline2") || strings.Contains(out, "line1") {
		t.Errorf("offset/limit not applied correctly: %s", out)
	}
}

func TestWriteFileThenReadBack(t *testing.T) {
	tl, dir := newTestTools(t)

	_, isErr := tl.Execute(context.Background(), "write_file", map[string]any{"path": "sub/new.txt", "content": "hello"})
	if isErr {
		t.Fatal("write_file reported an error")
	}

	data, err := os.ReadFile(filepath.Join(dir, "sub", "new.txt"))
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q, want %q", data, "hello")
	}
}

func TestEditFileAmbiguityRequiresReplaceAll(t *testing.T) {
	tl, dir := newTestTools(t)
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("foo foo foo"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, isErr := tl.Execute(context.Background(), "edit_file", map[string]any{"path": "f.txt", "old_string": "foo", "new_string": "bar"})
	if !isErr {
		t.Fatal("edit_file with ambiguous match should have returned an error")
	}

	_, isErr = tl.Execute(context.Background(), "edit_file", map[string]any{"path": "f.txt", "old_string": "foo", "new_string": "bar", "replace_all": true})
	if isErr {
		t.Fatal("edit_file with replace_all should have succeeded")
	}

	data, _ := os.ReadFile(filepath.Join(dir, "f.txt"))
	if string(data) != "bar bar bar" {
		t.Errorf("content = %q, want %q", data, "bar bar bar")
	}
}

func TestPathConfinementRejectsEscape(t *testing.T) {
	tl, _ := newTestTools(t)

	_, isErr := tl.Execute(context.Background(), "read_file", map[string]any{"path": "../../etc/passwd"})
	if !isErr {
		t.Fatal("read_file escaping the project directory should have returned an error")
	}
}

func TestBashBlockedCommand(t *testing.T) {
	tl, _ := newTestTools(t)
	out, isErr := tl.Execute(context.Background(), "bash", map[string]any{"command": "rm -rf /"})
	if !isErr {
		t.Fatal("bash with blocked command should return an error")
	}
	if !strings.Contains(out, "blocked") {
		t.Errorf("message = %q, want mention of blocked", out)
	}
}

func TestBashAllowedCommandRuns(t *testing.T) {
	tl, _ := newTestTools(t)
	out, isErr := tl.Execute(context.Background(), "bash", map[string]any{"command": "echo hello"})
	if isErr {
		t.Fatalf("bash echo returned error: %s", out)
	}
	if !strings.Contains(out, "hello") {
		t.Errorf("output = %q, want to contain hello", out)
	}
	if strings.Contains(out, "[exit code:") {
		t.Errorf("output = %q, exit code marker should only appear on failure", out)
	}
}

func TestBashFailingCommandIncludesExitCode(t *testing.T) {
	tl, _ := newTestTools(t)
	out, isErr := tl.Execute(context.Background(), "bash", map[string]any{"command": "ls /no/such/path"})
	if !isErr {
		t.Fatal("bash with a failing command should report an error")
	}
	if !strings.Contains(out, "[exit code:") {
		t.Errorf("output = %q, want exit code marker on failure", out)
	}
}

func TestBashConfirmDeniedWithoutCallback(t *testing.T) {
	tl, _ := newTestTools(t)
	_, isErr := tl.Execute(context.Background(), "bash", map[string]any{"command": "mv a b"})
	if !isErr {
		t.Fatal("bash requiring confirmation with no callback should be denied")
	}
}

func TestGlobFindsMatchingFiles(t *testing.T) {
	tl, dir := newTestTools(t)
	os.MkdirAll(filepath.Join(dir, "sub"), 0o755)
	os.WriteFile(filepath.Join(dir, "a.go"), []byte(""), 0o644)
	os.WriteFile(filepath.Join(dir, "sub", "b.go"), []byte(""), 0o644)
	os.WriteFile(filepath.Join(dir, "c.txt"), []byte(""), 0o644)

	out, isErr := tl.Execute(context.Background(), "glob", map[string]any{"pattern": "**/*.go"})
	if isErr {
		t.Fatalf("glob returned error: %s", out)
	}
	if !strings.Contains(out, "a.go") || !strings.Contains(out, "sub/b.go") {
		t.Errorf("glob output = %q, missing expected matches", out)
	}
	if strings.Contains(out, "c.txt") {
		t.Errorf("glob output = %q, should not include c.txt", out)
	}
}

func TestGrepFindsMatchingLines(t *testing.T) {
	tl, dir := newTestTools(t)
	os.WriteFile(filepath.Join(dir, "f.go"), []byte("package main\n\nfunc TODO() {}\n"), 0o644)

	out, isErr := tl.Execute(context.Background(), "grep", map[string]any{"pattern": "TODO"})
	if isErr {
		t.Fatalf("grep returned error: %s", out)
	}
	if !strings.Contains(out, "f.go:3:") {
		t.Errorf("grep output = %q, want match at f.go:3", out)
	}
}

func TestListDirSkipsHidden(t *testing.T) {
	tl, dir := newTestTools(t)
	os.WriteFile(filepath.Join(dir, "visible.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644)

	out, isErr := tl.Execute(context.Background(), "list_dir", map[string]any{"path": "."})
	if isErr {
		t.Fatalf("list_dir returned error: %s", out)
	}
	if !strings.Contains(out, "visible.txt") {
		t.Errorf("list_dir output missing visible.txt: %q", out)
	}
	if strings.Contains(out, ".hidden") {
		t.Errorf("list_dir output should not include hidden files: %q", out)
	}
}

func TestTaskCompleteReturnsSummary(t *testing.T) {
	tl, _ := newTestTools(t)
	out, isErr := tl.Execute(context.Background(), "task_complete", map[string]any{"summary": "all done"})
	if isErr {
		t.Fatal("task_complete should never be an error")
	}
	if out != "all done" {
		t.Errorf("out = %q, want %q", out, "all done")
	}
}

func TestRequestHelpRequiresQuestion(t *testing.T) {
	tl, _ := newTestTools(t)
	_, isErr := tl.Execute(context.Background(), "request_help", map[string]any{})
	if !isErr {
		t.Fatal("request_help with no question should return an error")
	}
}

func TestRequestHelpIncludesContextAndOptions(t *testing.T) {
	tl, _ := newTestTools(t)
	out, isErr := tl.Execute(context.Background(), "request_help", map[string]any{
		"question": "which database?",
		"context":  "two candidates fit the schema",
		"options":  []any{"postgres", "sqlite"},
	})
	if isErr {
		t.Fatalf("request_help returned error: %s", out)
	}
	if !strings.Contains(out, "which database?") || !strings.Contains(out, "Context: two candidates fit the schema") {
		t.Errorf("output = %q, missing question/context", out)
	}
	if !strings.Contains(out, "- postgres") || !strings.Contains(out, "- sqlite") {
		t.Errorf("output = %q, missing options", out)
	}
}

func TestPhaseCompleteRequiresPhaseName(t *testing.T) {
	tl, _ := newTestTools(t)
	_, isErr := tl.Execute(context.Background(), "phase_complete", map[string]any{"summary": "did stuff"})
	if !isErr {
		t.Fatal("phase_complete without phase_name should return an error")
	}
}

func TestPhaseCompleteWithoutGitReportsSummary(t *testing.T) {
	tl, _ := newTestTools(t)
	out, isErr := tl.Execute(context.Background(), "phase_complete", map[string]any{
		"phase_name": "auth",
		"summary":    "added login",
	})
	if isErr {
		t.Fatalf("phase_complete returned error: %s", out)
	}
	if !strings.Contains(out, "auth") || !strings.Contains(out, "added login") {
		t.Errorf("output = %q, want phase name and summary", out)
	}
}

func TestGlobScopesToPathParam(t *testing.T) {
	tl, dir := newTestTools(t)
	os.MkdirAll(filepath.Join(dir, "sub"), 0o755)
	os.WriteFile(filepath.Join(dir, "a.go"), []byte(""), 0o644)
	os.WriteFile(filepath.Join(dir, "sub", "b.go"), []byte(""), 0o644)

	out, isErr := tl.Execute(context.Background(), "glob", map[string]any{"pattern": "*.go", "path": "sub"})
	if isErr {
		t.Fatalf("glob returned error: %s", out)
	}
	if !strings.Contains(out, "sub/b.go") {
		t.Errorf("glob output = %q, want sub/b.go", out)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "a.go" {
			t.Errorf("glob output = %q, should not include root-level a.go when scoped to sub", out)
		}
	}
}

func TestGrepCaseInsensitiveAndGlobFilter(t *testing.T) {
	tl, dir := newTestTools(t)
	os.WriteFile(filepath.Join(dir, "f.go"), []byte("package main\n\nfunc Todo() {}\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "f.txt"), []byte("todo\n"), 0o644)

	out, isErr := tl.Execute(context.Background(), "grep", map[string]any{
		"pattern":          "todo",
		"case_insensitive": true,
		"glob_filter":      "*.go",
	})
	if isErr {
		t.Fatalf("grep returned error: %s", out)
	}
	if !strings.Contains(out, "f.go:3:") {
		t.Errorf("grep output = %q, want match in f.go", out)
	}
	if strings.Contains(out, "f.txt") {
		t.Errorf("grep output = %q, glob_filter should have excluded f.txt", out)
	}
}

func TestDefinitionsCoversAllTools(t *testing.T) {
	tl, _ := newTestTools(t)
	defs := tl.Definitions()
	want := []string{
		"read_file", "write_file", "edit_file", "bash", "glob", "grep",
		"list_dir", "phase_complete", "task_complete", "request_help",
	}
	if len(defs) != len(want) {
		t.Fatalf("len(Definitions()) = %d, want %d", len(defs), len(want))
	}
	names := make(map[string]bool, len(defs))
	for _, d := range defs {
		names[d.Name] = true
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("Definitions() missing %q", name)
		}
	}
}
