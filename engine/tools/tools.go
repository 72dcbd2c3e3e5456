// Package tools implements the fixed native tool catalog the Orchestrator
// dispatches into: file I/O, shell execution, search, and the three control
// signals (phase_complete, task_complete, request_help). It is the Tool
// Executor of spec §4.3.
package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"autopilot/core/provider"
	"autopilot/engine/policy"
)

const (
	maxReadLineLength   = 2000
	maxReadDefaultLines = 2000
	maxBashOutputChars  = 30000
	maxGlobResults      = 100
	maxGrepResults      = 100
	maxDirListEntries   = 500
)

var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".ico": true,
	".pdf": true, ".zip": true, ".tar": true, ".gz": true, ".bz2": true, ".7z": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true,
	".pyc": true, ".class": true, ".o": true, ".a": true,
	".mp3": true, ".mp4": true, ".avi": true, ".mov": true, ".wav": true,
}

// GitRunner executes the phase_complete commit flow. Separated from Tools so
// tests can substitute a fake without shelling out.
type GitRunner interface {
	Status(ctx context.Context, dir string) (dirty bool, files []string, err error)
	CommitAll(ctx context.Context, dir, message string) error
}

// Tools is the native Tool Executor. It confines all file and shell
// operations to a single project root directory.
type Tools struct {
	projectDir string
	policy     *policy.ShellPolicy
	git        GitRunner

	gitAutoCommit          bool
	gitCommitPrefix        string
	gitRequireVerification bool

	confirmBash func(command string) bool
}

// Options configures a Tools instance.
type Options struct {
	ShellPolicy            *policy.ShellPolicy
	Git                    GitRunner
	GitAutoCommit          bool
	GitCommitPrefix        string
	GitRequireVerification bool
	ConfirmBash            func(command string) bool
}

// New creates a Tools instance rooted at projectDir. projectDir must be an
// existing directory; all tool paths are resolved relative to it and
// confined to it.
func New(projectDir string, opts Options) (*Tools, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("tools: resolving project dir: %w", err)
	}
	if opts.ShellPolicy == nil {
		opts.ShellPolicy = policy.DefaultShellPolicy()
	}
	if opts.GitCommitPrefix == "" {
		opts.GitCommitPrefix = "feat"
	}
	return &Tools{
		projectDir:             abs,
		policy:                 opts.ShellPolicy,
		git:                    opts.Git,
		gitAutoCommit:          opts.GitAutoCommit,
		gitCommitPrefix:        opts.GitCommitPrefix,
		gitRequireVerification: opts.GitRequireVerification,
		confirmBash:            opts.ConfirmBash,
	}, nil
}

// resolvePath confines path to the project directory, rejecting any
// resolution that escapes it (spec §4.3's "path confinement" invariant).
func (t *Tools) resolvePath(path string) (string, error) {
	var joined string
	if filepath.IsAbs(path) {
		joined = filepath.Clean(path)
	} else {
		joined = filepath.Clean(filepath.Join(t.projectDir, path))
	}

	resolved, err := canonicalize(joined)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	rel, err := filepath.Rel(t.projectDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes project directory", path)
	}
	return resolved, nil
}

// canonicalize resolves symlinks in path. When path (and possibly some of its
// parents) does not yet exist, it resolves the deepest existing ancestor and
// joins the remaining components back on (so callers can confine a
// not-yet-created write target).
func canonicalize(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	dir := filepath.Dir(path)
	if dir == path {
		return "", err
	}
	parent, err := canonicalize(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(path)), nil
}

// Execute dispatches a single tool call by name. Errors the tool itself
// raises (bad arguments, missing files, ambiguous edits) are reported as
// (message, true) rather than a Go error, matching the reference
// implementation's ToolError handling.
func (t *Tools) Execute(ctx context.Context, name string, input map[string]any) (string, bool) {
	switch name {
	case "read_file":
		return t.readFile(input)
	case "write_file":
		return t.writeFile(input)
	case "edit_file":
		return t.editFile(input)
	case "bash":
		return t.bash(ctx, input)
	case "glob":
		return t.glob(input)
	case "grep":
		return t.grep(input)
	case "list_dir":
		return t.listDir(input)
	case "phase_complete":
		return t.phaseComplete(ctx, input)
	case "task_complete":
		return t.taskComplete(input)
	case "request_help":
		return t.requestHelp(input)
	default:
		return fmt.Sprintf("Unknown tool: %s", name), true
	}
}

func stringArg(input map[string]any, key string) (string, bool) {
	v, ok := input[key].(string)
	return v, ok
}

func intArg(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func boolArg(input map[string]any, key string, def bool) bool {
	if v, ok := input[key].(bool); ok {
		return v
	}
	return def
}

func (t *Tools) readFile(input map[string]any) (string, bool) {
	path, ok := stringArg(input, "path")
	if !ok || path == "" {
		return "path is required", true
	}
	resolved, err := t.resolvePath(path)
	if err != nil {
		return err.Error(), true
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return fmt.Sprintf("could not read %s: %v", path, err), true
	}

	lines := strings.Split(string(data), "\n")

	// offset is 1-indexed, matching the line numbers printed in the output.
	offset := intArg(input, "offset", 1)
	limit := intArg(input, "limit", maxReadDefaultLines)
	start := offset - 1
	if start < 0 {
		start = 0
	}
	if start > len(lines) {
		start = len(lines)
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		line := lines[i]
		if len(line) > maxReadLineLength {
			line = line[:maxReadLineLength] + "... [truncated]"
		}
		fmt.Fprintf(&b, "%d\t%s\n", i+1, line)
	}
	if end < len(lines) {
		fmt.Fprintf(&b, "\n[... %d more lines]\n", len(lines)-end)
	}

	return b.String(), false
}

func (t *Tools) writeFile(input map[string]any) (string, bool) {
	path, ok := stringArg(input, "path")
	if !ok || path == "" {
		return "path is required", true
	}
	content, _ := stringArg(input, "content")

	resolved, err := t.resolvePath(path)
	if err != nil {
		return err.Error(), true
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Sprintf("could not create directories for %s: %v", path, err), true
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return fmt.Sprintf("could not write %s: %v", path, err), true
	}

	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), false
}

func (t *Tools) editFile(input map[string]any) (string, bool) {
	path, ok := stringArg(input, "path")
	if !ok || path == "" {
		return "path is required", true
	}
	oldStr, ok := stringArg(input, "old_string")
	if !ok {
		return "old_string is required", true
	}
	newStr, _ := stringArg(input, "new_string")
	replaceAll := boolArg(input, "replace_all", false)

	resolved, err := t.resolvePath(path)
	if err != nil {
		return err.Error(), true
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return fmt.Sprintf("could not read %s: %v", path, err), true
	}
	content := string(data)

	count := strings.Count(content, oldStr)
	if count == 0 {
		return fmt.Sprintf("old_string not found in %s", path), true
	}
	if count > 1 && !replaceAll {
		return fmt.Sprintf("old_string appears %d times in %s; pass replace_all or provide more context to make it unique", count, path), true
	}

	var updated string
	if replaceAll {
		updated = strings.ReplaceAll(content, oldStr, newStr)
	} else {
		updated = strings.Replace(content, oldStr, newStr, 1)
	}

	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return fmt.Sprintf("could not write %s: %v", path, err), true
	}

	return fmt.Sprintf("Edited %s (%d replacement(s))", path, count), false
}

// firstShellToken extracts the leading command word for policy evaluation,
// splitting on the compound-command separators a shell itself recognizes.
func firstShellToken(command string) string {
	command = strings.TrimSpace(command)
	for _, sep := range []string{"|", "&&", "||", ";"} {
		if idx := strings.Index(command, sep); idx >= 0 {
			command = command[:idx]
		}
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (t *Tools) bash(ctx context.Context, input map[string]any) (string, bool) {
	command, ok := stringArg(input, "command")
	if !ok || command == "" {
		return "command is required", true
	}

	token := firstShellToken(command)
	decision := t.policy.Evaluate(token)

	switch decision {
	case policy.DecisionBlocked:
		return fmt.Sprintf("Command %q is blocked by policy", token), true
	case policy.DecisionConfirm:
		if t.confirmBash == nil || !t.confirmBash(command) {
			return fmt.Sprintf("Command %q requires confirmation, which was not granted", token), true
		}
	case policy.DecisionDeny:
		return fmt.Sprintf("Command %q is not in the allowed list", token), true
	}

	timeoutSec := intArg(input, "timeout", 120)
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", command)
	cmd.Dir = t.projectDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()

	output := out.String()
	if len(output) > maxBashOutputChars {
		output = output[:maxBashOutputChars] + "\n... [output truncated]"
	}

	exitCode := 0
	if runCtx.Err() != nil {
		return fmt.Sprintf("%s\n[Command timed out after %ds]", output, timeoutSec), true
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return fmt.Sprintf("Failed to run command: %v", runErr), true
	}

	result := output
	if exitCode != 0 {
		result = fmt.Sprintf("%s\n[exit code: %d]", output, exitCode)
	}
	if result == "" {
		result = "[no output]"
	}
	return result, exitCode != 0
}

func (t *Tools) glob(input map[string]any) (string, bool) {
	pattern, ok := stringArg(input, "pattern")
	if !ok || pattern == "" {
		return "pattern is required", true
	}

	searchDir := t.projectDir
	if p, ok := stringArg(input, "path"); ok && p != "" {
		resolved, err := t.resolvePath(p)
		if err != nil {
			return err.Error(), true
		}
		searchDir = resolved
	}

	var matches []string
	err := filepath.WalkDir(searchDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(searchDir, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		ok, _ := doublestar.Match(pattern, rel)
		if ok {
			// Report matches relative to the project root, regardless of
			// which subdirectory the search was scoped to.
			reportRel, err := filepath.Rel(t.projectDir, p)
			if err != nil {
				return nil
			}
			matches = append(matches, filepath.ToSlash(reportRel))
		}
		return nil
	})
	if err != nil {
		return fmt.Sprintf("glob error: %v", err), true
	}

	sort.Strings(matches)

	more := 0
	if len(matches) > maxGlobResults {
		more = len(matches) - maxGlobResults
		matches = matches[:maxGlobResults]
	}

	if len(matches) == 0 {
		return "No files matched", false
	}

	result := strings.Join(matches, "\n")
	if more > 0 {
		result += fmt.Sprintf("\n... %d more", more)
	}
	return result, false
}

func (t *Tools) grep(input map[string]any) (string, bool) {
	pattern, ok := stringArg(input, "pattern")
	if !ok || pattern == "" {
		return "pattern is required", true
	}
	if boolArg(input, "case_insensitive", false) {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Sprintf("invalid regex: %v", err), true
	}

	searchPath := t.projectDir
	if p, ok := stringArg(input, "path"); ok && p != "" {
		resolved, err := t.resolvePath(p)
		if err != nil {
			return err.Error(), true
		}
		searchPath = resolved
	}

	globFilter, _ := stringArg(input, "glob_filter")

	type match struct {
		file string
		line int
		text string
	}
	var matches []match

	err = filepath.WalkDir(searchPath, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if binaryExtensions[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		if globFilter != "" {
			if ok, _ := doublestar.Match(globFilter, filepath.Base(p)); !ok {
				return nil
			}
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(t.projectDir, p)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, match{file: filepath.ToSlash(rel), line: i + 1, text: line})
				if len(matches) >= maxGrepResults {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return fmt.Sprintf("grep error: %v", err), true
	}

	if len(matches) == 0 {
		return "No matches found", false
	}

	var b strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&b, "%s:%d: %s\n", m.file, m.line, m.text)
	}
	if len(matches) >= maxGrepResults {
		b.WriteString("... (results limited)\n")
	}
	return b.String(), false
}

func (t *Tools) listDir(input map[string]any) (string, bool) {
	path, _ := stringArg(input, "path")
	if path == "" {
		path = "."
	}
	resolved, err := t.resolvePath(path)
	if err != nil {
		return err.Error(), true
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return fmt.Sprintf("could not list %s: %v", path, err), true
	}

	var b strings.Builder
	shown := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if shown >= maxDirListEntries {
			fmt.Fprintf(&b, "... %d more entries\n", len(entries)-shown)
			break
		}
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
		} else {
			info, err := e.Info()
			size := int64(0)
			if err == nil {
				size = info.Size()
			}
			fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name(), size)
		}
		shown++
	}

	if b.Len() == 0 {
		return "(empty directory)", false
	}
	return b.String(), false
}

func (t *Tools) phaseComplete(ctx context.Context, input map[string]any) (string, bool) {
	phaseName, ok := stringArg(input, "phase_name")
	if !ok || phaseName == "" {
		return "phase_name is required", true
	}
	summary, _ := stringArg(input, "summary")
	verification, _ := stringArg(input, "verification")

	if t.gitRequireVerification && strings.TrimSpace(verification) == "" {
		return "verification is required before calling phase_complete", true
	}

	testsPassed, testsStated := input["tests_passed"].(bool)
	testsNote := ""
	if testsStated {
		if testsPassed {
			testsNote = " (tests passed)"
		} else {
			testsNote = " (tests failed)"
		}
	}

	if !t.gitAutoCommit || t.git == nil {
		return fmt.Sprintf("Phase %q complete: %s%s", phaseName, summary, testsNote), false
	}

	dirty, files, err := t.git.Status(ctx, t.projectDir)
	if err != nil {
		return fmt.Sprintf("git status failed: %v", err), true
	}
	if !dirty {
		return fmt.Sprintf("Phase %q complete: %s%s (no changes to commit)", phaseName, summary, testsNote), false
	}

	// files_changed is advisory context from the model; the commit message
	// always lists what git status actually reports as dirty.
	shown := files
	more := 0
	if len(shown) > 20 {
		more = len(shown) - 20
		shown = shown[:20]
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "%s(%s): %s\n\n", t.gitCommitPrefix, phaseName, summary)
	if verification != "" {
		fmt.Fprintf(&msg, "Verification: %s\n\n", verification)
	}
	msg.WriteString("Files changed:\n")
	for _, f := range shown {
		fmt.Fprintf(&msg, "  %s\n", f)
	}
	if more > 0 {
		fmt.Fprintf(&msg, "  ... and %d more\n", more)
	}

	if err := t.git.CommitAll(ctx, t.projectDir, msg.String()); err != nil {
		return fmt.Sprintf("git commit failed: %v", err), true
	}

	return fmt.Sprintf("Phase %q complete and committed: %s%s (%d files)", phaseName, summary, testsNote, len(files)), false
}

func (t *Tools) taskComplete(input map[string]any) (string, bool) {
	summary, ok := stringArg(input, "summary")
	if !ok || summary == "" {
		summary = "Task completed"
	}

	rawSteps, ok := input["next_steps"].([]any)
	if !ok || len(rawSteps) == 0 {
		return summary, false
	}

	var b strings.Builder
	b.WriteString(summary)
	b.WriteString("\n\nSuggested next steps:\n")
	for _, s := range rawSteps {
		if step, ok := s.(string); ok {
			fmt.Fprintf(&b, "- %s\n", step)
		}
	}
	return b.String(), false
}

func (t *Tools) requestHelp(input map[string]any) (string, bool) {
	question, ok := stringArg(input, "question")
	if !ok || question == "" {
		return "question is required", true
	}

	var b strings.Builder
	b.WriteString(question)

	if ctxInfo, ok := stringArg(input, "context"); ok && ctxInfo != "" {
		fmt.Fprintf(&b, "\n\nContext: %s", ctxInfo)
	}

	if rawOptions, ok := input["options"].([]any); ok && len(rawOptions) > 0 {
		b.WriteString("\n\nOptions:\n")
		for _, o := range rawOptions {
			if s, ok := o.(string); ok {
				fmt.Fprintf(&b, "- %s\n", s)
			}
		}
	}

	return b.String(), false
}

// Definitions returns the JSON-schema tool definitions handed to the model
// on every request.
func (t *Tools) Definitions() []provider.ToolDefinition {
	return []provider.ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read a file's contents with 1-indexed line numbers. Supports offset/limit for large files.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":   map[string]any{"type": "string", "description": "Path relative to the project directory"},
					"offset": map[string]any{"type": "integer", "description": "1-indexed line to start from"},
					"limit":  map[string]any{"type": "integer", "description": "Maximum number of lines to return"},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "write_file",
			Description: "Write content to a file, creating it (and parent directories) or overwriting it.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        "edit_file",
			Description: "Replace an exact string match in a file. Fails if old_string is not unique unless replace_all is set.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":        map[string]any{"type": "string"},
					"old_string":  map[string]any{"type": "string"},
					"new_string":  map[string]any{"type": "string"},
					"replace_all": map[string]any{"type": "boolean"},
				},
				"required": []string{"path", "old_string", "new_string"},
			},
		},
		{
			Name:        "bash",
			Description: "Run a shell command in the project directory, subject to the shell safety policy.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string"},
					"timeout": map[string]any{"type": "integer", "description": "Timeout in seconds, default 120"},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        "glob",
			Description: "Find files matching a glob pattern, relative to the project directory.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{"type": "string"},
					"path":    map[string]any{"type": "string", "description": "Directory to search in, relative to the project directory (default: project root)"},
				},
				"required": []string{"pattern"},
			},
		},
		{
			Name:        "grep",
			Description: "Search file contents for a regular expression.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern":          map[string]any{"type": "string"},
					"path":             map[string]any{"type": "string", "description": "Subdirectory to restrict the search to"},
					"glob_filter":      map[string]any{"type": "string", "description": "Only search files whose base name matches this glob"},
					"case_insensitive": map[string]any{"type": "boolean", "description": "Case insensitive search"},
				},
				"required": []string{"pattern"},
			},
		},
		{
			Name:        "list_dir",
			Description: "List the contents of a directory.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
			},
		},
		{
			Name:        "phase_complete",
			Description: "Mark the current phase of work complete and commit the changes.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"phase_name":   map[string]any{"type": "string", "description": "Name of the completed phase, e.g. \"authentication\""},
					"summary":      map[string]any{"type": "string"},
					"verification": map[string]any{"type": "string", "description": "How the work was verified"},
					"files_changed": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Files created or modified (advisory; the actual commit is built from git status)",
					},
					"tests_passed": map[string]any{"type": "boolean", "description": "Whether tests were run and passed"},
				},
				"required": []string{"phase_name", "summary", "verification"},
			},
		},
		{
			Name:        "task_complete",
			Description: "Signal that the entire task is finished.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{"type": "string"},
					"next_steps": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Suggested next steps, if any",
					},
				},
				"required": []string{"summary"},
			},
		},
		{
			Name:        "request_help",
			Description: "Ask a human a question and pause until a response is available.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{"type": "string"},
					"context":  map[string]any{"type": "string", "description": "Relevant context for the question"},
					"options": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Possible options if applicable",
					},
				},
				"required": []string{"question"},
			},
		},
	}
}
