// Package maintenance prunes the accumulating on-disk artifacts of the
// checkpoint store: archived completed-*.json snapshots left behind by
// Store.Clear, and the append-only history.jsonl journal, which otherwise
// grows without bound across a long-lived project.
package maintenance

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CleanupOptions configures checkpoint artifact cleanup behavior.
type CleanupOptions struct {
	// AutopilotDir is the project-local .autopilot directory path
	// (default: ".autopilot").
	AutopilotDir string

	// MaxAge is the maximum age of archived checkpoints to keep (default:
	// 30 days). Archives older than this are deleted.
	MaxAge time.Duration

	// MaxHistoryLines caps history.jsonl at this many most-recent entries
	// (default: 5000). Older lines are dropped when the journal is rotated.
	MaxHistoryLines int

	// DryRun when true scans and reports what would be deleted without
	// actually deleting or rotating anything.
	DryRun bool
}

// CleanupResult contains the results of a cleanup operation.
type CleanupResult struct {
	// DeletedArchives is the count of archived completed-*.json checkpoints
	// deleted for exceeding MaxAge.
	DeletedArchives int

	// HistoryLinesDropped is the number of history.jsonl lines discarded
	// during rotation (0 if the journal was already within MaxHistoryLines).
	HistoryLinesDropped int

	// Errors is a list of non-fatal errors encountered during cleanup.
	// Fatal errors (directory access failures) are returned as the function
	// error instead.
	Errors []string
}

// DefaultCleanupOptions returns cleanup options with sensible defaults.
func DefaultCleanupOptions() CleanupOptions {
	return CleanupOptions{
		AutopilotDir:    ".autopilot",
		MaxAge:          30 * 24 * time.Hour,
		MaxHistoryLines: 5000,
		DryRun:          false,
	}
}

// CleanupCheckpointData prunes archived checkpoints and rotates the history
// journal under the project's .autopilot directory. It is safe to call at
// any time between orchestrator runs — never while a Store is mid-Save.
//
// Archived checkpoints (completed-<timestamp>.json, written by Store.Clear)
// older than MaxAge are deleted. The live checkpoint.json and learnings.json
// are never touched. history.jsonl is rotated to its most recent
// MaxHistoryLines entries when it grows past that bound.
//
// Missing directories are treated as nothing to clean, not an error.
func CleanupCheckpointData(opts CleanupOptions) (CleanupResult, error) {
	if opts.AutopilotDir == "" {
		opts.AutopilotDir = ".autopilot"
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = 30 * 24 * time.Hour
	}
	if opts.MaxHistoryLines == 0 {
		opts.MaxHistoryLines = 5000
	}

	result := CleanupResult{}

	if _, err := os.Stat(opts.AutopilotDir); err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, fmt.Errorf("stat autopilot directory: %w", err)
	}

	cutoff := time.Now().Add(-opts.MaxAge)
	if err := cleanupArchivedCheckpoints(opts.AutopilotDir, cutoff, opts.DryRun, &result); err != nil {
		return result, fmt.Errorf("cleanup archived checkpoints: %w", err)
	}

	historyPath := filepath.Join(opts.AutopilotDir, "history.jsonl")
	if err := rotateHistory(historyPath, opts.MaxHistoryLines, opts.DryRun, &result); err != nil {
		if !os.IsNotExist(err) {
			return result, fmt.Errorf("rotate history: %w", err)
		}
	}

	return result, nil
}

// cleanupArchivedCheckpoints removes completed-*.json files older than cutoff.
func cleanupArchivedCheckpoints(dir string, cutoff time.Time, dryRun bool, result *CleanupResult) error {
	pattern := filepath.Join(dir, "completed-*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("glob archived checkpoints: %w", err)
	}

	for _, path := range matches {
		base := filepath.Base(path)
		if !strings.HasPrefix(base, "completed-") || !strings.HasSuffix(base, ".json") {
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("stat %s: %v", path, err))
			continue
		}

		if info.ModTime().Before(cutoff) {
			if dryRun {
				result.DeletedArchives++
				continue
			}
			if err := os.Remove(path); err != nil {
				if os.IsNotExist(err) {
					continue
				}
				result.Errors = append(result.Errors, fmt.Sprintf("remove %s: %v", path, err))
				continue
			}
			result.DeletedArchives++
		}
	}

	return nil
}

// rotateHistory keeps only the most recent maxLines of history.jsonl,
// rewriting it atomically via a temp file in the same directory.
func rotateHistory(path string, maxLines int, dryRun bool, result *CleanupResult) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return fmt.Errorf("scan history: %w", scanErr)
	}

	if len(lines) <= maxLines {
		return nil
	}

	dropped := len(lines) - maxLines
	if dryRun {
		result.HistoryLinesDropped = dropped
		return nil
	}

	kept := lines[dropped:]
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".history-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, line := range kept {
		if _, err := w.WriteString(line); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("write history: %w", err)
		}
		if _, err := w.WriteString("\n"); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("write history: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flush history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	result.HistoryLinesDropped = dropped
	return nil
}
