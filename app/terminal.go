// Package app wires the Orchestrator's event callbacks to a plain terminal:
// output lines print directly, tool activity prints a one-line summary, and
// confirmation/help requests read a line from stdin. This replaces a
// graphical dashboard, which is out of scope (spec §1).
package app

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"autopilot/core/orchestrator"
)

var stdinReader = bufio.NewReader(os.Stdin)

// TerminalCallbacks returns an orchestrator.Callbacks set that renders
// progress to stdout and prompts on stdin for human-in-the-loop requests.
func TerminalCallbacks() orchestrator.Callbacks {
	return orchestrator.Callbacks{
		OnOutput: func(text string) {
			fmt.Println(text)
		},
		OnToolStart: func(name string, input map[string]any) {
			fmt.Printf("  -> %s\n", name)
		},
		OnToolEnd: func(name, result string, isError bool) {
			if isError {
				fmt.Printf("     error: %s\n", oneLine(result))
			}
		},
		OnCheckpoint: func() {},
		OnCostWarning: func(total float64) {
			fmt.Printf("[cost warning] $%.2f so far\n", total)
		},
		OnCostAlert: func(total float64) {
			fmt.Printf("[cost alert] $%.2f so far\n", total)
		},
		OnHelpRequested: func(question string) (string, bool) {
			fmt.Printf("\n[agent needs input] %s\n> ", question)
			line, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", false
			}
			line = strings.TrimSpace(line)
			if line == "" {
				return "", false
			}
			return line, true
		},
	}
}

// ConfirmOnTerminal prompts the user on stdin before running a bash command
// the shell safety policy has flagged for confirmation.
func ConfirmOnTerminal(command string) bool {
	fmt.Printf("\n[confirm] run command: %s\nallow? [y/N] ", command)
	line, err := stdinReader.ReadString('\n')
	if err != nil {
		return false
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 160 {
		return s[:160] + "..."
	}
	return s
}
