// Command autopilot runs the control loop against a project directory:
// start a fresh task, resume from the last checkpoint, or print status.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"autopilot/app"
	"autopilot/config"
	"autopilot/core/checkpoint"
	"autopilot/core/cost"
	"autopilot/core/orchestrator"
	"autopilot/core/provider"
	"autopilot/engine/maintenance"
	"autopilot/engine/policy"
	"autopilot/engine/tools"
	"autopilot/providers/anthropic"
	"autopilot/providers/bedrock"
)

var (
	flagProjectDir string
	flagProvider   string
	flagRegion     string
	flagProfile    string
	flagAPIKey     string
)

func main() {
	root := &cobra.Command{
		Use:   "autopilot",
		Short: "Autonomous coding agent orchestration",
	}
	root.PersistentFlags().StringVar(&flagProjectDir, "project", ".", "project directory")
	root.PersistentFlags().StringVar(&flagProvider, "provider", "anthropic", "model provider: anthropic or bedrock")
	root.PersistentFlags().StringVar(&flagRegion, "region", "us-east-1", "AWS region (bedrock provider only)")
	root.PersistentFlags().StringVar(&flagProfile, "profile", "", "AWS profile (bedrock provider only)")
	root.PersistentFlags().StringVar(&flagAPIKey, "api-key", "", "Anthropic API key (anthropic provider only; defaults to ANTHROPIC_API_KEY)")

	root.AddCommand(runCmd(), resumeCmd(), statusCmd(), cleanupCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <task description>",
		Short: "Start a new task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), args[0], false)
		},
	}
	return cmd
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume from the last checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), "", true)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print cost and progress from the last checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := checkpoint.New(flagProjectDir)
			if err != nil {
				return err
			}
			if !store.Exists() {
				fmt.Println("No checkpoint found.")
				return nil
			}
			doc, warning := store.Load()
			if warning != "" {
				fmt.Fprintln(os.Stderr, "warning:", warning)
			}
			if doc == nil {
				fmt.Println("No checkpoint found.")
				return nil
			}
			fmt.Printf("Task: %s\n", doc.TaskDescription)
			fmt.Printf("Phase: %s\n", doc.CurrentPhase)
			fmt.Printf("Completed tasks: %d\n", len(doc.CompletedTasks))
			fmt.Printf("Total cost: $%.2f\n", doc.TotalCost)
			fmt.Printf("Tokens: %d\n", doc.TokenUsage.Total())
			return nil
		},
	}
}

func cleanupCmd() *cobra.Command {
	var maxAgeDays int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune archived checkpoints and rotate the history journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := maintenance.DefaultCleanupOptions()
			opts.AutopilotDir = filepath.Join(flagProjectDir, checkpoint.DirName)
			if maxAgeDays > 0 {
				opts.MaxAge = time.Duration(maxAgeDays) * 24 * time.Hour
			}
			opts.DryRun = dryRun

			result, err := maintenance.CleanupCheckpointData(opts)
			if err != nil {
				return err
			}
			fmt.Printf("Archived checkpoints removed: %d\n", result.DeletedArchives)
			fmt.Printf("History lines dropped: %d\n", result.HistoryLinesDropped)
			for _, e := range result.Errors {
				fmt.Fprintln(os.Stderr, "warning:", e)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 30, "delete archived checkpoints older than this many days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be cleaned up without deleting anything")
	return cmd
}

func execute(ctx context.Context, task string, resume bool) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(flagProjectDir)
	if err != nil {
		return err
	}

	store, err := checkpoint.New(flagProjectDir)
	if err != nil {
		return err
	}

	tracker := cost.New(
		cost.Config{Warn: cfg.Costs.Warn, Alert: cfg.Costs.Alert, Max: cfg.Costs.Max},
		cost.LoadPricingFromConfig(cfg.Pricing),
		func(total float64) { fmt.Printf("[cost warning] total so far: $%.2f\n", total) },
		func(total float64) { fmt.Printf("[cost alert] total so far: $%.2f\n", total) },
	)

	shellPolicy := policy.NewShellPolicy(cfg.Tools.Bash.Blocked, cfg.Tools.Bash.Allowed, cfg.Tools.Bash.Confirm)
	if len(cfg.Tools.Bash.Blocked) == 0 && len(cfg.Tools.Bash.Allowed) == 0 && len(cfg.Tools.Bash.Confirm) == 0 {
		shellPolicy = policy.DefaultShellPolicy()
	}

	toolExecutor, err := tools.New(flagProjectDir, tools.Options{
		ShellPolicy:            shellPolicy,
		Git:                    tools.ExecGit{},
		GitAutoCommit:          cfg.Git.AutoCommitOnPhase,
		GitCommitPrefix:        cfg.Git.CommitPrefix,
		GitRequireVerification: cfg.Git.RequireVerification,
		ConfirmBash:            app.ConfirmOnTerminal,
	})
	if err != nil {
		return err
	}

	modelProvider, err := newProvider(ctx)
	if err != nil {
		return err
	}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.Model = cfg.Model
	orchCfg.MaxTokens = cfg.MaxTokens
	orchCfg.MaxContextTokens = cfg.MaxContextTokens
	orchCfg.CheckpointThreshold = cfg.CheckpointThreshold
	orchCfg.SummaryThreshold = cfg.SummaryThreshold
	orchCfg.MaxIterations = cfg.Execution.MaxIterations
	orchCfg.MaxToolCallsPerTurn = cfg.Execution.MaxToolCallsPerTurn
	orchCfg.CooldownOnError = cfg.CooldownDuration()
	orchCfg.GitAutoCommit = cfg.Git.AutoCommitOnPhase
	orchCfg.GitCommitPrefix = cfg.Git.CommitPrefix
	orchCfg.GitRequireVerification = cfg.Git.RequireVerification

	orch := orchestrator.New(flagProjectDir, orchCfg, modelProvider, toolExecutor, store, tracker, app.TerminalCallbacks())

	if resume {
		ok, err := orch.Resume()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no checkpoint to resume from in %s", flagProjectDir)
		}
	} else {
		orch.Initialize(task)
	}

	result, err := orch.Run(ctx)
	if err != nil {
		return err
	}

	if !result.Complete {
		fmt.Printf("Stopped: %s\n", result.Reason)
		os.Exit(1)
	}
	return nil
}

func newProvider(ctx context.Context) (provider.Provider, error) {
	switch flagProvider {
	case "bedrock":
		return bedrock.NewBedrock(ctx, flagRegion, flagProfile, provider.PricingConfig{Enabled: true, CacheTTL: 24})
	case "anthropic":
		return anthropic.New(flagAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (want anthropic or bedrock)", flagProvider)
	}
}
