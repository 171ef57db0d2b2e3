// Command diligent is the reference CLI for the agent loop: a REPL that
// streams assistant output to the terminal and persists every turn to a
// session file.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nevindra/diligent"
	"github.com/nevindra/diligent/config"
	"github.com/nevindra/diligent/provider/resolve"
	"github.com/nevindra/diligent/tools/bash"
	"github.com/nevindra/diligent/tools/file"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "diligent",
		Short:        "diligent runs an LLM agent loop with tool execution and session persistence",
		SilenceUsage: true,
	}
	root.AddCommand(buildRunCmd(), buildResumeCmd(), buildSessionsCmd())
	return root
}

func buildRunCmd() *cobra.Command {
	var providerName string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new session in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return repl(cmd.Context(), providerName, diligent.ResumeOptions{})
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "", "override the configured provider")
	return cmd
}

func buildResumeCmd() *cobra.Command {
	var providerName string
	cmd := &cobra.Command{
		Use:   "resume [session-id]",
		Short: "Resume an existing session, or the most recent one if no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := diligent.ResumeOptions{MostRecent: true}
			if len(args) == 1 {
				opts = diligent.ResumeOptions{SessionID: args[0]}
			}
			return repl(cmd.Context(), providerName, opts)
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "", "override the configured provider")
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List saved sessions for the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			summaries, err := diligent.List(sessionsDir(cwd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}
			for _, s := range summaries {
				fmt.Fprintf(out, "%s  %s  %d messages  %s\n", s.ID, s.Modified.Format("2006-01-02 15:04"), s.MessageCount, s.FirstUserMessage)
			}
			return nil
		},
	}
	return cmd
}

func sessionsDir(projectDir string) string {
	return filepath.Join(projectDir, ".diligent", "sessions")
}

func repl(ctx context.Context, providerOverride string, resumeOpts diligent.ResumeOptions) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	cfg, err := config.Load(cwd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	providerName := providerOverride
	if providerName == "" {
		providerName = firstConfiguredProvider(cfg)
	}
	pc := cfg.Provider[providerName]
	prov, err := resolve.Provider(resolve.Config{Provider: providerName, APIKey: pc.APIKey, BaseURL: pc.BaseURL})
	if err != nil {
		return err
	}

	model := cfg.Model
	if model == "" {
		model = resolve.DefaultModel(providerName)
	}

	reg := diligent.NewToolRegistry(os.TempDir())
	if err := file.Register(reg, cwd); err != nil {
		return err
	}
	if err := bash.Register(reg, cwd, 30); err != nil {
		return err
	}

	compactionCfg := diligent.CompactionConfig{
		ReserveTokens:    cfg.Compaction.ReserveTokens,
		KeepRecentTokens: cfg.Compaction.KeepRecentTokens,
	}

	sm := diligent.NewSessionManager(cwd, sessionsDir(cwd), prov, model, reg, cfg.SystemPrompt, compactionCfg)
	if resumeOpts.SessionID != "" || resumeOpts.MostRecent {
		if err := sm.Resume(resumeOpts); err != nil {
			return fmt.Errorf("resume session: %w", err)
		}
	} else {
		sm.Create()
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("diligent — type a message, or /exit to quit")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := scanner.Text()
		if line == "/exit" {
			return nil
		}
		if line == "" {
			continue
		}
		printTurn(ctx, sm.Run(ctx, line))
	}
}

func firstConfiguredProvider(cfg config.Config) string {
	if _, ok := cfg.Provider["anthropic"]; ok {
		return "anthropic"
	}
	if _, ok := cfg.Provider["openai"]; ok {
		return "openai"
	}
	return "anthropic"
}

func printTurn(_ context.Context, stream *diligent.EventStream[diligent.AgentEvent, []diligent.Message]) {
	for e := range stream.Iterate() {
		switch e.Type {
		case diligent.AEMessageDelta:
			fmt.Print(e.Delta)
		case diligent.AEToolStart:
			fmt.Printf("\n[tool] %s\n", e.ToolName)
		case diligent.AEToolEnd:
			if e.ToolIsError {
				fmt.Printf("[tool error] %s\n", e.ToolOutput)
			}
		case diligent.AECompactionStart:
			fmt.Println("\n[compacting session]")
		case diligent.AEError:
			fmt.Printf("\n[error] %s\n", e.Err.Message)
		}
	}
	fmt.Println()
}
