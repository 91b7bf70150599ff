package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentrun/internal/observability"
	"github.com/haasonsaas/agentrun/internal/runtime"
	"github.com/haasonsaas/agentrun/internal/runtime/providers"
)

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "agentrun",
		Short:         "Operator surface for the agent runtime core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(newRunCommand(&configPath))
	root.AddCommand(newResumeCommand(&configPath))
	root.AddCommand(newForkCommand())
	root.AddCommand(newReplayCommand())
	root.AddCommand(newMetricsCommand())
	return root
}

func buildAgent(cfg Config) (*runtime.Agent, func(context.Context) error, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName: "agentrun",
		Endpoint:    cfg.TraceEndpoint,
	})

	var backend runtime.LLMBackend
	var err error
	switch cfg.Provider {
	case "", "anthropic":
		backend, err = providers.NewAnthropicBackend(os.Getenv("ANTHROPIC_API_KEY"))
	case "openai":
		backend, err = providers.NewOpenAIBackend(os.Getenv("OPENAI_API_KEY"))
	default:
		err = &runtime.RunError{
			ErrorKind: runtime.RunErrorConfig,
			Message:   "unknown provider: " + cfg.Provider,
		}
	}
	if err != nil {
		return nil, shutdown, err
	}

	agent, err := runtime.NewAgent(runtime.AgentConfig{
		Backend:   backend,
		Approvals: &consoleApprover{},
		HumanIO:   &consoleHumanIO{},
		Safety:    cfg.Safety,
		Limits:    cfg.Limits,
		Model:     cfg.Model,
		Logger:    logger,
		Tracer:    tracer.OTel(),
		Stream: func(ctx context.Context, ev runtime.AgentEvent) {
			line, marshalErr := json.Marshal(ev)
			if marshalErr != nil {
				return
			}
			fmt.Println(string(line))
		},
	})
	return agent, shutdown, err
}

func newRunCommand(configPath *string) *cobra.Command {
	var runID, system string

	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Start a run from a task string",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			agent, shutdown, err := buildAgent(cfg)
			if shutdown != nil {
				defer shutdown(context.Background())
			}
			if err != nil {
				return err
			}

			if runID == "" {
				runID = uuid.NewString()
			}
			// The fs backend is the loop's own default; only non-default
			// backends are opened here and handed in.
			var wal runtime.WAL
			if cfg.WAL.Backend != "" && cfg.WAL.Backend != "fs" {
				wal, err = openWAL(cfg, runID)
				if err != nil {
					return err
				}
			}

			result, err := agent.Run(cmd.Context(), runtime.RunOptions{
				RunID:         runID,
				Task:          args[0],
				SystemPrompt:  system,
				WorkspaceRoot: cfg.WorkspaceRoot,
				WAL:           wal,
			})
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (generated if empty)")
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	return cmd
}

func newResumeCommand(configPath *string) *cobra.Command {
	var strategy, task string

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a run against its existing WAL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			agent, shutdown, err := buildAgent(cfg)
			if shutdown != nil {
				defer shutdown(context.Background())
			}
			if err != nil {
				return err
			}

			result, err := agent.Run(cmd.Context(), runtime.RunOptions{
				RunID:          args[0],
				Task:           task,
				WorkspaceRoot:  cfg.WorkspaceRoot,
				ResumeStrategy: runtime.ResumeStrategy(strategy),
			})
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "summary", "resume strategy: summary or replay")
	cmd.Flags().StringVar(&task, "task", "", "continuation task for the resumed run")
	return cmd
}

func newForkCommand() *cobra.Command {
	var upTo int

	cmd := &cobra.Command{
		Use:   "fork <src-wal> <dst-wal> <new-run-id>",
		Short: "Clone a WAL prefix under a new run id",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := runtime.NewFileWAL(args[0])
			if err != nil {
				return err
			}
			dst, err := runtime.NewFileWAL(args[1])
			if err != nil {
				return err
			}
			if upTo < 0 {
				events, err := src.IterEvents("")
				if err != nil {
					return err
				}
				upTo = len(events) - 1
			}
			if err := runtime.ForkRun(src, dst, args[2], upTo); err != nil {
				return err
			}
			fmt.Printf("forked %d event(s) into %s as run %s\n", upTo+1, dst.Locator(), args[2])
			return nil
		},
	}
	cmd.Flags().IntVar(&upTo, "up-to", -1, "last source event index to copy (inclusive; default: all)")
	return cmd
}

func newReplayCommand() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "replay <wal-path>",
		Short: "Dump a WAL's events as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wal, err := runtime.NewFileWAL(args[0])
			if err != nil {
				return err
			}
			events, err := wal.IterEvents(runID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetEscapeHTML(false)
			for _, ev := range events {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "filter events by run id")
	return cmd
}

func newMetricsCommand() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "metrics <wal-path>",
		Short: "Recompute a run's metrics summary from its WAL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wal, err := runtime.NewFileWAL(args[0])
			if err != nil {
				return err
			}
			events, err := wal.IterEvents(runID)
			if err != nil {
				return err
			}
			summary := runtime.ComputeRunMetricsSummary(events)
			out, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "filter events by run id")
	return cmd
}

func printResult(result *runtime.RunResult) error {
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if result.Status == runtime.StatusFailed && result.Error != nil {
		return result.Error
	}
	return nil
}

// consoleApprover prompts on the terminal for approval decisions.
type consoleApprover struct{}

func (consoleApprover) RequestApproval(ctx context.Context, req runtime.ApprovalRequest, timeout time.Duration) (runtime.ApprovalDecision, error) {
	fmt.Fprintf(os.Stderr, "approval required for %s: %s\n", req.Tool, req.Summary)
	fmt.Fprint(os.Stderr, "[y]es / [s]ession / [n]o / [a]bort: ")

	answers := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		answers <- strings.ToLower(strings.TrimSpace(line))
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		timer = time.After(timeout)
	}
	select {
	case <-ctx.Done():
		return runtime.ApprovalDenied, ctx.Err()
	case <-timer:
		return runtime.ApprovalDenied, nil
	case answer := <-answers:
		switch answer {
		case "y", "yes":
			return runtime.ApprovalApproved, nil
		case "s", "session":
			return runtime.ApprovalApprovedForSession, nil
		case "a", "abort":
			return runtime.ApprovalAbort, nil
		default:
			return runtime.ApprovalDenied, nil
		}
	}
}

// consoleHumanIO answers human requests from the terminal.
type consoleHumanIO struct{}

func (consoleHumanIO) Ask(ctx context.Context, req runtime.HumanRequest) (string, error) {
	fmt.Fprintln(os.Stderr, req.Question)
	if len(req.Choices) > 0 {
		fmt.Fprintf(os.Stderr, "choices: %s\n", strings.Join(req.Choices, ", "))
	}
	fmt.Fprint(os.Stderr, "> ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
