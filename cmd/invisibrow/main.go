// Package main is the invisibrow CLI entrypoint: it wires Scheduler,
// SessionStore, TaskStore, MemoryStore, Watchdog, Planner, and Executor
// together and drives either one ad-hoc task or an interactive progress
// view. Grounded on the teacher's cmd/forge and cmd/forge-headless
// (flag parsing, signal-driven context cancellation, config validation
// before run).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/invisibrow/invisibrow/pkg/browseragent"
	"github.com/invisibrow/invisibrow/pkg/browserdrv"
	"github.com/invisibrow/invisibrow/pkg/config"
	"github.com/invisibrow/invisibrow/pkg/eventbus"
	"github.com/invisibrow/invisibrow/pkg/llm"
	"github.com/invisibrow/invisibrow/pkg/llm/openai"
	"github.com/invisibrow/invisibrow/pkg/memory"
	"github.com/invisibrow/invisibrow/pkg/planner"
	"github.com/invisibrow/invisibrow/pkg/scheduler"
	"github.com/invisibrow/invisibrow/pkg/session"
	"github.com/invisibrow/invisibrow/pkg/task"
	"github.com/invisibrow/invisibrow/pkg/tokenaccounting"
	"github.com/invisibrow/invisibrow/pkg/types"
	"github.com/invisibrow/invisibrow/pkg/watchdog"
)

const version = "0.1.0"

// cliConfig holds command-line configuration.
type cliConfig struct {
	apiKey      string
	baseURL     string
	goal        string
	sessionName string
	headless    bool
	copyResult  bool
	showVersion bool
	plain       bool
}

func main() {
	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("invisibrow v%s\n", version)
		return
	}
	if cfg.goal == "" {
		log.Fatal("a -goal is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down, cancelling in-flight task...")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		cancel()
		log.Fatalf("invisibrow: %v", err)
	}
}

func parseFlags() cliConfig {
	var cfg cliConfig
	flag.StringVar(&cfg.apiKey, "api-key", os.Getenv("OPENAI_API_KEY"), "OpenAI-compatible API key")
	flag.StringVar(&cfg.baseURL, "base-url", os.Getenv("OPENAI_BASE_URL"), "OpenAI-compatible API base URL")
	flag.StringVar(&cfg.goal, "goal", "", "natural-language goal to accomplish")
	flag.StringVar(&cfg.sessionName, "session", "default", "session name; created if it does not exist")
	flag.BoolVar(&cfg.headless, "headless", true, "run the browser headless")
	flag.BoolVar(&cfg.copyResult, "copy", false, "copy the final answer to the clipboard on success")
	flag.BoolVar(&cfg.showVersion, "version", false, "print the version and exit")
	flag.BoolVar(&cfg.plain, "plain", os.Getenv("UI_TEST") == "1", "print step-by-step log lines instead of the interactive progress view")
	flag.Parse()
	return cfg
}

func run(ctx context.Context, cli cliConfig) error {
	storageDir, err := storageRoot()
	if err != nil {
		return fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(storageDir, 0o700); err != nil {
		return fmt.Errorf("create storage root: %w", err)
	}

	cfgStore, err := config.NewFileStore("")
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	cfgManager := config.NewManager(cfgStore)
	models, err := cfgManager.Models()
	if err != nil {
		return fmt.Errorf("read models config: %w", err)
	}
	schedulerCfg, err := cfgManager.Scheduler()
	if err != nil {
		return fmt.Errorf("read scheduler config: %w", err)
	}

	sessions, err := session.Open(filepath.Join(storageDir, "sessions.json"))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	tasks, err := task.Open(filepath.Join(storageDir, "tasks.json"))
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	mem, err := memory.Open(filepath.Join(storageDir, "memory.sqlite"))
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer mem.Close()

	bus := eventbus.New()
	accounts := tokenaccounting.New(bus)

	chat, err := buildChatClient(cli)
	if err != nil {
		return fmt.Errorf("build chat client: %w", err)
	}

	wd, err := watchdog.New(mem, chat, models.WatchdogAgent)
	if err != nil {
		return fmt.Errorf("build watchdog: %w", err)
	}

	agents := browseragent.New(storageDir, driverFactory(), wd, chat, models.ExecutorAgent)
	defer agents.Close()

	p := planner.New(mem, chat, models.PlannerAgent, agents, bus)
	sched := scheduler.New(p, tasks, sessions, accounts, bus, schedulerCfg.Concurrency)
	defer sched.Close()

	sess, err := resolveSession(sessions, cli.sessionName, cli.headless)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	taskID, err := sched.Submit(ctx, sess.ID, cli.goal)
	if err != nil {
		return fmt.Errorf("submit task: %w", err)
	}

	var result *types.Task
	if cli.plain {
		fmt.Printf("submitted task %s on session %s\n", taskID, sess.ID)
		stepSub := bus.OnSignal(eventbus.SignalTaskStep)
		defer stepSub.Unsubscribe()
		go printSteps(stepSub)
		result, err = awaitTerminal(ctx, tasks, taskID)
	} else {
		result, err = runProgressView(ctx, bus, tasks, sess.ID, taskID, cli.goal)
	}
	if err != nil {
		return err
	}

	switch result.Status {
	case types.TaskStatusCompleted:
		if cli.copyResult {
			if err := clipboard.WriteAll(result.Result); err != nil {
				fmt.Fprintf(os.Stderr, "warning: could not copy result to clipboard: %v\n", err)
			}
		}
	case types.TaskStatusCancelled, types.TaskStatusFailed:
		return fmt.Errorf("task %s: %s", result.Status, result.Error)
	}
	return nil
}

// runProgressView drives a bubbletea program that renders TaskStep and
// TaskStatus events off the EventBus until taskID reaches a terminal
// status, then returns the final Task record. Grounded on the teacher's
// executor.go: a goroutine forwards events to the running program via
// (*tea.Program).Send rather than the model reading a channel itself.
func runProgressView(ctx context.Context, bus *eventbus.Bus, tasks *task.Store, sessionID, taskID, goal string) (*types.Task, error) {
	stepSub := bus.OnSignal(eventbus.SignalTaskStep)
	statusSub := bus.OnSignal(eventbus.SignalTaskStatus)
	defer stepSub.Unsubscribe()
	defer statusSub.Unsubscribe()

	program := tea.NewProgram(newProgressModel(sessionID, taskID, goal))

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case e, ok := <-stepSub.Chan():
				if !ok {
					return
				}
				if step, ok := e.Payload.(types.TaskStep); ok {
					program.Send(stepMsg(step))
				}
			}
		}
	}()
	go func() {
		for {
			select {
			case <-done:
				return
			case e, ok := <-statusSub.Chan():
				if !ok {
					return
				}
				if status, ok := e.Payload.(types.TaskStatus); ok {
					program.Send(statusMsg(status))
				}
			}
		}
	}()
	go func() {
		final, err := awaitTerminal(ctx, tasks, taskID)
		select {
		case <-done:
		default:
			program.Send(taskDoneMsg{task: final, err: err})
		}
	}()

	finalModel, err := program.Run()
	if err != nil {
		return nil, fmt.Errorf("progress view: %w", err)
	}

	pm := finalModel.(progressModel)
	if pm.err != nil {
		return nil, pm.err
	}
	if pm.final == nil {
		return nil, fmt.Errorf("progress view exited before task %s reached a terminal status", taskID)
	}
	return pm.final, nil
}

func storageRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".invisibrow", "storage"), nil
}

// buildChatClient returns a deterministic MockClient under UI_TEST=1
// (no driver or LLM credentials required), otherwise a real OpenAI
// client.
func buildChatClient(cli cliConfig) (llm.ChatClient, error) {
	if os.Getenv("UI_TEST") == "1" {
		return llm.NewMockClient(), nil
	}
	return openai.New(openai.WithAPIKey(cli.apiKey), openai.WithBaseURL(cli.baseURL))
}

// driverFactory returns MockDriver under UI_TEST=1, otherwise a real
// Playwright-backed driver.
func driverFactory() browseragent.DriverFactory {
	if os.Getenv("UI_TEST") == "1" {
		return func(_ context.Context, _ string, _ bool) (browserdrv.PageDriver, error) {
			return browserdrv.NewMockDriver(), nil
		}
	}
	return func(ctx context.Context, profileDir string, headless bool) (browserdrv.PageDriver, error) {
		return browserdrv.NewPlaywrightDriver(ctx, profileDir, headless)
	}
}

func resolveSession(sessions *session.Store, name string, headless bool) (*types.Session, error) {
	existing, err := sessions.List()
	if err != nil {
		return nil, err
	}
	for _, s := range existing {
		if s.Name == name {
			return s, nil
		}
	}
	return sessions.Create(name, headless)
}

// awaitTerminal polls TaskStore until taskID reaches a terminal status or
// ctx is cancelled. The Scheduler itself is what drives the task to that
// status; this just observes it.
func awaitTerminal(ctx context.Context, tasks *task.Store, taskID string) (*types.Task, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			t, err := tasks.Get(taskID)
			if err != nil {
				return nil, err
			}
			if t.Status.IsTerminal() {
				return t, nil
			}
		}
	}
}

// printSteps renders each TaskStep to stdout as the Executor/Planner
// emits them, giving the CLI a live trace instead of a silent wait.
func printSteps(sub *eventbus.Subscription) {
	for e := range sub.Chan() {
		step, ok := e.Payload.(types.TaskStep)
		if !ok {
			continue
		}
		fmt.Printf("  [%s step %d] %s -> %s\n", step.Agent, step.Step, step.Thought, step.Command)
	}
}
