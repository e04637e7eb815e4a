package main

import (
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/invisibrow/invisibrow/pkg/types"
)

// Color palette and step/status styling are grounded on the teacher's
// pkg/executor/tui/styles.go single-source-of-truth palette, trimmed to
// the subset this one-shot progress view needs.
var (
	salmonPink  = lipgloss.Color("#FFB3BA")
	mintGreen   = lipgloss.Color("#A8E6CF")
	mutedGray   = lipgloss.Color("#6B7280")
	brightWhite = lipgloss.Color("#F9FAFB")

	headerStyle  = lipgloss.NewStyle().Foreground(salmonPink).Bold(true)
	thoughtStyle = lipgloss.NewStyle().Foreground(mutedGray).Italic(true)
	commandStyle = lipgloss.NewStyle().Foreground(mintGreen)
	resultStyle  = lipgloss.NewStyle().Foreground(brightWhite).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(salmonPink).Bold(true)
)

// stepMsg and statusMsg wrap TaskStep/TaskStatus events forwarded off the
// EventBus; taskDoneMsg is sent once the task's TaskStore record reaches a
// terminal status.
type stepMsg types.TaskStep
type statusMsg types.TaskStatus
type taskDoneMsg struct {
	task *types.Task
	err  error
}

// progressModel renders one task's live step trace to the terminal,
// grounded on the teacher's model.go (spinner + content buffer) but
// reduced to a single append-only log instead of a full chat viewport,
// since this view has no user input to manage. Events reach it the way
// the teacher's executor.go forwards agent events to its program: a
// goroutine outside the model calls (*tea.Program).Send for every
// TaskStep/TaskStatus/terminal-task event, rather than the model pulling
// from a channel itself.
type progressModel struct {
	spinner   spinner.Model
	sessionID string
	taskID    string
	goal      string

	steps  []types.TaskStep
	status types.TaskStatus

	done    bool
	final   *types.Task
	err     error
	copied  bool
	copyErr error
}

func newProgressModel(sessionID, taskID, goal string) progressModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = thoughtStyle
	return progressModel{
		spinner:   sp,
		sessionID: sessionID,
		taskID:    taskID,
		goal:      goal,
		status:    types.TaskStatusPending,
	}
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case stepMsg:
		m.steps = append(m.steps, types.TaskStep(msg))
		return m, nil

	case statusMsg:
		m.status = types.TaskStatus(msg)
		return m, nil

	case taskDoneMsg:
		m.done = true
		m.final = msg.task
		m.err = msg.err
		return m, nil

	case tea.KeyMsg:
		if !m.done {
			if msg.String() == "ctrl+c" {
				return m, tea.Quit
			}
			return m, nil
		}
		switch msg.String() {
		case "c":
			if m.final != nil && m.final.Status == types.TaskStatusCompleted {
				m.copyErr = clipboard.WriteAll(m.final.Result)
				m.copied = m.copyErr == nil
			}
			return m, nil
		default:
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m progressModel) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("invisibrow: %s", m.goal)))
	b.WriteString("\n\n")

	for _, s := range m.steps {
		b.WriteString(fmt.Sprintf("  %s %s\n", thoughtStyle.Render(fmt.Sprintf("[%s %d]", s.Agent, s.Step)), s.Thought))
		b.WriteString(fmt.Sprintf("    %s\n", commandStyle.Render(s.Command)))
	}

	if m.done {
		switch {
		case m.err != nil:
			b.WriteString(errorStyle.Render(fmt.Sprintf("\naborted: %v\n", m.err)))
		case m.final != nil && m.final.Status == types.TaskStatusCompleted:
			b.WriteString(resultStyle.Render(fmt.Sprintf("\ndone: %s\n", m.final.Result)))
			b.WriteString(thoughtStyle.Render("press c to copy the result, any other key to exit\n"))
			if m.copied {
				b.WriteString(commandStyle.Render("copied to clipboard\n"))
			} else if m.copyErr != nil {
				b.WriteString(errorStyle.Render(fmt.Sprintf("copy failed: %v\n", m.copyErr)))
			}
		case m.final != nil && m.final.Status == types.TaskStatusCancelled:
			b.WriteString(errorStyle.Render("\ncancelled\n"))
		case m.final != nil:
			b.WriteString(errorStyle.Render(fmt.Sprintf("\nfailed: %s\n", m.final.Error)))
		}
		return b.String()
	}

	b.WriteString(fmt.Sprintf("\n%s %s\n", m.spinner.View(), strings.ToLower(string(m.status))))
	return b.String()
}
