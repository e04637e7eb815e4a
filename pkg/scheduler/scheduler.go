// Package scheduler runs a bounded-concurrency worker pool over
// submitted tasks, each driving one Planner invocation through to a
// terminal TaskStore status. Grounded on the teacher's pkg/agent
// WorkerPool (fixed worker count, pull-loop goroutines, atomic
// in-flight counters) adapted from a queue-backed message-bus pool to
// a simple in-process channel, since the core has no distributed queue
// (per spec Non-goals).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/invisibrow/invisibrow/pkg/eventbus"
	"github.com/invisibrow/invisibrow/pkg/llm"
	"github.com/invisibrow/invisibrow/pkg/planner"
	"github.com/invisibrow/invisibrow/pkg/session"
	"github.com/invisibrow/invisibrow/pkg/task"
	"github.com/invisibrow/invisibrow/pkg/tokenaccounting"
	"github.com/invisibrow/invisibrow/pkg/types"
)

// job is one submitted unit of work, queued FIFO and consumed by
// whichever worker goroutine is free.
type job struct {
	taskID    string
	sessionID string
	goal      string
}

// Scheduler bounds concurrent Planner invocations at N, persists step
// and status transitions through TaskStore/SessionStore, and folds
// token usage into TokenAccounting.
type Scheduler struct {
	planner  *planner.Planner
	tasks    *task.Store
	sessions *session.Store
	accounts *tokenaccounting.Accounting
	bus      *eventbus.Bus

	concurrency int
	queue       chan job
	wg          sync.WaitGroup

	mu                sync.Mutex
	cancels           map[string]context.CancelFunc
	cancelledAtSubmit map[string]bool

	sessionLocks sync.Map // sessionID -> *sync.Mutex, per §5/§9 per-session serialization

	inFlight atomic.Int64
	stopOnce sync.Once
}

// New constructs a Scheduler with concurrency workers, immediately
// started. Close releases the workers. bus may be nil; if set, the
// Scheduler publishes SignalTaskStep and SignalTaskStatus events for a
// terminal or other progress UI to subscribe to.
func New(p *planner.Planner, tasks *task.Store, sessions *session.Store, accounts *tokenaccounting.Accounting, bus *eventbus.Bus, concurrency int) *Scheduler {
	if concurrency <= 0 {
		concurrency = 2
	}
	s := &Scheduler{
		planner:           p,
		tasks:             tasks,
		sessions:          sessions,
		accounts:          accounts,
		bus:               bus,
		concurrency:       concurrency,
		queue:             make(chan job, 256),
		cancels:           make(map[string]context.CancelFunc),
		cancelledAtSubmit: make(map[string]bool),
	}
	for i := 0; i < concurrency; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}
	return s
}

// Submit creates a pending task for sessionID/goal, persists it, and
// enqueues it for execution by the next free worker.
func (s *Scheduler) Submit(ctx context.Context, sessionID, goal string) (string, error) {
	t, err := s.tasks.Create(sessionID, goal)
	if err != nil {
		return "", fmt.Errorf("scheduler: create task: %w", err)
	}

	select {
	case s.queue <- job{taskID: t.ID, sessionID: sessionID, goal: goal}:
	default:
		return "", fmt.Errorf("scheduler: queue full")
	}
	return t.ID, nil
}

// Stop signals cancellation for taskID. If it is already running, its
// cancel token fires. If it is still queued, the worker that eventually
// dequeues it will see the pre-marked cancellation and short-circuit at
// the gate without invoking the Planner.
func (s *Scheduler) Stop(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.cancels[taskID]; ok {
		cancel()
		return
	}
	s.cancelledAtSubmit[taskID] = true
}

// Tasks returns every task, newest first, delegating to TaskStore.
func (s *Scheduler) Tasks() ([]*types.Task, error) {
	return s.tasks.List()
}

// Close stops accepting new work and waits for in-flight jobs to drain.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
}

func (s *Scheduler) workerLoop() {
	defer s.wg.Done()
	for j := range s.queue {
		s.runJob(j)
	}
}

// runJob implements the two-phase Gate/Run structure from §4.1.
func (s *Scheduler) runJob(j job) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	// Gate: task may have been cancelled while queued.
	s.mu.Lock()
	preCancelled := s.cancelledAtSubmit[j.taskID]
	delete(s.cancelledAtSubmit, j.taskID)
	s.mu.Unlock()

	if preCancelled {
		_ = s.tasks.Complete(j.taskID, types.TaskStatusCancelled, "", "", "cancelled before start")
		return
	}

	lock := s.lockFor(j.sessionID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[j.taskID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, j.taskID)
		s.mu.Unlock()
		cancel()
	}()

	if err := s.tasks.SetRunning(j.taskID); err != nil {
		return
	}
	s.publishStatus(j, types.TaskStatusRunning)

	sess, err := s.sessions.Get(j.sessionID)
	if err != nil {
		_ = s.tasks.Complete(j.taskID, types.TaskStatusFailed, "", "", fmt.Sprintf("scheduler: load session: %v", err))
		s.publishStatus(j, types.TaskStatusFailed)
		return
	}

	hooks := planner.Hooks{
		OnStep: func(step types.TaskStep) error {
			if err := s.tasks.AppendStep(j.taskID, step); err != nil {
				return err
			}
			s.publish(eventbus.SignalTaskStep, j, step)
			return nil
		},
		OnTokenUsage: func(model string, usage llm.Usage) error {
			typedUsage := types.Usage{InputTokens: usage.InputTokens, CachedTokens: usage.CachedTokens, OutputTokens: usage.OutputTokens}
			s.accounts.Record(j.sessionID, model, typedUsage)
			return nil
		},
		OnSessionHistoryUpdate: func(entry string) error {
			return s.sessions.AppendHistory(j.sessionID, entry)
		},
	}

	result, runErr := s.planner.Run(ctx, j.taskID, j.sessionID, j.goal, sess.Headless, sess.SessionHistory, hooks)

	stats := s.accounts.Stats(j.sessionID)
	_ = s.sessions.UpdateStats(j.sessionID, stats)

	if runErr != nil {
		status := types.TaskStatusFailed
		if ctx.Err() != nil {
			status = types.TaskStatusCancelled
		}
		s.accounts.RecordTaskOutcome(j.sessionID, status == types.TaskStatusFailed)
		_ = s.tasks.Complete(j.taskID, status, "", "", runErr.Error())
		s.publishStatus(j, status)
		return
	}

	s.accounts.RecordTaskOutcome(j.sessionID, false)
	_ = s.tasks.Complete(j.taskID, types.TaskStatusCompleted, result.Answer, result.URL, "")
	s.publishStatus(j, types.TaskStatusCompleted)
}

func (s *Scheduler) publishStatus(j job, status types.TaskStatus) {
	s.publish(eventbus.SignalTaskStatus, j, status)
}

func (s *Scheduler) publish(signal eventbus.Signal, j job, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Signal: signal, SessionID: j.sessionID, TaskID: j.taskID, Payload: payload})
}

func (s *Scheduler) lockFor(sessionID string) *sync.Mutex {
	v, _ := s.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// InFlight returns the current count of running (not queued) jobs, for
// tests and diagnostics.
func (s *Scheduler) InFlight() int64 {
	return s.inFlight.Load()
}
