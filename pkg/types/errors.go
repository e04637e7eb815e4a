package types

import "errors"

// Sentinel errors returned by the Scheduler/Planner/Executor loop. Wrapped
// with fmt.Errorf("<package>: <verb>: %w", err) at each layer so the root
// cause stays reachable via errors.Is while Task.Error keeps the
// human-readable message.
var (
	// ErrAborted means a cancel token fired; terminal status is cancelled,
	// never failed.
	ErrAborted = errors.New("User aborted")

	// ErrMaxSteps means a Planner or Executor loop exceeded its 15-step
	// budget without reaching a terminal command.
	ErrMaxSteps = errors.New("max steps reached")

	// ErrRestartInterrupted marks a task that was pending/running when the
	// process last exited, rewritten to failed on load.
	ErrRestartInterrupted = errors.New("interrupted by process restart")

	// ErrVerificationCancelled means the user cancelled an in-progress
	// intervention handshake rather than resolving it.
	ErrVerificationCancelled = errors.New("User cancelled verification")
)
