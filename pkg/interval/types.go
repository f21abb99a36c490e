package interval

import (
	"context"
	"fmt"
	"time"
)

// Task is the unit of work executed once per run.
//
// The context comes from WithContext (context.Background by default). The runner only
// cancels it when TimeoutPolicy.CancelTask is set and the timeout fires.
type Task func(ctx context.Context) error

// Config is the schedule of one runner. It is copied by Start and not read afterwards.
type Config struct {
	// Delay is the pause between the end of one run and the start of the next. Must be >= 0.
	Delay time.Duration

	// Task is required.
	Task Task

	// OnError receives task failures (returned errors and recovered panics).
	// If nil, failures are dropped.
	OnError func(err error)

	// Timeout bounds each run. Nil means runs are awaited without limit.
	Timeout *TimeoutPolicy
}

// TimeoutPolicy bounds a single run.
type TimeoutPolicy struct {
	// After must be > 0.
	After time.Duration

	// OnExceeded is called when a run does not settle within After.
	// If nil, timeouts are dropped.
	OnExceeded func()

	// CancelTask cancels the task's context when the timeout fires.
	// By default the timed-out task keeps running and its result is ignored.
	CancelTask bool
}

func (c Config) validate() error {
	if c.Task == nil {
		return invalidf("task is required")
	}
	if c.Delay < 0 {
		return invalidf("delay must be >= 0, got %s", c.Delay)
	}
	if c.Timeout != nil && c.Timeout.After <= 0 {
		return invalidf("timeout must be > 0, got %s", c.Timeout.After)
	}
	return nil
}

// Outcome is how a run resolved.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// State is the runner's lifecycle state.
type State int

const (
	StateRunning State = iota
	StateWaiting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is a point-in-time view of a runner.
type Status struct {
	Name  string
	State State

	Runs      uint64
	Successes uint64
	Failures  uint64
	Timeouts  uint64

	LastStarted  time.Time
	LastFinished time.Time
	LastOutcome  Outcome

	// LastError is the most recent failure or timeout. It is not cleared on success.
	LastError string

	// NextRun is zero while a run is in flight and after Stop.
	NextRun time.Time
}

// IterationEvent describes one finished run. It is passed to the WithObserver hook.
type IterationEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Seq      uint64        `json:"seq"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  Outcome       `json:"outcome"`
	Err      string        `json:"error,omitempty"`

	// Next is the scheduled start of the following run; zero if the runner was stopped.
	Next time.Time `json:"next"`
}
