package interval

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "asyncinterval/pkg/logx"
)

// Handle controls a runner created by Start.
type Handle struct {
	cfg  Config
	opts options
	log  logx.Logger

	// mu guards stopped, pending and st. Task code and callbacks never run under mu.
	mu      sync.Mutex
	stopped bool
	pending Timer
	st      Status
}

// Start validates cfg and starts the runner. The first run is already launched when
// Start returns.
func Start(cfg Config, opts ...Option) (*Handle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout != nil {
		tp := *cfg.Timeout
		cfg.Timeout = &tp
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	h := &Handle{cfg: cfg, opts: o}
	h.log = o.log.With(logx.String("interval", o.name))
	h.st = Status{Name: o.name, State: StateRunning}

	fields := []logx.Field{logx.Duration("delay", cfg.Delay)}
	if cfg.Timeout != nil {
		fields = append(fields, logx.Duration("timeout", cfg.Timeout.After), logx.Bool("cancel_on_timeout", cfg.Timeout.CancelTask))
	}
	h.log.Debug("interval started", fields...)

	go h.iterate()
	return h, nil
}

// Name returns the name set with WithName.
func (h *Handle) Name() string { return h.opts.name }

// Stop prevents any further run from starting. It is safe to call more than once and from
// inside the task or its callbacks. A run already in flight is not interrupted.
func (h *Handle) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	if h.pending != nil {
		h.pending.Stop()
		h.pending = nil
	}
	inflight := h.st.State == StateRunning
	h.st.State = StateStopped
	h.st.NextRun = time.Time{}
	h.mu.Unlock()

	h.log.Debug("interval stopped", logx.Bool("run_in_flight", inflight))
}

// Stopped reports whether Stop has been called.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Status returns a snapshot of the runner.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.st
}

// iterate is one run. It is invoked on its own goroutine, first by Start and then by the
// clock, so the loop never grows the stack.
func (h *Handle) iterate() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.pending = nil
	h.st.Runs++
	seq := h.st.Runs
	started := h.opts.clock.Now()
	h.st.State = StateRunning
	h.st.LastStarted = started
	h.st.NextRun = time.Time{}
	h.mu.Unlock()

	outcome, err := h.execute()
	finished := h.opts.clock.Now()

	switch outcome {
	case OutcomeFailure:
		if h.cfg.OnError != nil {
			h.callback("on_error", func() { h.cfg.OnError(err) })
		}
	case OutcomeTimeout:
		if h.cfg.Timeout.OnExceeded != nil {
			h.callback("on_timeout_exceeded", h.cfg.Timeout.OnExceeded)
		}
	}

	h.mu.Lock()
	h.st.LastFinished = finished
	h.st.LastOutcome = outcome
	switch outcome {
	case OutcomeSuccess:
		h.st.Successes++
	case OutcomeFailure:
		h.st.Failures++
		h.st.LastError = err.Error()
	case OutcomeTimeout:
		h.st.Timeouts++
		h.st.LastError = err.Error()
	}
	var next time.Time
	if !h.stopped {
		h.pending = h.opts.clock.AfterFunc(h.cfg.Delay, h.iterate)
		next = finished.Add(h.cfg.Delay)
		h.st.State = StateWaiting
		h.st.NextRun = next
	}
	h.mu.Unlock()

	h.report(seq, started, finished, outcome, err, next)
}

// execute runs the task once and resolves the run to exactly one outcome.
func (h *Handle) execute() (Outcome, error) {
	if h.cfg.Timeout == nil {
		return outcomeOf(h.invoke(h.opts.ctx))
	}

	ctx := h.opts.ctx
	if h.cfg.Timeout.CancelTask {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	// Buffered so an abandoned task can still deliver its result and exit.
	done := make(chan error, 1)
	go func() { done <- h.invoke(ctx) }()

	expired := make(chan struct{})
	timer := h.opts.clock.AfterFunc(h.cfg.Timeout.After, func() { close(expired) })

	select {
	case err := <-done:
		timer.Stop()
		return outcomeOf(err)
	case <-expired:
		// A result that is already available beats the timeout.
		select {
		case err := <-done:
			return outcomeOf(err)
		default:
		}
		return OutcomeTimeout, ErrTimeoutExceeded
	}
}

func outcomeOf(err error) (Outcome, error) {
	if err != nil {
		return OutcomeFailure, err
	}
	return OutcomeSuccess, nil
}

func (h *Handle) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Value: r, Stack: string(debug.Stack())}
			h.log.Warn("interval task panicked", logx.Any("panic", r), logx.String("stack", pe.Stack))
			err = pe
		}
	}()
	return h.cfg.Task(ctx)
}

// callback runs a user handler. A panicking handler is logged and otherwise ignored so it
// cannot break the schedule.
func (h *Handle) callback(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("interval callback panicked",
				logx.String("callback", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}

func (h *Handle) report(seq uint64, started, finished time.Time, outcome Outcome, err error, next time.Time) {
	ev := IterationEvent{
		ID:       uuid.NewString(),
		Name:     h.opts.name,
		Seq:      seq,
		Started:  started,
		Duration: finished.Sub(started),
		Outcome:  outcome,
		Next:     next,
	}
	if err != nil {
		ev.Err = err.Error()
	}

	if h.log.Enabled(logx.LevelDebug) {
		fields := []logx.Field{
			logx.String("run_id", ev.ID),
			logx.Uint64("seq", seq),
			logx.String("outcome", outcome.String()),
			logx.Duration("took", ev.Duration),
		}
		if err != nil {
			fields = append(fields, logx.Err(err))
		}
		if !next.IsZero() {
			fields = append(fields, logx.Time("next", next))
		}
		h.log.Debug("interval run finished", fields...)
	}

	if h.opts.observer != nil {
		h.callback("observer", func() { h.opts.observer(ev) })
	}
}
