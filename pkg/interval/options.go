package interval

import (
	"context"
	"strings"

	logx "asyncinterval/pkg/logx"
)

type options struct {
	name     string
	clock    Clock
	log      logx.Logger
	ctx      context.Context
	observer func(IterationEvent)
}

// Option configures a runner.
type Option func(*options)

func defaultOptions() options {
	return options{
		clock: SystemClock,
		log:   logx.Nop(),
		ctx:   context.Background(),
	}
}

// WithName sets the name used in logs, Status and IterationEvent.
// The name is trimmed; it is not required to be unique.
func WithName(name string) Option {
	return func(o *options) { o.name = strings.TrimSpace(name) }
}

// WithClock replaces SystemClock. A nil clock is ignored.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger enables iteration logging. The default logger discards everything.
func WithLogger(log logx.Logger) Option {
	return func(o *options) {
		if !log.IsZero() {
			o.log = log
		}
	}
}

// WithContext sets the parent context passed to every task invocation.
//
// Cancelling ctx does not stop the runner; only Handle.Stop does.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

// WithObserver installs a hook called after every run, once the next run is scheduled.
//
// The hook runs on the runner's goroutine after the next run has been scheduled, so a slow
// hook may still be executing when the next run starts. Keep it fast.
func WithObserver(fn func(IterationEvent)) Option {
	return func(o *options) { o.observer = fn }
}
