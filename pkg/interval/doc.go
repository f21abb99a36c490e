// Package interval runs one caller-supplied task on a fixed-delay cadence.
//
// A runner is created with Start and controlled through the returned Handle:
//
//	h, err := interval.Start(interval.Config{
//		Delay: 30 * time.Second,
//		Task:  refresh,
//		OnError: func(err error) {
//			log.Warn("refresh failed", logx.Err(err))
//		},
//		Timeout: &interval.TimeoutPolicy{
//			After:      5 * time.Second,
//			OnExceeded: func() { log.Warn("refresh timed out") },
//		},
//	})
//	if err != nil {
//		return err
//	}
//	defer h.Stop()
//
// Semantics:
//   - The first run starts immediately (asynchronously) when Start is called.
//   - Runs never overlap. The next run is scheduled Delay after the previous run resolved
//     (success, failure or timeout).
//   - A task failure goes to OnError, a timeout goes to Timeout.OnExceeded. The two are
//     mutually exclusive per run. A missing handler means the event is dropped.
//     Neither kind ever stops the loop.
//   - When the timeout fires first the task is abandoned, not waited for. Its late result is
//     ignored. Set TimeoutPolicy.CancelTask to also cancel the task's context.
//   - If the task result and the timeout are both ready, the task result wins.
//   - Stop is idempotent. It cancels the pending timer but does not interrupt a run that is
//     already in flight; that run finishes and the loop then exits.
//
// Panics inside the task are recovered and reported to OnError as *PanicError.
package interval
