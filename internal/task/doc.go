// Package task provides the cooperative task substrate consumed by the sync
// bridge.
//
// A Task is a unit of cooperative work running on its own goroutine.
// Suspension happens only at explicit points: the task calls Suspend and
// parks until some other party calls Resume with a result. Resumption is
// data-driven: the resumer hands over a Result value, it never runs code on
// the suspended task's behalf.
//
// Cancellation is cooperative. Every task carries a Token; Suspend consults
// it, so a task can only be cancelled at points where it has agreed to be
// interruptible. There is no preemptive or unwind-based cancellation.
//
// Example Usage:
//
//	exec := task.NewExecutor(logger)
//	t := exec.Go("reader", func(t *task.Task) {
//	    res, err := t.Suspend() // parked until Resume or cancel
//	    ...
//	})
//	t.Resume(task.Result{Value: 42})
package task
