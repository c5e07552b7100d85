package syncbridge

import (
	"fmt"

	"github.com/helios-os/helios/internal/stream"
	"github.com/helios-os/helios/internal/task"
)

// ReadTask reads into p on behalf of a cooperative task, suspending the task
// while the stream is empty. The armed wakeup is a pure notification: firing
// it resumes the task and nothing else, and the resumed task re-issues the
// read itself. A wakeup already detached for delivery when the task is
// cancelled therefore cannot consume bytes on behalf of the dead caller; at
// worst it leaves a stale resume in the mailbox, which a later suspension
// discards.
//
// Cancellation at the suspension point deregisters the wakeup and drains the
// mailbox before returning, so a later registration on the same handle
// starts from a clean slot.
func (b *Bridge) ReadTask(t *task.Task, h stream.Handle, p []byte) (int, error) {
	armed := false
	for {
		if armed {
			// The resume that woke us may have been stale, leaving our own
			// registration still parked; clear it before re-arming.
			b.streams.DeregisterWakeup(h, stream.DirRead)
			armed = false
		}

		n, err := b.streams.TryRead(h, p)
		if n > 0 || err != nil {
			return n, err
		}
		if t.Token().Cancelled() {
			return 0, task.ErrCancelled
		}

		cont := &Continuation{Op: OpRead, Handle: h, Task: t.ID()}
		cont.Fire = func() {
			// Notification only. A refused delivery means a resume is
			// already pending, which wakes the task just the same.
			t.Resume(task.Result{})
		}
		if err := b.streams.RegisterWakeup(h, stream.DirRead, cont.Fire); err != nil {
			return 0, fmt.Errorf("arming read wakeup: %w", err)
		}
		armed = true

		if _, serr := t.Suspend(); serr != nil {
			b.streams.DeregisterWakeup(h, stream.DirRead)
			t.Drain()
			return 0, serr
		}
		// Woken: either data arrived or the resume was stale. The re-issued
		// TryRead decides.
	}
}

// WriteTask writes p on behalf of a cooperative task. Writes never block on
// this transport, so the task is not suspended; the call exists so task code
// has one operation shape for both directions.
func (b *Bridge) WriteTask(t *task.Task, h stream.Handle, p []byte) (int, error) {
	if t.Token().Cancelled() {
		return 0, task.ErrCancelled
	}
	return b.streams.Write(h, p)
}
