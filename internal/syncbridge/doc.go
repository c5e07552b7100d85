// Package syncbridge unifies the synchronization modes of stream I/O behind
// one operation shape.
//
// Every read and write takes a Mode describing what to do when the operation
// cannot complete immediately:
//   - Blocking: park the calling goroutine until progress is possible.
//   - Attempt: return immediately with whatever progress was made, zero
//     included, and no error.
//   - Signal: return immediately and post a one-shot notification when a
//     retry is worthwhile; the caller re-issues the call itself.
//   - Wakeup: return immediately and arm a continuation that re-issues the
//     same operation when it becomes retry-worthy. Firing the continuation is
//     defined as equivalent to the caller re-invoking the call, side effects
//     included.
//
// At most one Signal/Wakeup registration may be outstanding per (handle,
// direction); a second is a usage error. A caller that retries manually while
// a registration is armed risks double-invocation; deregister first.
//
// ReadTask and WriteTask are the suspend-based variants used inside
// cooperative tasks. ReadTask arms a notification-only wakeup: firing it
// resumes the task and the resumed task re-issues the read itself, so a
// wakeup that outlives a cancellation cannot perform I/O on the dead
// caller's behalf. Cancellation at the suspension point deregisters the
// wakeup and drains the mailbox.
package syncbridge
