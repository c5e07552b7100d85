package syncbridge

import (
	"github.com/helios-os/helios/internal/shared/id"
	"github.com/helios-os/helios/internal/stream"
)

// Op tags which primitive operation a continuation re-issues.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpRead {
		return "read"
	}
	return "write"
}

// Continuation is a parked operation in data form: the operation, the handle
// it targets, and the requesting task. Firing it re-issues the operation; it
// is inspectable state held by the transport, not an opaque pointer.
type Continuation struct {
	Op     Op
	Handle stream.Handle
	Task   id.TaskID
	Fire   func()
}

type modeKind int

const (
	modeBlocking modeKind = iota
	modeAttempt
	modeSignal
	modeWakeup
)

// Mode selects how an operation behaves when it cannot complete immediately.
type Mode struct {
	kind   modeKind
	signal chan<- struct{}
	cont   *Continuation
}

// Blocking parks the calling goroutine until the operation can progress.
func Blocking() Mode { return Mode{kind: modeBlocking} }

// Attempt returns immediately with whatever progress was made, zero included.
func Attempt() Mode { return Mode{kind: modeAttempt} }

// Signal returns immediately; when a retry becomes worthwhile a single
// notification is posted to ch (dropped, not blocked on, if ch is full).
func Signal(ch chan<- struct{}) Mode { return Mode{kind: modeSignal, signal: ch} }

// Wakeup returns immediately and arms c to re-issue the operation when it
// becomes retry-worthy.
func Wakeup(c *Continuation) Mode { return Mode{kind: modeWakeup, cont: c} }

func (m Mode) String() string {
	switch m.kind {
	case modeBlocking:
		return "blocking"
	case modeAttempt:
		return "attempt"
	case modeSignal:
		return "signal"
	default:
		return "wakeup"
	}
}
