package task

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/helios-os/helios/internal/shared/id"
)

var (
	ErrCancelled = errors.New("task cancelled")
	ErrNotParked = errors.New("task is not suspended")
)

// Result is the value a resumer hands to a suspended task.
type Result struct {
	Value any
	Err   error
}

// Task is a unit of cooperative work. It suspends only at explicit points
// and resumes when handed a Result.
type Task struct {
	id     id.TaskID
	name   string
	cancel *Token
	resume chan Result
}

// ID returns the task's identity.
func (t *Task) ID() id.TaskID { return t.id }

// Name returns the human-readable task name.
func (t *Task) Name() string { return t.name }

// Token returns the task's cancellation token.
func (t *Task) Token() *Token { return t.cancel }

// Suspend parks the task until a result is delivered or the task is
// cancelled. A result delivered just before Suspend is consumed rather than
// lost: delivery uses a one-slot mailbox, so the register-then-suspend gap
// of the sync bridge is safe. If both a result and cancellation are pending,
// either may win.
func (t *Task) Suspend() (Result, error) {
	select {
	case <-t.cancel.Done():
		return Result{}, ErrCancelled
	case r := <-t.resume:
		return r, nil
	}
}

// Resume delivers a result to the task's one-slot mailbox. It reports false
// when a delivery is already pending and undelivered; it never blocks.
func (t *Task) Resume(r Result) bool {
	select {
	case t.resume <- r:
		return true
	default:
		return false
	}
}

// Drain discards an undelivered pending result, if any. Cancellation paths
// use it so a late delivery cannot leak into the task's next suspension.
func (t *Task) Drain() {
	select {
	case <-t.resume:
	default:
	}
}

// Cancel requests cooperative cancellation. The task observes it at its next
// suspension point.
func (t *Task) Cancel() { t.cancel.Cancel() }

// Executor spawns and tracks cooperative tasks.
type Executor struct {
	log   *zap.Logger
	wg    sync.WaitGroup
	tasks sync.Map // id.TaskID -> *Task
}

// NewExecutor creates a task executor. A nil logger disables logging.
func NewExecutor(log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{log: log}
}

// Go starts fn as a new cooperative task and returns its handle.
func (e *Executor) Go(name string, fn func(t *Task)) *Task {
	t := &Task{
		id:     id.NewTaskID(),
		name:   name,
		cancel: NewToken(),
		resume: make(chan Result, 1),
	}
	e.tasks.Store(t.id, t)
	e.wg.Add(1)

	go func() {
		defer func() {
			e.tasks.Delete(t.id)
			e.wg.Done()
		}()
		fn(t)
	}()

	e.log.Debug("task started", zap.String("task", string(t.id)), zap.String("name", name))
	return t
}

// Lookup finds a live task by ID.
func (e *Executor) Lookup(tid id.TaskID) (*Task, bool) {
	v, ok := e.tasks.Load(tid)
	if !ok {
		return nil, false
	}
	return v.(*Task), true
}

// Wait blocks until every spawned task has returned.
func (e *Executor) Wait() { e.wg.Wait() }
