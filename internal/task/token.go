package task

import "sync"

// Token is a cooperative cancellation flag consulted at suspension points.
type Token struct {
	once sync.Once
	done chan struct{}
}

// NewToken creates an uncancelled token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel marks the token. Safe to call more than once.
func (tk *Token) Cancel() {
	tk.once.Do(func() { close(tk.done) })
}

// Done returns a channel closed on cancellation.
func (tk *Token) Done() <-chan struct{} { return tk.done }

// Cancelled reports whether Cancel has been called.
func (tk *Token) Cancelled() bool {
	select {
	case <-tk.done:
		return true
	default:
		return false
	}
}
