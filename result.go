package buildcache

import (
	"sync"
	"sync/atomic"
)

// BuildState is the lifecycle of a cached artifact.
//
//	Initial -> InProgress -> Done | Failed
//
// Failed and InProgress go back to Initial only on the resource-exhaustion
// retry path (or when a build panics).
type BuildState int32

const (
	StateInitial BuildState = iota
	StateInProgress
	StateDone
	StateFailed
)

func (s BuildState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateInProgress:
		return "in_progress"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result holds a value that is usable only once its state is StateDone, the
// error recorded by a failed build, and a wait/notify signal scoped to this
// result alone. Waiters on one key are never woken by another key's build.
type Result[T any] struct {
	val   T
	state atomic.Int32

	mu   sync.Mutex // guards the recorded error and the cond wait
	cond *sync.Cond

	errMsg       string
	errCode      int32
	errExhausted bool
}

// NewResult returns a Result in StateInitial.
func NewResult[T any]() *Result[T] {
	r := &Result[T]{}
	r.init(StateInitial)
	return r
}

func (r *Result[T]) init(state BuildState) {
	r.cond = sync.NewCond(&r.mu)
	r.state.Store(int32(state))
}

// State returns the current state.
func (r *Result[T]) State() BuildState { return BuildState(r.state.Load()) }

// Value returns the built value and true when the state is Done.
func (r *Result[T]) Value() (T, bool) {
	if r.State() != StateDone {
		var zero T
		return zero, false
	}
	return r.val, true
}

// TryClaim atomically moves the state from -> to and reports whether this
// caller won.
func (r *Result[T]) TryClaim(from, to BuildState) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

// AwaitTransition blocks until the state differs from `from` and returns the
// state it observed. There is no timeout.
func (r *Result[T]) AwaitTransition(from BuildState) BuildState {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if s := r.State(); s != from {
			return s
		}
		r.cond.Wait()
	}
}

// Publish stores the state and wakes every waiter of this result.
func (r *Result[T]) Publish(to BuildState) {
	r.mu.Lock()
	r.state.Store(int32(to))
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Err returns the recorded failure, or nil when none was recorded.
func (r *Result[T]) Err(kind error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errMsg == "" {
		return nil
	}
	return &BuildError{Kind: kind, Message: r.errMsg, Code: r.errCode, ResourceExhausted: r.errExhausted}
}

func (r *Result[T]) recordError(msg string, code int32, exhausted bool) {
	r.mu.Lock()
	r.errMsg = msg
	r.errCode = code
	r.errExhausted = exhausted
	r.mu.Unlock()
}

func (r *Result[T]) setValue(v T) { r.val = v }
