// Package task runs push and pull work as one-shot cancellable operations.
//
// An Operation runs its body at most once and reports a single terminal
// Result. Cancelling before the body starts finishes the operation without
// running the body.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCancelled is the result error of an operation cancelled before it ran.
var ErrCancelled = errors.New("task: cancelled")

// State is the lifecycle position of an operation.
type State int

// Operation states.
const (
	StateReady State = iota
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Func is the body of an operation.
type Func func(ctx context.Context) error

// Result is the terminal outcome of an operation.
type Result struct {
	Name      string
	Err       error
	Cancelled bool
}

// Operation is a one-shot unit of work.
type Operation struct {
	name string
	fn   Func

	mu        sync.Mutex
	state     State
	cancelled bool
	cancel    context.CancelFunc
	handlers  []func(Result)
	result    Result
	done      chan struct{}
}

// New returns a ready operation.
func New(name string, fn Func) *Operation {
	return &Operation{name: name, fn: fn, done: make(chan struct{})}
}

// Name returns the operation name.
func (o *Operation) Name() string { return o.name }

// OnComplete registers h to receive the result. Handlers registered after
// the operation finished are called immediately. Each handler is called once.
func (o *Operation) OnComplete(h func(Result)) *Operation {
	o.mu.Lock()
	if o.state == StateFinished {
		res := o.result
		o.mu.Unlock()
		h(res)
		return o
	}
	o.handlers = append(o.handlers, h)
	o.mu.Unlock()
	return o
}

// Start runs the body on its own goroutine. Starting a running or finished
// operation is a no-op.
func (o *Operation) Start(ctx context.Context) {
	if runCtx, ok := o.begin(ctx); ok {
		go o.execute(runCtx)
	}
}

// Run is Start followed by waiting for the result on the calling goroutine.
func (o *Operation) Run(ctx context.Context) Result {
	if runCtx, ok := o.begin(ctx); ok {
		o.execute(runCtx)
	}
	<-o.done
	res, _ := o.Result()
	return res
}

func (o *Operation) begin(ctx context.Context) (context.Context, bool) {
	o.mu.Lock()
	if o.state != StateReady {
		o.mu.Unlock()
		return nil, false
	}
	if o.cancelled {
		o.mu.Unlock()
		o.finish(ErrCancelled, true)
		return nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.state = StateRunning
	o.mu.Unlock()
	return runCtx, true
}

func (o *Operation) execute(ctx context.Context) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %s: panic: %v", o.name, r)
			}
		}()
		err = o.fn(ctx)
	}()
	o.mu.Lock()
	cancelled := o.cancelled
	o.mu.Unlock()
	o.finish(err, cancelled)
}

// Cancel requests cancellation. A ready operation finishes at once without
// running its body; a running one has its context cancelled.
func (o *Operation) Cancel() {
	o.mu.Lock()
	if o.state == StateFinished || o.cancelled {
		o.mu.Unlock()
		return
	}
	o.cancelled = true
	switch o.state {
	case StateReady:
		o.mu.Unlock()
		o.finish(ErrCancelled, true)
	case StateRunning:
		cancel := o.cancel
		o.mu.Unlock()
		cancel()
	default:
		o.mu.Unlock()
	}
}

func (o *Operation) finish(err error, cancelled bool) {
	o.mu.Lock()
	if o.state == StateFinished {
		o.mu.Unlock()
		return
	}
	o.state = StateFinished
	o.result = Result{Name: o.name, Err: err, Cancelled: cancelled}
	handlers := o.handlers
	o.handlers = nil
	if o.cancel != nil {
		o.cancel()
	}
	res := o.result
	o.mu.Unlock()

	for _, h := range handlers {
		h(res)
	}
	close(o.done)
}

// Done is closed once the operation has finished and its handlers returned.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Wait blocks until the operation finishes or ctx is done.
func (o *Operation) Wait(ctx context.Context) (Result, error) {
	select {
	case <-o.done:
		res, _ := o.Result()
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// State returns the current lifecycle state.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Result returns the terminal result once the operation has finished.
func (o *Operation) Result() (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result, o.state == StateFinished
}
