// Package dispatch provides serialized execution queues. Each Dispatcher owns
// one scope (a database entity tree, a repository working tree) and runs the
// actions posted to it one at a time, in the order they were enqueued.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"schemahub/pkg/domain"
)

// ErrClosed is returned for actions posted after Close.
var ErrClosed = errors.New("dispatcher closed")

// ErrAccessViolation is returned by VerifyAccess outside the owning dispatcher.
var ErrAccessViolation = errors.New("access violation")

// QueueObserver receives the queue depth whenever it changes.
type QueueObserver func(dispatcher string, depth int)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueueObserver installs a queue depth observer.
func WithQueueObserver(fn QueueObserver) Option {
	return func(d *Dispatcher) { d.observe = fn }
}

// WithLogger sets the logger used for recovered panics.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

type task struct {
	ctx context.Context
	run func(ctx context.Context)
}

// Dispatcher is a single-consumer FIFO execution queue.
type Dispatcher struct {
	name    string
	log     *zap.SugaredLogger
	observe QueueObserver

	mu      sync.Mutex
	pending []task
	closed  bool
	wake    chan struct{}

	done chan struct{}
}

// New starts a dispatcher named name.
func New(name string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		name: name,
		log:  zap.NewNop().Sugar(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.loop()
	return d
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string { return d.name }

type frameKey struct{}

// frame links the dispatchers whose actions are on the current call stack.
// A dispatcher awaiting a nested invocation is blocked, so code running on
// behalf of any frame in the chain has exclusive access to its scope.
type frame struct {
	d      *Dispatcher
	parent *frame
}

func withFrame(ctx context.Context, d *Dispatcher) context.Context {
	parent, _ := ctx.Value(frameKey{}).(*frame)
	return context.WithValue(ctx, frameKey{}, &frame{d: d, parent: parent})
}

// CheckAccess reports whether ctx executes inside d, directly or through a
// nested invocation d is awaiting.
func (d *Dispatcher) CheckAccess(ctx context.Context) bool {
	for f, _ := ctx.Value(frameKey{}).(*frame); f != nil; f = f.parent {
		if f.d == d {
			return true
		}
	}
	return false
}

// VerifyAccess fails unless ctx executes inside d.
func (d *Dispatcher) VerifyAccess(ctx context.Context) error {
	if d.CheckAccess(ctx) {
		return nil
	}
	return fmt.Errorf("%w: caller is outside dispatcher %s", ErrAccessViolation, d.name)
}

// Post enqueues fn without waiting for it. Actions posted after Close are dropped.
func (d *Dispatcher) Post(ctx context.Context, fn func(ctx context.Context)) bool {
	return d.enqueue(task{ctx: ctx, run: fn})
}

func (d *Dispatcher) enqueue(t task) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.pending = append(d.pending, t)
	depth := len(d.pending)
	d.mu.Unlock()
	d.report(depth)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

func (d *Dispatcher) next() (task, bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return task{}, false, d.closed
	}
	t := d.pending[0]
	d.pending[0] = task{}
	d.pending = d.pending[1:]
	return t, true, false
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		t, ok, closed := d.next()
		if !ok {
			if closed {
				return
			}
			<-d.wake
			continue
		}
		d.report(d.Len())
		d.execute(t)
	}
}

func (d *Dispatcher) execute(t task) {
	ctx := withFrame(context.WithoutCancel(t.ctx), d)
	_, _ = protect(ctx, d, func(ctx context.Context) (struct{}, error) {
		t.run(ctx)
		return struct{}{}, nil
	})
}

func (d *Dispatcher) report(depth int) {
	if d.observe != nil {
		d.observe(d.name, depth)
	}
}

// Len returns the number of queued actions.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops accepting actions, runs the ones already queued and waits for
// the loop to exit or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	d.mu.Unlock()
	if !already {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes fn on d and waits for its result.
func (d *Dispatcher) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Invoke(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Future is the pending result of an action posted with Go.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T, err error) {
	f.value, f.err = v, err
	close(f.done)
}

// Done is closed once the action has finished.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await waits for the action. A canceled ctx stops the wait, not the action.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Go posts fn to d. When ctx already executes inside d the action runs
// inline, so nested invocations never wait on their own queue. An action
// whose ctx is canceled before it is dequeued does not run.
func Go[T any](ctx context.Context, d *Dispatcher, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	if d.CheckAccess(ctx) {
		v, err := protect(ctx, d, fn)
		f.resolve(v, err)
		return f
	}
	ok := d.enqueue(task{ctx: ctx, run: func(actx context.Context) {
		if err := ctx.Err(); err != nil {
			var zero T
			f.resolve(zero, err)
			return
		}
		v, err := protect(actx, d, fn)
		f.resolve(v, err)
	}})
	if !ok {
		var zero T
		f.resolve(zero, fmt.Errorf("%s: %w", d.name, ErrClosed))
	}
	return f
}

// Invoke runs fn on d and waits for its result.
func Invoke[T any](ctx context.Context, d *Dispatcher, fn func(ctx context.Context) (T, error)) (T, error) {
	return Go(ctx, d, fn).Await(ctx)
}

// protect runs fn and converts a panic into an Unexpected error.
func protect[T any](ctx context.Context, d *Dispatcher, fn func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("dispatcher action panicked", "dispatcher", d.name, "panic", r, "stack", string(debug.Stack()))
			var zero T
			v, err = zero, domain.Unexpected(d.name, fmt.Errorf("panic: %v", r))
		}
	}()
	return fn(ctx)
}
