// Package queue serialises user commands. One consumer goroutine runs tasks
// strictly in submission order; a failing or panicking task never stalls the
// tasks behind it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrClosed is returned for tasks submitted after Close.
var ErrClosed = errors.New("command queue closed")

// Task is one unit of serialised work.
type Task func(ctx context.Context) error

// Observer is notified after every task settles.
type Observer func(name string, took time.Duration, err error)

type entry struct {
	name string
	task Task
	done chan error
}

// Queue is a strict FIFO executor with a single consumer.
type Queue struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	items   []entry
	pending int
	running string
	closed  bool

	observers []Observer
	stopped   chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithObserver registers a settle callback (metrics, tracing).
func WithObserver(o Observer) Option {
	return func(q *Queue) {
		if o != nil {
			q.observers = append(q.observers, o)
		}
	}
}

// New starts a queue whose tasks receive a context derived from parent.
func New(parent context.Context, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(parent)
	q := &Queue{
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	go q.loop()
	return q
}

// Enqueue appends a task. The returned channel receives the task's result
// exactly once, after the task and every task before it have settled.
func (q *Queue) Enqueue(name string, task Task) <-chan error {
	done := make(chan error, 1)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		done <- ErrClosed
		return done
	}
	q.items = append(q.items, entry{name: name, task: task, done: done})
	q.pending++
	q.cond.Signal()
	q.mu.Unlock()
	return done
}

// Pending reports tasks submitted but not yet settled, including the running one.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Running returns the name of the task currently executing, if any.
func (q *Queue) Running() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Close stops accepting tasks and waits for queued tasks to drain or for ctx
// to expire. When ctx expires the running task's context is cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	select {
	case <-q.stopped:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-q.stopped
		return ctx.Err()
	}
}

func (q *Queue) loop() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		e := q.items[0]
		q.items[0] = entry{}
		q.items = q.items[1:]
		q.running = e.name
		q.mu.Unlock()

		start := time.Now()
		err := q.run(e)
		took := time.Since(start)

		q.mu.Lock()
		q.pending--
		q.running = ""
		q.mu.Unlock()

		if err != nil {
			log.Printf("[queue] %s failed after %s: %v", e.name, took.Round(time.Millisecond), err)
		}
		for _, o := range q.observers {
			o(e.name, took, err)
		}
		e.done <- err
	}
}

func (q *Queue) run(e entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", e.name, r)
		}
	}()
	if e.task == nil {
		return nil
	}
	if ctxErr := q.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return e.task(q.ctx)
}
