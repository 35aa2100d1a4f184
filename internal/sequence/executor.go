// Package sequence provides the serialized crypto sequence every mutating
// operation runs on.
package sequence

import (
	"context"
	"errors"
	"sync"
)

var ErrExecutorClosed = errors.New("sequence: executor closed")

// Executor is the single logical crypto-processing sequence. All mutations of
// devices, sessions and pending requests are funneled through one goroutine;
// network responses re-enter by posting again, so no two in-flight operations
// race on the same session state.
type Executor struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

func NewExecutor() *Executor {
	e := &Executor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *Executor) loop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 {
			if e.closed {
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			<-e.wake
			e.mu.Lock()
		}
		job := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		job()
	}
}

// Post enqueues fn without waiting for it. It never blocks, so it is safe from
// any goroutine, including from within a job posting any number of follow-ups.
func (e *Executor) Post(fn func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run executes fn on the sequence and waits for its result. It must not be
// called from within a job; use Post for re-entrant work.
func (e *Executor) Run(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if err := e.Post(func() {
		result <- fn()
	}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the sequence after draining queued jobs.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
	<-e.done
}
