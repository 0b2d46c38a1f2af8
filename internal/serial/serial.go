// Package serial confines work to a single goroutine.
package serial

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("queue closed")

// Queue runs functions one at a time, in submission order, on a dedicated goroutine.
// A function running on the queue must not call Do on the same queue.
type Queue struct {
	ch   chan job
	done chan struct{}
	once sync.Once
}

type job struct {
	f   func() error
	res chan error
}

// New produces a Queue and starts its goroutine.
func New() *Queue {
	q := &Queue{
		ch:   make(chan job),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	for {
		select {
		case <-q.done:
			return
		case j := <-q.ch:
			select {
			case <-q.done:
				j.res <- ErrClosed
				return
			default:
			}
			j.res <- j.f()
		}
	}
}

// Do runs f on the queue and returns its result.
// If ctx is canceled before f starts, f does not run.
// Once f starts, Do waits for it to finish.
func (q *Queue) Do(ctx context.Context, f func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	j := job{f: f, res: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	case q.ch <- j:
	}
	return <-j.res
}

// Close stops the queue's goroutine.
// It does not wait for a running function.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}
