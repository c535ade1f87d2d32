package bus

import (
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Submit after the queue has been closed.
var ErrQueueClosed = errors.New("task queue closed")

// TaskQueue executes submitted tasks one at a time in submission order. It is
// the sequencing primitive behind every consumer: a task may block (for
// example on database resolution) and only its own successors wait.
type TaskQueue struct {
	tasks chan func()
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewTaskQueue creates a queue with the given capacity and starts its worker.
func NewTaskQueue(capacity int) *TaskQueue {
	if capacity <= 0 {
		capacity = 256
	}
	q := &TaskQueue{
		tasks: make(chan func(), capacity),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *TaskQueue) run() {
	defer close(q.done)
	for {
		select {
		case task := <-q.tasks:
			task()
		case <-q.stop:
			// Drain tasks that were accepted before the close.
			for {
				select {
				case task := <-q.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// Submit enqueues a task. It blocks while the queue is full and returns
// ErrQueueClosed after Close.
func (q *TaskQueue) Submit(task func()) error {
	select {
	case <-q.stop:
		return ErrQueueClosed
	default:
	}
	select {
	case q.tasks <- task:
		return nil
	case <-q.stop:
		return ErrQueueClosed
	}
}

// Wait runs fn on the queue and blocks until it has finished, so the caller
// observes a state where everything submitted before fn has been processed.
func (q *TaskQueue) Wait(fn func()) error {
	finished := make(chan struct{})
	if err := q.Submit(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	<-finished
	return nil
}

// Close stops accepting tasks, runs everything already queued, and returns
// once the worker has exited.
func (q *TaskQueue) Close() {
	q.once.Do(func() { close(q.stop) })
	<-q.done
}
