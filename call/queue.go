package call

import "sync"

// taskQueue is an unbounded FIFO of functions. Pushing never blocks.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	ready  chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{ready: make(chan struct{}, 1)}
}

// push appends a task. It reports false once the queue is closed.
func (q *taskQueue) push(task func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *taskQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until a task is available. After close it drains what is left and then
// reports false.
func (q *taskQueue) pop() (func(), bool) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return task, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.ready
	}
}

func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// run pops and runs tasks until the queue is closed and drained.
func (q *taskQueue) run() {
	for {
		task, ok := q.pop()
		if !ok {
			return
		}
		task()
	}
}
