package microhttp

import (
	"sync"
)

// chunkSize is the number of tasks per node in the taskQueue linked list.
const chunkSize = 128

// taskQueue is a multi-producer, single-consumer FIFO of tasks, used to hand
// work to a shard from arbitrary goroutines.
//
// Tasks are stored in fixed-size chunks, recycled through chunkPool.
type taskQueue struct {
	head   *chunk
	tail   *chunk
	length int
	mu     sync.Mutex
}

// chunkPool prevents GC thrashing under high load.
var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

// chunk is a fixed-size node, with read and write cursors.
type chunk struct {
	tasks   [chunkSize]func()
	next    *chunk
	readPos int
	pos     int
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk clears an exhausted chunk, so it retains no closures, and
// returns it to the pool.
func returnChunk(c *chunk) {
	for i := 0; i < c.pos; i++ {
		c.tasks[i] = nil
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

// push adds a task. Safe for concurrent use.
func (q *taskQueue) push(task func()) {
	q.mu.Lock()
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.tasks) {
		next := newChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.tasks[q.tail.pos] = task
	q.tail.pos++
	q.length++
	q.mu.Unlock()
}

// pop removes the oldest task, returning false if the queue is empty.
func (q *taskQueue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == nil || q.head.readPos >= q.head.pos {
		return nil, false
	}

	task := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = nil
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
		} else {
			old := q.head
			q.head = q.head.next
			returnChunk(old)
		}
	}

	return task, true
}

// drain pops and runs tasks until the queue is empty, including any tasks
// pushed by the tasks themselves.
func (q *taskQueue) drain(run func(func())) int {
	var n int
	for {
		task, ok := q.pop()
		if !ok {
			return n
		}
		run(task)
		n++
	}
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}
