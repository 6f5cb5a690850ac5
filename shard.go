//go:build linux || darwin

package microhttp

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// shard is a single goroutine reactor, owning a poller, a scheduler, and
// every connection assigned to it. All connection state is only touched by
// the shard goroutine. The task queue is the only way in.
type shard struct {
	loop        *EventLoop
	opts        *loopOptions
	handler     Handler
	metaHandler MetadataHandler
	logger      eventLogger
	metrics     *shardMetrics
	poller      *poller
	wake        *wakeup
	sched       *scheduler
	conns       map[int]*conn
	readBuf     []byte
	tasks       taskQueue
	index       int
	timeoutMs   int
	goroutineID atomic.Uint64
	numConns    atomic.Int64
	done        chan struct{}
	mu          sync.RWMutex
	closed      bool // guarded by mu, no new tasks accepted
	closing     bool // shard goroutine only
}

func newShard(l *EventLoop, index int) (s *shard, err error) {
	s = &shard{
		loop:      l,
		opts:      l.opts,
		handler:   l.handler,
		logger:    l.logger,
		sched:     newScheduler(l.opts.clock),
		conns:     make(map[int]*conn),
		readBuf:   make([]byte, l.opts.ReadBufferSize),
		index:     index,
		timeoutMs: pollTimeoutMs(l.opts.Resolution),
		done:      make(chan struct{}),
	}
	s.metaHandler, _ = l.handler.(MetadataHandler)
	if l.opts.metrics {
		s.metrics = new(shardMetrics)
	}

	if s.poller, err = newPoller(); err != nil {
		return nil, fmt.Errorf("shard %d: poller: %w", index, err)
	}
	if s.wake, err = newWakeup(); err != nil {
		_ = s.poller.close()
		return nil, fmt.Errorf("shard %d: wakeup: %w", index, err)
	}
	if err = s.poller.registerFD(s.wake.readFd, EventRead); err != nil {
		s.wake.close()
		_ = s.poller.close()
		return nil, fmt.Errorf("shard %d: register wakeup: %w", index, err)
	}
	return s, nil
}

// pollTimeoutMs rounds a positive resolution up to at least 1ms.
func pollTimeoutMs(d time.Duration) int {
	ms := int(d / time.Millisecond)
	if ms < 1 {
		return 1
	}
	return ms
}

func (s *shard) run() {
	defer close(s.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.goroutineID.Store(getGoroutineID())

	s.logger.debug().Int(logKeyShard, s.index).Log(logShardStart)

	for !s.loop.stopping() {
		if err := s.tick(); err != nil {
			s.logger.err().Int(logKeyShard, s.index).Err(err).Log(logShardTerminate)
			s.loop.fail(fmt.Errorf("shard %d: %w", s.index, err))
			break
		}
	}

	s.shutdown()

	s.logger.debug().Int(logKeyShard, s.index).Log(logShardStop)
}

// tick is one reactor iteration: ready I/O, then expired timeouts, then
// queued tasks.
func (s *shard) tick() error {
	events, err := s.poller.poll(s.timeoutMs)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if ev.fd == s.wake.readFd {
			s.wake.drain()
			continue
		}
		if c := s.conns[ev.fd]; c != nil {
			c.onEvents(ev.events)
		}
	}
	for _, action := range s.sched.expired() {
		action()
	}
	s.tasks.drain(runTask)
	return nil
}

func runTask(task func()) { task() }

// submit queues a task, waking the shard unless called from it. Returns
// false if the shard has shut down.
func (s *shard) submit(task func()) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	s.tasks.push(task)
	if !s.isLoopThread() {
		s.wake.signal()
	}
	return true
}

func (s *shard) isLoopThread() bool {
	id := s.goroutineID.Load()
	return id != 0 && getGoroutineID() == id
}

// register hands an accepted socket to the shard. Called by the acceptor.
func (s *shard) register(fd int, meta ConnectionMetadata) {
	s.numConns.Add(1)
	if !s.submit(func() { s.doRegister(fd, meta) }) {
		closeFD(fd)
		s.numConns.Add(-1)
	}
}

func (s *shard) doRegister(fd int, meta ConnectionMetadata) {
	if s.closing {
		closeFD(fd)
		s.numConns.Add(-1)
		return
	}
	if err := s.poller.registerFD(fd, EventRead); err != nil {
		s.logger.debug().Uint64(logKeyID, meta.ID).Err(err).Log(logRegisterError)
		closeFD(fd)
		s.numConns.Add(-1)
		return
	}
	c := newConn(s, fd, meta)
	s.conns[fd] = c
	s.metrics.inc(metricAccepted)
	s.logger.debug().
		Uint64(logKeyID, meta.ID).
		Str(logKeyRemoteIP, meta.IP).
		Int(logKeyRemotePort, meta.Port).
		Int(logKeyShard, s.index).
		Log(logAccept)
}

// shutdown closes every connection and the shard's own descriptors.
func (s *shard) shutdown() {
	s.closing = true

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.tasks.drain(runTask)

	for _, c := range s.conns {
		c.failSafeClose()
	}

	_ = s.poller.close()
	s.wake.close()
}

// closeUnstarted releases the resources of a shard that never ran.
func (s *shard) closeUnstarted() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	_ = s.poller.close()
	s.wake.close()
	close(s.done)
}
