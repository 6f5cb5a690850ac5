//go:build linux || darwin

package microhttp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// EventLoop is an HTTP/1.x server: an acceptor that assigns each accepted
// connection to the least loaded of a fixed set of shards.
//
// New binds the listening socket, Start begins serving, and Stop releases
// the listening socket once every shard has exited. A stopped EventLoop
// cannot be restarted, but a new one may bind the same port.
type EventLoop struct {
	opts     *loopOptions
	handler  Handler
	logger   eventLogger
	metrics  *shardMetrics // acceptor
	poller   *poller
	wake     *wakeup
	shards   []*shard
	done     chan struct{}
	err      error
	listenFd int
	port     int
	nextID   atomic.Uint64
	stop     atomic.Bool
	state    fastState
	errMu    sync.Mutex

	// accept backoff, acceptor goroutine only
	acceptResume time.Time
	acceptDelay  time.Duration
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// New creates an EventLoop, binding its listening socket.
func New(handler Handler, opts ...Option) (l *EventLoop, err error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	l = &EventLoop{
		opts:     cfg,
		handler:  handler,
		logger:   eventLogger{l: cfg.logger},
		done:     make(chan struct{}),
		listenFd: -1,
	}
	if cfg.metrics {
		l.metrics = new(shardMetrics)
	}

	defer func() {
		if err != nil {
			l.closeResources()
			l = nil
		}
	}()

	if l.listenFd, l.port, err = listenTCP(cfg.Host, cfg.Port, cfg.ReuseAddr, cfg.ReusePort, cfg.AcceptLength); err != nil {
		return l, err
	}
	if l.poller, err = newPoller(); err != nil {
		return l, fmt.Errorf("acceptor poller: %w", err)
	}
	if l.wake, err = newWakeup(); err != nil {
		return l, fmt.Errorf("acceptor wakeup: %w", err)
	}
	if err = l.poller.registerFD(l.wake.readFd, EventRead); err != nil {
		return l, fmt.Errorf("acceptor register wakeup: %w", err)
	}
	if err = l.poller.registerFD(l.listenFd, EventRead); err != nil {
		return l, fmt.Errorf("acceptor register listener: %w", err)
	}

	for i := 0; i < cfg.Concurrency; i++ {
		s, err := newShard(l, i)
		if err != nil {
			return l, err
		}
		l.shards = append(l.shards, s)
	}

	return l, nil
}

// Port returns the bound port, which differs from the configured port if
// that was 0.
func (l *EventLoop) Port() int { return l.port }

// Addr returns the bound host:port.
func (l *EventLoop) Addr() string {
	return net.JoinHostPort(l.opts.Host, strconv.Itoa(l.port))
}

// State returns the current lifecycle state.
func (l *EventLoop) State() LoopState { return l.state.load() }

// Start begins serving, on one goroutine per shard, plus the acceptor.
func (l *EventLoop) Start() error {
	if !l.state.tryTransition(StateAwake, StateRunning) {
		if l.state.load() == StateRunning {
			return ErrLoopAlreadyRunning
		}
		return ErrLoopTerminated
	}

	l.logger.info().
		Int(logKeyPort, l.port).
		Int(logKeyShards, len(l.shards)).
		Log(logEventLoopStart)

	var wg sync.WaitGroup
	for _, s := range l.shards {
		wg.Go(s.run)
	}
	wg.Go(l.acceptLoop)

	go func() {
		wg.Wait()
		closeFD(l.listenFd)
		l.state.store(StateTerminated)
		l.logger.info().Int(logKeyPort, l.port).Log(logEventLoopStop)
		close(l.done)
	}()

	return nil
}

// Stop requests shutdown, and does not wait, see Join. Safe to call more
// than once, and before Start.
func (l *EventLoop) Stop() {
	for {
		switch l.state.load() {
		case StateAwake:
			if l.state.tryTransition(StateAwake, StateTerminated) {
				l.closeResources()
				close(l.done)
				return
			}
		case StateRunning:
			if l.state.tryTransition(StateRunning, StateTerminating) {
				l.requestStop()
				return
			}
		default:
			return
		}
	}
}

// Join waits for the EventLoop to terminate, returning the fatal error that
// caused it to stop, if any.
func (l *EventLoop) Join() error {
	if l.state.load() == StateAwake {
		return ErrLoopNotStarted
	}
	<-l.done
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Run starts the EventLoop, and serves until ctx is done or a fatal error
// occurs, then stops it, blocking until it has terminated.
func (l *EventLoop) Run(ctx context.Context) error {
	if err := l.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-l.done:
	}
	l.Stop()
	return l.Join()
}

// Metrics returns a snapshot of runtime metrics, or nil if not enabled.
func (l *EventLoop) Metrics() *Metrics {
	if !l.opts.metrics {
		return nil
	}
	m := new(Metrics)
	l.metrics.addTo(m)
	for _, s := range l.shards {
		s.metrics.addTo(m)
		m.Active += s.numConns.Load()
	}
	m.Latency.Sample()
	return m
}

func (l *EventLoop) stopping() bool { return l.stop.Load() }

func (l *EventLoop) requestStop() {
	l.stop.Store(true)
	l.wake.signal()
	for _, s := range l.shards {
		s.wake.signal()
	}
}

// fail stops every shard, after an unrecoverable error. The first error is
// returned by Join.
func (l *EventLoop) fail(err error) {
	l.errMu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.errMu.Unlock()
	l.logger.err().Err(err).Log(logEventLoopTerminate)
	l.state.tryTransition(StateRunning, StateTerminating)
	l.requestStop()
}

func (l *EventLoop) acceptLoop() {
	defer func() {
		_ = l.poller.close()
		l.wake.close()
	}()
	timeoutMs := pollTimeoutMs(l.opts.Resolution)
	for !l.stopping() {
		if err := l.resumeAccept(); err != nil {
			l.fail(fmt.Errorf("acceptor resume: %w", err))
			return
		}
		events, err := l.poller.poll(timeoutMs)
		if err != nil {
			l.fail(fmt.Errorf("acceptor poll: %w", err))
			return
		}
		for _, ev := range events {
			switch ev.fd {
			case l.wake.readFd:
				l.wake.drain()
			case l.listenFd:
				if err := l.acceptAll(); err != nil {
					l.fail(fmt.Errorf("acceptor accept: %w", err))
					return
				}
			}
		}
	}
}

// acceptAll accepts until the backlog is empty. Only a non-transient accept
// failure is returned.
func (l *EventLoop) acceptAll() error {
	for !l.stopping() {
		fd, ip, port, err := acceptTCP(l.listenFd)
		if err != nil {
			switch {
			case isTemporary(err):
				return nil
			case isAcceptResourceError(err):
				return l.pauseAccept(err)
			case isTransientAcceptError(err):
				l.logger.warning().Err(err).Log(logAcceptError)
				continue
			}
			return err
		}
		l.acceptDelay = 0

		if l.opts.rateLimiter != nil {
			if next, ok := l.opts.rateLimiter.Allow(ip); !ok {
				l.metrics.inc(metricRateLimited)
				l.logger.debug().
					Str(logKeyRemoteIP, ip).
					Time(logKeyRetryAfter, next).
					Log(logAcceptRateLimited)
				closeFD(fd)
				continue
			}
		}

		meta := ConnectionMetadata{ID: l.nextID.Add(1), IP: ip, Port: port}
		l.leastLoaded().register(fd, meta)
	}
	return nil
}

// pauseAccept stops polling the listener, for a delay doubling from
// minAcceptDelay up to maxAcceptDelay while accept keeps failing.
func (l *EventLoop) pauseAccept(err error) error {
	l.acceptDelay = min(max(2*l.acceptDelay, minAcceptDelay), maxAcceptDelay)
	l.acceptResume = l.opts.clock.Now().Add(l.acceptDelay)
	l.logger.warning().
		Err(err).
		Time(logKeyRetryAfter, l.acceptResume).
		Log(logAcceptError)
	return l.poller.modifyFD(l.listenFd, 0)
}

// resumeAccept polls the listener again, once a pause has elapsed.
func (l *EventLoop) resumeAccept() error {
	if l.acceptResume.IsZero() || l.opts.clock.Now().Before(l.acceptResume) {
		return nil
	}
	l.acceptResume = time.Time{}
	return l.poller.modifyFD(l.listenFd, EventRead)
}

// leastLoaded returns the shard with the fewest live connections, the
// lowest index winning ties.
func (l *EventLoop) leastLoaded() *shard {
	best := l.shards[0]
	bestN := best.numConns.Load()
	for _, s := range l.shards[1:] {
		if n := s.numConns.Load(); n < bestN {
			best, bestN = s, n
		}
	}
	return best
}

// closeResources releases everything New created, for an EventLoop that
// never started.
func (l *EventLoop) closeResources() {
	for _, s := range l.shards {
		s.closeUnstarted()
	}
	if l.poller != nil {
		_ = l.poller.close()
	}
	if l.wake != nil {
		l.wake.close()
	}
	if l.listenFd >= 0 {
		closeFD(l.listenFd)
	}
}
