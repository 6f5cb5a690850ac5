//go:build linux

package microhttp

import (
	"golang.org/x/sys/unix"
)

// poller manages I/O event registration using epoll (Linux).
//
// It is owned by a single shard goroutine, and is not safe for concurrent
// use, with the exception of the wakeup fd, which is written from anywhere.
type poller struct {
	epfd     int
	eventBuf [pollEventBufSize]unix.EpollEvent
	ready    []readyEvent
	fds      map[int]IOEvents
	closed   bool
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		epfd:  epfd,
		ready: make([]readyEvent, 0, pollEventBufSize),
		fds:   make(map[int]IOEvents),
	}, nil
}

// close closes the epoll instance. Registered fds are not closed.
func (p *poller) close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.epfd)
}

func (p *poller) registerFD(fd int, events IOEvents) error {
	if err := p.check(fd); err != nil {
		return err
	}
	if _, ok := p.fds[fd]; ok {
		return errFDAlreadyRegistered
	}
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd] = events
	return nil
}

// modifyFD replaces the monitored events. Zero events leaves the fd
// registered, but epoll still reports errors and hangups for it.
func (p *poller) modifyFD(fd int, events IOEvents) error {
	if err := p.check(fd); err != nil {
		return err
	}
	old, ok := p.fds[fd]
	if !ok {
		return errFDNotRegistered
	}
	if old == events {
		return nil
	}
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd] = events
	return nil
}

func (p *poller) unregisterFD(fd int) error {
	if _, ok := p.fds[fd]; !ok {
		return errFDNotRegistered
	}
	delete(p.fds, fd)
	if p.closed {
		return errPollerClosed
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// interest returns the events currently monitored for fd.
func (p *poller) interest(fd int) IOEvents {
	return p.fds[fd]
}

// poll waits up to timeoutMs for readiness, returning events that are valid
// until the next call. EINTR is reported as zero events.
func (p *poller) poll(timeoutMs int) ([]readyEvent, error) {
	if p.closed {
		return nil, errPollerClosed
	}
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		p.ready = append(p.ready, readyEvent{
			fd:     int(p.eventBuf[i].Fd),
			events: epollToEvents(p.eventBuf[i].Events),
		})
	}
	return p.ready, nil
}

func (p *poller) check(fd int) error {
	if p.closed {
		return errPollerClosed
	}
	if fd < 0 || fd >= maxFDLimit {
		return errFDOutOfRange
	}
	return nil
}

// eventsToEpoll converts IOEvents to epoll event flags.
func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
