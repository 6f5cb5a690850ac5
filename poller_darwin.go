//go:build darwin

package microhttp

import (
	"golang.org/x/sys/unix"
)

// poller manages I/O event registration using kqueue (Darwin).
//
// It is owned by a single shard goroutine, and is not safe for concurrent
// use.
type poller struct {
	kq       int
	eventBuf [pollEventBufSize]unix.Kevent_t
	ready    []readyEvent
	fds      map[int]IOEvents
	closed   bool
}

func newPoller() (*poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &poller{
		kq:    kq,
		ready: make([]readyEvent, 0, pollEventBufSize),
		fds:   make(map[int]IOEvents),
	}, nil
}

func (p *poller) close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.kq)
}

func (p *poller) registerFD(fd int, events IOEvents) error {
	if err := p.check(fd); err != nil {
		return err
	}
	if _, ok := p.fds[fd]; ok {
		return errFDAlreadyRegistered
	}
	if kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
		if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
			return err
		}
	}
	p.fds[fd] = events
	return nil
}

// modifyFD replaces the monitored events, deleting filters no longer wanted.
// An fd with zero events receives no notifications at all.
func (p *poller) modifyFD(fd int, events IOEvents) error {
	if err := p.check(fd); err != nil {
		return err
	}
	old, ok := p.fds[fd]
	if !ok {
		return errFDNotRegistered
	}
	p.fds[fd] = events
	if removed := old &^ events; removed != 0 {
		// ignore errors on delete
		_, _ = unix.Kevent(p.kq, eventsToKevents(fd, removed, unix.EV_DELETE), nil, nil)
	}
	if added := events &^ old; added != 0 {
		if _, err := unix.Kevent(p.kq, eventsToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE), nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func (p *poller) unregisterFD(fd int) error {
	events, ok := p.fds[fd]
	if !ok {
		return errFDNotRegistered
	}
	delete(p.fds, fd)
	if p.closed {
		return errPollerClosed
	}
	if kevents := eventsToKevents(fd, events, unix.EV_DELETE); len(kevents) > 0 {
		_, _ = unix.Kevent(p.kq, kevents, nil, nil)
	}
	return nil
}

func (p *poller) interest(fd int) IOEvents {
	return p.fds[fd]
}

func (p *poller) poll(timeoutMs int) ([]readyEvent, error) {
	if p.closed {
		return nil, errPollerClosed
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		p.ready = append(p.ready, readyEvent{
			fd:     int(p.eventBuf[i].Ident),
			events: keventToEvents(&p.eventBuf[i]),
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

// eventsToKevents converts IOEvents to kqueue kevent structures.
func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevents
}

// keventToEvents converts a kqueue event to IOEvents.
func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
