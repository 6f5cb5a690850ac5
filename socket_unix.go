//go:build linux || darwin

package microhttp

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// listenTCP creates a non-blocking listening socket, returning its fd and
// the port it was bound to (relevant when port is 0).
func listenTCP(host string, port int, reuseAddr, reusePort bool, backlog int) (fd int, bound int, err error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return -1, 0, err
	}

	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		domain = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		sa = sa6
	}

	fd, err = unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, 0, fmt.Errorf("socket: %w", err)
	}
	defer func() {
		if err != nil {
			closeFD(fd)
			fd = -1
		}
	}()

	unix.CloseOnExec(fd)
	if err = unix.SetNonblock(fd, true); err != nil {
		return fd, 0, fmt.Errorf("set nonblock: %w", err)
	}
	if reuseAddr {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fd, 0, fmt.Errorf("set SO_REUSEADDR: %w", err)
		}
	}
	if reusePort {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fd, 0, fmt.Errorf("set SO_REUSEPORT: %w", err)
		}
	}
	if err = unix.Bind(fd, sa); err != nil {
		return fd, 0, fmt.Errorf("bind %s: %w", addr, err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err = unix.Listen(fd, backlog); err != nil {
		return fd, 0, fmt.Errorf("listen %s: %w", addr, err)
	}

	local, err := unix.Getsockname(fd)
	if err != nil {
		return fd, 0, fmt.Errorf("getsockname: %w", err)
	}
	_, bound = sockaddrToIPPort(local)
	return fd, bound, nil
}

// acceptTCP accepts one pending connection, returning a non-blocking fd.
func acceptTCP(listenFd int) (fd int, ip string, port int, err error) {
	fd, sa, err := unix.Accept(listenFd)
	if err != nil {
		return -1, ``, 0, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		closeFD(fd)
		return -1, ``, 0, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	ip, port = sockaddrToIPPort(sa)
	return fd, ip, port, nil
}

// isTransientAcceptError reports whether accept may be retried, without the
// listener being considered broken.
func isTransientAcceptError(err error) bool {
	switch err {
	case unix.ECONNABORTED, unix.EINTR, unix.EPROTO, unix.EPERM:
		return true
	}
	return isAcceptResourceError(err)
}

// isAcceptResourceError reports whether accept failed for lack of process or
// system resources. The pending connection stays queued.
func isAcceptResourceError(err error) bool {
	switch err {
	case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
		return true
	}
	return false
}

func sockaddrToIPPort(sa unix.Sockaddr) (string, int) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(sa.Addr[:]).String(), sa.Port
	case *unix.SockaddrInet6:
		return net.IP(sa.Addr[:]).String(), sa.Port
	}
	return ``, 0
}
