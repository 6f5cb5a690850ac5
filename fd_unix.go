//go:build linux || darwin

package microhttp

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// closeFD closes a file descriptor, ignoring errors.
func closeFD(fd int) {
	_ = unix.Close(fd)
}

// readFD reads from a file descriptor.
func readFD(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

// writeFD writes to a file descriptor.
func writeFD(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}

// signalWakeFd writes to the write end of a wake fd. Native endianness, as
// the value only needs to be non-zero.
func signalWakeFd(fd int) error {
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, err := unix.Write(fd, buf)
	return err
}

// drainWakeFd reads from a wake fd until it would block.
func drainWakeFd(fd int, buf []byte) {
	for {
		if _, err := unix.Read(fd, buf); err != nil {
			return
		}
	}
}

// isTemporary reports whether err means the operation should be retried
// on a later readiness event.
func isTemporary(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}
