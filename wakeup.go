//go:build linux || darwin

package microhttp

import (
	"sync"
	"sync/atomic"
)

// wakeup interrupts a blocked poll from any goroutine. Signals are
// deduplicated until the poll goroutine drains them.
type wakeup struct {
	readFd  int
	writeFd int
	buf     [8]byte
	pending atomic.Bool
	mu      sync.RWMutex
	closed  bool
}

func newWakeup() (*wakeup, error) {
	r, w, err := createWakeFd()
	if err != nil {
		return nil, err
	}
	return &wakeup{readFd: r, writeFd: w}, nil
}

// signal is safe to call concurrently, including during or after close.
func (w *wakeup) signal() {
	if !w.pending.CompareAndSwap(false, true) {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	if err := signalWakeFd(w.writeFd); err != nil {
		w.pending.Store(false)
	}
}

// drain must only be called by the poll goroutine, on read readiness.
func (w *wakeup) drain() {
	drainWakeFd(w.readFd, w.buf[:])
	w.pending.Store(false)
}

func (w *wakeup) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		closeWakeFd(w.readFd, w.writeFd)
	}
}
