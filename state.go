package microhttp

import (
	"sync/atomic"
)

// LoopState is the lifecycle state of an EventLoop.
//
//	StateAwake → StateRunning          [Start]
//	StateAwake → StateTerminated       [Stop before Start]
//	StateRunning → StateTerminating    [Stop, or a fatal error]
//	StateTerminating → StateTerminated [every shard has exited]
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = iota
	// StateRunning indicates the acceptor and shards are serving.
	StateRunning
	// StateTerminating indicates shutdown has been requested but not completed.
	StateTerminating
	// StateTerminated indicates the loop is stopped, and its port released.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free lifecycle state holder.
type fastState struct {
	v atomic.Uint64
}

func (s *fastState) load() LoopState {
	return LoopState(s.v.Load())
}

func (s *fastState) store(state LoopState) {
	s.v.Store(uint64(state))
}

// tryTransition is a CAS from one state to another.
func (s *fastState) tryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}
