//go:build linux || darwin

package microhttp

// IOEvents represents the type of I/O events to monitor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// maxFDLimit is the largest fd value the poller accepts.
const maxFDLimit = 100000000

// readyEvent is one readiness notification. The poller hands back only the
// fd, the shard owns the registry of what that fd refers to.
type readyEvent struct {
	fd     int
	events IOEvents
}

// pollEventBufSize is the number of events returned by a single poll.
const pollEventBufSize = 256

// String renders the events as a `|` separated list, for logging.
func (e IOEvents) String() string {
	if e == 0 {
		return "none"
	}
	var b []byte
	for _, f := range [...]struct {
		flag IOEvents
		name string
	}{
		{EventRead, "read"},
		{EventWrite, "write"},
		{EventError, "error"},
		{EventHangup, "hangup"},
	} {
		if e&f.flag != 0 {
			if len(b) != 0 {
				b = append(b, '|')
			}
			b = append(b, f.name...)
		}
	}
	return string(b)
}
