// Package microhttp is an embeddable, non-blocking HTTP/1.x server engine.
//
// # Architecture
//
// An [EventLoop] owns the listening socket, and an acceptor goroutine that
// hands each accepted connection to the shard with the fewest live
// connections. Each shard is a single goroutine reactor, locked to its own
// OS thread, with its own readiness multiplexer, deadline scheduler, and
// cross-goroutine task queue. A connection never leaves its shard.
//
// Each shard iteration polls for readiness (bounded by the configured
// resolution), handles ready connections, runs expired timeouts, then
// drains its task queue.
//
// # Connections
//
// A connection is read until a complete request has been parsed, then its
// read interest is dropped, and the [Handler] is invoked. The response may be
// provided synchronously, or later, from any goroutine. Once written, the
// connection either closes (HTTP/1.0 without keep-alive), dispatches the
// next buffered request (pipelining), or resumes reading.
//
// Protocol violations, requests exceeding the maximum request size, I/O
// errors, and idle timeouts all close the affected connection, and nothing
// else. An error polling or accepting on the listening socket stops the
// whole EventLoop, see [EventLoop.Join].
//
// # Platform Support
//
// I/O polling is implemented using platform-native mechanisms:
//   - macOS: kqueue
//   - Linux: epoll
//
// # Usage
//
//	loop, err := microhttp.New(
//	    microhttp.HandlerFunc(func(req *microhttp.Request, respond func(*microhttp.Response)) {
//	        respond(&microhttp.Response{
//	            Status:  200,
//	            Reason:  "OK",
//	            Headers: []microhttp.Header{{Name: "Content-Type", Value: "text/plain"}},
//	            Body:    []byte("hello world\n"),
//	        })
//	    }),
//	    microhttp.WithPort(8080),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := loop.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package microhttp
