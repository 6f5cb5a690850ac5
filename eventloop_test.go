//go:build linux || darwin

package microhttp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// testOptions are small enough to exercise buffering, and the size cap.
func testOptions(opts ...Option) []Option {
	return append([]Option{
		WithHost("127.0.0.1"),
		WithPort(0),
		WithConcurrency(2),
		WithResolution(10 * time.Millisecond),
		WithRequestTimeout(2500 * time.Millisecond),
		WithReadBufferSize(1024),
		WithMaxRequestSize(2048),
		WithMetrics(true),
	}, opts...)
}

// startLoop starts an EventLoop with testOptions, stopping it on cleanup.
func startLoop(t *testing.T, handler Handler, opts ...Option) (*EventLoop, *logRecorder) {
	t.Helper()
	rec, logger := newLogRecorder()
	l, err := New(handler, testOptions(append([]Option{WithLogger(logger)}, opts...)...)...)
	require.NoError(t, err)
	require.NoError(t, l.Start())
	t.Cleanup(func() {
		l.Stop()
		assert.NoError(t, l.Join())
	})
	return l, rec
}

// echoHandler responds with the request body, or the URI if there is none.
var echoHandler = HandlerFunc(func(req *Request, respond func(*Response)) {
	body := req.Body
	if len(body) == 0 {
		body = []byte(req.URI)
	}
	respond(&Response{
		Status:  200,
		Reason:  "OK",
		Headers: []Header{{Name: "Content-Type", Value: "text/plain"}},
		Body:    body,
	})
})

func dial(t *testing.T, l *EventLoop) *net.TCPConn {
	t.Helper()
	c, err := net.DialTimeout("tcp", l.Addr(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(10*time.Second)))
	return c.(*net.TCPConn)
}

func readResponse(t *testing.T, r *bufio.Reader) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.ReadResponse(r, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

// requireClosed reads until the server closes the connection, which may
// surface as a reset, if it discarded unread bytes.
func requireClosed(t *testing.T, c net.Conn) {
	t.Helper()
	_, err := io.Copy(io.Discard, c)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatalf("connection was not closed: %v", err)
	}
}

func TestEventLoop_http10Close(t *testing.T) {
	l, rec := startLoop(t, echoHandler)
	c := dial(t, l)

	_, err := io.WriteString(c, "GET /hello HTTP/1.0\r\n\r\n")
	require.NoError(t, err)

	raw, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.0 200 OK\r\nContent-Length: 6\r\nContent-Type: text/plain\r\n\r\n/hello", string(raw))

	rec.waitFor(t, logCloseAfterResponse, 1)
	assert.Equal(t, 1, rec.count(logReadRequest))
}

func TestEventLoop_http10KeepAlive(t *testing.T) {
	l, rec := startLoop(t, echoHandler)
	c := dial(t, l)
	r := bufio.NewReader(c)

	for i := 0; i < 5; i++ {
		_, err := fmt.Fprintf(c, "GET /%d HTTP/1.0\r\nConnection: keep-alive\r\n\r\n", i)
		require.NoError(t, err)
		resp, body := readResponse(t, r)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "Keep-Alive", resp.Header.Get("Connection"))
		assert.Equal(t, "/"+strconv.Itoa(i), string(body))
	}

	assert.Zero(t, rec.count(logCloseAfterResponse))
}

func TestEventLoop_http11Persistent(t *testing.T) {
	l, rec := startLoop(t, echoHandler)
	c := dial(t, l)
	r := bufio.NewReader(c)

	for i := 0; i < 3; i++ {
		_, err := fmt.Fprintf(c, "POST /echo HTTP/1.1\r\nContent-Length: 5\r\n\r\nbody%d", i)
		require.NoError(t, err)
		resp, body := readResponse(t, r)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Empty(t, resp.Header.Get("Connection"))
		assert.Equal(t, "body"+strconv.Itoa(i), string(body))
	}

	require.NoError(t, c.CloseWrite())
	rec.waitFor(t, logReadClose, 1)
	requireClosed(t, c)
}

func TestEventLoop_chunkedRequest(t *testing.T) {
	l, _ := startLoop(t, echoHandler)
	c := dial(t, l)

	_, err := io.WriteString(c, "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"5\r\nhello\r\n1\r\n \r\n5\r\nworld\r\n0\r\n\r\n")
	require.NoError(t, err)
	_, body := readResponse(t, bufio.NewReader(c))
	assert.Equal(t, "hello world", string(body))
}

func TestEventLoop_pipelining(t *testing.T) {
	const n = 5
	l, rec := startLoop(t, echoHandler)
	c := dial(t, l)

	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "GET /%d HTTP/1.1\r\n\r\n", i)
	}
	_, err := io.WriteString(c, b.String())
	require.NoError(t, err)

	r := bufio.NewReader(c)
	for i := 0; i < n; i++ {
		_, body := readResponse(t, r)
		assert.Equal(t, "/"+strconv.Itoa(i), string(body))
	}

	rec.waitFor(t, logPipelineRequest, n-1)
	assert.Equal(t, n-1, rec.count(logPipelineRequest))
	assert.Equal(t, uint64(n-1), l.Metrics().Pipelined)
}

func TestEventLoop_pipeliningPartialTail(t *testing.T) {
	l, _ := startLoop(t, echoHandler)
	c := dial(t, l)
	r := bufio.NewReader(c)

	_, err := io.WriteString(c, "GET /1 HTTP/1.1\r\n\r\nGET /2 HT")
	require.NoError(t, err)
	_, body := readResponse(t, r)
	assert.Equal(t, "/1", string(body))

	_, err = io.WriteString(c, "TP/1.1\r\n\r\n")
	require.NoError(t, err)
	_, body = readResponse(t, r)
	assert.Equal(t, "/2", string(body))
}

func TestEventLoop_requestTimeout(t *testing.T) {
	l, rec := startLoop(t, echoHandler, WithRequestTimeout(100*time.Millisecond))
	c := dial(t, l)

	// a partial request does not complete in time
	_, err := io.WriteString(c, "GET / HTTP/1.1\r\n")
	require.NoError(t, err)

	requireClosed(t, c)
	rec.waitFor(t, logRequestTimeout, 1)
	assert.Equal(t, uint64(1), l.Metrics().Timeouts)
}

func TestEventLoop_requestTimeoutIdle(t *testing.T) {
	l, rec := startLoop(t, echoHandler, WithRequestTimeout(100*time.Millisecond))
	start := time.Now()
	c := dial(t, l)

	requireClosed(t, c)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	rec.waitFor(t, logRequestTimeout, 1)
	assert.Zero(t, rec.count(logReadRequest))
}

func TestEventLoop_requestTimeoutClock(t *testing.T) {
	clock := newFakeClock()
	l, rec := startLoop(t, echoHandler, WithRequestTimeout(time.Hour), withClock(clock))
	c := dial(t, l)
	r := bufio.NewReader(c)

	_, err := io.WriteString(c, "GET /a HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	readResponse(t, r)

	// idle for most of the deadline, then active again
	clock.Advance(50 * time.Minute)
	_, err = io.WriteString(c, "GET /b HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	readResponse(t, r)
	// the deadline is pushed forward after the write completes
	time.Sleep(50 * time.Millisecond)

	clock.Advance(50 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.count(logRequestTimeout))

	clock.Advance(20 * time.Minute)
	rec.waitFor(t, logRequestTimeout, 1)
	requireClosed(t, c)
}

func TestEventLoop_requestTooLarge(t *testing.T) {
	l, rec := startLoop(t, echoHandler)
	c := dial(t, l)

	_, err := io.WriteString(c, "GET / HTTP/1.1\r\nX-Large: "+strings.Repeat("a", 3072))
	require.NoError(t, err)

	requireClosed(t, c)
	rec.waitFor(t, logExceedRequestMaxClose, 1)
	assert.Equal(t, uint64(1), l.Metrics().Oversized)
}

func TestEventLoop_malformedRequest(t *testing.T) {
	l, rec := startLoop(t, echoHandler)
	c := dial(t, l)

	_, err := io.WriteString(c, "POST / HTTP/1.1\r\nContent-Length: 1\r\nContent-Length: 1\r\n\r\nx")
	require.NoError(t, err)

	requireClosed(t, c)
	rec.waitFor(t, logMalformedRequestClose, 1)
	assert.Equal(t, uint64(1), l.Metrics().Malformed)
	assert.Zero(t, rec.count(logReadRequest))
}

func TestEventLoop_missingVersion(t *testing.T) {
	l, rec := startLoop(t, echoHandler, WithRequestTimeout(time.Minute))
	c := dial(t, l)

	_, err := io.WriteString(c, "GET /\r\n\r\n")
	require.NoError(t, err)

	requireClosed(t, c)
	rec.waitFor(t, logMalformedRequestClose, 1)
	assert.Zero(t, rec.count(logRequestTimeout))
}

func TestEventLoop_largeResponses(t *testing.T) {
	l, rec := startLoop(t, HandlerFunc(func(req *Request, respond func(*Response)) {
		n, err := strconv.Atoi(strings.TrimPrefix(req.URI, "/"))
		if err != nil {
			respond(nil)
			return
		}
		respond(&Response{Status: 200, Reason: "OK", Body: bytes.Repeat([]byte{'x'}, n)})
	}))
	c := dial(t, l)
	r := bufio.NewReader(c)

	for _, n := range []int{100_000, 1_000_000, 10_000_000} {
		_, err := fmt.Fprintf(c, "GET /%d HTTP/1.1\r\n\r\n", n)
		require.NoError(t, err)
		resp, body := readResponse(t, r)
		assert.Equal(t, int64(n), resp.ContentLength)
		require.Len(t, body, n)
		assert.Equal(t, -1, bytes.IndexFunc(body, func(r rune) bool { return r != 'x' }))
	}

	rec.waitFor(t, logWriteResponse, 3)
	assert.NotZero(t, rec.count(logWrite))
}

func TestEventLoop_asyncResponse(t *testing.T) {
	l, _ := startLoop(t, HandlerFunc(func(req *Request, respond func(*Response)) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			respond(&Response{Status: 202, Reason: "Accepted", Body: []byte("later")})
		}()
	}))
	c := dial(t, l)
	r := bufio.NewReader(c)

	for i := 0; i < 3; i++ {
		_, err := io.WriteString(c, "GET / HTTP/1.1\r\n\r\n")
		require.NoError(t, err)
		resp, body := readResponse(t, r)
		assert.Equal(t, "202 Accepted", resp.Status)
		assert.Equal(t, "later", string(body))
	}
}

func TestEventLoop_metadataHandler(t *testing.T) {
	metas := make(chan ConnectionMetadata, 2)
	l, _ := startLoop(t, MetadataHandlerFunc(func(meta ConnectionMetadata, req *Request, respond func(*Response)) {
		metas <- meta
		respond(&Response{Status: 200, Reason: "OK", Body: []byte(meta.IP)})
	}))

	var ids []uint64
	for i := 0; i < 2; i++ {
		c := dial(t, l)
		_, err := io.WriteString(c, "GET / HTTP/1.1\r\n\r\n")
		require.NoError(t, err)
		_, body := readResponse(t, bufio.NewReader(c))
		assert.Equal(t, "127.0.0.1", string(body))

		meta := <-metas
		assert.Equal(t, "127.0.0.1", meta.IP)
		assert.Equal(t, c.LocalAddr().(*net.TCPAddr).Port, meta.Port)
		ids = append(ids, meta.ID)
	}
	assert.NotZero(t, ids[0])
	assert.NotEqual(t, ids[0], ids[1])
}

func TestEventLoop_concurrentClients(t *testing.T) {
	l, _ := startLoop(t, echoHandler, WithConcurrency(4))
	client := &http.Client{Timeout: 10 * time.Second}
	defer client.CloseIdleConnections()

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			for j := 0; j < 10; j++ {
				want := fmt.Sprintf("client %d request %d", i, j)
				resp, err := client.Post("http://"+l.Addr()+"/echo", "text/plain", strings.NewReader(want))
				if err != nil {
					return err
				}
				body, err := io.ReadAll(resp.Body)
				_ = resp.Body.Close()
				if err != nil {
					return err
				}
				if string(body) != want {
					return fmt.Errorf("expected %q, got %q", want, body)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// counted after the final write
	require.Eventually(t, func() bool { return l.Metrics().Responses == 320 }, 5*time.Second, 5*time.Millisecond)
	m := l.Metrics()
	assert.Equal(t, uint64(320), m.Requests)
	assert.Equal(t, 320, m.Latency.Sample())
}

func TestEventLoop_acceptRateLimit(t *testing.T) {
	l, rec := startLoop(t, echoHandler, WithAcceptRateLimit(map[time.Duration]int{time.Minute: 2}))

	for i := 0; i < 2; i++ {
		c := dial(t, l)
		_, err := io.WriteString(c, "GET / HTTP/1.1\r\n\r\n")
		require.NoError(t, err)
		readResponse(t, bufio.NewReader(c))
	}

	c := dial(t, l)
	requireClosed(t, c)
	rec.waitFor(t, logAcceptRateLimited, 1)
	assert.Equal(t, "127.0.0.1", rec.find(logAcceptRateLimited).fields[logKeyRemoteIP])
	assert.Equal(t, uint64(1), l.Metrics().RateLimited)
	assert.Equal(t, uint64(2), l.Metrics().Accepted)
}

func TestEventLoop_handlerPanic(t *testing.T) {
	l, rec := startLoop(t, HandlerFunc(func(req *Request, respond func(*Response)) {
		if req.URI == "/panic" {
			panic("boom")
		}
		echoHandler(req, respond)
	}))

	c := dial(t, l)
	_, err := io.WriteString(c, "GET /panic HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	requireClosed(t, c)
	rec.waitFor(t, logHandlerPanic, 1)
	assert.Equal(t, "boom", rec.find(logHandlerPanic).fields["panic"])

	// the shard survives
	c = dial(t, l)
	_, err = io.WriteString(c, "GET /ok HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	_, body := readResponse(t, bufio.NewReader(c))
	assert.Equal(t, "/ok", string(body))
}

func TestEventLoop_nilResponse(t *testing.T) {
	l, rec := startLoop(t, HandlerFunc(func(req *Request, respond func(*Response)) { respond(nil) }))
	c := dial(t, l)
	_, err := io.WriteString(c, "GET / HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	requireClosed(t, c)
	rec.waitFor(t, logNilResponse, 1)
}

func TestEventLoop_metrics(t *testing.T) {
	l, _ := startLoop(t, echoHandler, WithConcurrency(1))
	c := dial(t, l)
	r := bufio.NewReader(c)
	for i := 0; i < 3; i++ {
		_, err := io.WriteString(c, "GET / HTTP/1.1\r\n\r\n")
		require.NoError(t, err)
		readResponse(t, r)
	}

	require.Eventually(t, func() bool { return l.Metrics().Responses == 3 }, 5*time.Second, 5*time.Millisecond)
	m := l.Metrics()
	assert.Equal(t, uint64(1), m.Accepted)
	assert.Equal(t, uint64(3), m.Requests)
	assert.Equal(t, int64(1), m.Active)
	assert.Zero(t, m.Closed)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		m := l.Metrics()
		return m.Closed == 1 && m.Active == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEventLoop_metricsDisabled(t *testing.T) {
	l, err := New(echoHandler, testOptions(WithMetrics(false))...)
	require.NoError(t, err)
	defer l.Stop()
	assert.Nil(t, l.Metrics())
}

func TestEventLoop_leastLoaded(t *testing.T) {
	l, rec := startLoop(t, echoHandler, WithConcurrency(3))
	for i := 0; i < 3; i++ {
		dial(t, l)
		rec.waitFor(t, logAccept, i+1)
	}
	for i, s := range l.shards {
		assert.Equal(t, int64(1), s.numConns.Load(), "shard %d", i)
	}
}

func TestEventLoop_stopClosesConnections(t *testing.T) {
	rec, logger := newLogRecorder()
	l, err := New(echoHandler, testOptions(WithLogger(logger))...)
	require.NoError(t, err)
	require.NoError(t, l.Start())

	c := dial(t, l)
	rec.waitFor(t, logAccept, 1)

	l.Stop()
	require.NoError(t, l.Join())
	assert.Equal(t, StateTerminated, l.State())
	requireClosed(t, c)
	assert.Equal(t, 1, rec.count(logEventLoopStop))
	assert.Equal(t, 2, rec.count(logShardStop))
}

func TestEventLoop_restartSamePort(t *testing.T) {
	l, err := New(echoHandler, testOptions(WithReuseAddr(true))...)
	require.NoError(t, err)
	require.NoError(t, l.Start())
	port := l.Port()
	require.NotZero(t, port)

	c := dial(t, l)
	_, err = io.WriteString(c, "GET /first HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	_, err = io.ReadAll(c)
	require.NoError(t, err)

	l.Stop()
	require.NoError(t, l.Join())

	l, err = New(echoHandler, testOptions(WithReuseAddr(true), WithPort(port))...)
	require.NoError(t, err)
	require.NoError(t, l.Start())
	defer func() {
		l.Stop()
		_ = l.Join()
	}()
	assert.Equal(t, port, l.Port())

	c = dial(t, l)
	_, err = io.WriteString(c, "GET /second HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	_, body := readResponse(t, bufio.NewReader(c))
	assert.Equal(t, "/second", string(body))
}

func TestEventLoop_run(t *testing.T) {
	l, err := New(echoHandler, testOptions()...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return l.State() == StateRunning }, 5*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
	assert.Equal(t, StateTerminated, l.State())
}

func TestEventLoop_lifecycle(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrNilHandler)

	_, err = New(echoHandler, WithConcurrency(-1))
	require.ErrorIs(t, err, ErrInvalidOptions)

	l, err := New(echoHandler, testOptions()...)
	require.NoError(t, err)
	assert.Equal(t, StateAwake, l.State())
	require.ErrorIs(t, l.Join(), ErrLoopNotStarted)

	require.NoError(t, l.Start())
	require.ErrorIs(t, l.Start(), ErrLoopAlreadyRunning)
	l.Stop()
	l.Stop()
	require.NoError(t, l.Join())
	require.ErrorIs(t, l.Start(), ErrLoopTerminated)
}

func TestEventLoop_stopBeforeStart(t *testing.T) {
	l, err := New(echoHandler, testOptions()...)
	require.NoError(t, err)
	l.Stop()
	assert.Equal(t, StateTerminated, l.State())
	require.NoError(t, l.Join())
	require.ErrorIs(t, l.Start(), ErrLoopTerminated)

	// the port was released
	c, err := net.Dial("tcp", l.Addr())
	if err == nil {
		_ = c.Close()
		t.Fatal("expected connection refused")
	}
}

func TestEventLoop_portInUse(t *testing.T) {
	l, err := New(echoHandler, testOptions()...)
	require.NoError(t, err)
	defer l.Stop()

	_, err = New(echoHandler, testOptions(WithPort(l.Port()))...)
	require.Error(t, err)
}

func TestEventLoop_acceptBackoff(t *testing.T) {
	clock := newFakeClock()
	rec, logger := newLogRecorder()
	l, err := New(echoHandler, testOptions(WithLogger(logger), withClock(clock))...)
	require.NoError(t, err)
	defer l.Stop()

	for _, want := range []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond} {
		require.NoError(t, l.pauseAccept(unix.EMFILE))
		assert.Equal(t, want, l.acceptDelay)
		assert.Zero(t, l.poller.interest(l.listenFd))
	}
	assert.Equal(t, 3, rec.count(logAcceptError))

	clock.Advance(19 * time.Millisecond)
	require.NoError(t, l.resumeAccept())
	assert.Zero(t, l.poller.interest(l.listenFd))

	clock.Advance(time.Millisecond)
	require.NoError(t, l.resumeAccept())
	assert.Equal(t, EventRead, l.poller.interest(l.listenFd))
	assert.True(t, l.acceptResume.IsZero())

	for i := 0; i < 10; i++ {
		require.NoError(t, l.pauseAccept(unix.ENFILE))
	}
	assert.Equal(t, maxAcceptDelay, l.acceptDelay)
}

func TestIsAcceptResourceError(t *testing.T) {
	for _, err := range []error{unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM} {
		assert.True(t, isAcceptResourceError(err), err)
		assert.True(t, isTransientAcceptError(err), err)
	}
	for _, err := range []error{unix.ECONNABORTED, unix.EINTR} {
		assert.False(t, isAcceptResourceError(err), err)
		assert.True(t, isTransientAcceptError(err), err)
	}
	assert.False(t, isTransientAcceptError(unix.EBADF))
}
