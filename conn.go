//go:build linux || darwin

package microhttp

import (
	"time"
)

// conn is the per-socket state machine:
//
//	readable → dispatch → writable → readable | dispatch (pipelined) | closed
//
// At any instant exactly one of the following holds, for an open conn:
// the timeout is scheduled (readable), a handler is in flight (dispatch, no
// poller interest), or a response is being written (writable).
type conn struct {
	shard        *shard
	meta         ConnectionMetadata
	tok          byteTokenizer
	parser       *requestParser
	timeout      *scheduledTask
	writeBuf     []byte
	writePos     int
	dispatchedAt time.Time
	fd           int
	http10       bool
	keepAlive    bool
	closed       bool
}

func newConn(s *shard, fd int, meta ConnectionMetadata) *conn {
	c := &conn{shard: s, meta: meta, fd: fd}
	c.parser = newRequestParser(&c.tok)
	c.timeout = s.sched.schedule(c.onTimeout, s.opts.RequestTimeout)
	return c
}

func (c *conn) onEvents(events IOEvents) {
	if c.closed {
		return
	}
	interest := c.shard.poller.interest(c.fd)
	switch {
	case interest&EventRead != 0:
		// errors and hangups surface through read
		c.doRead()
	case interest&EventWrite != 0:
		c.doWrite()
	case events&(EventError|EventHangup) != 0:
		// only reported while dispatching, the connection is unusable
		c.shard.logger.debug().
			Uint64(logKeyID, c.meta.ID).
			Stringer(logKeyEvents, events).
			Log(logHangupClose)
		c.failSafeClose()
	}
}

func (c *conn) doRead() {
	s := c.shard
	n, err := readFD(c.fd, s.readBuf)
	if err != nil {
		if isTemporary(err) {
			return
		}
		s.logger.debug().Uint64(logKeyID, c.meta.ID).Err(err).Log(logReadError)
		c.failSafeClose()
		return
	}
	if n == 0 {
		s.logger.debug().Uint64(logKeyID, c.meta.ID).Log(logReadClose)
		c.failSafeClose()
		return
	}

	s.logger.debug().Uint64(logKeyID, c.meta.ID).Int(logKeyNumBytes, n).Log(logReadBytes)

	c.timeout.reschedule()
	c.tok.add(s.readBuf[:n])
	if done, ok := c.parseNext(); ok && done {
		c.onParseRequest()
	}
}

// parseNext parses as far as the buffered bytes allow, enforcing the
// request size cap on an incomplete request. It returns false if the
// connection was closed.
func (c *conn) parseNext() (done bool, ok bool) {
	s := c.shard
	done, err := c.parser.parse()
	if err != nil {
		s.metrics.inc(metricMalformed)
		s.logger.debug().Uint64(logKeyID, c.meta.ID).Err(err).Log(logMalformedRequestClose)
		c.failSafeClose()
		return false, false
	}
	if !done && c.tok.size() > s.opts.MaxRequestSize {
		s.metrics.inc(metricOversized)
		s.logger.debug().
			Uint64(logKeyID, c.meta.ID).
			Int(logKeyNumBytes, c.tok.size()).
			Log(logExceedRequestMaxClose)
		c.failSafeClose()
		return false, false
	}
	return done, true
}

func (c *conn) onParseRequest() {
	s := c.shard
	if err := s.poller.modifyFD(c.fd, 0); err != nil {
		s.logger.debug().Uint64(logKeyID, c.meta.ID).Err(err).Log(logReadError)
		c.failSafeClose()
		return
	}
	c.timeout.cancel()

	req := c.parser.request()
	c.http10 = req.isHTTP10()
	c.keepAlive = req.isKeepAlive()
	c.tok.compact()
	c.parser = newRequestParser(&c.tok)

	s.metrics.inc(metricRequests)
	if s.metrics != nil {
		c.dispatchedAt = time.Now()
	}
	s.logger.debug().
		Uint64(logKeyID, c.meta.ID).
		Str(logKeyMethod, req.Method).
		Str(logKeyURI, req.URI).
		Log(logReadRequest)

	c.dispatch(req)
}

func (c *conn) dispatch(req *Request) {
	s := c.shard
	respond := func(resp *Response) {
		s.submit(func() { c.onResponse(resp) })
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.err().Uint64(logKeyID, c.meta.ID).Any("panic", r).Log(logHandlerPanic)
			c.failSafeClose()
		}
	}()
	if s.metaHandler != nil {
		s.metaHandler.HandleWithMetadata(c.meta, req, respond)
	} else {
		s.handler.Handle(req, respond)
	}
}

// onResponse runs on the shard goroutine. Responses for closed connections
// are discarded.
func (c *conn) onResponse(resp *Response) {
	if c.closed {
		return
	}
	s := c.shard
	if resp == nil {
		s.logger.debug().Uint64(logKeyID, c.meta.ID).Log(logNilResponse)
		c.failSafeClose()
		return
	}
	c.writeBuf = resp.serialize(c.http10, responseHeaders(resp, c.http10, c.keepAlive))
	c.writePos = 0
	s.logger.debug().
		Uint64(logKeyID, c.meta.ID).
		Int(logKeyStatus, resp.Status).
		Int(logKeyNumBytes, len(c.writeBuf)).
		Log(logResponseReady)
	c.doWrite()
}

func (c *conn) doWrite() {
	s := c.shard
	end := min(len(c.writeBuf), c.writePos+s.opts.WriteBufferSize)
	n, err := writeFD(c.fd, c.writeBuf[c.writePos:end])
	if err != nil {
		if !isTemporary(err) {
			s.logger.debug().Uint64(logKeyID, c.meta.ID).Err(err).Log(logWriteError)
			c.failSafeClose()
			return
		}
		n = 0
	}
	c.writePos += n

	if c.writePos < len(c.writeBuf) {
		if err := s.poller.modifyFD(c.fd, EventWrite); err != nil {
			s.logger.debug().Uint64(logKeyID, c.meta.ID).Err(err).Log(logWriteError)
			c.failSafeClose()
			return
		}
		s.logger.debug().Uint64(logKeyID, c.meta.ID).Int(logKeyNumBytes, n).Log(logWrite)
		return
	}

	c.writeBuf = nil
	c.writePos = 0
	if s.metrics != nil {
		s.metrics.recordLatency(time.Since(c.dispatchedAt))
	}
	s.metrics.inc(metricResponses)
	s.logger.debug().Uint64(logKeyID, c.meta.ID).Log(logWriteResponse)

	if c.http10 && !c.keepAlive {
		s.logger.debug().Uint64(logKeyID, c.meta.ID).Log(logCloseAfterResponse)
		c.failSafeClose()
		return
	}

	if c.tok.remaining() != 0 {
		done, ok := c.parseNext()
		if !ok {
			return
		}
		if done {
			s.metrics.inc(metricPipelined)
			s.logger.debug().Uint64(logKeyID, c.meta.ID).Log(logPipelineRequest)
			c.onParseRequest()
			return
		}
	}

	c.timeout.reschedule()
	if err := s.poller.modifyFD(c.fd, EventRead); err != nil {
		s.logger.debug().Uint64(logKeyID, c.meta.ID).Err(err).Log(logReadError)
		c.failSafeClose()
	}
}

func (c *conn) onTimeout() {
	if c.closed {
		return
	}
	c.shard.metrics.inc(metricTimeouts)
	c.shard.logger.debug().Uint64(logKeyID, c.meta.ID).Log(logRequestTimeout)
	c.failSafeClose()
}

// failSafeClose tears the connection down, ignoring any errors. A handler
// still in flight has its response discarded.
func (c *conn) failSafeClose() {
	if c.closed {
		return
	}
	c.closed = true
	s := c.shard
	c.timeout.cancel()
	_ = s.poller.unregisterFD(c.fd)
	closeFD(c.fd)
	delete(s.conns, c.fd)
	s.numConns.Add(-1)
	s.metrics.inc(metricClosed)
	c.writeBuf = nil
}
