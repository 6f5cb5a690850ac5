package microhttp

import (
	"bytes"
)

// byteTokenizer is a growable byte buffer with a read cursor.
//
// Tokens returned by next and nextDelimited alias the backing array, and
// remain valid only until the next call to compact. Bytes before the cursor
// are never returned again.
type byteTokenizer struct {
	buf []byte // len(buf) is the write position (size)
	pos int    // read cursor
}

// add appends b, growing to max(size+len(b), 2*cap) when full.
func (t *byteTokenizer) add(b []byte) {
	size := len(t.buf)
	if size+len(b) > cap(t.buf) {
		n := max(size+len(b), 2*cap(t.buf))
		grown := make([]byte, size, n)
		copy(grown, t.buf)
		t.buf = grown
	}
	t.buf = append(t.buf, b...)
}

// next consumes exactly n bytes, if that many are available.
func (t *byteTokenizer) next(n int) ([]byte, bool) {
	if n < 0 || len(t.buf)-t.pos < n {
		return nil, false
	}
	start := t.pos
	t.pos += n
	return t.buf[start:t.pos:t.pos], true
}

// nextDelimited consumes up to and including the next occurrence of delim,
// returning the bytes before it.
func (t *byteTokenizer) nextDelimited(delim []byte) ([]byte, bool) {
	i := bytes.Index(t.buf[t.pos:], delim)
	if i < 0 {
		return nil, false
	}
	start := t.pos
	end := start + i
	t.pos = end + len(delim)
	return t.buf[start:end:end], true
}

// index returns the offset of delim in the unread bytes, or -1.
func (t *byteTokenizer) index(delim []byte) int {
	return bytes.Index(t.buf[t.pos:], delim)
}

// compact discards consumed bytes, shrinking the backing array to exactly
// the unread bytes.
func (t *byteTokenizer) compact() {
	unread := make([]byte, len(t.buf)-t.pos)
	copy(unread, t.buf[t.pos:])
	t.buf = unread
	t.pos = 0
}

func (t *byteTokenizer) size() int { return len(t.buf) }

func (t *byteTokenizer) position() int { return t.pos }

func (t *byteTokenizer) capacity() int { return cap(t.buf) }

// remaining returns the number of unread bytes.
func (t *byteTokenizer) remaining() int { return len(t.buf) - t.pos }
