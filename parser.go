package microhttp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

type parserState uint8

const (
	stateMethod parserState = iota
	stateURI
	stateVersion
	stateHeader
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateChunkTrailer
	stateDone
)

var parserStateNames = [...]string{
	stateMethod:       "method",
	stateURI:          "uri",
	stateVersion:      "version",
	stateHeader:       "header",
	stateBody:         "body",
	stateChunkSize:    "chunk_size",
	stateChunkData:    "chunk_data",
	stateChunkDataEnd: "chunk_data_end",
	stateChunkTrailer: "chunk_trailer",
	stateDone:         "done",
}

func (s parserState) String() string {
	if int(s) < len(parserStateNames) {
		return parserStateNames[s]
	}
	return "unknown"
}

// maxChunkSizeBits bounds a single chunk, well above any sane request cap.
const maxChunkSizeBits = 31

// requestParser incrementally parses one request from a byteTokenizer. All
// progress lives in the parser, so parse may be called again whenever more
// bytes have been added to the tokenizer.
//
// A parser is used for exactly one request.
type requestParser struct {
	tok           *byteTokenizer
	err           error
	method        string
	uri           string
	version       string
	headers       []Header
	body          []byte
	chunks        byteMerger
	contentLength int
	chunkSize     int
	state         parserState
}

func newRequestParser(tok *byteTokenizer) *requestParser {
	return &requestParser{tok: tok}
}

// parse advances as far as the buffered bytes allow, returning true once a
// complete request is available. Errors wrap ErrMalformedRequest, and are
// sticky.
func (p *requestParser) parse() (bool, error) {
	for p.err == nil && p.state != stateDone {
		if p.requestLineTruncated() {
			p.err = fmt.Errorf("%w: incomplete request line", ErrMalformedRequest)
			break
		}
		token, ok := p.nextToken()
		if !ok {
			return false, nil
		}
		p.err = p.consume(token)
	}
	if p.err != nil {
		return false, p.err
	}
	return true, nil
}

// request returns the parsed request, only valid after parse returns true.
func (p *requestParser) request() *Request {
	return &Request{
		Method:  p.method,
		URI:     p.uri,
		Version: p.version,
		Headers: p.headers,
		Body:    p.body,
	}
}

func (p *requestParser) nextToken() ([]byte, bool) {
	switch p.state {
	case stateMethod, stateURI:
		return p.tok.nextDelimited(space)
	case stateBody:
		return p.tok.next(p.contentLength)
	case stateChunkData:
		return p.tok.next(p.chunkSize)
	default:
		return p.tok.nextDelimited(crlf)
	}
}

// requestLineTruncated reports whether the request line ends before the
// method or uri is terminated by a space.
func (p *requestParser) requestLineTruncated() bool {
	if p.state != stateMethod && p.state != stateURI {
		return false
	}
	end := p.tok.index(crlf)
	if end < 0 {
		return false
	}
	sp := p.tok.index(space)
	return sp < 0 || end < sp
}

func (p *requestParser) consume(token []byte) error {
	switch p.state {
	case stateMethod:
		v, err := requestLineToken("method", token)
		if err != nil {
			return err
		}
		p.method = v
		p.state = stateURI

	case stateURI:
		v, err := requestLineToken("uri", token)
		if err != nil {
			return err
		}
		p.uri = v
		p.state = stateVersion

	case stateVersion:
		v, err := requestLineToken("version", token)
		if err != nil {
			return err
		}
		p.version = v
		p.state = stateHeader

	case stateHeader:
		if len(token) == 0 {
			return p.resolveBody()
		}
		h, err := parseHeaderLine(token)
		if err != nil {
			return err
		}
		p.headers = append(p.headers, h)

	case stateBody:
		p.body = bytes.Clone(token)
		p.state = stateDone

	case stateChunkSize:
		n, err := strconv.ParseUint(string(token), 16, maxChunkSizeBits)
		if err != nil {
			return fmt.Errorf("%w: invalid chunk size %q", ErrMalformedRequest, token)
		}
		p.chunkSize = int(n)
		if n == 0 {
			p.state = stateChunkTrailer
		} else {
			p.state = stateChunkData
		}

	case stateChunkData:
		p.chunks.add(token)
		p.state = stateChunkDataEnd

	case stateChunkDataEnd:
		if len(token) != 0 {
			return fmt.Errorf("%w: chunk data exceeds chunk size", ErrMalformedRequest)
		}
		p.state = stateChunkSize

	case stateChunkTrailer:
		// trailer fields are discarded
		if len(token) == 0 {
			p.body = p.chunks.merge()
			p.state = stateDone
		}

	default:
		return fmt.Errorf("microhttp: unexpected parser state %s", p.state)
	}
	return nil
}

// resolveBody selects the body framing, once all headers have been read.
func (p *requestParser) resolveBody() error {
	var (
		framing int
		cl      string
		te      string
	)
	for _, h := range p.headers {
		switch {
		case strings.EqualFold(h.Name, headerContentLength):
			framing++
			cl = h.Value
		case strings.EqualFold(h.Name, headerTransferEncoding):
			framing++
			te = h.Value
		}
	}
	if framing > 1 {
		return fmt.Errorf("%w: multiple message length headers", ErrMalformedRequest)
	}

	switch {
	case cl != ``:
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return fmt.Errorf("%w: invalid content length %q", ErrMalformedRequest, cl)
		}
		p.contentLength = n
		p.state = stateBody
	case strings.EqualFold(strings.TrimSpace(te), valueChunked):
		p.state = stateChunkSize
	default:
		p.state = stateDone
	}
	return nil
}

func requestLineToken(name string, token []byte) (string, error) {
	if len(token) == 0 {
		return ``, fmt.Errorf("%w: empty %s", ErrMalformedRequest, name)
	}
	if bytes.ContainsAny(token, "\r\n") {
		return ``, fmt.Errorf("%w: invalid %s %q", ErrMalformedRequest, name, token)
	}
	return string(token), nil
}

// parseHeaderLine parses `Name:[ ]*Value`.
func parseHeaderLine(line []byte) (Header, error) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return Header{}, fmt.Errorf("%w: header line without colon %q", ErrMalformedRequest, line)
	}
	if i == 0 {
		return Header{}, fmt.Errorf("%w: header line without name %q", ErrMalformedRequest, line)
	}
	value := bytes.TrimLeft(line[i+1:], " ")
	if len(value) == 0 {
		return Header{}, fmt.Errorf("%w: header line without value %q", ErrMalformedRequest, line)
	}
	return Header{Name: string(line[:i]), Value: string(value)}, nil
}
