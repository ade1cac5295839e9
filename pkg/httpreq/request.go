package httpreq

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxMethodLen is the longest accepted method token.
	MaxMethodLen = 15
	// MaxTargetLen is the longest accepted request target.
	MaxTargetLen = 2048
)

var (
	ErrMalformedRequest     = errors.New("malformed request")
	ErrInvalidTarget        = errors.New("invalid request target")
	ErrForbiddenHeader      = errors.New("forbidden header")
	ErrInvalidContentLength = errors.New("invalid content length")

	// ErrEntityTooLarge is an ErrInvalidContentLength for a declared body
	// larger than the allowed maximum.
	ErrEntityTooLarge = fmt.Errorf("%w: entity too large", ErrInvalidContentLength)
)

var (
	crlf        = []byte("\r\n")
	headerEnd   = []byte("\r\n\r\n")
	doubleSlash = []byte("//")
)

// Headers that would let a client chain this proxy through another one.
var forbiddenHeaders = []string{"Proxy-Connection", "X-Forwarded-For", "X-Proxy"}

// ParseError is returned by Parse. It matches its Kind with errors.Is.
type ParseError struct {
	Kind   error
	Detail string
}

func (e *ParseError) Error() string {
	if len(e.Detail) == 0 {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Detail
}

func (e *ParseError) Unwrap() error {
	return e.Kind
}

func parseErr(kind error, format string, a ...any) *ParseError {
	return &ParseError{Kind: kind, Detail: fmt.Sprintf(format, a...)}
}

// Request holds the routing relevant fields of a raw request.
// Body aliases the buffer given to Parse.
type Request struct {
	Method        string
	Target        string
	Version       string
	Host          string
	ContentType   string
	ContentLength int64
	Body          []byte

	// HeaderLen is the length of the request line and header block,
	// including the blank line.
	HeaderLen int
}

// ExpectedLen is the number of bytes the complete request occupies.
func (r *Request) ExpectedLen() int64 {
	return int64(r.HeaderLen) + r.ContentLength
}

// Parse parses the request in b. maxContentLength bounds the declared
// Content-Length, zero means no bound.
//
// If the declared length exceeds maxContentLength, Parse returns a fully
// populated Request together with ErrEntityTooLarge. Callers that check the
// method before the size rely on this.
func Parse(b []byte, maxContentLength int64) (*Request, error) {
	end := bytes.Index(b, headerEnd)
	if end < 0 {
		return nil, parseErr(ErrMalformedRequest, "missing header terminator")
	}
	head := b[:end+2] // keep the CRLF of the last line

	lineEnd := bytes.Index(head, crlf)
	req := new(Request)
	if err := parseRequestLine(head[:lineEnd], req); err != nil {
		return nil, err
	}

	var sizeErr error
	rest := head[lineEnd+2:]
	for len(rest) > 0 {
		i := bytes.Index(rest, crlf)
		line := rest[:i]
		rest = rest[i+2:]

		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok || len(name) == 0 {
			return nil, parseErr(ErrMalformedRequest, "invalid header line %q", line)
		}
		key := string(bytes.TrimSpace(name))
		value = bytes.TrimSpace(value)

		for _, h := range forbiddenHeaders {
			if strings.EqualFold(key, h) {
				return nil, parseErr(ErrForbiddenHeader, "%s", h)
			}
		}

		switch {
		case strings.EqualFold(key, "Host"):
			req.Host = string(value)
		case strings.EqualFold(key, "Content-Type"):
			req.ContentType = string(value)
		case strings.EqualFold(key, "Content-Length"):
			n, err := strconv.ParseInt(string(value), 10, 64)
			if err != nil || n < 0 {
				return nil, parseErr(ErrInvalidContentLength, "%q", value)
			}
			req.ContentLength = n
			if maxContentLength > 0 && n > maxContentLength {
				sizeErr = &ParseError{Kind: ErrEntityTooLarge, Detail: fmt.Sprintf("%d > %d", n, maxContentLength)}
			}
		}
	}

	req.HeaderLen = end + len(headerEnd)
	if body := b[req.HeaderLen:]; len(body) > 0 {
		req.Body = body
	}
	return req, sizeErr
}

func parseRequestLine(line []byte, req *Request) error {
	sp := bytes.IndexByte(line, ' ')
	if sp < 0 {
		return parseErr(ErrMalformedRequest, "missing method")
	}
	if sp == 0 || sp > MaxMethodLen {
		return parseErr(ErrMalformedRequest, "invalid method length %d", sp)
	}
	req.Method = string(line[:sp])

	line = line[sp+1:]
	sp = bytes.IndexByte(line, ' ')
	if sp < 0 {
		return parseErr(ErrMalformedRequest, "missing request target")
	}
	if sp == 0 || sp > MaxTargetLen {
		return parseErr(ErrMalformedRequest, "invalid target length %d", sp)
	}
	target := line[:sp]
	if bytes.IndexByte(target, ':') >= 0 || bytes.Contains(target, doubleSlash) {
		return parseErr(ErrInvalidTarget, "%q", target)
	}
	req.Target = string(target)

	version := bytes.TrimSpace(line[sp+1:])
	if len(version) == 0 {
		return parseErr(ErrMalformedRequest, "missing protocol version")
	}
	req.Version = string(version)
	return nil
}
