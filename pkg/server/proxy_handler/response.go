package proxy_handler

import (
	"fmt"
	"net/http"
	"sync"
)

var errorResponses sync.Map // map[int][]byte

// errorResponse returns the raw error document for code. Unknown codes
// are reported as 500.
func errorResponse(code int) []byte {
	if v, ok := errorResponses.Load(code); ok {
		return v.([]byte)
	}
	text := http.StatusText(code)
	if len(text) == 0 {
		code = http.StatusInternalServerError
		text = http.StatusText(code)
	}
	body := fmt.Sprintf("{\"error\": %q}\r\n", text)
	b := []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n"+
		"Content-Type: application/json\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n"+
		"\r\n%s", code, text, len(body), body))
	errorResponses.Store(code, b)
	return b
}

// accumulator collects a relayed response as long as it stays within limit
// bytes. Each in flight response owns one.
type accumulator struct {
	limit    int64
	buf      []byte
	overflow bool
}

func newAccumulator(limit int64) *accumulator {
	return &accumulator{limit: limit}
}

func (a *accumulator) add(b []byte) {
	if a.overflow {
		return
	}
	if int64(len(a.buf)+len(b)) > a.limit {
		a.overflow = true
		a.buf = nil
		return
	}
	a.buf = append(a.buf, b...)
}

// bytes returns the collected response, ok is false if it grew too large
// or is empty.
func (a *accumulator) bytes() (b []byte, ok bool) {
	if a.overflow || len(a.buf) == 0 {
		return nil, false
	}
	return a.buf, true
}
