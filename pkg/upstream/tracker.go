package upstream

import (
	"bytes"
	"strconv"
)

// Response heads longer than this are not inspected, the relay then
// lasts until EOF.
const maxTrackedHead = 16 << 10

var (
	headTerminator = []byte("\r\n\r\n")
	contentLength  = []byte("content-length")
)

// responseTracker watches relayed bytes to find out when a response that
// declares its Content-Length is complete.
type responseTracker struct {
	head    []byte
	headLen int64 // 0 until the head terminator is found
	bodyLen int64 // -1 if unknown
	seen    int64
	gaveUp  bool
}

// feed reports whether the response is complete after b.
func (t *responseTracker) feed(b []byte) bool {
	t.seen += int64(len(b))
	if t.gaveUp {
		return false
	}

	if t.headLen == 0 {
		start := len(t.head) - (len(headTerminator) - 1)
		if start < 0 {
			start = 0
		}
		t.head = append(t.head, b...)
		i := bytes.Index(t.head[start:], headTerminator)
		if i < 0 {
			if len(t.head) > maxTrackedHead {
				t.gaveUp = true
				t.head = nil
			}
			return false
		}
		t.headLen = int64(start + i + len(headTerminator))
		t.bodyLen = parseContentLength(t.head[:t.headLen])
		t.head = nil
		if t.bodyLen < 0 {
			t.gaveUp = true
			return false
		}
	}
	return t.seen >= t.headLen+t.bodyLen
}

// parseContentLength returns the body length announced by head, or -1.
func parseContentLength(head []byte) int64 {
	lines := bytes.Split(head, []byte("\r\n"))
	if noBody(lines[0]) {
		return 0
	}
	for _, line := range lines[1:] {
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok || !bytes.EqualFold(bytes.TrimSpace(name), contentLength) {
			continue
		}
		n, err := strconv.ParseInt(string(bytes.TrimSpace(value)), 10, 64)
		if err != nil || n < 0 {
			return -1
		}
		return n
	}
	return -1
}

// noBody reports whether the status line is one of a response that never
// carries a body.
func noBody(statusLine []byte) bool {
	f := bytes.Fields(statusLine)
	if len(f) < 2 {
		return false
	}
	code, err := strconv.Atoi(string(f[1]))
	if err != nil {
		return false
	}
	return code/100 == 1 || code == 204 || code == 304
}
