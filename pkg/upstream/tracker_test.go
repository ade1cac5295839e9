package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func feedAll(rt *responseTracker, parts ...string) []bool {
	out := make([]bool, 0, len(parts))
	for _, p := range parts {
		out = append(out, rt.feed([]byte(p)))
	}
	return out
}

func TestResponseTracker(t *testing.T) {
	tests := []struct {
		name  string
		parts []string
		want  []bool
	}{
		{"single chunk", []string{"HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabc"}, []bool{true}},
		{"split terminator", []string{"HTTP/1.1 200 OK\r\ncontent-length: 3\r", "\n\r", "\nab", "c"}, []bool{false, false, false, true}},
		{"no length", []string{"HTTP/1.0 200 OK\r\n\r\n", "abc"}, []bool{false, false}},
		{"bad length", []string{"HTTP/1.1 200 OK\r\nContent-Length: x\r\n\r\nabc"}, []bool{false}},
		{"no content", []string{"HTTP/1.1 204 No Content\r\n\r\n"}, []bool{true}},
		{"not modified", []string{"HTTP/1.1 304 Not Modified\r\nETag: x\r\n\r\n"}, []bool{true}},
		{"zero length", []string{"HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"}, []bool{true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rt responseTracker
			assert.Equal(t, tt.want, feedAll(&rt, tt.parts...))
		})
	}
}

func TestResponseTracker_LongHead(t *testing.T) {
	var rt responseTracker
	chunk := make([]byte, 4096)
	for i := range chunk {
		chunk[i] = 'h'
	}
	for i := 0; i < 8; i++ {
		assert.False(t, rt.feed(chunk))
	}
	assert.True(t, rt.gaveUp)
	assert.False(t, rt.feed([]byte("\r\n\r\n")))
}
